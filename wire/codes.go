package wire

// RequestType identifies the kind of request a client frame carries.
type RequestType int

// Request-type codes. The schema/admin range 0x008–0x025 is reserved by
// the server; clients built on this library do not issue them but the
// bounds are declared so tooling can classify inbound captures.
const (
	RequestConnect    RequestType = 0x001
	RequestDisconnect RequestType = 0x003
	RequestQuery      RequestType = 0x005
	RequestPing       RequestType = 0x007

	RequestSchemaAdminMin RequestType = 0x008
	RequestSchemaAdminMax RequestType = 0x025
)

// ResponseCode identifies the kind of response a server frame carries.
type ResponseCode int

// Response-type codes.
const (
	ResponseConnected            ResponseCode = 0x002
	ResponseDisconnected         ResponseCode = 0x004
	ResponseDisconnectError      ResponseCode = 0x005
	ResponseClientAuthError      ResponseCode = 0x006
	ResponseQueryData            ResponseCode = 0x007
	ResponseQueryError           ResponseCode = 0x009
	ResponsePong                 ResponseCode = 0x010
	ResponseNoAccess             ResponseCode = 0x011
	ResponseParseQueryError      ResponseCode = 0x100
	ResponseCreateSchemaSuccess  ResponseCode = 0x201
	ResponsePublishSchemaSuccess ResponseCode = 0x202
	ResponseTokenExpired         ResponseCode = 0x400
	ResponseInvalidSchema        ResponseCode = 0x401
	ResponseFieldError           ResponseCode = 0x402
	ResponseConnectError         ResponseCode = 0x500
	ResponseCreateSchemaError    ResponseCode = 0x501
	ResponsePublishSchemaError   ResponseCode = 0x502
	ResponseQueryComplete        ResponseCode = 0x608
)
