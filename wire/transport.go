package wire

import (
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zteradb/zteradb-go/zterr"
)

// DialOptions controls how a Transport's socket is established.
type DialOptions struct {
	// Timeout bounds the TCP connect (and TLS handshake when enabled).
	// Zero means no bound.
	Timeout time.Duration
	// UseTLS wraps the connection in TLS after connecting.
	UseTLS bool
	// VerifyTLSHost enables peer hostname verification when UseTLS is
	// set. Off by default, matching the server's self-signed deployments.
	VerifyTLSHost bool
}

// Transport owns one ZTeraDB connection. It is not safe for concurrent
// use; the pool loans each transport to exactly one query at a time.
type Transport struct {
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// Open connects a stream socket (TCP over IPv4) to host:port and wraps
// it in a Transport. Failures identify the stage that failed.
func Open(host string, port int, opts DialOptions) (*Transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.Dial("tcp4", addr)
	if err != nil {
		return nil, zterr.Wrap(zterr.Connection, "connecting to "+addr, err)
	}

	if opts.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: !opts.VerifyTLSHost, //nolint:gosec // host verification is opt-in by config
		})
		if opts.Timeout > 0 {
			tlsConn.SetDeadline(time.Now().Add(opts.Timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, zterr.Wrap(zterr.Connection, "tls handshake with "+addr, err)
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	return &Transport{conn: conn}, nil
}

// NewTransport wraps an existing connection. Used by tests and by
// callers that manage their own dialing.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// SetDeadline applies an absolute I/O deadline to the socket. A
// deadline exceeded mid-read surfaces as a connection error. The zero
// time clears it.
func (t *Transport) SetDeadline(deadline time.Time) error {
	return t.conn.SetDeadline(deadline)
}

// RemoteAddr returns the peer address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Closed reports whether the transport has been closed, either by
// Close or by a failed read.
func (t *Transport) Closed() bool {
	return t.closed
}

// Send writes payload as one frame. net.Conn.Write already loops until
// the full buffer is written or the connection fails.
func (t *Transport) Send(payload []byte) error {
	if t.closed {
		return zterr.New(zterr.Connection, "transport is closed")
	}
	if _, err := t.conn.Write(EncodeFrame(payload)); err != nil {
		t.fail()
		return zterr.Wrap(zterr.Connection, "writing frame", err)
	}
	return nil
}

// ReadFrame reads exactly one frame: the 4-byte length prefix, the
// payload, then a JSON decode. Any short read marks the transport
// closed.
func (t *Transport) ReadFrame() (*Frame, error) {
	if t.closed {
		return nil, zterr.New(zterr.Protocol, "transport is closed")
	}

	header := make([]byte, LengthSize)
	if err := t.readFull(header); err != nil {
		return nil, err
	}
	length := DecodeLength(header)

	payload := make([]byte, length)
	if err := t.readFull(payload); err != nil {
		return nil, err
	}

	frame := &Frame{}
	if err := UnmarshalPayload(payload, frame); err != nil {
		t.fail()
		return nil, err
	}
	return frame, nil
}

// readFull accumulates exactly len(buf) bytes. A deadline expiry maps
// to a connection error; EOF or any other interruption maps to a
// protocol error, after which the transport is considered closed.
func (t *Transport) readFull(buf []byte) error {
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		t.fail()
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return zterr.Wrap(zterr.Connection, "read deadline exceeded", err)
		}
		return zterr.Wrap(zterr.Protocol, "connection closed or interrupted", err)
	}
	return nil
}

// Receive starts a frame stream that ends when the server sends the
// QUERY_COMPLETE sentinel. The stream is finite and forward-only: once
// drained (or failed) it yields nothing more.
func (t *Transport) Receive() *FrameStream {
	return &FrameStream{t: t}
}

// Close releases the socket. Safe to call more than once; only the
// first call touches the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed = true
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// fail marks the transport closed after an I/O error without double
// closing the socket.
func (t *Transport) fail() {
	t.Close()
}

// FrameStream iterates the frames of one response until the terminator.
type FrameStream struct {
	t    *Transport
	cur  *Frame
	err  error
	done bool
}

// Next advances to the next frame. It returns false when the
// terminator arrives, the stream is drained, or an error occurs; check
// Err afterwards.
func (s *FrameStream) Next() bool {
	if s.done {
		return false
	}
	frame, err := s.t.ReadFrame()
	if err != nil {
		s.err = err
		s.done = true
		s.cur = nil
		return false
	}
	if frame.ResponseCode == ResponseQueryComplete {
		s.done = true
		s.cur = nil
		return false
	}
	s.cur = frame
	return true
}

// Frame returns the frame produced by the last successful Next.
func (s *FrameStream) Frame() *Frame { return s.cur }

// Err returns the error that terminated the stream, if any. A stream
// ended by the sentinel reports nil.
func (s *FrameStream) Err() error { return s.err }

// Done reports whether the stream has finished, cleanly or not.
func (s *FrameStream) Done() bool { return s.done }
