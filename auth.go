package zteradb

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zteradb/zteradb-go/config"
	"github.com/zteradb/zteradb-go/wire"
	"github.com/zteradb/zteradb-go/zterr"
)

// tokenExpiryHorizon is how close to expiry a token may get before the
// pool recycles its transport.
const tokenExpiryHorizon = 15 * time.Minute

// Token is the server-issued access token bound to one transport.
type Token struct {
	ClientKey   string
	AccessKey   string
	AccessToken string
	ExpiresAt   time.Time
}

// Expired reports whether the token is within the expiry horizon of,
// or past, its expiry instant at the given time.
func (t *Token) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return !now.Before(t.ExpiresAt.Add(-tokenExpiryHorizon))
}

// authenticator produces handshake documents and parses the server's
// response into a Token. The nonce seed is injectable for tests.
type authenticator struct {
	seed func() ([16]byte, error)
}

func newAuthenticator() *authenticator {
	return &authenticator{seed: randomSeed}
}

func randomSeed() ([16]byte, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, err
	}
	return b, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// nonce derives a fresh 64-char hex nonce:
// SHA256(hex(16 random bytes) || access_key || client_key).
func (a *authenticator) nonce(accessKey, clientKey string) (string, error) {
	seed, err := a.seed()
	if err != nil {
		return "", zterr.Wrap(zterr.Auth, "generating nonce", err)
	}
	return sha256Hex(hex.EncodeToString(seed[:]) + accessKey + clientKey), nil
}

// handshakeDocument builds the CONNECT payload for one handshake. The
// nonce is regenerated on every call.
func (a *authenticator) handshakeDocument(cfg *config.Config) (map[string]any, error) {
	nonce, err := a.nonce(cfg.AccessKey, cfg.ClientKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"access_key":    cfg.AccessKey,
		"client_key":    cfg.ClientKey,
		"nonce":         nonce,
		"request_token": sha256Hex(cfg.SecretKey + nonce),
		"request_type":  int(wire.RequestConnect),
	}, nil
}

// tokenData is the payload of a successful handshake response.
type tokenData struct {
	ClientKey         string `json:"client_key"`
	AccessKey         string `json:"access_key"`
	AccessToken       string `json:"access_token"`
	AccessTokenExpire string `json:"access_token_expire"`
}

// authenticate performs the handshake over a freshly opened transport:
// send the CONNECT document, read exactly one frame, and record the
// issued token.
func (a *authenticator) authenticate(t *wire.Transport, cfg *config.Config) (*Token, error) {
	doc, err := a.handshakeDocument(cfg)
	if err != nil {
		return nil, err
	}
	payload, err := wire.MarshalPayload(doc)
	if err != nil {
		return nil, err
	}
	if err := t.Send(payload); err != nil {
		return nil, err
	}

	frame, err := t.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.ErrorSet() {
		return nil, zterr.New(zterr.Auth, frame.DataString())
	}

	var data tokenData
	if len(frame.Data) == 0 {
		return nil, zterr.New(zterr.Value, "handshake response has no data")
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		return nil, zterr.Wrap(zterr.Value, "handshake response data is malformed", err)
	}
	if data.ClientKey == "" || data.AccessKey == "" || data.AccessToken == "" || data.AccessTokenExpire == "" {
		return nil, zterr.New(zterr.Value, "handshake response is missing token fields")
	}

	expires, err := time.Parse(time.RFC3339, data.AccessTokenExpire)
	if err != nil {
		return nil, zterr.Wrap(zterr.Value, "handshake response carries an invalid expiry timestamp", err)
	}

	return &Token{
		ClientKey:   data.ClientKey,
		AccessKey:   data.AccessKey,
		AccessToken: data.AccessToken,
		ExpiresAt:   expires.UTC(),
	}, nil
}
