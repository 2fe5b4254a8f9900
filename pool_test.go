package zteradb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zteradb/zteradb-go/config"
	"github.com/zteradb/zteradb-go/wire"
	"github.com/zteradb/zteradb-go/zql"
	"github.com/zteradb/zteradb-go/zterr"
)

// fakeServer speaks just enough of the ZTeraDB protocol for pool tests:
// it answers the handshake on every connection, then serves queries,
// pings, and disconnects until the peer goes away.
type fakeServer struct {
	t  *testing.T
	l  net.Listener
	wg sync.WaitGroup

	mu          sync.Mutex
	handshakes  int
	pings       int
	queries     int
	tokenExpire func() time.Time
	queryFrames []map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeServer{
		t:           t,
		l:           l,
		tokenExpire: func() time.Time { return time.Now().Add(2 * time.Hour) },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()

	return s
}

func (s *fakeServer) hostPort() (string, int) {
	addr := s.l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (s *fakeServer) close() {
	s.l.Close()
	s.wg.Wait()
}

func (s *fakeServer) setQueryFrames(frames ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryFrames = frames
}

func (s *fakeServer) counts() (handshakes, pings, queries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes, s.pings, s.queries
}

func (s *fakeServer) send(conn net.Conn, body map[string]any) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		s.t.Errorf("fake server marshal: %v", err)
		return false
	}
	_, err = conn.Write(wire.EncodeFrame(payload))
	return err == nil
}

// readRequest reads one framed client request off the raw connection.
func readRequest(conn net.Conn) (map[string]any, error) {
	header := make([]byte, wire.LengthSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	payload := make([]byte, wire.DecodeLength(header))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()

	// Handshake first.
	if _, err := readRequest(conn); err != nil {
		return
	}
	s.mu.Lock()
	s.handshakes++
	expire := s.tokenExpire()
	s.mu.Unlock()

	if !s.send(conn, map[string]any{
		"error": false,
		"data": map[string]any{
			"client_key":          "K",
			"access_key":          "A",
			"access_token":        "T",
			"access_token_expire": expire.UTC().Format(time.RFC3339),
		},
	}) {
		return
	}

	// Then requests until the peer hangs up.
	for {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		requestType, _ := req["request_type"].(float64)

		switch wire.RequestType(requestType) {
		case wire.RequestQuery:
			s.mu.Lock()
			s.queries++
			frames := make([]map[string]any, len(s.queryFrames))
			copy(frames, s.queryFrames)
			s.mu.Unlock()
			for _, f := range frames {
				if !s.send(conn, f) {
					return
				}
			}
		case wire.RequestPing:
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			if !s.send(conn, map[string]any{"response_code": int(wire.ResponsePong)}) {
				return
			}
		case wire.RequestDisconnect:
			s.send(conn, map[string]any{"response_code": int(wire.ResponseDisconnected)})
			return
		default:
			return
		}
	}
}

func testPoolConfig(min, max int) *config.Config {
	return &config.Config{
		ClientKey:        "K",
		AccessKey:        "A",
		SecretKey:        "S",
		DatabaseID:       "db-1",
		Env:              config.EnvDev,
		ResponseDataType: config.ResponseDataTypeJSON,
		Options: config.Options{
			ConnectionPool: config.PoolOptions{
				Min:            config.Int(min),
				Max:            config.Int(max),
				AcquireTimeout: 2 * time.Second,
				DialTimeout:    time.Second,
			},
		},
	}
}

func dataFrame(id int) map[string]any {
	return map[string]any{
		"response_code": int(wire.ResponseQueryData),
		"data":          map[string]any{"id": id},
	}
}

func completeFrame() map[string]any {
	return map[string]any{"response_code": int(wire.ResponseQueryComplete)}
}

func TestNewWarmsUpMinTransports(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(2, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	stats := pool.Stats()
	if stats.Idle != 2 || stats.Total != 2 || stats.InUse != 0 {
		t.Errorf("after warm-up: %+v", stats)
	}
	handshakes, _, _ := srv.counts()
	if handshakes != 2 {
		t.Errorf("expected 2 handshakes, got %d", handshakes)
	}
}

func TestNoEagerOpensWithMinZero(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	host, port := srv.hostPort()

	// min=0 max=0: legal, unbounded, no eager opens.
	pool, err := New(host, port, testPoolConfig(0, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	if stats := pool.Stats(); stats.Total != 0 {
		t.Errorf("expected no transports, got %+v", stats)
	}
}

func TestRunStreamsRows(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(dataFrame(1), dataFrame(2), completeFrame())
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(1, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var ids []int
	for rows.Next() {
		var row struct {
			ID int `json:"id"`
		}
		if err := rows.Decode(&row); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		ids = append(ids, row.ID)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows error: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("ids = %v, want [1 2]", ids)
	}

	// Clean completion returns the transport to idle.
	stats := pool.Stats()
	if stats.Idle != 1 || stats.InUse != 0 || stats.Total != 1 {
		t.Errorf("after clean stream: %+v", stats)
	}

	// A drained stream yields nothing more.
	if rows.Next() {
		t.Error("drained rows should not yield")
	}
}

func TestRunServerErrorMidStream(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(
		dataFrame(1),
		map[string]any{
			"response_code": int(wire.ResponseFieldError),
			"data":          "unknown field",
		},
	)
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(1, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !rows.Next() {
		t.Fatalf("expected the first data row, got err %v", rows.Err())
	}
	if rows.Next() {
		t.Fatal("expected the stream to fail after the first row")
	}

	err = rows.Err()
	if !zterr.IsKind(err, zterr.Query) {
		t.Fatalf("expected Query kind, got %v", err)
	}
	var ze *zterr.Error
	if !errors.As(err, &ze) {
		t.Fatalf("expected *zterr.Error, got %T", err)
	}
	if ze.Message() != "unknown field" {
		t.Errorf("error message = %q, want server data", ze.Message())
	}

	// The failed transport is removed from both sets.
	stats := pool.Stats()
	if stats.Total != 0 || stats.Idle != 0 || stats.InUse != 0 {
		t.Errorf("after mid-stream error: %+v", stats)
	}
}

func TestTokenRefreshBeforeQuery(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(dataFrame(1), completeFrame())

	// The server issues tokens that are already inside the 15-minute
	// horizon, so every acquire recycles the transport.
	srv.mu.Lock()
	srv.tokenExpire = func() time.Time { return time.Now().Add(time.Minute) }
	srv.mu.Unlock()

	host, port := srv.hostPort()
	pool, err := New(host, port, testPoolConfig(1, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows error: %v", err)
	}

	handshakes, _, _ := srv.counts()
	if handshakes != 2 {
		t.Errorf("expected a re-authenticated replacement (2 handshakes), got %d", handshakes)
	}
	if refreshes := pool.Stats().TokenRefreshes; refreshes != 1 {
		t.Errorf("token refreshes = %d, want 1", refreshes)
	}
}

func TestFreshTokenIsReused(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(completeFrame())
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(1, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	for i := 0; i < 3; i++ {
		rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			t.Fatalf("rows error: %v", err)
		}
	}

	handshakes, _, _ := srv.counts()
	if handshakes != 1 {
		t.Errorf("fresh token should be reused across queries, got %d handshakes", handshakes)
	}
}

func TestTokenRefreshWithFakeClock(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(completeFrame())

	start := time.Now()
	fc := clockwork.NewFakeClockAt(start)

	srv.mu.Lock()
	srv.tokenExpire = func() time.Time { return start.Add(30 * time.Minute) }
	srv.mu.Unlock()

	host, port := srv.hostPort()
	pool, err := New(host, port, testPoolConfig(1, 4), WithClock(fc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	// At t0 the token has 30 minutes left: no refresh.
	rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for rows.Next() {
	}
	if h, _, _ := srv.counts(); h != 1 {
		t.Fatalf("no refresh expected yet, got %d handshakes", h)
	}

	// 20 minutes later the token is within the expiry horizon.
	fc.Advance(20 * time.Minute)

	rows, err = pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("Run after advance: %v", err)
	}
	for rows.Next() {
	}
	if h, _, _ := srv.counts(); h != 2 {
		t.Errorf("expected refresh after clock advance, got %d handshakes", h)
	}
}

func TestAbandonedRowsDestroysTransport(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(dataFrame(1), dataFrame(2), dataFrame(3), completeFrame())
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(1, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rows.Next() {
		t.Fatalf("expected a first row, err %v", rows.Err())
	}

	// Abandon before the terminator: there is no in-band abort, so the
	// transport must be closed, not returned to idle.
	rows.Close()

	stats := pool.Stats()
	if stats.Total != 0 || stats.Idle != 0 || stats.InUse != 0 {
		t.Errorf("after abandoning the stream: %+v", stats)
	}

	if rows.Next() {
		t.Error("closed rows should not yield")
	}
}

func TestPoolBoundWaitsForRelease(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(dataFrame(1), completeFrame())
	host, port := srv.hostPort()

	exhausted := 0
	var exhaustedMu sync.Mutex
	pool, err := New(host, port, testPoolConfig(0, 1), WithExhaustedHook(func() {
		exhaustedMu.Lock()
		exhausted++
		exhaustedMu.Unlock()
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	first, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
		if err != nil {
			done <- err
			return
		}
		for rows.Next() {
		}
		done <- rows.Err()
	}()

	// Give the second caller time to park, then release the transport.
	time.Sleep(50 * time.Millisecond)
	for first.Next() {
	}
	if err := first.Err(); err != nil {
		t.Fatalf("first rows error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Run did not complete after release")
	}

	exhaustedMu.Lock()
	defer exhaustedMu.Unlock()
	if exhausted == 0 {
		t.Error("exhausted hook should have fired")
	}
}

func TestAcquireTimeoutWhenExhausted(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(dataFrame(1), completeFrame())
	host, port := srv.hostPort()

	cfg := testPoolConfig(0, 1)
	cfg.Options.ConnectionPool.AcquireTimeout = 100 * time.Millisecond

	pool, err := New(host, port, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	first, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	defer first.Close()

	_, err = pool.Run(context.Background(), zql.NewQuery("user").Select())
	if !zterr.IsKind(err, zterr.Connection) {
		t.Fatalf("expected Connection kind on acquire timeout, got %v", err)
	}
}

func TestPing(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(1, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, pings, _ := srv.counts(); pings != 1 {
		t.Errorf("server saw %d pings, want 1", pings)
	}

	// The transport is back in idle afterwards.
	if stats := pool.Stats(); stats.Idle != 1 || stats.InUse != 0 {
		t.Errorf("after ping: %+v", stats)
	}
}

func TestQueryOne(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(dataFrame(7), completeFrame())
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(1, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	row, err := pool.QueryOne(context.Background(), zql.NewQuery("user").Select())
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	var data struct {
		ID int `json:"id"`
	}
	if err := row.Decode(&data); err != nil || data.ID != 7 {
		t.Errorf("row = %s, err = %v", string(row), err)
	}

	// No data frames before the terminator.
	srv.setQueryFrames(completeFrame())
	_, err = pool.QueryOne(context.Background(), zql.NewQuery("user").Select())
	if !zterr.IsKind(err, zterr.NoResponseData) {
		t.Fatalf("expected NoResponseData kind, got %v", err)
	}
}

func TestRunRejectsInvalidQueries(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(0, 2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Run(context.Background(), nil); !zterr.IsKind(err, zterr.Value) {
		t.Errorf("nil query: expected Value kind, got %v", err)
	}

	bad := zql.NewQuery("user").Select().Limit(0, 0)
	if _, err := pool.Run(context.Background(), bad); !zterr.IsKind(err, zterr.Value) {
		t.Errorf("invalid query: expected Value kind, got %v", err)
	}

	// No type set.
	untyped := zql.NewQuery("user")
	if _, err := pool.Run(context.Background(), untyped); !zterr.IsKind(err, zterr.Value) {
		t.Errorf("untyped query: expected Value kind, got %v", err)
	}

	// Builder validation never touches the network.
	if _, _, queries := srv.counts(); queries != 0 {
		t.Errorf("server saw %d queries, want 0", queries)
	}
}

func TestAuthFailurePropagatesFromNew(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				tr := wire.NewTransport(conn)
				if _, err := tr.ReadFrame(); err != nil {
					return
				}
				payload, _ := json.Marshal(map[string]any{"error": true, "data": "denied"})
				conn.Write(wire.EncodeFrame(payload))
			}()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	_, err = New("127.0.0.1", addr.Port, testPoolConfig(1, 2))
	if !zterr.IsKind(err, zterr.Auth) {
		t.Fatalf("expected Auth kind from warm-up, got %v", err)
	}
}

func TestWarmUpSkipsConnectFailures(t *testing.T) {
	// Grab a port with nothing behind it.
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	pool, err := New("127.0.0.1", port, testPoolConfig(2, 4))
	if err != nil {
		t.Fatalf("connect failures must be skipped, got %v", err)
	}
	defer pool.Close()

	if stats := pool.Stats(); stats.Total != 0 {
		t.Errorf("expected an empty pool, got %+v", stats)
	}
}

func TestWatchConfigReloadsCredentials(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	host, port := srv.hostPort()

	yaml := `
client_key: K
access_key: A
secret_key: S
database_id: db-1
env: dev
`
	path := filepath.Join(t.TempDir(), "zteradb.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	pool, err := New(host, port, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	if err := pool.WatchConfig(path); err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	if err := pool.WatchConfig(path); err == nil {
		t.Error("a second WatchConfig must be rejected")
	}

	updated := strings.Replace(yaml, "db-1", "db-2", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for pool.ConfigStore().Current().DatabaseID != "db-2" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := pool.ConfigStore().Current().DatabaseID; got != "db-2" {
		t.Fatalf("database_id = %q, want db-2 after reload", got)
	}

	// Close stops the watcher along with the transports.
	pool.Close()
	if err := pool.WatchConfig(path); err == nil {
		t.Error("WatchConfig on a closed pool must fail")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(2, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pool.Close()
	pool.Close() // must be a no-op

	if stats := pool.Stats(); stats.Total != 0 || stats.Idle != 0 {
		t.Errorf("after close: %+v", stats)
	}

	if _, err := pool.Run(context.Background(), zql.NewQuery("u").Select()); !zterr.IsKind(err, zterr.Connection) {
		t.Errorf("Run on a closed pool: expected Connection kind, got %v", err)
	}
}

func TestSessionStateTransitions(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	s := newSession(wire.NewTransport(client), time.Now())
	if s.State() != stateUnauthenticated {
		t.Errorf("new session state = %v", s.State())
	}

	s.markIdle(time.Now())
	if s.State() != stateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}

	s.markInUse(time.Now())
	if s.State() != stateInUse {
		t.Errorf("state = %v, want in-use", s.State())
	}

	s.close()
	if s.State() != stateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}

	// Closing again is harmless.
	if err := s.close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestConcurrentRuns(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.setQueryFrames(dataFrame(1), completeFrame())
	host, port := srv.hostPort()

	pool, err := New(host, port, testPoolConfig(2, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				rows, err := pool.Run(context.Background(), zql.NewQuery("user").Select())
				if err != nil {
					continue // acquire timeout under contention is fine
				}
				for rows.Next() {
				}
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	if stats.InUse != 0 {
		t.Errorf("expected 0 in-use after all streams drained, got %+v", stats)
	}
	if stats.Total != stats.Idle {
		t.Errorf("every open transport should be idle, got %+v", stats)
	}
}
