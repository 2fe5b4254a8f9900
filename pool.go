// Package zteradb is a client for the ZTeraDB server. A Pool owns a
// set of authenticated transports and runs ZQL queries across them,
// streaming result rows back to the caller.
package zteradb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zteradb/zteradb-go/config"
	"github.com/zteradb/zteradb-go/wire"
	"github.com/zteradb/zteradb-go/zql"
	"github.com/zteradb/zteradb-go/zterr"
)

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Idle           int   `json:"idle"`
	InUse          int   `json:"in_use"`
	Total          int   `json:"total"`
	Waiting        int   `json:"waiting"`
	Exhausted      int64 `json:"pool_exhausted_total"`
	TokenRefreshes int64 `json:"token_refreshes_total"`
	MinTransports  int   `json:"min_transports"`
	MaxTransports  int   `json:"max_transports"`
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLogger threads a logger through the pool. Nil keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock substitutes the clock used for token-expiry decisions and
// acquire deadlines. Tests pass a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithExhaustedHook registers a callback fired whenever a caller has
// to wait because the pool is at its bound.
func WithExhaustedHook(fn func()) Option {
	return func(p *Pool) { p.onExhausted = fn }
}

// Pool owns the transports to one ZTeraDB endpoint, partitioned into
// idle and in-use sets. Acquire and release are the only shared-state
// mutations; transports themselves are loaned to one query at a time.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	host  string
	port  int
	store *config.Store
	auth  *authenticator
	clock clockwork.Clock
	log   *slog.Logger

	idle  []*session
	inUse map[*session]struct{}
	total int

	waiting        int
	exhausted      int64
	tokenRefreshes int64

	onExhausted func()
	watcher     *config.Watcher

	closed      bool
	statsStopCh chan struct{}
	statsOnce   sync.Once
}

// New creates a pool bound to host:port and eagerly opens the
// configured minimum number of transports. Transports that fail to
// connect are skipped (the pool may start below min); a handshake
// rejection aborts construction.
func New(host string, port int, cfg *config.Config, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, zterr.New(zterr.Value, "configuration must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		host:        host,
		port:        port,
		store:       config.NewStore(cfg),
		auth:        newAuthenticator(),
		clock:       clockwork.NewRealClock(),
		log:         slog.Default(),
		inUse:       make(map[*session]struct{}),
		statsStopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	if err := p.warmUp(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// ConfigStore returns the live configuration store. Reloading it
// affects handshakes for transports opened afterwards.
func (p *Pool) ConfigStore() *config.Store { return p.store }

// WatchConfig keeps the pool's credentials in sync with the file at
// path: whenever the file changes and parses cleanly, the new config
// is swapped into the store and used by subsequent handshakes.
// Transports already authenticated keep their tokens until recycled.
// The watcher stops when the pool closes.
func (p *Pool) WatchConfig(path string) error {
	w, err := config.WatchFile(path, p.store, p.log)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.Close()
		return zterr.New(zterr.Connection, "pool is closed")
	}
	if p.watcher != nil {
		p.mu.Unlock()
		w.Close()
		return zterr.New(zterr.Value, "pool is already watching a config file")
	}
	p.watcher = w
	p.mu.Unlock()
	return nil
}

// warmUp opens min transports up front so the pool is ready for
// traffic. Connect failures are skipped; auth failures propagate.
func (p *Pool) warmUp() error {
	cfg := p.store.Current()
	min := cfg.Options.ConnectionPool.EffectiveMin()
	for i := 0; i < min; i++ {
		s, err := p.connect(cfg)
		if err != nil {
			if zterr.IsKind(err, zterr.Auth) || zterr.IsKind(err, zterr.Value) {
				return err
			}
			p.log.Warn("warm-up transport failed", "index", i+1, "min", min, "err", err)
			continue
		}
		p.mu.Lock()
		s.markIdle(p.clock.Now())
		p.idle = append(p.idle, s)
		p.total++
		p.mu.Unlock()
	}
	return nil
}

// connect opens and authenticates one transport. The caller accounts
// for it in the pool sets.
func (p *Pool) connect(cfg *config.Config) (*session, error) {
	tr, err := wire.Open(p.host, p.port, wire.DialOptions{
		Timeout:       cfg.Options.ConnectionPool.DialTimeout,
		UseTLS:        cfg.UseTLS,
		VerifyTLSHost: cfg.VerifyTLSHost,
	})
	if err != nil {
		return nil, err
	}

	s := newSession(tr, p.clock.Now())
	token, err := p.auth.authenticate(tr, cfg)
	if err != nil {
		tr.Close()
		return nil, err
	}
	s.setToken(token)
	return s, nil
}

// acquire takes a transport out of the pool for one query, opening or
// recycling as needed. The returned session is in the in-use set.
func (p *Pool) acquire(ctx context.Context) (*session, error) {
	cfg := p.store.Current()
	max := cfg.Options.ConnectionPool.EffectiveMax()
	deadline := p.clock.Now().Add(cfg.Options.ConnectionPool.AcquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, zterr.Wrap(zterr.Connection, "acquiring transport", ctx.Err())
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, zterr.New(zterr.Connection, "pool is closed")
		}

		// Take the most recently returned idle transport.
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]

			if s.Token().Expired(p.clock.Now().UTC()) {
				// Token about to lapse: recycle the transport before the
				// server starts rejecting it.
				p.total--
				p.tokenRefreshes++
				p.mu.Unlock()
				s.close()

				replacement, err := p.connect(cfg)
				if err != nil {
					return nil, err
				}
				p.mu.Lock()
				if p.closed {
					p.mu.Unlock()
					replacement.close()
					return nil, zterr.New(zterr.Connection, "pool is closed")
				}
				replacement.markInUse(p.clock.Now())
				p.inUse[replacement] = struct{}{}
				p.total++
				p.mu.Unlock()
				return replacement, nil
			}

			s.markInUse(p.clock.Now())
			p.inUse[s] = struct{}{}
			p.mu.Unlock()
			return s, nil
		}

		// Open a new transport if under the bound (max == 0 is unbounded).
		if max == 0 || p.total < max {
			p.total++
			p.mu.Unlock()

			s, err := p.connect(cfg)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}

			p.mu.Lock()
			if p.closed {
				p.total--
				p.mu.Unlock()
				s.close()
				return nil, zterr.New(zterr.Connection, "pool is closed")
			}
			s.markInUse(p.clock.Now())
			p.inUse[s] = struct{}{}
			p.mu.Unlock()
			return s, nil
		}

		// At the bound with nothing idle: wait for a release.
		p.waiting++
		p.exhausted++
		hook := p.onExhausted
		p.mu.Unlock()

		if hook != nil {
			hook()
		}

		p.mu.Lock()
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, zterr.New(zterr.Connection, "acquire timed out: pool exhausted")
		}

		timer := p.clock.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, zterr.New(zterr.Connection, "pool is closed")
		}
		if !p.clock.Now().Before(deadline) {
			p.mu.Unlock()
			return nil, zterr.New(zterr.Connection, "acquire timed out: pool exhausted")
		}
	}
}

// release returns a loaned session to the idle set.
func (p *Pool) release(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[s]; !ok {
		// Already evicted, e.g. by a concurrent Close.
		s.close()
		return
	}
	delete(p.inUse, s)

	if p.closed {
		p.total--
		p.cond.Signal()
		s.close()
		return
	}

	s.markIdle(p.clock.Now())
	p.idle = append(p.idle, s)
	p.cond.Signal()
}

// destroy removes a loaned session from the pool entirely and closes
// its socket. Used on protocol, parse, and query errors.
func (p *Pool) destroy(s *session) {
	p.mu.Lock()
	if _, ok := p.inUse[s]; ok {
		delete(p.inUse, s)
		p.total--
		p.cond.Signal()
	}
	p.mu.Unlock()
	s.close()
}

// Run executes a query and returns its streamed rows. The transport
// carrying the stream is loaned to the returned Rows and is released
// (or destroyed, on error) when the stream finishes or is closed.
func (p *Pool) Run(ctx context.Context, q *zql.Query) (*Rows, error) {
	if q == nil {
		return nil, zterr.New(zterr.Value, "query must not be nil")
	}
	if err := q.Err(); err != nil {
		return nil, err
	}

	cfg := p.store.Current()
	doc, err := q.GenerateFor(cfg.DatabaseID, cfg.Env)
	if err != nil {
		return nil, err
	}

	payload, err := wire.MarshalPayload(map[string]any{
		"query":        doc,
		"request_type": int(wire.RequestQuery),
		"database_id":  cfg.DatabaseID,
		"env":          string(cfg.Env),
	})
	if err != nil {
		return nil, err
	}

	queryID := uuid.NewString()
	log := p.log.With("query_id", queryID, "schema", q.Schema(), "type", q.Type().String())

	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.tr.SetDeadline(deadline)
	}

	if err := s.tr.Send(payload); err != nil {
		log.Warn("query send failed", "err", err)
		p.destroy(s)
		return nil, err
	}

	log.Debug("query sent", "addr", s.tr.RemoteAddr())
	return newRows(p, s, log), nil
}

// Ping round-trips a PING frame on a pooled transport.
func (p *Pool) Ping(ctx context.Context) error {
	cfg := p.store.Current()
	payload, err := wire.MarshalPayload(map[string]any{
		"request_type": int(wire.RequestPing),
		"database_id":  cfg.DatabaseID,
		"env":          string(cfg.Env),
	})
	if err != nil {
		return err
	}

	s, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.tr.SetDeadline(deadline)
		defer s.tr.SetDeadline(time.Time{})
	}

	if err := s.tr.Send(payload); err != nil {
		p.destroy(s)
		return err
	}
	frame, err := s.tr.ReadFrame()
	if err != nil {
		p.destroy(s)
		return err
	}
	if frame.ResponseCode != wire.ResponsePong {
		p.destroy(s)
		return zterr.Newf(zterr.Query, "unexpected ping response code %#x: %s", int(frame.ResponseCode), frame.DataString())
	}

	p.release(s)
	return nil
}

// QueryOne runs a query that must produce at least one row and returns
// the first. Remaining rows are drained so the transport returns to
// the pool cleanly.
func (p *Pool) QueryOne(ctx context.Context, q *zql.Query) (Row, error) {
	rows, err := p.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, zterr.New(zterr.NoResponseData, "query returned no rows")
	}
	row := rows.Value()
	for rows.Next() {
	}
	return row, rows.Err()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := p.store.Current()
	return Stats{
		Idle:           len(p.idle),
		InUse:          len(p.inUse),
		Total:          p.total,
		Waiting:        p.waiting,
		Exhausted:      p.exhausted,
		TokenRefreshes: p.tokenRefreshes,
		MinTransports:  cfg.Options.ConnectionPool.EffectiveMin(),
		MaxTransports:  cfg.Options.ConnectionPool.EffectiveMax(),
	}
}

// StartStatsLoop periodically calls cb with pool stats until the pool
// closes. Used to feed a metrics collector.
func (p *Pool) StartStatsLoop(interval time.Duration, cb func(Stats)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb(p.Stats())
			case <-p.statsStopCh:
				return
			}
		}
	}()
}

// sendDisconnect tells the server the transport is going away. Best
// effort: the socket closes right after regardless.
func (p *Pool) sendDisconnect(s *session) {
	payload, err := wire.MarshalPayload(map[string]any{
		"request_type": int(wire.RequestDisconnect),
	})
	if err != nil {
		return
	}
	s.tr.SetDeadline(time.Now().Add(time.Second))
	s.tr.Send(payload)
}

// Close tears the pool down: every transport in both sets is closed,
// per-transport errors are logged and swallowed so all are attempted.
// In-flight queries observe a protocol error on their next read.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()

	watcher := p.watcher
	p.watcher = nil

	sessions := make([]*session, 0, len(p.idle)+len(p.inUse))
	idleCount := len(p.idle)
	sessions = append(sessions, p.idle...)
	for s := range p.inUse {
		sessions = append(sessions, s)
	}
	p.idle = nil
	p.inUse = make(map[*session]struct{})
	p.total = 0
	p.mu.Unlock()

	p.statsOnce.Do(func() { close(p.statsStopCh) })

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			p.log.Debug("config watcher close failed", "err", err)
		}
	}

	for i, s := range sessions {
		if i < idleCount {
			p.sendDisconnect(s)
		}
		if err := s.close(); err != nil {
			p.log.Debug("transport close failed", "err", err)
		}
	}
}
