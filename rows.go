package zteradb

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zteradb/zteradb-go/wire"
	"github.com/zteradb/zteradb-go/zterr"
)

// Row is the data payload of one streamed result frame.
type Row json.RawMessage

// Decode unmarshals the row into dst.
func (r Row) Decode(dst any) error {
	return wire.UnmarshalPayload(json.RawMessage(r), dst)
}

// Rows streams the result of one query. It is finite and forward-only:
// once drained it yields nothing more. The loaned transport goes back
// to the pool when the terminator arrives; on any error, or if the
// caller closes the stream early, the transport is destroyed instead —
// the protocol has no in-band abort.
type Rows struct {
	pool   *Pool
	s      *session
	stream *wire.FrameStream
	log    *slog.Logger

	cur     Row
	count   int
	err     error
	done    bool
	settled bool
}

func newRows(p *Pool, s *session, log *slog.Logger) *Rows {
	return &Rows{
		pool:   p,
		s:      s,
		stream: s.tr.Receive(),
		log:    log,
	}
}

// Next advances to the next data row. It returns false when the stream
// ends, cleanly or not; check Err afterwards.
func (r *Rows) Next() bool {
	if r.done {
		return false
	}

	if r.stream.Next() {
		frame := r.stream.Frame()
		if frame.ResponseCode == wire.ResponseQueryData {
			r.cur = Row(frame.Data)
			r.count++
			return true
		}
		// Any other non-terminator code is a server-side failure for
		// this query.
		r.err = zterr.Newf(zterr.Query, "%s", frame.DataString())
		r.log.Warn("query failed", "response_code", int(frame.ResponseCode), "err", r.err)
		r.finish(false)
		return false
	}

	if err := r.stream.Err(); err != nil {
		r.err = err
		r.log.Warn("query stream interrupted", "err", err)
		r.finish(false)
		return false
	}

	r.log.Debug("query complete", "rows", r.count)
	r.finish(true)
	return false
}

// Value returns the row produced by the last successful Next.
func (r *Rows) Value() Row { return r.cur }

// Decode unmarshals the current row into dst.
func (r *Rows) Decode(dst any) error {
	if r.cur == nil {
		return zterr.New(zterr.Value, "no current row: call Next first")
	}
	return r.cur.Decode(dst)
}

// Count returns how many data rows have been yielded so far.
func (r *Rows) Count() int { return r.count }

// Err returns the error that terminated the stream, if any.
func (r *Rows) Err() error { return r.err }

// Close releases the stream. Abandoning the stream before the
// terminator closes the underlying transport. Safe to call more than
// once and after normal completion.
func (r *Rows) Close() error {
	if !r.done {
		r.finish(false)
	}
	return nil
}

// finish settles the transport disposition exactly once: back to the
// idle set on a clean end, destroyed otherwise.
func (r *Rows) finish(clean bool) {
	r.done = true
	r.cur = nil
	if r.settled {
		return
	}
	r.settled = true

	if clean {
		r.s.tr.SetDeadline(time.Time{})
		r.pool.release(r.s)
		return
	}
	r.pool.destroy(r.s)
}
