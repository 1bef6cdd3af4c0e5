// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package flock

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// A Dispatcher executes a decoded request and returns its response.
// Dispatch must always return a non-nil response; failures are reported as
// error responses rather than Go errors.
type Dispatcher interface {
	Dispatch(context.Context, *Request) *Response
}

// DispatcherFunc adapts a function to the [Dispatcher] interface.
type DispatcherFunc func(context.Context, *Request) *Response

// Dispatch implements the [Dispatcher] interface.
func (f DispatcherFunc) Dispatch(ctx context.Context, req *Request) *Response { return f(ctx, req) }

// A Handler executes a single request. An error reported by a handler is
// converted into an error response by [ErrorResponse]. A handler may return a
// value of concrete type ErrorData to control the error code.
type Handler func(context.Context, *Request) (*Response, error)

// State is the framing state of a [Session].
type State int

const (
	// AwaitingLengthPrefix means fewer than HeaderLen unconsumed bytes are
	// buffered.
	AwaitingLengthPrefix State = iota

	// AwaitingBody means the length prefix of the next frame is buffered but
	// its body is not yet complete.
	AwaitingBody

	// Dispatching means a complete frame is being decoded and executed.
	Dispatching
)

func (s State) String() string {
	switch s {
	case AwaitingLengthPrefix:
		return "AwaitingLengthPrefix"
	case AwaitingBody:
		return "AwaitingBody"
	case Dispatching:
		return "Dispatching"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// minReadSize is the smallest amount of free buffer space offered to a read.
const minReadSize = 4096

// SessionOptions are optional settings for a [Session]. A nil *SessionOptions
// is ready for use and provides defaults as described.
type SessionOptions struct {
	// The largest frame body accepted. If zero, DefaultMaxFrameSize is used.
	// A negative value means no limit.
	MaxFrameSize int

	// If set, each request waits for a token from this limiter before it is
	// dispatched.
	Limiter *rate.Limiter
}

func (o *SessionOptions) maxFrameSize() int {
	if o == nil || o.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return max(o.MaxFrameSize, 0)
}

func (o *SessionOptions) limiter() *rate.Limiter {
	if o == nil {
		return nil
	}
	return o.Limiter
}

// A Session is the per-connection protocol state machine. It accumulates bytes
// read from the connection, extracts every complete frame, dispatches the
// requests they contain in arrival order, and writes the framed responses.
//
// A Session is not safe for concurrent use. Each connection has its own.
type Session struct {
	w     io.Writer
	ops   Dispatcher
	lim   *rate.Limiter
	limit int

	buf   []byte // buf[pos:] is buffered and not yet consumed
	pos   int
	state State
	out   []byte // reused for encoding responses

	frames int64
}

// NewSession constructs a session that dispatches requests to ops and writes
// responses to w.
func NewSession(w io.Writer, ops Dispatcher, opts *SessionOptions) *Session {
	return &Session{
		w:     w,
		ops:   ops,
		lim:   opts.limiter(),
		limit: opts.maxFrameSize(),
	}
}

// State reports the current framing state of s.
func (s *Session) State() State { return s.state }

// Buffered reports the number of bytes received but not yet consumed.
func (s *Session) Buffered() int { return len(s.buf) - s.pos }

// Frames reports the number of frames dispatched by s.
func (s *Session) Frames() int64 { return s.frames }

// ReadFrom performs a single read from r into the session buffer and then
// processes every complete frame that is available. It returns the number of
// bytes read. If the read reports an error, ReadFrom still processes the data
// read before returning that error; at io.EOF any incomplete frame is
// discarded.
//
// If processing fails, the connection should be closed: the error is either a
// protocol violation (wrapping ErrMalformedEnvelope or ErrFrameTooLarge) or a
// failure writing a response.
func (s *Session) ReadFrom(ctx context.Context, r io.Reader) (int, error) {
	s.reserve(s.want())
	nr, rerr := r.Read(s.buf[len(s.buf):cap(s.buf)])
	if nr > 0 {
		s.buf = s.buf[:len(s.buf)+nr]
		metrics.bytesRecv.Add(int64(nr))
		if err := s.process(ctx); err != nil {
			return nr, err
		}
	}
	return nr, rerr
}

// Feed adds data to the session buffer and processes every complete frame
// that is available. Errors are as for [Session.ReadFrom].
func (s *Session) Feed(ctx context.Context, data []byte) error {
	s.reserve(len(data))
	s.buf = append(s.buf, data...)
	metrics.bytesRecv.Add(int64(len(data)))
	return s.process(ctx)
}

// want reports how much free space the next read should have available.
func (s *Session) want() int {
	if n := FrameSize(s.buf[s.pos:]); n > 0 {
		if need := n - s.Buffered(); need > minReadSize && (s.limit == 0 || n-HeaderLen <= s.limit) {
			return need
		}
	}
	return minReadSize
}

// reserve ensures at least n bytes of free space follow the buffered data.
// Consumed bytes are reclaimed only when the free space runs short, so the
// cost of moving unconsumed data is amortized across many frames.
func (s *Session) reserve(n int) {
	if cap(s.buf)-len(s.buf) >= n {
		return
	}
	live := len(s.buf) - s.pos
	if s.pos > 0 && cap(s.buf)-live >= n {
		copy(s.buf, s.buf[s.pos:])
		s.buf, s.pos = s.buf[:live], 0
		return
	}
	nb := make([]byte, live, max(live+n, 2*cap(s.buf)))
	copy(nb, s.buf[s.pos:])
	s.buf, s.pos = nb, 0
}

// process dispatches each complete frame in the buffer, in order.
func (s *Session) process(ctx context.Context) error {
	for {
		body, n, err := ParseFrame(s.buf[s.pos:], s.limit)
		if err != nil {
			metrics.malformed.Add(1)
			return err
		} else if n == 0 {
			s.state = AwaitingLengthPrefix
			if s.Buffered() >= HeaderLen {
				s.state = AwaitingBody
			}
			if s.Buffered() == 0 {
				s.buf, s.pos = s.buf[:0], 0
			}
			return nil
		}
		s.state = Dispatching
		s.pos += n
		if err := s.dispatch(ctx, body); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(ctx context.Context, body []byte) error {
	s.frames++
	metrics.framesRecv.Add(1)

	var req Request
	if err := req.Decode(body); err != nil {
		metrics.malformed.Add(1)
		return err
	}
	if s.lim != nil {
		if err := s.lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	rsp := s.ops.Dispatch(ctx, &req)
	if rsp == nil {
		rsp = ErrorResponse(errors.New("no response"))
	}
	if rsp.Tag == TagError {
		metrics.requestsFailed.Add(1)
	}
	out, err := rsp.AppendFrame(s.out[:0])
	if err != nil {
		// The result could not be encoded; report that instead.
		metrics.requestsFailed.Add(1)
		out, err = ErrorResponse(err).AppendFrame(s.out[:0])
		if err != nil {
			return err
		}
	}
	s.out = out
	if _, err := s.w.Write(out); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	metrics.responsesSent.Add(1)
	return nil
}
