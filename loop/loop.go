// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package loop implements the connection-serving loop of a worker process.
//
// A [Loop] accepts connections from a listener and serves each one with its
// own [flock.Session] in a separate goroutine. The goroutine performs one
// bounded read at a time and hands the data to the session, which dispatches
// every complete request it contains. Goroutines blocked in a read are parked
// in the runtime network poller, so an idle or slow connection does not delay
// the others.
//
// Several processes may run loops on the same listening socket; the kernel
// decides which of them accepts each connection.
package loop

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/flock"
	"github.com/creachadair/flock/catalog"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var metrics struct {
	accepted     expvar.Int
	active       expvar.Int
	acceptErrors expvar.Int
}

func init() {
	m := flock.Metrics()
	m.Set("connections_accepted", &metrics.accepted)
	m.Set("connections_active", &metrics.active)
	m.Set("accept_errors", &metrics.acceptErrors)
}

// Bounds on the delay before retrying a failed accept.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = 1 * time.Second
)

// An Accepter produces connections for a loop to serve.
type Accepter interface {
	Accept(context.Context) (net.Conn, error)
}

// NetAccepter adapts a net.Listener to the Accepter interface.
// When the context passed to Accept ends, the listener is closed.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (net.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	return n.Listener.Accept()
}

// Options are optional settings for a [Loop]. A nil *Options is ready for use
// and provides defaults as described.
type Options struct {
	// The dispatcher for requests. If nil, catalog.Default() is used.
	Dispatcher flock.Dispatcher

	// The largest frame body accepted from a client. If zero, the session
	// default is used.
	MaxFrameSize int

	// If positive, each connection may dispatch at most this many requests per
	// second, with bursts of up to Burst requests.
	RateLimit float64
	Burst     int

	// If set, log connection events here. By default logs are discarded.
	Logger *zerolog.Logger
}

func (o *Options) dispatcher() flock.Dispatcher {
	if o == nil || o.Dispatcher == nil {
		return catalog.Default()
	}
	return o.Dispatcher
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *Options) sessionOptions() *flock.SessionOptions {
	if o == nil {
		return nil
	}
	opts := &flock.SessionOptions{MaxFrameSize: o.MaxFrameSize}
	if o.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(o.RateLimit), max(o.Burst, 1))
	}
	return opts
}

// ConnState is the lifecycle state of a connection owned by a loop.
type ConnState int

const (
	Open    ConnState = iota // being served
	Closing                  // shutdown requested, not yet closed
	Closed                   // closed and released
)

func (s ConnState) String() string {
	switch s {
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// A Conn is a client connection owned by a loop.
type Conn struct {
	ID string // unique identifier, for logging

	conn net.Conn

	μ     sync.Mutex
	state ConnState
}

// State reports the current state of c.
func (c *Conn) State() ConnState {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// RemoteAddr reports the address of the client.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// shutdown closes the underlying connection, if it is still open.
func (c *Conn) shutdown() {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state == Open {
		c.state = Closing
		c.conn.Close()
	}
}

func (c *Conn) release() {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != Closed {
		c.conn.Close()
		c.state = Closed
	}
}

// A Loop serves connections accepted from a listener. A Loop must be created
// with [New]. Serve may be called at most once.
type Loop struct {
	opts *Options
	log  zerolog.Logger

	μ     sync.Mutex
	conns map[string]*Conn
}

// New constructs a new loop with the given options.
func New(opts *Options) *Loop {
	return &Loop{opts: opts, log: opts.logger(), conns: make(map[string]*Conn)}
}

// Serve accepts connections from acc and serves each one in a separate
// goroutine, until acc is closed or ctx ends.
//
// When ctx ends, Serve closes every open connection and waits for their
// goroutines to exit before returning nil. When acc reports net.ErrClosed,
// Serve waits for the connections already accepted to finish before returning.
// Any other accept error is logged and retried after a delay that doubles
// from 5ms up to 1s.
func (l *Loop) Serve(ctx context.Context, acc Accepter) error {
	g := taskgroup.New(nil)
	stop := context.AfterFunc(ctx, l.closeAll)
	defer stop()

	var delay time.Duration
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				g.Wait()
				return nil
			}

			// Other accept failures (for example EMFILE or ECONNABORTED) are
			// transient, so back off and try again.
			delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
			l.log.Warn().Err(err).Dur("retry", delay).Msg("accept failed")
			metrics.acceptErrors.Add(1)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		c := l.add(conn)
		if ctx.Err() != nil {
			c.shutdown() // lost the race with closeAll
		}
		g.Go(func() error {
			defer l.remove(c)
			l.serveConn(ctx, c)
			return nil
		})
	}
}

// Close closes every open connection without waiting for them to finish.
func (l *Loop) Close() { l.closeAll() }

// Conns returns the connections currently open in l.
func (l *Loop) Conns() []*Conn {
	l.μ.Lock()
	defer l.μ.Unlock()
	out := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Len reports the number of connections currently owned by l.
func (l *Loop) Len() int {
	l.μ.Lock()
	defer l.μ.Unlock()
	return len(l.conns)
}

func (l *Loop) add(conn net.Conn) *Conn {
	c := &Conn{ID: uuid.NewString(), conn: conn}
	l.μ.Lock()
	defer l.μ.Unlock()
	l.conns[c.ID] = c
	metrics.accepted.Add(1)
	metrics.active.Add(1)
	return c
}

func (l *Loop) remove(c *Conn) {
	c.release()
	l.μ.Lock()
	defer l.μ.Unlock()
	if _, ok := l.conns[c.ID]; ok {
		delete(l.conns, c.ID)
		metrics.active.Add(-1)
	}
}

func (l *Loop) closeAll() {
	for _, c := range l.Conns() {
		c.shutdown()
	}
}

func (l *Loop) serveConn(ctx context.Context, c *Conn) {
	log := l.log.With().Str("conn", c.ID).Stringer("remote", c.RemoteAddr()).Logger()
	log.Debug().Msg("connection opened")

	s := flock.NewSession(c.conn, l.opts.dispatcher(), l.opts.sessionOptions())
	for {
		if _, err := s.ReadFrom(ctx, c.conn); err != nil {
			if isClosed(err) {
				log.Debug().Int64("frames", s.Frames()).Msg("connection closed")
			} else {
				log.Warn().Err(err).Int64("frames", s.Frames()).Msg("closing connection")
			}
			return
		}
	}
}

// isClosed reports whether err means the connection ended normally.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
