// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package client implements a client for flock servers.
//
// A [Client] sends one request at a time on a single connection and waits for
// the matching response. Use [Dial] to connect to a known address, or
// [Discover] to pick one of the servers advertised in the registry.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/creachadair/flock"
	"github.com/creachadair/flock/channel"
	"github.com/creachadair/flock/registry"
	"github.com/mitchellh/mapstructure"
)

// ErrClientClosed is reported by a call on a client that is closed, or whose
// connection was abandoned by an earlier cancelled call.
var ErrClientClosed = errors.New("client is closed")

// A CallError is reported by a call that received an error response.
// It unwraps to the [flock.ErrorData] sent by the server, so errors.Is
// matches the corresponding sentinel errors.
type CallError struct {
	Operation string
	flock.ErrorData
}

// Error implements the error interface.
func (c *CallError) Error() string {
	return fmt.Sprintf("call %q: %s", c.Operation, c.ErrorData.Error())
}

// Unwrap returns the error data of c.
func (c *CallError) Unwrap() error { return c.ErrorData }

// A Client is a connection to a flock server. A Client is safe for concurrent
// use, but calls are serialized on the connection.
type Client struct {
	ch   flock.Channel
	conn net.Conn // nil if the channel is not a network connection

	μ      sync.Mutex
	closed bool
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New constructs a client that communicates over conn. The client takes
// ownership of conn.
func New(conn net.Conn) *Client {
	return &Client{ch: channel.IO(conn, conn), conn: conn}
}

// NewChannel constructs a client that exchanges frames over ch. The client
// takes ownership of ch.
func NewChannel(ch flock.Channel) *Client { return &Client{ch: ch} }

// RemoteAddr reports the address of the server, or nil if the client does
// not use a network connection.
func (c *Client) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ch.Close()
}

// Call invokes op with params and returns the tag and result of the response.
// If the server reports an error, Call returns the tag and result together
// with a *CallError.
//
// If ctx ends before the response arrives, Call closes the channel and
// reports the context error; the client cannot be used after that.
func (c *Client) Call(ctx context.Context, op string, params any) (tag string, result any, _ error) {
	body, err := flock.Request{Operation: op, Params: params}.Encode()
	if err != nil {
		return "", nil, fmt.Errorf("encode request: %w", err)
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return "", nil, ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		rbody, err := c.roundTrip(body)
		done <- reply{rbody, err}
	}()

	var rbody []byte
	select {
	case r := <-done:
		rbody, err = r.body, r.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		// The stream is out of step after a failed exchange.
		c.closed = true
		c.ch.Close()
		return "", nil, err
	}

	var rsp flock.Response
	if err := rsp.Decode(rbody); err != nil {
		return "", nil, err
	}
	if ed, ok := rsp.ErrorData(); ok {
		return rsp.Tag, rsp.Result, &CallError{Operation: op, ErrorData: ed}
	}
	return rsp.Tag, rsp.Result, nil
}

func (c *Client) roundTrip(body []byte) ([]byte, error) {
	if err := c.ch.Send(body); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	rbody, err := c.ch.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}
	return rbody, nil
}

// CallInto invokes op with params and decodes the result into out, which must
// be a non-nil pointer. Maps decode into structs by field name.
func (c *Client) CallInto(ctx context.Context, op string, params, out any) error {
	_, result, err := c.Call(ctx, op, params)
	if err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		DecodeHook: mapstructure.TextUnmarshallerHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("decode result of %q: %w", op, err)
	}
	return nil
}

// LookupFunc returns the endpoints of the servers currently available.
type LookupFunc func(context.Context) ([]registry.Endpoint, error)

// RegistryLookup returns a LookupFunc that lists the endpoints advertised
// under root using conn.
func RegistryLookup(conn registry.Conn, root string) LookupFunc {
	return func(context.Context) ([]registry.Endpoint, error) {
		return registry.Lookup(conn, root)
	}
}

// DiscoverOptions are optional settings for [Discover]. A nil *DiscoverOptions
// provides defaults as described.
type DiscoverOptions struct {
	// How long to wait for each connection attempt. If zero, 5s.
	DialTimeout time.Duration

	// If set, use this to order the endpoints instead of a random shuffle.
	Shuffle func([]registry.Endpoint)
}

func (o *DiscoverOptions) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return o.DialTimeout
}

func (o *DiscoverOptions) shuffle(eps []registry.Endpoint) {
	if o != nil && o.Shuffle != nil {
		o.Shuffle(eps)
		return
	}
	rand.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })
}

// Discover fetches the available endpoints from lookup, shuffles them, and
// returns a client connected to the first one that accepts a connection.
// It reports an error if there are no endpoints or none is reachable.
func Discover(ctx context.Context, lookup LookupFunc, opts *DiscoverOptions) (*Client, error) {
	eps, err := lookup(ctx)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	} else if len(eps) == 0 {
		return nil, errors.New("no servers available")
	}
	opts.shuffle(eps)

	var errs []error
	for _, ep := range eps {
		dctx, cancel := context.WithTimeout(ctx, opts.dialTimeout())
		c, err := Dial(dctx, ep.Addr())
		cancel()
		if err == nil {
			return c, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep.Addr(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("no server reachable: %w", errors.Join(errs...))
}
