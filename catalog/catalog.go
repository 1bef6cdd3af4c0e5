// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines the operations served by a flock server, and a
// Catalog that dispatches requests to them by name.
//
// # Usage
//
// The default catalog contains the built-in operations:
//
//	cat := catalog.Default()
//
// A Catalog implements the flock.Dispatcher interface, so it can be passed
// directly to a session:
//
//	s := flock.NewSession(conn, cat, nil)
//
// A request naming an operation the catalog does not contain receives an
// error response with code "unknown_operation", and the connection remains
// open. A panic in an operation is recovered and reported as an error
// response with code "internal".
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/creachadair/flock"
	"github.com/creachadair/flock/handler"
)

// An Operation is a named procedure served by a catalog.
type Operation interface {
	// Name reports the name by which requests select the operation.
	Name() string

	// Call executes the operation for the given request.
	Call(context.Context, *flock.Request) (*flock.Response, error)
}

// Ping is the "ping" operation. It responds with tag "pong" and echoes its
// parameters unchanged as the result.
type Ping struct{}

// Name implements part of the [Operation] interface.
func (Ping) Name() string { return "ping" }

// Call implements part of the [Operation] interface.
func (Ping) Call(_ context.Context, req *flock.Request) (*flock.Response, error) {
	return &flock.Response{Tag: "pong", Result: req.Params}, nil
}

// Series is the "series" operation. Its parameter must be a non-negative
// integer n, and it responds with tag "result" and the value of
//
//	sqrt(8 * Σ_{i=0..n} 1/(2i+1)²)
//
// which converges to π as n grows.
type Series struct{}

// Name implements part of the [Operation] interface.
func (Series) Name() string { return "series" }

// Call implements part of the [Operation] interface.
func (Series) Call(ctx context.Context, req *flock.Request) (*flock.Response, error) {
	return seriesHandler(ctx, req)
}

var seriesHandler = handler.ParamResultError("result", SeriesValue)

// seriesCheckInterval is how many terms SeriesValue sums between checks for
// cancellation of its context.
const seriesCheckInterval = 1 << 20

// MaxSeriesTerms is the largest term count accepted by SeriesValue. Beyond it
// the terms are not exactly representable as float64, and n+1 may overflow.
const MaxSeriesTerms = 1 << 53

// SeriesValue computes the partial sum of the series for n. It reports an
// error wrapping flock.ErrInvalidParams if n < 0 or n > MaxSeriesTerms, or the
// error from ctx if it ends before the computation is complete.
func SeriesValue(ctx context.Context, n int64) (float64, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: series term count must be non-negative, got %d", flock.ErrInvalidParams, n)
	} else if n > MaxSeriesTerms {
		return 0, fmt.Errorf("%w: series term count %d exceeds limit %d", flock.ErrInvalidParams, n, int64(MaxSeriesTerms))
	}
	var sum float64
	for i := int64(0); i <= n; i++ {
		if i%seriesCheckInterval == seriesCheckInterval-1 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		d := float64(2*i + 1)
		sum += 1 / (d * d)
	}
	return math.Sqrt(8 * sum), nil
}

// A Catalog maps operation names to operations. It is safe to copy the
// resulting value; all copies share a reference to the same mapping.
type Catalog struct {
	ops map[string]Operation
}

// New creates a new catalog containing the specified operations.
// It panics if two operations have the same name.
func New(ops ...Operation) Catalog {
	c := Catalog{ops: make(map[string]Operation)}
	for _, op := range ops {
		if _, ok := c.ops[op.Name()]; ok {
			panic(fmt.Sprintf("duplicate operation %q", op.Name()))
		}
		c.ops[op.Name()] = op
	}
	return c
}

// Default returns a catalog of the built-in operations.
func Default() Catalog { return New(Ping{}, Series{}) }

// Lookup returns the operation with the given name, or nil and false if there
// is none.
func (c Catalog) Lookup(name string) (Operation, bool) {
	op, ok := c.ops[name]
	return op, ok
}

// Names returns the names of the operations in c, in lexicographic order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exec calls the operation named by req and returns its response. If the
// operation is unknown, Exec reports an error wrapping
// flock.ErrUnknownOperation.
func (c Catalog) Exec(ctx context.Context, req *flock.Request) (_ *flock.Response, err error) {
	op, ok := c.ops[req.Operation]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", flock.ErrUnknownOperation, req.Operation, c.Names())
	}
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("operation %q panicked: %v", req.Operation, x)
		}
	}()
	rsp, err := op.Call(ctx, req)
	if err == nil && rsp == nil {
		return nil, errors.New("operation returned no response")
	}
	return rsp, err
}

// Dispatch implements the flock.Dispatcher interface. Errors from Exec are
// converted into error responses.
func (c Catalog) Dispatch(ctx context.Context, req *flock.Request) *flock.Response {
	rsp, err := c.Exec(ctx, req)
	if err != nil {
		return flock.ErrorResponse(err)
	}
	return rsp
}

// Handle returns an operation with the given name that delegates to h.
func Handle(name string, h flock.Handler) Operation { return handlerOp{name: name, h: h} }

type handlerOp struct {
	name string
	h    flock.Handler
}

func (o handlerOp) Name() string { return o.name }

func (o handlerOp) Call(ctx context.Context, req *flock.Request) (*flock.Response, error) {
	return o.h(ctx, req)
}
