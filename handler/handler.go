// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the flock.Handler type for functions
// with other signatures.
//
// Parameters are converted from the decoded request value. The types any,
// bool, string, []byte, int, int64, float64, []any and map[string]any are
// handled directly; an integral float64 converts to an integer type, and an
// integer converts to float64. A type whose pointer implements
// encoding.TextUnmarshaler accepts a string. Other types, notably structs, are
// decoded from a map using github.com/mitchellh/mapstructure. A parameter that
// does not convert yields an error wrapping flock.ErrInvalidParams.
//
// Results are returned as-is if they are directly encodable. A type that
// implements encoding.TextMarshaler is reported as a string, and structs are
// converted to a map[string]any using mapstructure.
package handler

import (
	"context"
	"encoding"
	"fmt"
	"math"
	"reflect"

	"github.com/creachadair/flock"
	"github.com/mitchellh/mapstructure"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *flock.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*flock.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a flock.Handler. Successful
// responses carry the given tag.
func ParamResultError[P, R any](tag string, f func(context.Context, P) (R, error)) flock.Handler {
	return func(ctx context.Context, req *flock.Request) (*flock.Response, error) {
		var p P
		if err := unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return respond(tag, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a flock.Handler.
func ParamResult[P, R any](tag string, f func(context.Context, P) R) flock.Handler {
	return func(ctx context.Context, req *flock.Request) (*flock.Response, error) {
		var p P
		if err := unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return respond(tag, f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a flock.Handler. Successful responses have a nil
// result.
func ParamError[P any](tag string, f func(context.Context, P) error) flock.Handler {
	return func(ctx context.Context, req *flock.Request) (*flock.Response, error) {
		var p P
		if err := unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		if err := f(hctx, p); err != nil {
			return nil, err
		}
		return &flock.Response{Tag: tag}, nil
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a flock.Handler. The parameters of the
// request are ignored.
func ResultError[R any](tag string, f func(context.Context) (R, error)) flock.Handler {
	return func(ctx context.Context, req *flock.Request) (*flock.Response, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return respond(tag, r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a flock.Handler.
func ResultOnly[R any](tag string, f func(context.Context) R) flock.Handler {
	return func(ctx context.Context, req *flock.Request) (*flock.Response, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return respond(tag, f(hctx))
	}
}

func respond(tag string, r any) (*flock.Response, error) {
	v, err := marshal(r)
	if err != nil {
		return nil, err
	}
	return &flock.Response{Tag: tag, Result: v}, nil
}

func invalid(msg string, args ...any) error {
	return fmt.Errorf("%w: %s", flock.ErrInvalidParams, fmt.Sprintf(msg, args...))
}

// unmarshal converts the decoded value v into the value pointed to by dst.
func unmarshal(v, dst any) error {
	switch t := dst.(type) {
	case *any:
		*t = v
	case *string:
		s, ok := v.(string)
		if !ok {
			return invalid("got %T, want string", v)
		}
		*t = s
	case *[]byte:
		switch b := v.(type) {
		case []byte:
			*t = b
		case string:
			*t = []byte(b)
		default:
			return invalid("got %T, want bytes", v)
		}
	case *bool:
		b, ok := v.(bool)
		if !ok {
			return invalid("got %T, want bool", v)
		}
		*t = b
	case *int64:
		n, err := asInt(v)
		if err != nil {
			return err
		}
		*t = n
	case *int:
		n, err := asInt(v)
		if err != nil {
			return err
		}
		*t = int(n)
	case *float64:
		switch f := v.(type) {
		case float64:
			*t = f
		case int64:
			*t = float64(f)
		default:
			return invalid("got %T, want number", v)
		}
	case *[]any:
		s, ok := v.([]any)
		if !ok && v != nil {
			return invalid("got %T, want list", v)
		}
		*t = s
	case *map[string]any:
		m, ok := v.(map[string]any)
		if !ok && v != nil {
			return invalid("got %T, want map", v)
		}
		*t = m
	case encoding.TextUnmarshaler:
		s, ok := v.(string)
		if !ok {
			return invalid("got %T, want string", v)
		}
		if err := t.UnmarshalText([]byte(s)); err != nil {
			return invalid("%v", err)
		}
	default:
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:      dst,
			ErrorUnused: true,
		})
		if err != nil {
			return fmt.Errorf("cannot unmarshal into %T: %w", dst, err)
		}
		if err := dec.Decode(v); err != nil {
			return invalid("%v", err)
		}
	}
	return nil
}

// asInt converts v to an integer, accepting floating-point values that have
// no fractional part.
func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, invalid("%v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, invalid("got %T, want integer", v)
	}
}

// marshal converts v into a value the packet encoder accepts.
//
// As a special case, if v is a nil pointer the result is nil without error.
func marshal(v any) (any, error) {
	switch t := v.(type) {
	case encoding.TextMarshaler:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		text, err := t.MarshalText()
		if err != nil {
			return nil, err
		}
		return string(text), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return v, nil
	}
	var out map[string]any
	if err := mapstructure.Decode(rv.Interface(), &out); err != nil {
		return nil, fmt.Errorf("cannot marshal %T: %w", v, err)
	}
	return out, nil
}
