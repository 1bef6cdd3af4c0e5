// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package flock_test

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/creachadair/flock"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

// testOps is a minimal dispatcher for exercising sessions.
var testOps = flock.DispatcherFunc(func(_ context.Context, req *flock.Request) *flock.Response {
	switch req.Operation {
	case "ping":
		return &flock.Response{Tag: "pong", Result: req.Params}
	case "unencodable":
		return &flock.Response{Tag: "ok", Result: struct{}{}}
	}
	return flock.ErrorResponse(fmt.Errorf("%w %q", flock.ErrUnknownOperation, req.Operation))
})

func TestParseFrame(t *testing.T) {
	frame := flock.AppendFrame(nil, []byte("hello"))
	if got, want := string(frame), "\x00\x00\x00\x05hello"; got != want {
		t.Fatalf("AppendFrame: got %q, want %q", got, want)
	}

	// Every proper prefix of a frame is incomplete.
	for i := range len(frame) {
		body, n, err := flock.ParseFrame(frame[:i], 0)
		if err != nil || n != 0 || body != nil {
			t.Errorf("ParseFrame(%q): got (%q, %d, %v), want incomplete", frame[:i], body, n, err)
		}
	}

	// A complete frame reports its body and size, ignoring what follows.
	body, n, err := flock.ParseFrame(append(frame, "xyz"...), 0)
	if err != nil {
		t.Fatalf("ParseFrame: unexpected error: %v", err)
	}
	if string(body) != "hello" || n != len(frame) {
		t.Errorf("ParseFrame: got (%q, %d), want (%q, %d)", body, n, "hello", len(frame))
	}

	// An oversized length prefix is reported before the body arrives.
	if _, _, err := flock.ParseFrame(frame[:4], 4); !errors.Is(err, flock.ErrFrameTooLarge) {
		t.Errorf("ParseFrame: got error %v, want %v", err, flock.ErrFrameTooLarge)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	reqs := []flock.Request{
		{Operation: "ping", Params: "ireader 0"},
		{Operation: "series", Params: int64(100)},
		{Operation: "", Params: nil},
		{Operation: "nest", Params: map[string]any{"a": []any{int64(1), 2.5, []byte("x")}}},
	}
	for _, req := range reqs {
		enc, err := req.Encode()
		if err != nil {
			t.Fatalf("Encode %v: %v", req, err)
		}
		var got flock.Request
		if err := got.Decode(enc); err != nil {
			t.Fatalf("Decode %q: %v", enc, err)
		}
		if diff := cmp.Diff(req, got); diff != "" {
			t.Errorf("Request (-want, +got):\n%s", diff)
		}
	}

	rsp := flock.Response{Tag: "result", Result: 3.14159}
	frame, err := rsp.AppendFrame([]byte("prefix"))
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	if !bytes.HasPrefix(frame, []byte("prefix")) {
		t.Fatalf("AppendFrame did not preserve prefix: %q", frame)
	}
	body, n, err := flock.ParseFrame(frame[len("prefix"):], 0)
	if err != nil || n != len(frame)-len("prefix") {
		t.Fatalf("ParseFrame: got (%d, %v), want whole frame", n, err)
	}
	var got flock.Response
	if err := got.Decode(body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(rsp, got); diff != "" {
		t.Errorf("Response (-want, +got):\n%s", diff)
	}
}

func TestEnvelopeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"Empty", ""},
		{"BadTag", "Q"},
		{"NotMap", "S\x10ping"},
		{"NoOperation", "M\x04\x18paramsN"},
		{"OperationNotString", "M\x04\x08inI\x02"},
		{"Truncated", "M\x08\x08inS\x10pi"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var req flock.Request
			if err := req.Decode([]byte(tc.input)); !errors.Is(err, flock.ErrMalformedEnvelope) {
				t.Errorf("Decode(%q): got %v, want %v", tc.input, err, flock.ErrMalformedEnvelope)
			}
		})
	}
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err  error
		code flock.ErrorCode
	}{
		{fmt.Errorf("%w: frob", flock.ErrUnknownOperation), flock.CodeUnknownOperation},
		{fmt.Errorf("bad: %w", flock.ErrInvalidParams), flock.CodeInvalidParams},
		{errors.New("kaboom"), flock.CodeInternal},
		{flock.ErrorData{Code: flock.CodeInvalidParams, Message: "nope"}, flock.CodeInvalidParams},
		{fmt.Errorf("wrapped: %w", flock.ErrorData{Code: "custom"}), "custom"},
	}
	for _, tc := range tests {
		rsp := flock.ErrorResponse(tc.err)
		if rsp.Tag != flock.TagError {
			t.Errorf("ErrorResponse(%v): tag %q, want %q", tc.err, rsp.Tag, flock.TagError)
		}
		ed, ok := rsp.ErrorData()
		if !ok {
			t.Fatalf("ErrorData(%v): not an error response", rsp)
		}
		if ed.Code != tc.code {
			t.Errorf("ErrorResponse(%v): code %q, want %q", tc.err, ed.Code, tc.code)
		}
	}

	if !errors.Is(flock.ErrorData{Code: flock.CodeUnknownOperation}, flock.ErrUnknownOperation) {
		t.Error("ErrorData does not match ErrUnknownOperation")
	}
	if _, ok := (flock.Response{Tag: "pong"}).ErrorData(); ok {
		t.Error("ErrorData reported ok for a non-error response")
	}
}

func TestSessionPipelined(t *testing.T) {
	var out bytes.Buffer
	s := flock.NewSession(&out, testOps, nil)

	// Two requests arriving in a single read are both answered, in order.
	in := mustFrame(t, "ping", "a")
	in = append(in, mustFrame(t, "ping", "b")...)
	if err := s.Feed(context.Background(), in); err != nil {
		t.Fatalf("Feed: unexpected error: %v", err)
	}
	got := parseResponses(t, out.Bytes())
	want := []flock.Response{{Tag: "pong", Result: "a"}, {Tag: "pong", Result: "b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Responses (-want, +got):\n%s", diff)
	}
	if n := s.Frames(); n != 2 {
		t.Errorf("Frames: got %d, want 2", n)
	}
	if n := s.Buffered(); n != 0 {
		t.Errorf("Buffered: got %d, want 0", n)
	}
}

func TestSessionPartial(t *testing.T) {
	var out bytes.Buffer
	s := flock.NewSession(&out, testOps, nil)
	ctx := context.Background()
	frame := mustFrame(t, "ping", "hello")

	steps := []struct {
		data  []byte
		state flock.State
		nrsp  int
	}{
		{frame[:2], flock.AwaitingLengthPrefix, 0},
		{frame[2:6], flock.AwaitingBody, 0},
		{frame[6 : len(frame)-1], flock.AwaitingBody, 0},
		{frame[len(frame)-1:], flock.AwaitingLengthPrefix, 1},
	}
	for i, step := range steps {
		if err := s.Feed(ctx, step.data); err != nil {
			t.Fatalf("Step %d: Feed: unexpected error: %v", i+1, err)
		}
		if got := s.State(); got != step.state {
			t.Errorf("Step %d: state %v, want %v", i+1, got, step.state)
		}
		if got := len(parseResponses(t, out.Bytes())); got != step.nrsp {
			t.Errorf("Step %d: got %d responses, want %d", i+1, got, step.nrsp)
		}
	}
}

func TestSessionFragmentation(t *testing.T) {
	var stream []byte
	stream = append(stream, mustFrame(t, "ping", "a")...)
	stream = append(stream, mustFrame(t, "ping", int64(25))...)
	stream = append(stream, mustFrame(t, "nonesuch", nil)...)
	stream = append(stream, mustFrame(t, "ping", strings.Repeat("x", 3*4096+17))...)
	stream = append(stream, mustFrame(t, "ping", []any{true, 1.5, map[string]any{}})...)
	stream = append(stream, mustFrame(t, "unencodable", nil)...)

	// Feeding the whole stream at once establishes the expected output.
	var want bytes.Buffer
	if err := flock.NewSession(&want, testOps, nil).Feed(context.Background(), stream); err != nil {
		t.Fatalf("Feed: unexpected error: %v", err)
	}
	if n := len(parseResponses(t, want.Bytes())); n != 6 {
		t.Fatalf("Got %d responses, want 6", n)
	}

	// Any other way of splitting the stream must produce the same bytes.
	for seed := range uint64(20) {
		rng := rand.New(rand.NewPCG(seed, 1))
		var got bytes.Buffer
		s := flock.NewSession(&got, testOps, nil)
		for rest := stream; len(rest) > 0; {
			n := min(len(rest), 1+rng.IntN(64))
			if seed%2 == 0 {
				n = min(len(rest), 1+rng.IntN(8192))
			}
			if err := s.Feed(context.Background(), rest[:n]); err != nil {
				t.Fatalf("Seed %d: Feed: unexpected error: %v", seed, err)
			}
			rest = rest[n:]
		}
		if !bytes.Equal(got.Bytes(), want.Bytes()) {
			t.Errorf("Seed %d: output differs from unsplit input", seed)
		}
	}

	// Reading through short reads gives the same result.
	for name, r := range map[string]io.Reader{
		"OneByte": iotest.OneByteReader(bytes.NewReader(stream)),
		"Half":    iotest.HalfReader(bytes.NewReader(stream)),
		"Whole":   bytes.NewReader(stream),
	} {
		var got bytes.Buffer
		s := flock.NewSession(&got, testOps, nil)
		for {
			_, err := s.ReadFrom(context.Background(), r)
			if err == io.EOF {
				break
			} else if err != nil {
				t.Fatalf("%s: ReadFrom: unexpected error: %v", name, err)
			}
		}
		if !bytes.Equal(got.Bytes(), want.Bytes()) {
			t.Errorf("%s: output differs from unsplit input", name)
		}
	}
}

func TestSessionErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Malformed", func(t *testing.T) {
		var out bytes.Buffer
		s := flock.NewSession(&out, testOps, nil)

		// The valid request preceding the bad frame is still answered.
		in := mustFrame(t, "ping", "ok")
		in = flock.AppendFrame(in, []byte("garbage"))
		if err := s.Feed(ctx, in); !errors.Is(err, flock.ErrMalformedEnvelope) {
			t.Errorf("Feed: got error %v, want %v", err, flock.ErrMalformedEnvelope)
		}
		if n := len(parseResponses(t, out.Bytes())); n != 1 {
			t.Errorf("Got %d responses, want 1", n)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		var out bytes.Buffer
		s := flock.NewSession(&out, testOps, &flock.SessionOptions{MaxFrameSize: 8})
		if err := s.Feed(ctx, []byte{0, 0, 0, 9}); !errors.Is(err, flock.ErrFrameTooLarge) {
			t.Errorf("Feed: got error %v, want %v", err, flock.ErrFrameTooLarge)
		}
		if out.Len() != 0 {
			t.Errorf("Unexpected output: %q", out.Bytes())
		}
	})

	t.Run("Unencodable", func(t *testing.T) {
		var out bytes.Buffer
		s := flock.NewSession(&out, testOps, nil)
		if err := s.Feed(ctx, mustFrame(t, "unencodable", nil)); err != nil {
			t.Fatalf("Feed: unexpected error: %v", err)
		}
		rsps := parseResponses(t, out.Bytes())
		if len(rsps) != 1 {
			t.Fatalf("Got %d responses, want 1", len(rsps))
		}
		if ed, ok := rsps[0].ErrorData(); !ok || ed.Code != flock.CodeInternal {
			t.Errorf("Response: got %v, want internal error", rsps[0])
		}
	})

	t.Run("WriteFailed", func(t *testing.T) {
		s := flock.NewSession(failWriter{}, testOps, nil)
		if err := s.Feed(ctx, mustFrame(t, "ping", nil)); err == nil {
			t.Error("Feed: got nil error, want write failure")
		}
	})

	t.Run("RateLimited", func(t *testing.T) {
		var out bytes.Buffer
		s := flock.NewSession(&out, testOps, &flock.SessionOptions{
			Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
		})
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		in := mustFrame(t, "ping", int64(1))
		in = append(in, mustFrame(t, "ping", int64(2))...)
		if err := s.Feed(tctx, in); err == nil {
			t.Error("Feed: got nil error, want rate limit failure")
		}
		if n := len(parseResponses(t, out.Bytes())); n != 1 {
			t.Errorf("Got %d responses, want 1", n)
		}
	})
}

func TestMetrics(t *testing.T) {
	m := flock.Metrics()
	for _, name := range []string{
		"frames_received", "bytes_received", "responses_sent", "requests_failed", "malformed_frames",
	} {
		if _, ok := m.Get(name).(*expvar.Int); !ok {
			t.Errorf("Metric %q missing", name)
		}
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }

func mustFrame(t testing.TB, op string, params any) []byte {
	t.Helper()
	frame, err := flock.Request{Operation: op, Params: params}.AppendFrame(nil)
	if err != nil {
		t.Fatalf("Encode request %q: %v", op, err)
	}
	return frame
}

func parseResponses(t testing.TB, data []byte) []flock.Response {
	t.Helper()
	var out []flock.Response
	for len(data) != 0 {
		body, n, err := flock.ParseFrame(data, 0)
		if err != nil || n == 0 {
			t.Fatalf("ParseFrame(%q): got (%d, %v), want complete frame", data, n, err)
		}
		var rsp flock.Response
		if err := rsp.Decode(body); err != nil {
			t.Fatalf("Decode response: %v", err)
		}
		out = append(out, rsp)
		data = data[n:]
	}
	return out
}
