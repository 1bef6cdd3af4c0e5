// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lifecycle_test

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/creachadair/flock"
	"github.com/creachadair/flock/channel"
	"github.com/creachadair/flock/lifecycle"
	"github.com/creachadair/flock/prefork"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// recorder keeps the order in which shutdown steps happen.
type recorder struct {
	μ      sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) get() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	return append([]string(nil), r.events...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type recListener struct {
	net.Listener
	once sync.Once
	rec  *recorder
}

func (r *recListener) Close() error {
	r.once.Do(func() { r.rec.add("listener") })
	return r.Listener.Close()
}

type fakeWorkers struct {
	rec *recorder
	err error
}

func (f fakeWorkers) Len() int         { return 2 }
func (f fakeWorkers) Terminate() error { f.rec.add("workers"); return f.err }

func mustListen(t *testing.T, rec *recorder) net.Listener {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { lst.Close() })
	return &recListener{Listener: lst, rec: rec}
}

func waitState(t *testing.T, s *lifecycle.Server, want lifecycle.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("State: got %v, want %v", s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinatorShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	rec := new(recorder)
	lst := mustListen(t, rec)
	s := &lifecycle.Server{
		Role:     prefork.Coordinator,
		Listener: lst,
		Registry: closerFunc(func() error { rec.add("registry"); return nil }),
		Workers:  fakeWorkers{rec: rec},
	}
	if got := s.State(); got != lifecycle.Starting {
		t.Errorf("Initial state: got %v, want %v", got, lifecycle.Starting)
	}

	ctx, cancel := context.WithCancel(t.Context())
	run := taskgroup.Go(func() error { return s.Run(ctx) })
	waitState(t, s, lifecycle.Running)

	// An open client connection is closed during shutdown.
	conn, err := net.Dial("tcp", lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	cancel()
	if err := run.Wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
	if got := s.State(); got != lifecycle.Exited {
		t.Errorf("Final state: got %v, want %v", got, lifecycle.Exited)
	}
	if diff := cmp.Diff([]string{"registry", "listener", "workers"}, rec.get()); diff != "" {
		t.Errorf("Shutdown order (-want, +got):\n%s", diff)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("Read after shutdown: got %d bytes, want error", n)
	}
}

func TestWorkerShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	rec := new(recorder)
	s := &lifecycle.Server{
		Role:     prefork.Worker,
		Listener: mustListen(t, rec),
		Registry: closerFunc(func() error { rec.add("registry"); return nil }),
		Workers:  fakeWorkers{rec: rec},
	}
	ctx, cancel := context.WithCancel(t.Context())
	run := taskgroup.Go(func() error { return s.Run(ctx) })
	waitState(t, s, lifecycle.Running)
	cancel()
	if err := run.Wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}

	// A worker owns no registry session and no workers.
	if diff := cmp.Diff([]string{"listener"}, rec.get()); diff != "" {
		t.Errorf("Shutdown steps (-want, +got):\n%s", diff)
	}
}

func TestShutdownErrors(t *testing.T) {
	defer leaktest.Check(t)()

	rec := new(recorder)
	regErr := errors.New("registry is gone")
	termErr := errors.New("worker is stuck")
	s := &lifecycle.Server{
		Role:     prefork.Coordinator,
		Listener: mustListen(t, rec),
		Registry: closerFunc(func() error { rec.add("registry"); return regErr }),
		Workers:  fakeWorkers{rec: rec, err: termErr},
	}
	ctx, cancel := context.WithCancel(t.Context())
	run := taskgroup.Go(func() error { return s.Run(ctx) })
	waitState(t, s, lifecycle.Running)
	cancel()

	// Every step runs even though some of them fail.
	err := run.Wait()
	if !errors.Is(err, regErr) || !errors.Is(err, termErr) {
		t.Errorf("Run: got %v, want %v and %v", err, regErr, termErr)
	}
	if diff := cmp.Diff([]string{"registry", "listener", "workers"}, rec.get()); diff != "" {
		t.Errorf("Shutdown order (-want, +got):\n%s", diff)
	}
}

// flakyListener fails its first accept with EMFILE.
type flakyListener struct {
	net.Listener
	once sync.Once
}

func (f *flakyListener) Accept() (net.Conn, error) {
	var err error
	f.once.Do(func() {
		err = &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	})
	if err != nil {
		return nil, err
	}
	return f.Listener.Accept()
}

func TestTransientAcceptError(t *testing.T) {
	defer leaktest.Check(t)()

	rec := new(recorder)
	lst := &flakyListener{Listener: mustListen(t, rec)}
	s := &lifecycle.Server{
		Role:     prefork.Coordinator,
		Listener: lst,
		Registry: closerFunc(func() error { rec.add("registry"); return nil }),
		Workers:  fakeWorkers{rec: rec},
	}
	ctx, cancel := context.WithCancel(t.Context())
	run := taskgroup.Go(func() error { return s.Run(ctx) })
	waitState(t, s, lifecycle.Running)

	// A failed accept does not start shutdown; the server keeps serving.
	conn, err := net.Dial("tcp", lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	ch := channel.IO(conn, conn)
	body, err := flock.Request{Operation: "ping", Params: "still serving"}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ch.Send(body); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := ch.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	ch.Close()

	if got := s.State(); got != lifecycle.Running {
		t.Errorf("State after accept error: got %v, want %v", got, lifecycle.Running)
	}
	if got := rec.get(); len(got) != 0 {
		t.Errorf("Shutdown steps ran after accept error: %v", got)
	}

	cancel()
	if err := run.Wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"registry", "listener", "workers"}, rec.get()); diff != "" {
		t.Errorf("Shutdown order (-want, +got):\n%s", diff)
	}
}

func TestListenerFailure(t *testing.T) {
	defer leaktest.Check(t)()

	rec := new(recorder)
	lst := mustListen(t, rec)
	s := &lifecycle.Server{
		Role:     prefork.Coordinator,
		Listener: lst,
		Workers:  fakeWorkers{rec: rec},
	}
	run := taskgroup.Go(func() error { return s.Run(t.Context()) })
	waitState(t, s, lifecycle.Running)

	// Losing the listener starts shutdown without a signal.
	lst.Close()
	if err := run.Wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
	if got := s.State(); got != lifecycle.Exited {
		t.Errorf("Final state: got %v, want %v", got, lifecycle.Exited)
	}
	if diff := cmp.Diff([]string{"listener", "workers"}, rec.get()); diff != "" {
		t.Errorf("Shutdown steps (-want, +got):\n%s", diff)
	}
}
