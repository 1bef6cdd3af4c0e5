// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package lifecycle runs a server process from startup to exit, and performs
// the shutdown sequence for its role when it receives a termination signal.
//
// Every process serves connections until it is signalled. The coordinator
// then closes its registry session, which withdraws its advertisement, closes
// its listener and connections, terminates its workers and waits for them to
// exit. A worker only closes its listener and connections.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creachadair/flock/loop"
	"github.com/creachadair/flock/prefork"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a server.
type State int

const (
	Starting State = iota
	Running
	ShuttingDown
	Exited
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	case Exited:
		return "Exited"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Workers is the subset of a process pool used during shutdown.
// It is satisfied by *prefork.Pool.
type Workers interface {
	Terminate() error
	Len() int
}

// A Server is the set of resources owned by one server process.
type Server struct {
	// The role of the process. A worker ignores Registry and Workers.
	Role prefork.Role

	// The listening socket shared with the other processes.
	Listener net.Listener

	// The loop serving connections. If nil, a default loop is used.
	Loop *loop.Loop

	// The registry session of the coordinator. If nil, there is none.
	Registry io.Closer

	// The worker pool of the coordinator. If nil, there is none.
	Workers Workers

	// The signals that begin shutdown. If empty, SIGINT and SIGTERM are used.
	Signals []os.Signal

	// If set, log lifecycle events here. By default logs are discarded.
	Logger *zerolog.Logger

	μ     sync.Mutex
	state State
}

// State reports the current lifecycle state of s.
func (s *Server) State() State {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.state = st
}

func (s *Server) logger() zerolog.Logger {
	if s.Logger == nil {
		return zerolog.Nop()
	}
	return *s.Logger
}

// Run serves connections until one of the shutdown signals arrives or ctx
// ends, then performs the shutdown sequence for the role of s and returns.
// Signals that arrive while shutdown is in progress are absorbed.
//
// Run reports an error if the loop fails, or if a shutdown step fails; every
// step is attempted regardless.
func (s *Server) Run(ctx context.Context) error {
	log := s.logger()
	sigs := s.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	sctx, stop := signal.NotifyContext(ctx, sigs...)
	defer stop()

	lp := s.Loop
	if lp == nil {
		lp = loop.New(nil)
	}
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	srv := taskgroup.Go(func() error {
		return lp.Serve(serveCtx, loop.NetAccepter(s.Listener))
	})
	served := make(chan struct{})
	go func() { srv.Wait(); close(served) }()

	s.setState(Running)
	log.Info().Stringer("addr", s.Listener.Addr()).Msg("serving")

	select {
	case <-sctx.Done():
		log.Info().Msg("shutting down")
	case <-served:
		log.Warn().Msg("listener closed, shutting down")
	}
	s.setState(ShuttingDown)

	var errs []error
	coord := s.Role == prefork.Coordinator
	if coord && s.Registry != nil {
		if err := s.Registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close registry: %w", err))
		}
		log.Debug().Msg("registry session closed")
	}

	// Cancelling the loop closes the listener and every connection.
	cancelServe()
	if err := srv.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("serve: %w", err))
	}
	log.Debug().Msg("connections closed")

	if coord && s.Workers != nil {
		n := s.Workers.Len()
		if err := s.Workers.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate workers: %w", err))
		}
		log.Debug().Int("workers", n).Msg("workers stopped")
	}
	s.setState(Exited)
	err := errors.Join(errs...)
	if err != nil {
		log.Error().Err(err).Msg("shutdown")
	} else {
		log.Info().Msg("shutdown complete")
	}
	return err
}
