// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/flock"
	"github.com/creachadair/flock/config"
	"github.com/creachadair/flock/lifecycle"
	"github.com/creachadair/flock/loop"
	"github.com/creachadair/flock/prefork"
	"github.com/creachadair/flock/registry"
	"github.com/rs/zerolog"
)

// connectRegistry opens a session with the ensemble described by opts.
var connectRegistry = func(ctx context.Context, opts *registry.Options) (registry.Conn, error) {
	zc, err := registry.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return zc, nil
}

// A server is one process of a preforking server, either the coordinator or
// one of its workers.
type server struct {
	// The address to listen on and advertise. If Port is 0, the port chosen
	// by the kernel is advertised.
	Addr registry.Endpoint

	Config     *config.Config
	Dispatcher flock.Dispatcher // if nil, the built-in catalog
	Logger     zerolog.Logger

	role prefork.Role
	pool *prefork.Pool // nil in a worker
	lc   *lifecycle.Server
}

// start opens the listener and starts the worker pool. In the coordinator it
// then registers the server address; if that fails, the listener is closed
// and the workers are stopped before start returns.
func (s *server) start(ctx context.Context) error {
	cfg := s.Config
	mode := prefork.ShareMode(cfg.Server.ShareMode)
	lst, err := prefork.Listen(ctx, s.Addr.Addr(), mode)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if ta, ok := lst.Addr().(*net.TCPAddr); ok && s.Addr.Port == 0 {
		s.Addr.Port = ta.Port
	}

	pool, role, err := prefork.Prefork(lst, prefork.Config{
		Workers:         cfg.Server.Workers,
		Mode:            mode,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          &s.Logger,
	})
	if err != nil {
		lst.Close()
		return fmt.Errorf("start workers: %w", err)
	}
	s.role, s.pool = role, pool
	s.lc = &lifecycle.Server{
		Role:     role,
		Listener: lst,
		Loop: loop.New(&loop.Options{
			Dispatcher:   s.Dispatcher,
			MaxFrameSize: cfg.Server.MaxFrameSize,
			RateLimit:    cfg.Server.RateLimit,
			Burst:        cfg.Server.Burst,
			Logger:       &s.Logger,
		}),
		Logger: &s.Logger,
	}
	if role != prefork.Coordinator {
		return nil
	}
	s.lc.Workers = pool
	s.Logger.Info().Ints("workers", pool.PIDs()).Str("mode", string(mode)).Msg("worker pool started")

	if cfg.Registry.Enabled {
		reg, err := register(ctx, cfg.Registry, s.Addr, s.Logger)
		if err != nil {
			lst.Close()
			if terr := pool.Terminate(); terr != nil {
				err = errors.Join(err, terr)
			}
			return err
		}
		s.lc.Registry = reg
	}
	return nil
}

// run serves until a shutdown signal arrives, then shuts down. The server
// must have been started.
func (s *server) run(ctx context.Context) error {
	err := s.lc.Run(ctx)
	s.Logger.Debug().RawJSON("metrics", []byte(flock.Metrics().String())).Msg("final metrics")
	return err
}

// register publishes ep in the registry described by rc.
func register(ctx context.Context, rc config.Registry, ep registry.Endpoint, log zerolog.Logger) (*registry.Client, error) {
	zc, err := connectRegistry(ctx, &registry.Options{
		Servers:        rc.Servers,
		SessionTimeout: rc.SessionTimeout,
		ConnectTimeout: rc.ConnectTimeout,
		Logger:         &log,
	})
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	reg := registry.New(zc, rc.Root)
	node, err := reg.Register(ep)
	if err != nil {
		reg.Close()
		return nil, err
	}
	log.Info().Str("node", node).Stringer("endpoint", ep).Msg("registered")
	return reg, nil
}
