// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program flock runs and talks to preforking flock RPC servers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/flock"
	"github.com/creachadair/flock/catalog"
	"github.com/creachadair/flock/client"
	"github.com/creachadair/flock/config"
	"github.com/creachadair/flock/prefork"
	"github.com/creachadair/flock/registry"
)

var globalFlags struct {
	Config string `flag:"config,Configuration file (YAML or TOML)"`
}

var serveFlags struct {
	Workers    int    `flag:"workers,default=-1,Number of worker processes (overrides config)"`
	ShareMode  string `flag:"share-mode,Listener sharing: inherit or reuseport (overrides config)"`
	NoRegistry bool   `flag:"no-registry,Do not register the server address"`
	LogLevel   string `flag:"log-level,Minimum log level (overrides config)"`
}

var callFlags struct {
	Addr    string        `flag:"addr,Server address (host:port); if empty, discover one from the registry"`
	Timeout time.Duration `flag:"timeout,default=30s,Timeout for the call"`
}

var configFlags struct {
	Format string `flag:"format,default=yaml,Output format: yaml or toml"`
}

func main() {
	expvar.Publish("flock", flock.Metrics())
	command.RunOrFail(newRoot().NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newRoot() *command.C {
	return &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<command> [arguments]",
		Help:     "Run and talk to preforking flock RPC servers.",
		SetFlags: command.Flags(flax.MustBind, &globalFlags),
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "<host> <port>",
				Help: `Serve the built-in operations at host:port.

The server starts a pool of worker processes that share its listening
socket, then registers host:port in ZooKeeper. Each of the processes
accepts connections; the kernel decides which one serves a client.
On SIGINT or SIGTERM the server deregisters, stops its workers, and exits.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "[--addr host:port] <op> [param]",
				Help:     "Call an operation and print its response.\n\nThe parameter is parsed as JSON if possible, otherwise it is sent as a string.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name: "list",
				Help: "List the server addresses advertised in the registry.",
				Run:  runList,
			},
			{
				Name:  "frame",
				Usage: "<op> [param]",
				Help:  "Write one encoded request frame to stdout.",
				Run:   runFrame,
			},
			{
				Name:     "config",
				Help:     "Print the effective configuration.",
				SetFlags: command.Flags(flax.MustBind, &configFlags),
				Run: func(env *command.Env) error {
					cfg, err := config.Load(globalFlags.Config)
					if err != nil {
						return err
					}
					return cfg.Encode(os.Stdout, configFlags.Format)
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
}

func runServe(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("Missing <host> <port>")
	}
	host := env.Args[0]
	port, err := strconv.Atoi(env.Args[1])
	if err != nil || port < 0 || port > 65535 {
		return env.Usagef("Invalid port %q", env.Args[1])
	}

	cfg, err := config.Load(globalFlags.Config)
	if err != nil {
		return err
	}
	if serveFlags.Workers >= 0 {
		cfg.Server.Workers = serveFlags.Workers
	}
	if serveFlags.ShareMode != "" {
		cfg.Server.ShareMode = serveFlags.ShareMode
	}
	if serveFlags.LogLevel != "" {
		cfg.Logging.Level = strings.ToLower(serveFlags.LogLevel)
	}
	if serveFlags.NoRegistry {
		cfg.Registry.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	role := prefork.CurrentRole()
	lctx := cfg.Logging.NewLogger(os.Stderr).With().Stringer("role", role).Int("pid", os.Getpid())
	if role == prefork.Worker {
		lctx = lctx.Int("worker", prefork.WorkerID())
	}
	srv := &server{
		Addr:       registry.Endpoint{Host: host, Port: port},
		Config:     cfg,
		Dispatcher: catalog.Default(),
		Logger:     lctx.Logger(),
	}
	ctx := context.Background()
	if err := srv.start(ctx); err != nil {
		return err
	}
	return srv.run(ctx)
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("Usage: call <op> [param]")
	}
	var param any
	if len(env.Args) == 2 {
		param = parseParam(env.Args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), callFlags.Timeout)
	defer cancel()

	c, err := dialOrDiscover(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	tag, result, err := c.Call(ctx, env.Args[0], param)
	var ce *client.CallError
	if err != nil && !errors.As(err, &ce) {
		return err
	}
	fmt.Printf("%s %s\n", tag, formatValue(result))
	return err
}

func dialOrDiscover(ctx context.Context) (*client.Client, error) {
	if callFlags.Addr != "" {
		return client.Dial(ctx, callFlags.Addr)
	}
	zc, rc, err := dialRegistry(ctx)
	if err != nil {
		return nil, err
	}
	defer zc.Close()
	return client.Discover(ctx, client.RegistryLookup(zc, rc.Root), nil)
}

func runList(env *command.Env) error {
	ctx := context.Background()
	zc, rc, err := dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer zc.Close()
	eps, err := registry.Lookup(zc, rc.Root)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		fmt.Printf("%s\t%s\n", ep.Addr(), ep.Node)
	}
	return nil
}

func dialRegistry(ctx context.Context) (registry.Conn, config.Registry, error) {
	cfg, err := config.Load(globalFlags.Config)
	if err != nil {
		return nil, config.Registry{}, err
	}
	rc := cfg.Registry
	zc, err := connectRegistry(ctx, &registry.Options{
		Servers:        rc.Servers,
		SessionTimeout: rc.SessionTimeout,
		ConnectTimeout: rc.ConnectTimeout,
	})
	if err != nil {
		return nil, rc, err
	}
	return zc, rc, nil
}

func runFrame(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("Usage: frame <op> [param]")
	}
	req := flock.Request{Operation: env.Args[0]}
	if len(env.Args) == 2 {
		req.Params = parseParam(env.Args[1])
	}
	frame, err := req.AppendFrame(nil)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(frame)
	return err
}

// parseParam interprets s as a JSON value if possible, and otherwise as a
// plain string. Integral JSON numbers become int64.
func parseParam(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return fromJSON(v)
}

func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, e := range t {
			t[i] = fromJSON(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSON(e)
		}
	}
	return v
}

// formatValue renders a decoded result for display.
func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	bits, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(bits)
}
