// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package registry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/flock/registry"
	"github.com/creachadair/flock/registry/zktest"
	"github.com/go-zookeeper/zk"
	"github.com/google/go-cmp/cmp"
)

func TestEnsurePath(t *testing.T) {
	srv := zktest.NewServer()
	conn := srv.Connect()
	defer conn.Close()

	for range 2 {
		if err := registry.EnsurePath(conn, "/a/b/c"); err != nil {
			t.Fatalf("EnsurePath: unexpected error: %v", err)
		}
	}
	if diff := cmp.Diff([]string{"/a", "/a/b", "/a/b/c"}, srv.Paths()); diff != "" {
		t.Errorf("Paths (-want, +got):\n%s", diff)
	}

	// A path created by another session concurrently is fine.
	other := srv.Connect()
	defer other.Close()
	if err := registry.EnsurePath(other, "/a/b/d/"); err != nil {
		t.Errorf("EnsurePath: unexpected error: %v", err)
	}
	if err := registry.EnsurePath(conn, "relative"); err == nil {
		t.Error("EnsurePath(relative): got nil error, want error")
	}
}

func TestRegisterUnique(t *testing.T) {
	srv := zktest.NewServer()

	// Several coordinators register under the same root, each with its own
	// session, as separate server processes would.
	var clients []*registry.Client
	var nodes []string
	for i := range 3 {
		c := registry.New(srv.Connect(), "/flock/svc")
		defer c.Close()
		node, err := c.Register(registry.Endpoint{Host: "127.0.0.1", Port: 8090 + i})
		if err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
		if got := c.Node(); got != node {
			t.Errorf("Node: got %q, want %q", got, node)
		}
		clients = append(clients, c)
		nodes = append(nodes, node)
	}
	want := []string{
		"/flock/svc/rpc0000000000",
		"/flock/svc/rpc0000000001",
		"/flock/svc/rpc0000000002",
	}
	if diff := cmp.Diff(want, nodes); diff != "" {
		t.Errorf("Nodes (-want, +got):\n%s", diff)
	}

	// A client registers only once.
	if _, err := clients[0].Register(registry.Endpoint{Host: "localhost", Port: 1}); err == nil {
		t.Error("Second Register: got nil error, want error")
	}

	look := srv.Connect()
	defer look.Close()
	eps, err := registry.Lookup(look, "/flock/svc")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if diff := cmp.Diff([]registry.Endpoint{
		{Host: "127.0.0.1", Port: 8090, Node: want[0]},
		{Host: "127.0.0.1", Port: 8091, Node: want[1]},
		{Host: "127.0.0.1", Port: 8092, Node: want[2]},
	}, eps); diff != "" {
		t.Errorf("Lookup (-want, +got):\n%s", diff)
	}

	// Ending a session withdraws only its own node.
	if err := clients[1].Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := clients[1].Close(); err != nil {
		t.Errorf("Close again: %v", err)
	}
	eps, err = registry.Lookup(look, "/flock/svc")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	var addrs []string
	for _, ep := range eps {
		addrs = append(addrs, ep.Addr())
	}
	if diff := cmp.Diff([]string{"127.0.0.1:8090", "127.0.0.1:8092"}, addrs); diff != "" {
		t.Errorf("Lookup after close (-want, +got):\n%s", diff)
	}

	// A new registration continues the sequence.
	c := registry.New(srv.Connect(), "/flock/svc")
	defer c.Close()
	if node, err := c.Register(registry.Endpoint{Host: "127.0.0.1", Port: 8093}); err != nil {
		t.Errorf("Register: %v", err)
	} else if node != "/flock/svc/rpc0000000003" {
		t.Errorf("Register: got %q, want sequence 3", node)
	}
}

func TestSessionExpired(t *testing.T) {
	srv := zktest.NewServer()

	conns := []*zktest.Conn{srv.Connect(), srv.Connect()}
	var nodes []string
	for i, conn := range conns {
		c := registry.New(conn, "/flock/svc")
		defer c.Close()
		node, err := c.Register(registry.Endpoint{Host: "10.0.0.1", Port: 9000 + i})
		if err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
		nodes = append(nodes, node)
	}

	// Forcibly ending one session removes only the node it owns.
	conns[0].Expire()
	if diff := cmp.Diff([]string{"/flock", "/flock/svc", nodes[1]}, srv.Paths()); diff != "" {
		t.Errorf("Paths after expiry (-want, +got):\n%s", diff)
	}
	if _, _, err := conns[0].Exists(nodes[1]); !errors.Is(err, zk.ErrSessionExpired) {
		t.Errorf("Exists after expiry: got %v, want %v", err, zk.ErrSessionExpired)
	}
	if ok, _, err := conns[1].Exists(nodes[1]); err != nil || !ok {
		t.Errorf("Exists(%q): got %v, %v; want true, nil", nodes[1], ok, err)
	}

	look := srv.Connect()
	defer look.Close()
	eps, err := registry.Lookup(look, "/flock/svc")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if diff := cmp.Diff([]registry.Endpoint{
		{Host: "10.0.0.1", Port: 9001, Node: nodes[1]},
	}, eps); diff != "" {
		t.Errorf("Lookup after expiry (-want, +got):\n%s", diff)
	}
}

func TestRegisterClosed(t *testing.T) {
	c := registry.New(zktest.NewServer().Connect(), "")
	if got := c.Root(); got != registry.DefaultRoot {
		t.Errorf("Root: got %q, want %q", got, registry.DefaultRoot)
	}
	c.Close()
	if _, err := c.Register(registry.Endpoint{Host: "localhost", Port: 1}); err == nil {
		t.Error("Register after Close: got nil error, want error")
	}
}

func TestLookup(t *testing.T) {
	srv := zktest.NewServer()
	conn := srv.Connect()
	defer conn.Close()

	// A missing root is empty, not an error.
	if eps, err := registry.Lookup(conn, "/nonesuch"); err != nil || len(eps) != 0 {
		t.Errorf("Lookup(missing): got (%v, %v), want empty", eps, err)
	}

	// Nodes that are not address records are ignored.
	if err := registry.EnsurePath(conn, "/flock/other"); err != nil {
		t.Fatalf("EnsurePath: %v", err)
	}
	if _, err := conn.Create("/flock/rpc-junk", []byte("not json"), 0, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := registry.New(srv.Connect(), "").Register(registry.Endpoint{Host: "h", Port: 9}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	eps, err := registry.Lookup(conn, "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(eps) != 1 || eps[0].Addr() != "h:9" {
		t.Errorf("Lookup: got %v, want one endpoint h:9", eps)
	}

	conn.Close()
	if _, err := registry.Lookup(conn, ""); !errors.Is(err, zk.ErrClosing) {
		t.Errorf("Lookup on closed conn: got %v, want %v", err, zk.ErrClosing)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		input string
		want  registry.Endpoint
		ok    bool
	}{
		{"localhost:8090", registry.Endpoint{Host: "localhost", Port: 8090}, true},
		{"[::1]:80", registry.Endpoint{Host: "::1", Port: 80}, true},
		{"localhost", registry.Endpoint{}, false},
		{"host:port", registry.Endpoint{}, false},
		{"host:70000", registry.Endpoint{}, false},
	}
	for _, tc := range tests {
		got, err := registry.ParseEndpoint(tc.input)
		if (err == nil) != tc.ok {
			t.Errorf("ParseEndpoint(%q): got err=%v, want ok=%v", tc.input, err, tc.ok)
		} else if got != tc.want {
			t.Errorf("ParseEndpoint(%q): got %+v, want %+v", tc.input, got, tc.want)
		}
	}
}

func TestDialTimeout(t *testing.T) {
	if _, err := registry.Dial(t.Context(), nil); err == nil {
		t.Error("Dial(nil): got nil error, want error")
	}

	// Nothing listens on port 1, so no session is ever established.
	start := time.Now()
	conn, err := registry.Dial(t.Context(), &registry.Options{
		Servers:        []string{"127.0.0.1:1"},
		ConnectTimeout: 300 * time.Millisecond,
	})
	if err == nil {
		conn.Close()
		t.Fatal("Dial: got nil error, want timeout")
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("Dial failed after %v, before the timeout", elapsed)
	}
	t.Logf("Dial error OK: %v", err)
}
