// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package registry advertises a server address in ZooKeeper and lists the
// addresses advertised by others.
//
// A coordinator publishes one ephemeral, sequential node under a root path,
// named "<root>/rpc" followed by a 10-digit sequence number, whose payload is
// the JSON object {"host": string, "port": int}. The node lives exactly as
// long as the ZooKeeper session that created it, so closing the [Client] (or
// losing the session) withdraws the advertisement.
package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"
)

// DefaultRoot is the root path used when none is given.
const DefaultRoot = "/flock"

// NodePrefix is the name prefix of an address node under the root.
const NodePrefix = "rpc"

// Conn is the subset of a ZooKeeper connection used by this package.
// It is satisfied by *zk.Conn.
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Close()
}

// An Endpoint is the address of a server advertised in the registry.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	Node string `json:"-"` // the path of the node, if known
}

// Addr returns the host:port address of e.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

func (e Endpoint) String() string {
	if e.Node == "" {
		return e.Addr()
	}
	return e.Addr() + " (" + e.Node + ")"
}

// ParseEndpoint parses a host:port address into an Endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, sport, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(sport)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %q", sport)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Options control how [Dial] connects to ZooKeeper.
// A nil *Options is not valid, since at least one server is required.
type Options struct {
	// The host:port addresses of the ZooKeeper ensemble (required).
	Servers []string

	// The session timeout negotiated with the ensemble. If zero, 10s.
	SessionTimeout time.Duration

	// How long to wait for a session to be established. If zero, 10s.
	ConnectTimeout time.Duration

	// If set, log session events here. By default logs are discarded.
	Logger *zerolog.Logger
}

func (o *Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// Dial connects to the ZooKeeper ensemble described by opts and waits until
// a session is established, ctx ends, or the connect timeout expires.
func Dial(ctx context.Context, opts *Options) (*zk.Conn, error) {
	if opts == nil || len(opts.Servers) == 0 {
		return nil, errors.New("no ZooKeeper servers")
	}
	log := opts.logger().With().Str("component", "registry").Logger()
	conn, events, err := zk.Connect(opts.Servers, cmp.Or(opts.SessionTimeout, 10*time.Second),
		zk.WithLogger(&log))
	if err != nil {
		return nil, fmt.Errorf("connect to ZooKeeper: %w", err)
	}

	timeout := time.NewTimer(cmp.Or(opts.ConnectTimeout, 10*time.Second))
	defer timeout.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, errors.New("connect to ZooKeeper: connection closed")
			}
			log.Debug().Stringer("state", ev.State).Str("server", ev.Server).Msg("session event")
			switch ev.State {
			case zk.StateHasSession:
				go logEvents(log, events)
				return conn, nil
			case zk.StateAuthFailed:
				conn.Close()
				return nil, errors.New("connect to ZooKeeper: authentication failed")
			}
		case <-timeout.C:
			conn.Close()
			return nil, fmt.Errorf("connect to ZooKeeper %v: no session after %v",
				opts.Servers, cmp.Or(opts.ConnectTimeout, 10*time.Second))
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("connect to ZooKeeper: %w", ctx.Err())
		}
	}
}

// logEvents drains session events until the connection closes.
func logEvents(log zerolog.Logger, events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		if ev.State == zk.StateExpired || ev.State == zk.StateDisconnected {
			log.Warn().Stringer("state", ev.State).Msg("session event")
		} else {
			log.Debug().Stringer("state", ev.State).Msg("session event")
		}
	}
}

// A Client publishes the address of one server in the registry.
type Client struct {
	conn Conn
	root string

	μ      sync.Mutex
	node   string
	closed bool
}

// New constructs a client that advertises under root using conn.
// If root == "", DefaultRoot is used. The client takes ownership of conn.
func New(conn Conn, root string) *Client {
	if root == "" {
		root = DefaultRoot
	}
	return &Client{conn: conn, root: path.Clean(root)}
}

// Root reports the root path of c.
func (c *Client) Root() string { return c.root }

// Node reports the path of the node created by Register, or "" if c has not
// registered.
func (c *Client) Node() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.node
}

// EnsurePath creates each component of p that does not already exist, as a
// persistent node with no data. It is not an error for any of them to exist,
// including when another client creates it concurrently.
func (c *Client) EnsurePath(p string) error { return EnsurePath(c.conn, p) }

// EnsurePath creates each missing component of p using conn.
func EnsurePath(conn Conn, p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q is not absolute", p)
	}
	cur := ""
	for _, elt := range strings.Split(strings.Trim(path.Clean(p), "/"), "/") {
		if elt == "" {
			continue
		}
		cur += "/" + elt
		ok, _, err := conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("check %q: %w", cur, err)
		} else if ok {
			continue
		}
		if _, err := conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create %q: %w", cur, err)
		}
	}
	return nil
}

// Register ensures the root path exists and creates the ephemeral, sequential
// address node for ep under it. It returns the path of the new node.
// A client registers at most once.
func (c *Client) Register(ep Endpoint) (string, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return "", errors.New("registry client is closed")
	} else if c.node != "" {
		return "", fmt.Errorf("already registered as %q", c.node)
	}
	if err := EnsurePath(c.conn, c.root); err != nil {
		return "", err
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return "", err
	}
	node, err := c.conn.Create(path.Join(c.root, NodePrefix), data,
		zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("register %v: %w", ep, err)
	}
	c.node = node
	return node, nil
}

// Close ends the session of c, which removes its address node.
// Close is safe to call more than once.
func (c *Client) Close() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
	return nil
}

// Lookup returns the endpoints currently advertised under root, ordered by
// node sequence. Nodes that vanish or hold unreadable data while being read
// are skipped. A missing root has no endpoints.
func Lookup(conn Conn, root string) ([]Endpoint, error) {
	if root == "" {
		root = DefaultRoot
	}
	names, _, err := conn.Children(root)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("list %q: %w", root, err)
	}
	slices.Sort(names)

	var out []Endpoint
	for _, name := range names {
		if !strings.HasPrefix(name, NodePrefix) {
			continue
		}
		node := path.Join(root, name)
		data, _, err := conn.Get(node)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("read %q: %w", node, err)
		}
		var ep Endpoint
		if err := json.Unmarshal(data, &ep); err != nil || ep.Host == "" {
			continue
		}
		ep.Node = node
		out = append(out, ep)
	}
	return out, nil
}
