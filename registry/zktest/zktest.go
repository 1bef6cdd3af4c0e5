// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package zktest implements an in-memory stand-in for a ZooKeeper ensemble,
// for testing code that uses the registry package.
//
// A [Server] holds a tree of nodes shared by every [Conn] connected to it.
// Each Conn is a separate session: ephemeral nodes it creates are removed
// when it closes or is expired, and sequence numbers are assigned per parent
// node as ZooKeeper does.
package zktest

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
)

type node struct {
	data  []byte
	owner int64 // session ID for ephemeral nodes, else 0
}

// A Server is an in-memory ZooKeeper tree. The zero value is not ready for
// use; call [NewServer].
type Server struct {
	μ       sync.Mutex
	nodes   map[string]*node
	seq     map[string]int32 // parent path → next sequence number
	session int64
}

// NewServer returns a new empty server containing only the root node.
func NewServer() *Server {
	return &Server{
		nodes: map[string]*node{"/": {}},
		seq:   make(map[string]int32),
	}
}

// Connect opens a new session to s.
func (s *Server) Connect() *Conn {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.session++
	return &Conn{s: s, id: s.session}
}

// Paths returns the paths of all nodes in s other than the root, in order.
func (s *Server) Paths() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	var out []string
	for p := range s.nodes {
		if p != "/" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// endSession removes the ephemeral nodes owned by the given session.
func (s *Server) endSession(id int64) {
	s.μ.Lock()
	defer s.μ.Unlock()
	for p, n := range s.nodes {
		if n.owner == id {
			delete(s.nodes, p)
		}
	}
}

// A Conn is a session with a [Server]. It satisfies registry.Conn.
type Conn struct {
	s  *Server
	id int64

	μ      sync.Mutex
	closed bool
	err    error // reported by calls after the session ends
}

// Close ends the session of c, removing its ephemeral nodes.
func (c *Conn) Close() { c.end(zk.ErrClosing) }

// Expire simulates the server expiring the session of c, as happens when a
// client is partitioned for longer than its session timeout. The ephemeral
// nodes of c are removed, and later calls on c report [zk.ErrSessionExpired].
func (c *Conn) Expire() { c.end(zk.ErrSessionExpired) }

func (c *Conn) end(err error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.closed {
		c.closed = true
		c.err = err
		c.s.endSession(c.id)
	}
}

func (c *Conn) check(p string) error {
	c.μ.Lock()
	closed, err := c.closed, c.err
	c.μ.Unlock()
	if closed {
		return err
	} else if !strings.HasPrefix(p, "/") || (p != "/" && strings.HasSuffix(p, "/")) {
		return zk.ErrInvalidPath
	}
	return nil
}

// Exists reports whether the node at p exists.
func (c *Conn) Exists(p string) (bool, *zk.Stat, error) {
	if err := c.check(p); err != nil {
		return false, nil, err
	}
	c.s.μ.Lock()
	defer c.s.μ.Unlock()
	n, ok := c.s.nodes[p]
	if !ok {
		return false, nil, nil
	}
	return true, c.s.stat(p, n), nil
}

// Create creates a node at p with the given data and flags. The ACL is
// accepted but not enforced.
func (c *Conn) Create(p string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	if err := c.check(p); err != nil {
		return "", err
	} else if p == "/" {
		return "", zk.ErrNodeExists
	}
	c.s.μ.Lock()
	defer c.s.μ.Unlock()

	parent := path.Dir(p)
	pn, ok := c.s.nodes[parent]
	if !ok {
		return "", zk.ErrNoNode
	} else if pn.owner != 0 {
		return "", zk.ErrNoChildrenForEphemerals
	}
	if flags&zk.FlagSequence != 0 {
		p = fmt.Sprintf("%s%010d", p, c.s.seq[parent])
		c.s.seq[parent]++
	}
	if _, ok := c.s.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	n := &node{data: slices.Clone(data)}
	if flags&zk.FlagEphemeral != 0 {
		n.owner = c.id
	}
	c.s.nodes[p] = n
	return p, nil
}

// Children returns the names of the children of p, in order.
func (c *Conn) Children(p string) ([]string, *zk.Stat, error) {
	if err := c.check(p); err != nil {
		return nil, nil, err
	}
	c.s.μ.Lock()
	defer c.s.μ.Unlock()
	n, ok := c.s.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	var out []string
	for q := range c.s.nodes {
		if q != "/" && path.Dir(q) == p {
			out = append(out, path.Base(q))
		}
	}
	slices.Sort(out)
	return out, c.s.stat(p, n), nil
}

// Get returns the data stored at p.
func (c *Conn) Get(p string) ([]byte, *zk.Stat, error) {
	if err := c.check(p); err != nil {
		return nil, nil, err
	}
	c.s.μ.Lock()
	defer c.s.μ.Unlock()
	n, ok := c.s.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return slices.Clone(n.data), c.s.stat(p, n), nil
}

// stat returns the subset of node metadata the fake tracks.
// The caller must hold s.μ.
func (s *Server) stat(p string, n *node) *zk.Stat {
	st := &zk.Stat{EphemeralOwner: n.owner, DataLength: int32(len(n.data))}
	for q := range s.nodes {
		if q != "/" && path.Dir(q) == p {
			st.NumChildren++
		}
	}
	return st
}
