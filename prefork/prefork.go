// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package prefork implements a fixed-size pool of worker processes that share
// a listening socket with the process that started them.
//
// A Go program cannot safely fork, so workers are started by re-executing the
// current binary with a marker in the environment. The program calls
// [Listen] and then [Prefork] early in main. In the original process
// ("coordinator") Prefork starts the workers and returns a [Pool] that tracks
// them; in a worker it returns immediately with role [Worker]:
//
//	lst, err := prefork.Listen(ctx, addr, prefork.Inherit)
//	...
//	pool, role, err := prefork.Prefork(lst, prefork.Config{Workers: 4})
//	...
//	if role == prefork.Coordinator {
//	   // register, supervise
//	}
//	// every process serves connections from lst
//
// In [Inherit] mode the workers receive a duplicate of the coordinator's
// listening socket as file descriptor 3. In [ReusePort] mode each process
// binds its own socket to the same address with SO_REUSEPORT. In both cases
// the kernel decides which process accepts each connection.
//
// Workers that exit are not restarted.
package prefork

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// Environment variables set for worker processes.
const (
	EnvWorkerID   = "FLOCK_WORKER_ID"   // 1-based worker index
	EnvShareMode  = "FLOCK_SHARE_MODE"  // the ShareMode of the pool
	EnvListenAddr = "FLOCK_LISTEN_ADDR" // the address of the shared listener
)

// listenerFD is the descriptor number of the inherited listener in a worker.
// Descriptors 0–2 are stdin, stdout, and stderr, and ExtraFiles follow.
const listenerFD = 3

// Role identifies whether a process is the coordinator or a worker.
type Role int

const (
	Coordinator Role = iota
	Worker
)

func (r Role) String() string {
	switch r {
	case Coordinator:
		return "coordinator"
	case Worker:
		return "worker"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ShareMode selects how the listening socket is shared among processes.
type ShareMode string

const (
	Inherit   ShareMode = "inherit"   // workers inherit the coordinator's socket
	ReusePort ShareMode = "reuseport" // each process binds with SO_REUSEPORT
)

// IsWorker reports whether the current process was started as a worker.
func IsWorker() bool { return os.Getenv(EnvWorkerID) != "" }

// WorkerID reports the 1-based index of the current worker process, or 0 if
// the current process is not a worker.
func WorkerID() int {
	id, _ := strconv.Atoi(os.Getenv(EnvWorkerID))
	return id
}

// CurrentRole reports the role of the current process.
func CurrentRole() Role {
	if IsWorker() {
		return Worker
	}
	return Coordinator
}

// Listen returns the listening socket for the current process.
//
// In the coordinator, Listen binds addr according to mode. In a worker, the
// mode and address chosen by the coordinator take precedence over the
// arguments; in Inherit mode the worker's listener is the inherited socket.
func Listen(ctx context.Context, addr string, mode ShareMode) (net.Listener, error) {
	if IsWorker() {
		if m := os.Getenv(EnvShareMode); m != "" {
			mode = ShareMode(m)
		}
		if a := os.Getenv(EnvListenAddr); a != "" {
			addr = a
		}
		if mode == Inherit || mode == "" {
			return inheritedListener()
		}
	}
	switch mode {
	case Inherit, "":
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", addr)
	case ReusePort:
		return listenReusePort(ctx, addr)
	default:
		return nil, fmt.Errorf("unknown share mode %q", mode)
	}
}

func inheritedListener() (net.Listener, error) {
	f := os.NewFile(listenerFD, "flock-listener")
	if f == nil {
		return nil, errors.New("no inherited listener")
	}
	defer f.Close() // FileListener holds its own duplicate
	lst, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	return lst, nil
}

// Config carries the settings for [Prefork].
type Config struct {
	// The number of worker processes to start. Zero is allowed, and means the
	// coordinator serves alone.
	Workers int

	// How the listener is shared. If empty, Inherit is used.
	Mode ShareMode

	// How long Terminate waits for workers to exit before killing them.
	// If zero, Terminate waits indefinitely.
	ShutdownTimeout time.Duration

	// The program and arguments to execute for each worker. If Path is empty,
	// the current executable is used. If Args is nil, the arguments of the
	// current process are used.
	Path string
	Args []string

	// Additional environment settings for workers, in "key=value" form.
	Env []string

	// Where worker output goes. If nil, os.Stdout and os.Stderr are used.
	Stdout, Stderr io.Writer

	// If set, log pool events here. By default logs are discarded.
	Logger *zerolog.Logger
}

func (c Config) mode() ShareMode {
	if c.Mode == "" {
		return Inherit
	}
	return c.Mode
}

func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

// An Exit reports the exit of a worker process.
type Exit struct {
	PID int   // the process ID of the worker
	ID  int   // the 1-based index of the worker
	Err error // the error from waiting for the process, nil if it exited 0
}

// A Pool is the process table of a coordinator: the set of worker processes
// that have been started and have not yet been reaped.
type Pool struct {
	log     zerolog.Logger
	timeout time.Duration
	reapers *taskgroup.Group
	exited  chan Exit

	μ        sync.Mutex
	procs    map[int]*worker // pid → worker
	stopping bool
}

type worker struct {
	id   int
	cmd  *exec.Cmd
	done chan struct{} // closed when the process has been reaped
}

// Prefork starts cfg.Workers worker processes sharing lst, which must be
// bound and listening. It must be called before the coordinator interacts
// with any external service. On Linux it must not be called from a goroutine
// locked to its OS thread, since workers receive SIGTERM when the thread that
// started them exits.
//
// In a worker process, Prefork returns (nil, Worker, nil) at once and starts
// nothing. In the coordinator it returns the process table and role
// Coordinator. If any worker fails to start, the workers already started are
// terminated and Prefork reports an error.
func Prefork(lst net.Listener, cfg Config) (*Pool, Role, error) {
	if IsWorker() {
		return nil, Worker, nil
	}
	if cfg.Workers < 0 {
		return nil, Coordinator, fmt.Errorf("invalid worker count %d", cfg.Workers)
	}
	path := cfg.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, Coordinator, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := cfg.Args
	if args == nil {
		args = os.Args[1:]
	}

	mode := cfg.mode()
	env := append(os.Environ(), cfg.Env...)
	env = append(env, EnvShareMode+"="+string(mode), EnvListenAddr+"="+lst.Addr().String())

	var extra []*os.File
	if mode == Inherit && cfg.Workers > 0 {
		f, err := listenerFile(lst)
		if err != nil {
			return nil, Coordinator, err
		}
		defer f.Close() // each child has its own copy
		extra = []*os.File{f}
	}

	p := &Pool{
		log:     cfg.logger(),
		timeout: cfg.ShutdownTimeout,
		reapers: taskgroup.New(nil),
		exited:  make(chan Exit, cfg.Workers),
		procs:   make(map[int]*worker),
	}
	for i := range cfg.Workers {
		id := i + 1
		cmd := exec.Command(path, args...)
		cmd.Env = append(slices.Clip(env), EnvWorkerID+"="+strconv.Itoa(id))
		cmd.ExtraFiles = extra
		cmd.Stdout = cmp.Or(cfg.Stdout, io.Writer(os.Stdout))
		cmd.Stderr = cmp.Or(cfg.Stderr, io.Writer(os.Stderr))
		cmd.SysProcAttr = sysProcAttr()
		if err := cmd.Start(); err != nil {
			p.Terminate()
			return nil, Coordinator, fmt.Errorf("start worker %d: %w", id, err)
		}
		p.track(id, cmd)
	}
	p.log.Info().Int("workers", cfg.Workers).Str("mode", string(mode)).Msg("worker pool started")
	return p, Coordinator, nil
}

func listenerFile(lst net.Listener) (*os.File, error) {
	fl, ok := lst.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("listener %T cannot be shared", lst)
	}
	f, err := fl.File()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	return f, nil
}

func (p *Pool) track(id int, cmd *exec.Cmd) {
	w := &worker{id: id, cmd: cmd, done: make(chan struct{})}
	pid := cmd.Process.Pid
	p.μ.Lock()
	p.procs[pid] = w
	p.μ.Unlock()
	p.log.Debug().Int("worker", id).Int("pid", pid).Msg("worker started")

	p.reapers.Go(func() error {
		err := cmd.Wait()
		n, stopping := p.remove(pid)
		close(w.done)
		p.exited <- Exit{PID: pid, ID: id, Err: err}

		ev := p.log.Warn()
		if stopping {
			ev = p.log.Debug()
		}
		ev.Int("worker", id).Int("pid", pid).AnErr("status", err).Int("remaining", n).Msg("worker exited")
		return nil
	})
}

// remove deletes pid from the process table, if present, and reports the
// number of workers remaining.
func (p *Pool) remove(pid int) (int, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	delete(p.procs, pid)
	return len(p.procs), p.stopping
}

// PIDs returns the process IDs of the live workers, in increasing order.
func (p *Pool) PIDs() []int {
	p.μ.Lock()
	defer p.μ.Unlock()
	pids := make([]int, 0, len(p.procs))
	for pid := range p.procs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Len reports the number of live workers.
func (p *Pool) Len() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return len(p.procs)
}

// Exited returns a channel that receives a notification as each worker exits.
// The channel is buffered to hold one notification per worker, so a caller
// that does not read it does not block the pool.
func (p *Pool) Exited() <-chan Exit { return p.exited }

// Done returns a channel that is closed when the worker with the given pid has
// exited and been removed from the table. If there is no such worker, Done
// returns a closed channel.
func (p *Pool) Done(pid int) <-chan struct{} {
	p.μ.Lock()
	defer p.μ.Unlock()
	if w, ok := p.procs[pid]; ok {
		return w.done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Signal sends sig to the worker with the given pid. A worker that has
// already exited is not an error.
func (p *Pool) Signal(pid int, sig os.Signal) error {
	p.μ.Lock()
	w, ok := p.procs[pid]
	p.μ.Unlock()
	if !ok {
		return nil
	}
	if err := w.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal worker %d: %w", pid, err)
	}
	return nil
}

// Terminate sends SIGTERM to every live worker and waits for all of them to
// exit. If the pool has a shutdown timeout and workers remain when it
// expires, they are killed. Terminate is safe to call more than once.
func (p *Pool) Terminate() error {
	p.μ.Lock()
	p.stopping = true
	live := make([]*worker, 0, len(p.procs))
	for _, w := range p.procs {
		live = append(live, w)
	}
	p.μ.Unlock()

	var errs []error
	for _, w := range live {
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("signal worker %d: %w", w.cmd.Process.Pid, err))
		}
	}

	var expired <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		expired = t.C
	}
	for _, w := range live {
		select {
		case <-w.done:
		case <-expired:
			expired = nil // kill each straggler, then wait for it
			for _, v := range live {
				select {
				case <-v.done:
				default:
					p.log.Warn().Int("worker", v.id).Int("pid", v.cmd.Process.Pid).Msg("killing worker")
					if err := v.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
						errs = append(errs, fmt.Errorf("kill worker %d: %w", v.cmd.Process.Pid, err))
					}
				}
			}
			<-w.done
		}
	}
	p.reapers.Wait()
	return errors.Join(errs...)
}
