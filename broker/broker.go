// Package broker implements ProcessBroker: it spawns a Git subprocess and
// splices it full-duplex to a network peer, with back-pressure in both
// directions.
package broker

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/omegaup/go-base/v3/logging"
	"github.com/omegaup/go-base/v3/tracing"
	"github.com/pkg/errors"
)

// State is one of the states in the ProcessBroker's lifecycle.
type State int

const (
	// StateIdle is the broker's state before Attach is called.
	StateIdle State = iota
	// StateSpawning is the state between Attach being called and the OS
	// reporting that the child process has started.
	StateSpawning
	// StateRunning is the state while the child process is alive and data
	// is flowing in both directions.
	StateRunning
	// StateDraining is the state after either side has signaled it is
	// done, while buffered output is still being flushed.
	StateDraining
	// StateClosed is the terminal state: all file descriptors have been
	// released and the NetStream has been closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NetStream is the duplex transport a Broker splices a child process to.
// Implementations are typically a TCP connection, an SSH session channel,
// or an HTTP request/response pair adapted to this shape.
type NetStream interface {
	io.Writer

	// Close tears down the transport.
	Close() error

	// Pause asks the peer to stop sending data on WriteTo/Read, used when
	// the broker cannot currently accept more input from it.
	Pause()

	// Resume reverses a prior Pause.
	Resume()

	// OnClose registers a callback that is invoked (at most once) when the
	// transport is closed, whether by the peer or by us.
	OnClose(cb func())
}

// Broker wires a spawned child process to a NetStream, implementing the
// Idle -> Spawning -> Running -> Draining -> Closed state machine.
type Broker struct {
	log logging.Logger

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	ns    NetStream

	stdin  io.WriteCloser
	done   chan struct{}
	closed bool

	// started is closed once the broker has left Spawning, whether into
	// Running or straight to Closed on a spawn failure. Write blocks on
	// it: the listeners start their client-to-child copy goroutine
	// concurrently with Attach, and bytes that arrive while the child is
	// still starting must wait for its stdin rather than be dropped.
	started   chan struct{}
	startOnce sync.Once
}

// New returns an idle Broker.
func New(log logging.Logger) *Broker {
	return &Broker{log: log, state: StateIdle, started: make(chan struct{})}
}

// State returns the broker's current state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Attach spawns cmd and splices it to ns. It blocks until the child exits
// or the NetStream closes (i.e. until the broker reaches StateClosed). At
// most one child may be attached to a Broker over its lifetime.
func (b *Broker) Attach(ctx context.Context, cmd *exec.Cmd, ns NetStream) error {
	txn := tracing.FromContext(ctx)
	defer txn.StartSegment("ProcessBroker.Attach").End()

	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return errors.New("broker: a process has already been attached")
	}
	b.state = StateSpawning
	b.ns = ns
	b.done = make(chan struct{})
	b.mu.Unlock()

	ns.Pause()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.transitionToClosed()
		return errors.Wrap(err, "failed to open child stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.transitionToClosed()
		return errors.Wrap(err, "failed to open child stdout")
	}
	// Stdout and stderr are always merged into the client stream, since
	// the Git wire protocol carries side-band error text.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		b.transitionToClosed()
		return errors.Wrap(err, "failed to start child process")
	}

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.state = StateRunning
	b.mu.Unlock()
	b.startOnce.Do(func() { close(b.started) })
	ns.Resume()

	ns.OnClose(func() {
		b.onTransportClosed()
	})

	var copyErr error
	copyDone := make(chan struct{})
	go func() {
		_, copyErr = io.Copy(ns, stdout)
		close(copyDone)
	}()

	<-copyDone
	waitErr := cmd.Wait()
	if waitErr != nil {
		b.log.Info(
			"child process exited abnormally",
			map[string]any{
				"err": waitErr,
			},
		)
	}

	b.transitionToClosed()
	if copyErr != nil && copyErr != io.EOF {
		return errors.Wrap(copyErr, "failed to copy child output to the network stream")
	}
	return nil
}

// Write implements io.Writer by forwarding bytes to the child's stdin,
// treating the NetStream's body as a push producer for the child. It
// blocks while the broker is still Spawning.
func (b *Broker) Write(p []byte) (int, error) {
	<-b.started
	b.mu.Lock()
	stdin := b.stdin
	state := b.state
	b.mu.Unlock()
	if state != StateRunning || stdin == nil {
		// The child has already closed its stdin or exited; writes after
		// that point are simply dropped.
		return len(p), nil
	}
	return stdin.Write(p)
}

// CloseInput closes the child's stdin, signaling EOF to it. This is safe
// to call multiple times. Like Write, it blocks while the broker is
// still Spawning, so a producer that finishes before the child has
// started cannot leave the stdin pipe open forever.
func (b *Broker) CloseInput() error {
	<-b.started
	b.mu.Lock()
	stdin := b.stdin
	b.stdin = nil
	b.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// onTransportClosed handles a client disconnect: the child receives a
// best-effort SIGHUP and its stdin is closed.
// Note this does NOT itself tear down the NetStream: the broker only
// needs to stop feeding the child; real teardown still waits for the
// child to exit, since a child may keep writing to stdout after its
// stdin is gone.
func (b *Broker) onTransportClosed() {
	b.CloseInput()

	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGHUP); err != nil {
		// The process may have already exited; that's not an error.
		b.log.Debug(
			"failed to signal child process (likely already exited)",
			map[string]any{
				"err": err,
			},
		)
	}
}

func (b *Broker) transitionToClosed() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.state = StateDraining
	ns := b.ns
	done := b.done
	b.mu.Unlock()
	b.startOnce.Do(func() { close(b.started) })

	if ns != nil {
		ns.Close()
	}

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()

	if done != nil {
		close(done)
	}
}

// Done returns a channel that is closed once the broker reaches
// StateClosed.
func (b *Broker) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
