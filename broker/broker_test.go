package broker

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"testing"

	log15 "github.com/omegaup/go-base/logging/log15/v3"
	"github.com/omegaup/go-base/v3/logging"
)

func testLogger(t *testing.T) logging.Logger {
	t.Helper()
	log, err := log15.New("error", false)
	if err != nil {
		t.Fatalf("log15.New: %v", err)
	}
	return log
}

// fakeNetStream is an in-memory NetStream for tests. Everything written to
// it accumulates in buf.
type fakeNetStream struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	paused    bool
	pauseLog  []bool
	closed    bool
	onCloseCb func()
}

func (f *fakeNetStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeNetStream) Close() error {
	f.mu.Lock()
	cb := f.onCloseCb
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if cb != nil && !already {
		cb()
	}
	return nil
}

func (f *fakeNetStream) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauseLog = append(f.pauseLog, true)
}

func (f *fakeNetStream) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.pauseLog = append(f.pauseLog, false)
}

func (f *fakeNetStream) OnClose(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCloseCb = cb
}

func (f *fakeNetStream) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func TestBrokerAttachEchoesOutput(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skipf("cat not found: %v", err)
	}

	b := New(testLogger(t))
	ns := &fakeNetStream{}
	cmd := exec.Command("cat")

	go func() {
		b.Write([]byte("hello, world"))
		b.CloseInput()
	}()

	if err := b.Attach(context.Background(), cmd, ns); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if ns.String() != "hello, world" {
		t.Errorf("expected echoed output, got %q", ns.String())
	}
	if b.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", b.State())
	}
}

func TestBrokerRefusesSecondAttach(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skipf("true not found: %v", err)
	}

	b := New(testLogger(t))
	ns1 := &fakeNetStream{}
	if err := b.Attach(context.Background(), exec.Command("true"), ns1); err != nil {
		t.Fatalf("first Attach: %v", err)
	}

	ns2 := &fakeNetStream{}
	if err := b.Attach(context.Background(), exec.Command("true"), ns2); err == nil {
		t.Errorf("expected second Attach to fail (at most one child per broker)")
	}
}

func TestErrorProcess(t *testing.T) {
	ns := &fakeNetStream{}
	ErrorProcess(ns, "Shell access not allowed")
	if ns.String() != "Shell access not allowed" {
		t.Errorf("unexpected message: %q", ns.String())
	}
	if !ns.closed {
		t.Errorf("expected the net stream to be closed")
	}
}
