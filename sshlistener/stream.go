package sshlistener

import (
	"sync"

	gossh "github.com/gliderlabs/ssh"
)

// sessionStream adapts an SSH session to broker.NetStream. SSH channels
// have their own window-based flow control handled by the underlying
// x/crypto/ssh transport, so Pause/Resume are no-ops here; back-pressure
// on the child comes from the channel's SSH_MSG_CHANNEL_WINDOW_ADJUST
// accounting rather than anything we drive explicitly.
//
// sess.Context() is done as soon as the channel tears down, whether or
// not the broker is still attached (e.g. the client hangs up mid-clone
// while the child is still blocked writing pack data). newSessionStream
// watches it and fires the registered OnClose callback so
// broker.onTransportClosed's real SIGHUP path runs, the same way
// httplistener's responseStream watches r.Context().Done().
type sessionStream struct {
	sess gossh.Session

	mu      sync.Mutex
	once    sync.Once
	onClose func()
	done    chan struct{}
}

func newSessionStream(sess gossh.Session) *sessionStream {
	s := &sessionStream{sess: sess, done: make(chan struct{})}
	go func() {
		select {
		case <-sess.Context().Done():
			s.fireClose()
		case <-s.done:
		}
	}()
	return s
}

func (s *sessionStream) Write(p []byte) (int, error) { return s.sess.Write(p) }

// Close does not close the underlying session: the listener still has
// to deliver an exit status via sess.Exit after the broker detaches,
// and that is what performs the real channel teardown. Closing the
// session here would race the exit-status message, the same hazard
// stderrStream.Close and httplistener's responseStream.Close avoid.
func (s *sessionStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.fireClose()
	return nil
}

func (s *sessionStream) Pause()  {}
func (s *sessionStream) Resume() {}

func (s *sessionStream) OnClose(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = cb
}

func (s *sessionStream) fireClose() {
	s.once.Do(func() {
		s.mu.Lock()
		cb := s.onClose
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// stderrStream is a minimal broker.NetStream that targets a session's
// stderr channel, used only for the synthetic error-process path:
// refusing a command should never mix its explanatory text into the
// RPC's stdout stream.
type stderrStream struct {
	sess gossh.Session
}

func newStderrStream(sess gossh.Session) stderrStream {
	return stderrStream{sess: sess}
}

func (s stderrStream) Write(p []byte) (int, error) { return s.sess.Stderr().Write(p) }

// Close is a no-op: after the refusal message, the listener still has
// to deliver an exit status via sess.Exit, which is what actually tears
// the channel down. Closing the session here would race that and lose
// the status.
func (s stderrStream) Close() error { return nil }
func (s stderrStream) Pause()                      {}
func (s stderrStream) Resume()                     {}
func (s stderrStream) OnClose(cb func())           {}
