// Package sshlistener implements the SSH git-shell front-end, TCP port
// 5522 by convention.
package sshlistener

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"

	gossh "github.com/gliderlabs/ssh"
	"github.com/google/shlex"
	xssh "golang.org/x/crypto/ssh"

	"github.com/omegaup/go-base/v3/logging"
	"github.com/omegaup/go-base/v3/tracing"

	"github.com/omegaup/gitfrontend/authnz"
	"github.com/omegaup/gitfrontend/broker"
	"github.com/omegaup/gitfrontend/pathresolver"
	"github.com/omegaup/gitfrontend/pushlock"
	"github.com/omegaup/gitfrontend/rpc"
)

// commandPattern matches the two RPCs a session's exec request may name.
var commandPattern = regexp.MustCompile(`^(git-upload-pack|git-receive-pack)\s+.+$`)

// Listener implements the SSH git-shell transport.
type Listener struct {
	// Addr is the address to bind, e.g. ":5522".
	Addr string

	// HostKey is the server's host key signer.
	HostKey xssh.Signer

	// GitShellBinary is the path to git-shell; defaults to "git-shell".
	GitShellBinary string

	AuthNZ   authnz.AuthNZ
	Resolver pathresolver.PathResolver
	Log      logging.Logger

	// PushLock serializes concurrent receive-pack invocations against the
	// same repository across every listener sharing it. Nil disables
	// serialization.
	PushLock *pushlock.Manager

	server *gossh.Server
}

// ListenAndServe starts the SSH server and blocks until ctx is canceled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve accepts SSH connections on ln until ctx is canceled or the
// listener fails.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	server := &gossh.Server{
		Addr:    l.Addr,
		Handler: l.handleSession,
		// Accept every pty request as a no-op; only exec is a real entry
		// point.
		PtyCallback: func(ctx gossh.Context, pty gossh.Pty) bool { return true },
	}
	server.AddHostKey(l.HostKey)

	// Auth methods are registered only when AuthNZ advertises the
	// matching capability: an AuthNZ without PasswordChecker never gets
	// a password prompt, etc.
	if pc, ok := authnz.SupportsPassword(l.AuthNZ); ok {
		server.PasswordHandler = func(ctx gossh.Context, password string) bool {
			return pc.CheckPassword(ctx, ctx.User(), password)
		}
	}
	if pkc, ok := authnz.SupportsPublicKey(l.AuthNZ); ok {
		server.PublicKeyHandler = func(ctx gossh.Context, key gossh.PublicKey) bool {
			return pkc.CheckPublicKey(ctx, ctx.User(), key.Marshal())
		}
	}

	l.server = server

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		server.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if err == gossh.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (l *Listener) handleSession(sess gossh.Session) {
	ctx := sess.Context()
	txn := tracing.FromContext(ctx)
	defer txn.StartSegment("SSHSession").End()

	switch sess.Subsystem() {
	case "":
		// Continue below: exec dispatch.
	default:
		// Only exec is ever accepted; subsystems are refused with the
		// same synthetic error process as shell.
		broker.ErrorProcess(newStderrStream(sess), "Shell access not allowed")
		sess.Exit(broker.ErrorExitCode)
		return
	}

	cmdline := sess.RawCommand()
	if cmdline == "" {
		// No command: this is a "shell" request.
		broker.ErrorProcess(newStderrStream(sess), "Shell access not allowed")
		sess.Exit(broker.ErrorExitCode)
		return
	}

	if !commandPattern.MatchString(cmdline) {
		broker.ErrorProcess(newStderrStream(sess), "Unknown RPC")
		sess.Exit(broker.ErrorExitCode)
		return
	}

	tokens, err := shlex.Split(cmdline)
	if err != nil || len(tokens) < 2 {
		broker.ErrorProcess(newStderrStream(sess), "Unknown RPC")
		sess.Exit(broker.ErrorExitCode)
		return
	}

	op, ok := rpc.Parse(tokens[0])
	if !ok {
		broker.ErrorProcess(newStderrStream(sess), "Unknown RPC")
		sess.Exit(broker.ErrorExitCode)
		return
	}
	repoArg := tokens[len(tokens)-1]

	location, err := l.Resolver.Lookup(ctx, repoArg, pathresolver.ProtocolSSH)
	if err != nil || !location.Found() {
		broker.ErrorProcess(newStderrStream(sess), "Unknown Repository")
		sess.Exit(broker.ErrorExitCode)
		return
	}

	identity := authnz.Identity{Name: sess.User()}

	var authorized bool
	switch op {
	case rpc.UploadPack:
		authorized = l.AuthNZ.CanRead(ctx, identity, location)
	case rpc.ReceivePack:
		// An anonymous identity must never be granted write, even if it
		// got this far.
		authorized = !identity.IsAnonymous() && l.AuthNZ.CanWrite(ctx, identity, location)
	}
	if !authorized {
		broker.ErrorProcess(newStderrStream(sess), "Forbidden")
		sess.Exit(broker.ErrorExitCode)
		return
	}

	gitShell := l.GitShellBinary
	if gitShell == "" {
		gitShell = "git-shell"
	}
	shellCmd := fmt.Sprintf("%s '%s'", op.GitCommandName(), location.FSPath)
	cmd := exec.CommandContext(ctx, gitShell, "-c", shellCmd)

	if op == rpc.ReceivePack && l.PushLock != nil {
		lock := l.PushLock.ForRepository(location.FSPath)
		ok, err := lock.TryLock()
		if err != nil {
			l.Log.Error("push lock failed", map[string]any{"err": err})
			broker.ErrorProcess(newStderrStream(sess), "Internal error")
			sess.Exit(broker.ErrorExitCode)
			return
		}
		if !ok {
			broker.ErrorProcess(newStderrStream(sess), "Repository busy")
			sess.Exit(broker.ErrorExitCode)
			return
		}
		defer lock.Unlock()
	}

	ns := newSessionStream(sess)
	b := broker.New(l.Log)
	go func() {
		io.Copy(b, sess)
		b.CloseInput()
	}()
	if err := b.Attach(ctx, cmd, ns); err != nil {
		l.Log.Error("ssh broker attach failed", map[string]any{"err": err})
		sess.Exit(broker.ErrorExitCode)
		return
	}
	sess.Exit(0)
}
