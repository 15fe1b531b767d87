// Package gitdaemon implements the anonymous, read-only git:// protocol,
// TCP port 9418 by convention.
package gitdaemon

import (
	"bytes"
	"context"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/omegaup/go-base/v3/logging"
	"github.com/omegaup/go-base/v3/tracing"

	"github.com/omegaup/gitfrontend/authnz"
	"github.com/omegaup/gitfrontend/broker"
	"github.com/omegaup/gitfrontend/pathresolver"
	"github.com/omegaup/gitfrontend/pktline"
)

// Listener implements the git:// protocol. It accepts upload-pack only:
// the anonymous, unauthenticated transport is read-only by construction
// and is never extended to accept receive-pack.
type Listener struct {
	// GitBinary is the path to the git executable; defaults to "git" if
	// empty.
	GitBinary string

	AuthNZ   authnz.AuthNZ
	Resolver pathresolver.PathResolver
	Log      logging.Logger
}

// Serve accepts connections on ln until it is closed or ctx is canceled.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	txn := tracing.FromContext(ctx)
	defer txn.StartSegment("GitDaemonConnection").End()

	ns := newConnStream(conn)

	// A git-daemon request is exactly one pkt-line; everything after it
	// belongs to the pack-negotiation sub-protocol and must reach the
	// child untouched, so we read no further than this single frame.
	line, err := pktline.NewReader(conn).ReadPktLine()
	if err != nil {
		l.Log.Debug("malformed first pkt-line", map[string]any{"err": err})
		replyErr(ns, "malformed request")
		return
	}

	rpc, repoPath, _, err := parseRequestLine(line)
	if err != nil {
		l.Log.Debug("malformed git-daemon request", map[string]any{"err": err, "line": string(line)})
		replyErr(ns, err.Error())
		return
	}
	if rpc != "git-upload-pack" {
		// Only upload-pack is ever accepted over the anonymous daemon.
		replyErr(ns, "Only the upload-pack service is supported")
		return
	}

	location, err := l.Resolver.Lookup(ctx, repoPath, pathresolver.ProtocolGit)
	if err != nil {
		l.Log.Error("path resolution failed", map[string]any{"err": err})
		replyErr(ns, "Repository not found")
		return
	}
	if !location.Found() {
		replyErr(ns, "Repository not found")
		return
	}

	if !l.AuthNZ.CanRead(ctx, authnz.Anonymous, location) {
		replyErr(ns, "Repository does not allow anonymous read access")
		return
	}

	gitBinary := l.GitBinary
	if gitBinary == "" {
		gitBinary = "git"
	}
	cmd := exec.CommandContext(ctx, gitBinary, "upload-pack", location.FSPath)

	b := broker.New(l.Log)
	go func() {
		// Everything the client sends after the initial pkt-line is raw
		// pack-negotiation traffic for the child's stdin. This read
		// blocks until the client closes its side of the connection, so
		// its end (EOF or a read error, e.g. a mid-clone disconnect) is
		// also the signal that the transport is gone: close ns so
		// broker.Attach's OnClose fires and SIGHUPs the child, even if
		// it is currently blocked writing pack data nobody is reading
		// anymore.
		io.Copy(b, conn)
		b.CloseInput()
		ns.Close()
	}()
	if err := b.Attach(ctx, cmd, ns); err != nil {
		l.Log.Error("broker attach failed", map[string]any{"err": err})
	}
}

type errProtocol string

func (e errProtocol) Error() string { return string(e) }

// parseRequestLine parses "git-upload-pack <path>\0host=<host>\0\0":
// fields NUL-separated, host value opaque, double trailing NUL
// required, exactly 4 fields once split on NUL (command+path, host=...,
// and the two empty fields the trailing NULs produce).
func parseRequestLine(line []byte) (rpcName, path, host string, err error) {
	if len(line) == 0 || line[len(line)-1] != 0 {
		return "", "", "", errProtocol("missing trailing NUL")
	}
	fields := bytes.Split(line, []byte{0})
	if len(fields) != 4 || len(fields[2]) != 0 || len(fields[3]) != 0 {
		return "", "", "", errProtocol("malformed request: wrong field count")
	}
	first := string(fields[0])
	sp := strings.IndexByte(first, ' ')
	if sp < 0 {
		return "", "", "", errProtocol("malformed request: no path")
	}
	rpcName = first[:sp]
	path = first[sp+1:]
	if rpcName != "git-upload-pack" {
		return "", "", "", errProtocol("unsupported service")
	}
	hostField := string(fields[1])
	if !strings.HasPrefix(hostField, "host=") {
		return "", "", "", errProtocol("malformed request: missing host field")
	}
	host = strings.TrimPrefix(hostField, "host=")
	return rpcName, path, host, nil
}

func replyErr(ns broker.NetStream, reason string) {
	line, err := pktline.Encode([]byte("ERR " + reason))
	if err != nil {
		return
	}
	ns.Write(line)
	ns.Close()
}

// connStream adapts a net.Conn to broker.NetStream. Pause/Resume are
// no-ops: net.Conn has no native flow-control primitive, and the
// goroutine that feeds client bytes to the child is already held back by
// broker.Write, which blocks until the child has started and then blocks
// on the child's stdin pipe.
//
// Close can be called both by the client-forwarding goroutine (on
// disconnect) and by broker.transitionToClosed (on normal completion);
// onClose is only ever invoked once so onTransportClosed's SIGHUP isn't
// sent twice to an already-exited child.
type connStream struct {
	conn net.Conn

	once    sync.Once
	onClose func()
}

func newConnStream(conn net.Conn) *connStream {
	return &connStream{conn: conn}
}

func (c *connStream) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *connStream) Close() error {
	err := c.conn.Close()
	c.once.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

func (c *connStream) Pause()            {}
func (c *connStream) Resume()           {}
func (c *connStream) OnClose(cb func()) { c.onClose = cb }
