package sshlistener

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"

	log15 "github.com/omegaup/go-base/logging/log15/v3"
	"github.com/omegaup/go-base/v3/logging"

	"github.com/omegaup/gitfrontend/authnz"
	"github.com/omegaup/gitfrontend/pathresolver"
)

func testLogger(t *testing.T) logging.Logger {
	t.Helper()
	log, err := log15.New("error", false)
	if err != nil {
		t.Fatalf("log15.New: %v", err)
	}
	return log
}

func TestCommandPattern(t *testing.T) {
	cases := []struct {
		cmd   string
		match bool
	}{
		{"git-upload-pack 'repo.git'", true},
		{"git-receive-pack 'repo.git'", true},
		{"git-upload-pack", false},
		{"rm -rf /", false},
		{"", false},
		{"  git-upload-pack 'repo.git'", false},
	}
	for _, c := range cases {
		if got := commandPattern.MatchString(c.cmd); got != c.match {
			t.Errorf("commandPattern.MatchString(%q) = %v, want %v", c.cmd, got, c.match)
		}
	}
}

// staticResolver always resolves to a fixed location.
type staticResolver struct {
	location pathresolver.RepositoryLocation
}

func (s staticResolver) Lookup(ctx context.Context, urlPath string, hint pathresolver.Protocol) (pathresolver.RepositoryLocation, error) {
	return s.location, nil
}

// passwordAuthNZ accepts the password "hunter2" for any user and grants
// read access unconditionally.
type passwordAuthNZ struct{}

func (passwordAuthNZ) CanRead(ctx context.Context, id authnz.Identity, loc pathresolver.RepositoryLocation) bool {
	return true
}

func (passwordAuthNZ) CanWrite(ctx context.Context, id authnz.Identity, loc pathresolver.RepositoryLocation) bool {
	return false
}

func (passwordAuthNZ) CheckPassword(ctx context.Context, user, password string) bool {
	return password == "hunter2"
}

func startTestListener(t *testing.T, resolver pathresolver.PathResolver) string {
	t.Helper()

	signer, err := LoadOrGenerateHostKey(filepath.Join(t.TempDir(), "key.pem"))
	if err != nil {
		t.Fatalf("LoadOrGenerateHostKey: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	l := &Listener{
		HostKey:  signer,
		AuthNZ:   passwordAuthNZ{},
		Resolver: resolver,
		Log:      testLogger(t),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Serve(ctx, ln)

	return ln.Addr().String()
}

func dialTestListener(t *testing.T, addr string) *xssh.Client {
	t.Helper()
	client, err := xssh.Dial("tcp", addr, &xssh.ClientConfig{
		User:            "alice",
		Auth:            []xssh.AuthMethod{xssh.Password("hunter2")},
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func expectRefusal(t *testing.T, err error, stderr *bytes.Buffer, message string) {
	t.Helper()
	exitErr, ok := err.(*xssh.ExitError)
	if !ok {
		t.Fatalf("expected an exit error, got %v", err)
	}
	if exitErr.ExitStatus() != 128 {
		t.Errorf("expected exit status 128, got %d", exitErr.ExitStatus())
	}
	if !strings.Contains(stderr.String(), message) {
		t.Errorf("expected stderr to contain %q, got %q", message, stderr.String())
	}
}

func TestShellRefused(t *testing.T) {
	addr := startTestListener(t, staticResolver{})
	client := dialTestListener(t, addr)

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stderr = &stderr
	if err := sess.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}
	expectRefusal(t, sess.Wait(), &stderr, "Shell access not allowed")
}

func TestUnknownRPCRefused(t *testing.T) {
	addr := startTestListener(t, staticResolver{})
	client := dialTestListener(t, addr)

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stderr = &stderr
	expectRefusal(t, sess.Run("rm -rf /"), &stderr, "Unknown RPC")
}

func TestUnknownRepositoryRefused(t *testing.T) {
	addr := startTestListener(t, staticResolver{})
	client := dialTestListener(t, addr)

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stderr = &stderr
	expectRefusal(t, sess.Run("git-upload-pack 'missing.git'"), &stderr, "Unknown Repository")
}

func TestBadPasswordRejectedAtTransport(t *testing.T) {
	addr := startTestListener(t, staticResolver{})

	_, err := xssh.Dial("tcp", addr, &xssh.ClientConfig{
		User:            "alice",
		Auth:            []xssh.AuthMethod{xssh.Password("wrong")},
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected authentication to fail")
	}
}
