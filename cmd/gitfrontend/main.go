// Command gitfrontend serves Git repositories over the anonymous git
// daemon protocol, SSH, and Smart/Dumb HTTP, mediating every operation
// through spawned git subprocesses.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	log15 "github.com/omegaup/go-base/logging/log15/v3"

	"github.com/omegaup/gitfrontend/authnz"
	"github.com/omegaup/gitfrontend/gitdaemon"
	"github.com/omegaup/gitfrontend/httplistener"
	"github.com/omegaup/gitfrontend/pathresolver"
	"github.com/omegaup/gitfrontend/pushlock"
	"github.com/omegaup/gitfrontend/sshlistener"
)

const appName = "gitfrontend"

func main() {
	var (
		repoRoot        = flag.String("repo-root", ".", "directory containing bare repositories")
		sshAddr         = flag.String("ssh-addr", ":5522", "address for the SSH listener")
		httpAddr        = flag.String("http-addr", ":8080", "address for the HTTP listener")
		gitDaemonAddr   = flag.String("git-addr", ":9418", "address for the anonymous git daemon")
		passwordsPath   = flag.String("passwords", "", "htpasswd-format password file")
		permissionsPath = flag.String("permissions", "", "per-repository permissions file")
		sshKeysPath     = flag.String("ssh-keys", "", "authorized SSH keys file")
		logLevel        = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := log15.New(*logLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	hostKeyPath, err := defaultHostKeyPath()
	if err != nil {
		log.Error("failed to determine host key path", map[string]any{"err": err})
		os.Exit(1)
	}
	hostKey, err := sshlistener.LoadOrGenerateHostKey(hostKeyPath)
	if err != nil {
		log.Error("failed to load or generate host key", map[string]any{"err": err})
		os.Exit(1)
	}

	resolver := &pathresolver.FileResolver{
		RootPath: *repoRoot,
	}

	auth := &authnz.FileAuthNZ{
		PasswordPath:    *passwordsPath,
		PermissionsPath: *permissionsPath,
		SSHKeysPath:     *sshKeysPath,
	}

	locks := pushlock.NewManager()
	defer locks.Clear()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal", nil)
		cancel()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ln, err := net.Listen("tcp", *gitDaemonAddr)
		if err != nil {
			log.Error("git daemon: failed to listen", map[string]any{"err": err})
			return
		}
		daemon := &gitdaemon.Listener{AuthNZ: auth, Resolver: resolver, Log: log}
		if err := daemon.Serve(ctx, ln); err != nil {
			log.Error("git daemon: serve failed", map[string]any{"err": err})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ssh := &sshlistener.Listener{
			Addr:     *sshAddr,
			HostKey:  hostKey,
			AuthNZ:   auth,
			Resolver: resolver,
			Log:      log,
			PushLock: locks,
		}
		if err := ssh.ListenAndServe(ctx); err != nil {
			log.Error("ssh: serve failed", map[string]any{"err": err})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		handler := &httplistener.Handler{
			AuthNZ:   auth,
			Resolver: resolver,
			Log:      log,
			PushLock: locks,
		}
		server := &http.Server{Addr: *httpAddr, Handler: handler}
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http: serve failed", map[string]any{"err": err})
		}
	}()

	log.Info("gitfrontend listening", map[string]any{
		"ssh":  *sshAddr,
		"http": *httpAddr,
		"git":  *gitDaemonAddr,
	})

	wg.Wait()
}

// defaultHostKeyPath returns ~/.<appName>/key.pem.
func defaultHostKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "."+appName, "key.pem"), nil
}
