// Package httplistener implements the Smart/Dumb HTTP Git transport,
// TCP port 8080 by convention.
package httplistener

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"regexp"

	"github.com/omegaup/go-base/v3/logging"
	"github.com/omegaup/go-base/v3/tracing"

	"github.com/omegaup/gitfrontend/authnz"
	"github.com/omegaup/gitfrontend/broker"
	"github.com/omegaup/gitfrontend/pathresolver"
	"github.com/omegaup/gitfrontend/pktline"
	"github.com/omegaup/gitfrontend/pushlock"
	"github.com/omegaup/gitfrontend/rpc"
	"github.com/omegaup/gitfrontend/viewer"
)

const basicAuthRealm = `Basic realm="Git Repositories"`

var (
	reInfoRefs    = regexp.MustCompile(`^/info/refs$`)
	reUploadPack  = regexp.MustCompile(`^/git-upload-pack$`)
	reReceivePack = regexp.MustCompile(`^/git-receive-pack$`)
	reHead        = regexp.MustCompile(`^/HEAD$`)
	reObjectsInfo = regexp.MustCompile(`^/objects/info/.+$`)
	reLooseObject = regexp.MustCompile(`^/objects/[0-9a-f]{2}/[0-9a-f]{38}$`)
	rePackFile    = regexp.MustCompile(`^/objects/pack/pack-[0-9a-f]{40}\.pack$`)
	reIdxFile     = regexp.MustCompile(`^/objects/pack/pack-[0-9a-f]{40}\.idx$`)
)

// Handler implements the Smart/Dumb HTTP Git transport as an
// http.Handler, suitable for mounting directly on an *http.Server.
type Handler struct {
	// GitBinary is the path to the git executable; defaults to "git".
	GitBinary string

	AuthNZ   authnz.AuthNZ
	Resolver pathresolver.PathResolver
	Log      logging.Logger

	// Viewer, if set, receives any request whose tail matched none of
	// the Git dispatch rules.
	Viewer viewer.Handler

	// PushLock serializes concurrent receive-pack invocations against
	// the same repository across every listener sharing it. Nil
	// disables serialization.
	PushLock *pushlock.Manager
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txn := tracing.FromContext(ctx)
	defer txn.StartSegment("GitHTTPRequest").End()

	location, err := h.Resolver.Lookup(ctx, r.URL.Path, pathresolver.ProtocolHTTP)
	if err != nil {
		h.Log.Error("path resolution failed", map[string]any{"err": err})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !location.Found() {
		http.NotFound(w, r)
		return
	}

	tail := r.URL.Path[len(location.BaseURLPath):]
	identity := h.identify(r)

	switch {
	case r.Method == http.MethodGet && reInfoRefs.MatchString(tail) && r.URL.Query().Get("service") == "git-upload-pack":
		h.smartInfoRefs(w, r, location, identity, rpc.UploadPack)
	case r.Method == http.MethodGet && reInfoRefs.MatchString(tail) && r.URL.Query().Get("service") == "git-receive-pack":
		h.smartInfoRefs(w, r, location, identity, rpc.ReceivePack)
	case r.Method == http.MethodGet && reInfoRefs.MatchString(tail):
		h.dumbInfoRefs(w, r, location, identity)
	case r.Method == http.MethodPost && reUploadPack.MatchString(tail):
		h.smartRPC(w, r, location, identity, rpc.UploadPack)
	case r.Method == http.MethodPost && reReceivePack.MatchString(tail):
		h.smartRPC(w, r, location, identity, rpc.ReceivePack)
	case r.Method == http.MethodGet && reHead.MatchString(tail):
		h.staticFile(w, r, location, identity, "/HEAD", "text/plain; charset=utf-8", false)
	case r.Method == http.MethodGet && reObjectsInfo.MatchString(tail):
		h.staticFile(w, r, location, identity, tail, "text/plain; charset=utf-8", false)
	case r.Method == http.MethodGet && reLooseObject.MatchString(tail):
		h.staticFile(w, r, location, identity, tail, "application/x-git-loose-object", true)
	case r.Method == http.MethodGet && rePackFile.MatchString(tail):
		h.staticFile(w, r, location, identity, tail, "application/x-git-packed-objects", true)
	case r.Method == http.MethodGet && reIdxFile.MatchString(tail):
		h.staticFile(w, r, location, identity, tail, "application/x-git-packed-objects-toc", true)
	default:
		h.delegateToViewer(w, r, location)
	}
}

// identify extracts the caller's identity from Basic auth credentials,
// if present and AuthNZ supports password checking; otherwise the
// caller is anonymous. HTTP always permits anonymous requests to reach
// this point: policy is enforced by CanRead/CanWrite, not by the auth
// layer.
func (h *Handler) identify(r *http.Request) authnz.Identity {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return authnz.Anonymous
	}
	pc, supports := authnz.SupportsPassword(h.AuthNZ)
	if !supports || !pc.CheckPassword(r.Context(), user, pass) {
		return authnz.Anonymous
	}
	return authnz.Identity{Name: user}
}

// authorize enforces the two-tier 401-vs-403 rule: an anonymous caller
// that fails the check gets a 401 + Basic challenge (they may yet have
// credentials that would help); an authenticated caller that fails gets
// a 403.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, identity authnz.Identity, location pathresolver.RepositoryLocation, write bool) bool {
	var ok bool
	if write {
		ok = !identity.IsAnonymous() && h.AuthNZ.CanWrite(r.Context(), identity, location)
	} else {
		ok = h.AuthNZ.CanRead(r.Context(), identity, location)
	}
	if ok {
		return true
	}
	if identity.IsAnonymous() {
		w.Header().Set("WWW-Authenticate", basicAuthRealm)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	} else {
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
	return false
}

func (h *Handler) smartInfoRefs(w http.ResponseWriter, r *http.Request, location pathresolver.RepositoryLocation, identity authnz.Identity, op rpc.RPC) {
	if !h.authorize(w, r, identity, location, op == rpc.ReceivePack) {
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-advertisement", op.String()))
	dontCache(w)

	gitBinary := h.gitBinary()
	cmd := exec.CommandContext(r.Context(), gitBinary, op.String(), "--stateless-rpc", "--advertise-refs", location.FSPath)

	advertisement, err := pktline.Encode([]byte(fmt.Sprintf("# service=git-%s\n", op.String())))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(advertisement); err != nil {
		return
	}
	flush, _ := pktline.Encode(nil)
	w.Write(flush)

	h.spawnAndSplice(r, w, cmd)
}

func (h *Handler) smartRPC(w http.ResponseWriter, r *http.Request, location pathresolver.RepositoryLocation, identity authnz.Identity, op rpc.RPC) {
	if !h.authorize(w, r, identity, location, op == rpc.ReceivePack) {
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-result", op.String()))
	w.Header().Set("Cache-Control", "no-cache")

	if op == rpc.ReceivePack && h.PushLock != nil {
		lock := h.PushLock.ForRepository(location.FSPath)
		ok, err := lock.TryLock()
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "Repository busy", http.StatusServiceUnavailable)
			return
		}
		defer lock.Unlock()
	}

	cmd := exec.CommandContext(r.Context(), h.gitBinary(), op.String(), "--stateless-rpc", location.FSPath)
	h.spawnAndSplice(r, w, cmd)
}

// spawnAndSplice attaches a broker to cmd, streaming r.Body into the
// child's stdin without ever buffering it fully in memory. Requests
// whose method or Content-Type rules out streaming are read in full
// first.
func (h *Handler) spawnAndSplice(r *http.Request, w http.ResponseWriter, cmd *exec.Cmd) {
	var body io.Reader = r.Body
	if requiresBuffering(r.Method, r.Header.Get("Content-Type")) {
		buffered, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		body = bytes.NewReader(buffered)
	}

	ns := newResponseStream(r, w)
	b := broker.New(h.Log)
	go func() {
		io.Copy(b, body)
		b.CloseInput()
	}()
	if err := b.Attach(r.Context(), cmd, ns); err != nil {
		h.Log.Error("http broker attach failed", map[string]any{"err": err})
	}
}

func (h *Handler) dumbInfoRefs(w http.ResponseWriter, r *http.Request, location pathresolver.RepositoryLocation, identity authnz.Identity) {
	if !h.authorize(w, r, identity, location, false) {
		return
	}
	h.serveFile(w, location.FSPath+"/info/refs", "text/plain; charset=utf-8", false)
}

func (h *Handler) staticFile(w http.ResponseWriter, r *http.Request, location pathresolver.RepositoryLocation, identity authnz.Identity, tail, contentType string, immutable bool) {
	if !h.authorize(w, r, identity, location, false) {
		return
	}
	h.serveFile(w, location.FSPath+tail, contentType, immutable)
}

func (h *Handler) serveFile(w http.ResponseWriter, fsPath, contentType string, immutable bool) {
	f, err := os.Open(fsPath)
	if err != nil {
		http.NotFound(w, nil)
		return
	}
	defer f.Close()

	if immutable {
		cacheForever(w)
	} else {
		dontCache(w)
	}
	w.Header().Set("Content-Type", contentType)
	io.Copy(w, f)
}

func (h *Handler) delegateToViewer(w http.ResponseWriter, r *http.Request, location pathresolver.RepositoryLocation) {
	if h.Viewer == nil {
		http.NotFound(w, r)
		return
	}
	viewer.Bridge(h.Viewer, location).ServeHTTP(w, r)
}

func (h *Handler) gitBinary() string {
	if h.GitBinary == "" {
		return "git"
	}
	return h.GitBinary
}
