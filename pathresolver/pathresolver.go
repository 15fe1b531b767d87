// Package pathresolver maps a protocol-level path into an on-disk
// repository location.
package pathresolver

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
)

// Protocol identifies which listener is asking for a lookup. It is
// advisory: a resolver may ignore it.
type Protocol int

const (
	// ProtocolGit is the anonymous git:// daemon.
	ProtocolGit Protocol = iota
	// ProtocolSSH is the SSH listener.
	ProtocolSSH
	// ProtocolHTTP is the HTTP listener.
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolGit:
		return "git"
	case ProtocolSSH:
		return "ssh"
	case ProtocolHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// RepositoryLocation is the immutable result of a path lookup. An empty
// FSPath means "no such repository".
type RepositoryLocation struct {
	// FSPath is the absolute or relative path to the bare/.git directory.
	FSPath string

	// BaseFSPath is the filesystem directory that URLs are mounted under.
	BaseFSPath string

	// BaseURLPath is the URL path prefix the repository is mounted under
	// (used by the HTTP listener to split a request URL into a mount
	// prefix and an in-repo path for the viewer bridge).
	BaseURLPath string

	// CloneURLs maps a protocol name ("http", "git", "ssh") to the clone
	// URL a client should use for that protocol.
	CloneURLs map[string]string
}

// Found returns whether the lookup found a repository.
func (l RepositoryLocation) Found() bool {
	return l.FSPath != ""
}

// PathResolver maps a URL or pathname to a RepositoryLocation. Lookup must
// be deterministic and side-effect-free; implementations that are
// naturally synchronous can ignore ctx.
type PathResolver interface {
	Lookup(ctx context.Context, urlPath string, protocolHint Protocol) (RepositoryLocation, error)
}

// FileResolver is a reference PathResolver that maps a repository name
// below RootPath to "<RootPath>/<name>.git", advertising clone URLs built
// from the configured base URLs.
type FileResolver struct {
	// RootPath is the filesystem directory that contains bare repositories.
	RootPath string

	// Suffix is appended to the repository name to form the directory name
	// (".git" is conventional).
	Suffix string

	// BaseURLPaths maps protocol name to the externally visible base URL
	// (e.g. "http" -> "http://git.example.com/").
	BaseURLPaths map[string]string

	// Exists is called to check whether a candidate path is a repository.
	// It defaults to checking directory existence via os.Stat if nil.
	Exists func(path string) bool
}

// Lookup implements PathResolver. urlPath may name the repository
// exactly ("/team/project.git", as the git daemon and SSH listeners
// already do after parsing their own framing) or may be a full HTTP
// request path with an operation tail below the repository
// ("/team/project.git/info/refs"): the first path segment ending in
// Suffix marks the boundary between the two.
func (r *FileResolver) Lookup(ctx context.Context, urlPath string, protocolHint Protocol) (RepositoryLocation, error) {
	trimmed := strings.TrimPrefix(urlPath, "/")
	if strings.Contains(trimmed, "..") {
		return RepositoryLocation{}, nil
	}

	name := r.repoSegment(trimmed)
	if name == "" || strings.HasPrefix(name, ".") {
		return RepositoryLocation{}, nil
	}

	dirName := strings.TrimSuffix(name, r.suffix()) + r.suffix()
	fsPath := filepath.Join(r.RootPath, filepath.FromSlash(dirName))

	exists := r.Exists
	if exists == nil {
		exists = defaultExists
	}
	if !exists(fsPath) {
		return RepositoryLocation{}, nil
	}

	cloneURLs := make(map[string]string, len(r.BaseURLPaths))
	for proto, base := range r.BaseURLPaths {
		cloneURLs[proto] = strings.TrimSuffix(base, "/") + "/" + dirName
	}

	return RepositoryLocation{
		FSPath:      fsPath,
		BaseFSPath:  r.RootPath,
		BaseURLPath: "/" + dirName,
		CloneURLs:   cloneURLs,
	}, nil
}

// repoSegment returns the leading portion of trimmed up to and
// including the first path segment ending in Suffix, or the whole
// (suffix-stripped) string if Suffix never appears as its own segment.
func (r *FileResolver) repoSegment(trimmed string) string {
	suffix := regexp.QuoteMeta(r.suffix())
	re := regexp.MustCompile(`^([^/]+(?:/[^/]+)*?` + suffix + `)(?:/.*)?$`)
	if m := re.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return strings.TrimSuffix(strings.TrimSuffix(trimmed, "/"), r.suffix())
}

func (r *FileResolver) suffix() string {
	if r.Suffix == "" {
		return ".git"
	}
	return r.Suffix
}
