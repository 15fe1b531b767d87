// Package viewer defines the optional contract a repository web viewer
// must implement to be mounted by the HTTP listener.
package viewer

import "net/http"

// Handler is the contract an optional repository viewer implements. It
// is opaque to the core: any dependency it needs is satisfied entirely
// through the context map passed to WithContext.
type Handler interface {
	// WithContext returns an http.Handler that has access to the given
	// per-request context values. Keys used by the core are
	// "repository_path", "repository_base", and "repository_clone_urls".
	WithContext(values map[string]any) http.Handler
}

const (
	// ContextRepositoryPath is the fsPath of the resolved repository.
	ContextRepositoryPath = "repository_path"
	// ContextRepositoryBase is the baseFsPath repositories are mounted under.
	ContextRepositoryBase = "repository_base"
	// ContextRepositoryCloneURLs is the location's protocol->URL mapping.
	ContextRepositoryCloneURLs = "repository_clone_urls"
)
