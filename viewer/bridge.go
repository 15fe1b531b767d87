package viewer

import (
	"net/http"

	"github.com/omegaup/gitfrontend/pathresolver"
)

// Bridge builds the http.Handler the HTTP listener delegates to for any
// request whose tail matched none of the Git dispatch rules. It injects
// the resolved location's context and rewrites the request's mount
// prefix so the viewer sees paths relative to the repository root.
func Bridge(h Handler, location pathresolver.RepositoryLocation) http.Handler {
	inner := h.WithContext(map[string]any{
		ContextRepositoryPath:      location.FSPath,
		ContextRepositoryBase:      location.BaseFSPath,
		ContextRepositoryCloneURLs: location.CloneURLs,
	})
	return http.StripPrefix(location.BaseURLPath, inner)
}
