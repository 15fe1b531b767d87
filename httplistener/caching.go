package httplistener

import (
	"net/http"
	"time"
)

// cacheForever sets headers for immutable objects (loose objects, packs,
// idx files).
func cacheForever(w http.ResponseWriter) {
	w.Header().Set("Expires", time.Now().Add(365*24*time.Hour).UTC().Format(http.TimeFormat))
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Cache-Control", "public, max-age=31556926")
}

// dontCache sets headers for references and metadata that may change at
// any time.
func dontCache(w http.ResponseWriter) {
	w.Header().Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
}
