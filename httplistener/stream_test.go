package httplistener

import (
	"net/http"
	"testing"
)

func TestRequiresBuffering(t *testing.T) {
	cases := []struct {
		method      string
		contentType string
		want        bool
	}{
		{http.MethodGet, "", true},
		{http.MethodHead, "", true},
		{http.MethodDelete, "application/x-git-receive-pack-request", true},
		{http.MethodOptions, "", true},
		{http.MethodPost, "application/x-www-form-urlencoded", true},
		{http.MethodPost, "application/x-www-form-urlencoded; charset=utf-8", true},
		{http.MethodPost, "multipart/form-data; boundary=xyz", true},
		{http.MethodPut, "multipart/form-data", true},
		{http.MethodPost, "application/x-git-upload-pack-request", false},
		{http.MethodPost, "application/x-git-receive-pack-request", false},
		{http.MethodPut, "application/octet-stream", false},
	}
	for _, c := range cases {
		if got := requiresBuffering(c.method, c.contentType); got != c.want {
			t.Errorf(
				"requiresBuffering(%q, %q) = %v, want %v",
				c.method,
				c.contentType,
				got,
				c.want,
			)
		}
	}
}
