// Package authnz defines the capability-checking contract that the core
// consumes to authenticate and authorize requests against a repository,
// plus a reference implementation backed by flat files.
package authnz

import (
	"context"

	"github.com/omegaup/gitfrontend/pathresolver"
)

// Identity represents the caller of a request. The zero value is
// anonymous.
type Identity struct {
	// Name is empty for an anonymous caller. Anonymous identities are never
	// granted write access.
	Name string
}

// IsAnonymous returns whether this Identity represents an unauthenticated
// caller.
func (id Identity) IsAnonymous() bool {
	return id.Name == ""
}

// Anonymous is the zero-value anonymous Identity.
var Anonymous = Identity{}

// AuthNZ is the capability-checking contract the core consumes. Both
// CanRead and CanWrite must be safe to call concurrently from any
// listener.
type AuthNZ interface {
	// CanRead returns whether identity may fetch from location. identity may
	// be Anonymous.
	CanRead(ctx context.Context, identity Identity, location pathresolver.RepositoryLocation) bool

	// CanWrite returns whether identity may push to location. Callers must
	// never invoke this with Anonymous; implementations should still return
	// false defensively if they do.
	CanWrite(ctx context.Context, identity Identity, location pathresolver.RepositoryLocation) bool
}

// PasswordChecker is an optional capability an AuthNZ implementation may
// provide. Its presence is introspected via SupportsPassword: the HTTP
// listener checks Basic auth credentials only when present (on each
// request), and the SSH listener registers a password auth method at
// start-up only when present.
type PasswordChecker interface {
	CheckPassword(ctx context.Context, user, password string) bool
}

// PublicKeyChecker is an optional capability an AuthNZ implementation may
// provide. The SSH listener registers a public-key auth method only when
// present.
type PublicKeyChecker interface {
	// CheckPublicKey reports whether keyBlob (the SSH wire form of a public
	// key) is authorized for user.
	CheckPublicKey(ctx context.Context, user string, keyBlob []byte) bool
}

// SupportsPassword returns whether a AuthNZ exposes the optional
// PasswordChecker capability.
func SupportsPassword(a AuthNZ) (PasswordChecker, bool) {
	pc, ok := a.(PasswordChecker)
	return pc, ok
}

// SupportsPublicKey returns whether an AuthNZ exposes the optional
// PublicKeyChecker capability.
func SupportsPublicKey(a AuthNZ) (PublicKeyChecker, bool) {
	pc, ok := a.(PublicKeyChecker)
	return pc, ok
}
