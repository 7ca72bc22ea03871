// Package remote defines the contract between the lookup engine and the
// remote identity-lookup service, together with the failure taxonomy every
// provider maps its errors onto.
package remote

import (
	"context"

	"github.com/Sternrassler/lookup-checker/pkg/model"
)

// AuthState is the outcome of Provider.Authenticate.
type AuthState string

const (
	// AuthAuthorized means the session is usable for lookups.
	AuthAuthorized AuthState = "authorized"

	// AuthNeedsInteractive means the session requires a verification code or
	// second factor. The engine cannot satisfy that and treats it as fatal.
	AuthNeedsInteractive AuthState = "needs_interactive"

	// AuthFatal means the credential was rejected permanently.
	AuthFatal AuthState = "fatal"
)

// Usable reports whether lookups may be issued after this state.
func (s AuthState) Usable() bool {
	return s == AuthAuthorized
}

// Match is the answer to a single successful lookup.
type Match struct {
	Found    bool
	RemoteID *int64
	Handle   *string
}

// Provider is one authenticated session with the remote service.
//
// Lookup returns a *RateLimitedError when the service asks the caller to
// back off, an error wrapping ErrConnectionLost when the session dropped,
// an error wrapping ErrFatalAuth when the credential was revoked, or any
// other error for item-level failures.
type Provider interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) (AuthState, error)
	Lookup(ctx context.Context, identifier string) (Match, error)
	Disconnect(ctx context.Context) error
}

// Dialer builds a Provider for a credential, routed through proxy when it
// is not nil. Dial must not perform network I/O; that happens in Connect.
type Dialer interface {
	Dial(cred model.Credential, proxy *model.Proxy) (Provider, error)
}
