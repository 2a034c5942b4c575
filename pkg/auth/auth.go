package auth

import (
	"context"
	"errors"
)

// AuthProvider is one security mechanism the server can accept RPCSEC_GSS
// context-establishment tokens for.
//
// A provider pre-screens the raw token bytes from an RPCSEC_GSS_INIT call's
// arguments (CanHandle) and resolves them to a claimed identity
// (Authenticate). Screening must be cheap — a tag or OID prefix check, not
// a full parse — because every registered provider sees every token until
// one claims it.
//
// Implementations must be safe for concurrent use: tokens from different
// connections are screened in parallel.
type AuthProvider interface {
	// CanHandle reports whether token looks like this mechanism's
	// context-establishment token. For Kerberos that means an ASN.1
	// SPNEGO wrapper (OID 1.3.6.1.5.5.2) or a bare AP-REQ.
	CanHandle(token []byte) bool

	// Authenticate resolves token to the identity it asserts. A provider
	// that recognizes the mechanism but cannot complete verification at
	// this layer (full AP-REQ verification happens in pkg/gss against the
	// keytab) returns an unauthenticated AuthResult naming itself, so the
	// caller knows which verifier to hand the token to.
	Authenticate(ctx context.Context, token []byte) (*AuthResult, error)

	// Name identifies the provider in logs and AuthResult.Provider.
	Name() string
}

// AuthResult is the outcome of screening a security token.
type AuthResult struct {
	// Identity is the identity the token asserts. For a provider that
	// defers full verification to the GSS layer it carries only the
	// mechanism attributes, not a trusted principal.
	Identity Identity

	// Authenticated is true only once the token has actually been
	// verified, not merely recognized.
	Authenticated bool

	// Provider names the AuthProvider that claimed the token.
	Provider string
}

// Authenticator tries a fixed list of AuthProviders in order against each
// inbound token. The first provider whose CanHandle returns true gets the
// token; if that provider then reports ErrUnsupportedMechanism (it matched
// the outer wrapper but not the inner mechanism — a SPNEGO token offering
// only mechanisms it doesn't speak), the scan continues with the remaining
// providers.
//
// Safe for concurrent use: the provider list is fixed at construction.
type Authenticator struct {
	providers []AuthProvider
}

// NewAuthenticator builds an Authenticator trying providers in the given
// order.
func NewAuthenticator(providers ...AuthProvider) *Authenticator {
	return &Authenticator{providers: providers}
}

// Authenticate routes token to the first provider that both recognizes and
// accepts it. ErrUnsupportedMechanism is returned only when no provider
// does.
func (a *Authenticator) Authenticate(ctx context.Context, token []byte) (*AuthResult, error) {
	for _, p := range a.providers {
		if !p.CanHandle(token) {
			continue
		}
		res, err := p.Authenticate(ctx, token)
		if errors.Is(err, ErrUnsupportedMechanism) {
			continue
		}
		return res, err
	}
	return nil, ErrUnsupportedMechanism
}

// Providers returns a copy of the provider list, for diagnostics. Nil-safe
// so callers can interrogate an optional authenticator without a guard.
func (a *Authenticator) Providers() []AuthProvider {
	if a == nil || len(a.providers) == 0 {
		return nil
	}
	out := make([]AuthProvider, len(a.providers))
	copy(out, a.providers)
	return out
}

var (
	// ErrAuthFailed means the token was recognized and verified, and the
	// verification failed: bad checksum, expired ticket, wrong service
	// principal. Maps to AUTH_ERROR/RPCSEC_GSS_CREDPROBLEM on the wire.
	ErrAuthFailed = errors.New("auth: authentication failed")

	// ErrUnsupportedMechanism means no registered provider speaks the
	// token's mechanism. Maps to AUTH_ERROR/AUTH_BADCRED.
	ErrUnsupportedMechanism = errors.New("auth: unsupported authentication mechanism")

	// ErrInvalidCredentials means the token bytes could not be parsed as
	// the mechanism they claim to be.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)
