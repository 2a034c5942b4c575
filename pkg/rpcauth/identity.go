// Package rpcauth implements the per-call auth pipeline on both sides of the
// wire: on the client, encoding cred/verf and validating replies for a
// chosen flavor (AuthNone, AuthSys, RPCSEC_GSS); on the server, resolving
// the wire-level opaque_auth in an inbound call into the Identity a
// program's procedure handlers see once a call has passed authentication.
package rpcauth

// Identity is the resolved caller identity produced by validating an RPC
// call's credentials, independent of which auth flavor produced it.
//
// AUTH_SYS populates UID/GID/GIDs directly from the credential. RPCSEC_GSS
// populates Principal/Realm from the verified Kerberos ticket and, when a
// CredMapper is configured, also UID/GID/GIDs from the principal-to-Unix
// mapping. AUTH_NONE produces an anonymous Identity with no fields set.
type Identity struct {
	// Principal is the Kerberos principal name (e.g. "alice"), set only for
	// RPCSEC_GSS-authenticated calls.
	Principal string

	// Realm is the Kerberos realm (e.g. "EXAMPLE.COM"), set only for
	// RPCSEC_GSS-authenticated calls.
	Realm string

	// UID is the numeric Unix user ID, when resolved.
	UID *uint32

	// GID is the numeric Unix primary group ID, when resolved.
	GID *uint32

	// GIDs holds supplementary Unix group IDs, when resolved.
	GIDs []uint32

	// Username is a display name for the identity, when available.
	Username string

	// Anonymous is true for AUTH_NONE calls and any other flavor that
	// resolves to no specific principal.
	Anonymous bool
}

// CredMapper maps a verified Kerberos principal to a local Unix identity.
// Implementations back RPCSEC_GSS's handshake, where the wire protocol
// authenticates a principal but procedure handlers need UID/GID for
// permission checks.
type CredMapper interface {
	// MapPrincipal resolves principal@realm to a local Identity.
	MapPrincipal(principal, realm string) (*Identity, error)
}
