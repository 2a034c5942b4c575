// Package auth holds the server-side mechanism layer that sits beneath the
// RPC auth pipeline (pkg/rpcauth): pluggable AuthProviders recognize the
// opaque security tokens RPCSEC_GSS control messages carry (SPNEGO or raw
// Kerberos AP-REQ), and an Authenticator chains them so a server can front
// more than one mechanism on the same listener.
//
// The wire-level cred/verf handling for every flavor lives in pkg/rpcauth
// and pkg/gss; this package only answers "which mechanism is this token,
// and who does it claim to be." The kerberos/ sub-package provides the one
// concrete provider this runtime ships: keytab-backed Kerberos v5 with
// hot-reload and principal-to-Unix identity mapping.
package auth
