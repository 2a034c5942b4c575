package rpcauth

import (
	"fmt"

	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// ProtectionLevel is the minimum protection a call requires of its auth
// flavor. AuthNone and AuthSys can only satisfy NONE; RPCSEC_GSS can
// satisfy all three.
type ProtectionLevel int

const (
	ProtectionDefault ProtectionLevel = iota
	ProtectionNone
	ProtectionIntegrity
	ProtectionPrivacy
)

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionDefault:
		return "DEFAULT"
	case ProtectionNone:
		return "NONE"
	case ProtectionIntegrity:
		return "INTEGRITY"
	case ProtectionPrivacy:
		return "PRIVACY"
	default:
		return "UNKNOWN"
	}
}

// UnsupportedProtectionError is returned by ProcessCall when a call
// requests a protection level its auth flavor cannot provide.
type UnsupportedProtectionError struct {
	Flavor rpcwire.AuthFlavor
	Level  ProtectionLevel
}

func (e *UnsupportedProtectionError) Error() string {
	return fmt.Sprintf("rpcauth: %s cannot honor protection level %s", e.Flavor, e.Level)
}

// AuthErrorStat is surfaced to the caller when AuthError returns false: the
// flavor could not recover from the denial on its own.
type AuthErrorStat struct {
	Stat rpcwire.AuthStat
}

func (e *AuthErrorStat) Error() string {
	return fmt.Sprintf("rpcauth: auth error (stat=%d)", e.Stat)
}

// Auth is the per-call client auth pipeline: one implementation
// per flavor (AuthNone, AuthSys, RPCSEC_GSS), driven by the channel around
// every call it sends.
type Auth interface {
	// ValidateAuth establishes or reuses whatever per-session state the
	// flavor needs and returns an opaque, monotonically-changing generation
	// id. AuthNone and AuthSys always return generation 1. revalidate forces
	// re-establishment even if existing state looks usable (used after
	// AuthError signals a retry).
	ValidateAuth(revalidate bool) (generation uint32, err error)

	// ProcessCall writes the RPC call header, cred, verf, and args (encoded
	// per protection) to sink. seq receives the sequence number assigned to
	// this call (meaningful for RPCSEC_GSS only). Returns false if the auth
	// state changed during encoding — the caller must re-run ValidateAuth
	// and retry from step 1 rather than send a call built against stale
	// state.
	ProcessCall(sink xdr.Sink, xid uint32, prog, vers, proc uint32, generation uint32, xargs []byte, protection ProtectionLevel, seq *uint32) (ok bool, err error)

	// ProcessReply validates the reply's verf and decrypts/verifies the
	// body, returning the recovered procedure results. Returns false on a
	// recoverable mismatch (e.g. GSS sequence skew after a retransmit) so
	// the caller retries with a fresh call.
	ProcessReply(dec *xdr.Decoder, verf rpcwire.OpaqueAuth, seq uint32, generation uint32, protection ProtectionLevel) (xresults []byte, ok bool, err error)

	// AuthError attempts to refresh credentials in response to a denied
	// reply carrying stat. true means the caller should retry the call
	// (after a fresh ValidateAuth); false means stat should be surfaced to
	// the caller as an AuthErrorStat.
	AuthError(generation uint32, stat rpcwire.AuthStat) bool

	// Sequenced reports whether this flavor stamps each call with a
	// session sequence number. A datagram channel must not retransmit a
	// sequenced call's bytes verbatim — the server's replay window has no
	// slot for a repeated seq_num, so the reply to the retransmit would be
	// silently discarded; instead the call is re-encoded with a fresh xid
	// and sequence.
	Sequenced() bool
}

// writeCallHeader writes xid, mtype=CALL, rpc_vers, prog, vers, proc, and
// cred to enc, leaving the verf for the caller — every flavor needs the
// header+cred bytes written before it can compute (or skip) a verifier.
func writeCallHeader(enc *xdr.Encoder, xid, prog, vers, proc uint32, cred rpcwire.OpaqueAuth) error {
	for _, w := range []uint32{xid, uint32(rpcwire.Call), rpcwire.RPCVersion, prog, vers, proc} {
		if err := enc.PutWord(w); err != nil {
			return err
		}
	}
	if err := enc.PutWord(uint32(cred.Flavor)); err != nil {
		return err
	}
	return enc.PutOpaque(cred.Body, rpcwire.MaxAuthBodyLen)
}

func writeOpaqueAuth(enc *xdr.Encoder, a rpcwire.OpaqueAuth) error {
	if err := enc.PutWord(uint32(a.Flavor)); err != nil {
		return err
	}
	return enc.PutOpaque(a.Body, rpcwire.MaxAuthBodyLen)
}

func sinkBytes(sink xdr.Sink) []byte {
	return sink.(interface{ Bytes() []byte }).Bytes()
}
