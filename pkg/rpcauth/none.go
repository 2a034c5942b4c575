package rpcauth

import (
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// NoneAuth implements Auth with the AUTH_NONE flavor: empty cred and verf,
// always valid.
type NoneAuth struct{}

var _ Auth = (*NoneAuth)(nil)

// ValidateAuth always succeeds with generation 1.
func (NoneAuth) ValidateAuth(revalidate bool) (uint32, error) { return 1, nil }

// ProcessCall writes the call header with AUTH_NONE cred/verf and xargs
// verbatim; AUTH_NONE cannot honor INTEGRITY or PRIVACY.
func (NoneAuth) ProcessCall(sink xdr.Sink, xid uint32, prog, vers, proc uint32, generation uint32, xargs []byte, protection ProtectionLevel, seq *uint32) (bool, error) {
	if protection == ProtectionIntegrity || protection == ProtectionPrivacy {
		return false, &UnsupportedProtectionError{Flavor: rpcwire.AuthNone, Level: protection}
	}
	enc := xdr.NewEncoder(sink)
	if err := writeCallHeader(enc, xid, prog, vers, proc, rpcwire.NullAuth); err != nil {
		return false, err
	}
	if err := writeOpaqueAuth(enc, rpcwire.NullAuth); err != nil {
		return false, err
	}
	if err := enc.PutBytes(xargs); err != nil {
		return false, err
	}
	*seq = 0
	return true, nil
}

// ProcessReply accepts any verf (AUTH_NONE replies always carry an empty
// one) and returns the body untouched.
func (NoneAuth) ProcessReply(dec *xdr.Decoder, verf rpcwire.OpaqueAuth, seq uint32, generation uint32, protection ProtectionLevel) ([]byte, bool, error) {
	results, err := dec.GetFixedOpaque(dec.Remaining())
	if err != nil {
		return nil, false, err
	}
	return results, true, nil
}

// AuthError never recovers: AUTH_NONE has no credentials to refresh.
func (NoneAuth) AuthError(generation uint32, stat rpcwire.AuthStat) bool { return false }

// Sequenced is false: AUTH_NONE calls carry no sequence numbers, so a
// retransmit may reuse the encoded bytes as-is.
func (NoneAuth) Sequenced() bool { return false }
