package rpcauth

import (
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// SysAuth implements Auth with the AUTH_SYS flavor: cred carries
// authsys_parms, verf is always AUTH_NONE. Machinename and gids are
// captured once at construction — a long-lived client doesn't re-probe
// the host identity per call.
type SysAuth struct {
	stamp       uint32
	machineName string
	uid         uint32
	gid         uint32
	gids        []uint32
}

var _ Auth = (*SysAuth)(nil)

// NewSysAuth builds a SysAuth credential from a fixed identity.
func NewSysAuth(stamp uint32, machineName string, uid, gid uint32, gids []uint32) *SysAuth {
	return &SysAuth{stamp: stamp, machineName: machineName, uid: uid, gid: gid, gids: gids}
}

// ValidateAuth always succeeds with generation 1: AUTH_SYS carries no
// session state to (re)establish.
func (a *SysAuth) ValidateAuth(revalidate bool) (uint32, error) { return 1, nil }

// ProcessCall writes the call header with an authsys_parms cred and an
// AUTH_NONE verf; AUTH_SYS cannot honor INTEGRITY or PRIVACY.
func (a *SysAuth) ProcessCall(sink xdr.Sink, xid uint32, prog, vers, proc uint32, generation uint32, xargs []byte, protection ProtectionLevel, seq *uint32) (bool, error) {
	if protection == ProtectionIntegrity || protection == ProtectionPrivacy {
		return false, &UnsupportedProtectionError{Flavor: rpcwire.AuthSys, Level: protection}
	}

	credBody, err := rpcwire.EncodeUnixAuth(&rpcwire.UnixAuth{
		Stamp:       a.stamp,
		MachineName: a.machineName,
		UID:         a.uid,
		GID:         a.gid,
		GIDs:        a.gids,
	})
	if err != nil {
		return false, err
	}
	cred := rpcwire.OpaqueAuth{Flavor: rpcwire.AuthSys, Body: credBody}

	enc := xdr.NewEncoder(sink)
	if err := writeCallHeader(enc, xid, prog, vers, proc, cred); err != nil {
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

// ProcessReply accepts the AUTH_NONE verf AUTH_SYS replies carry and
// returns the body untouched.
func (a *SysAuth) ProcessReply(dec *xdr.Decoder, verf rpcwire.OpaqueAuth, seq uint32, generation uint32, protection ProtectionLevel) ([]byte, bool, error) {
	results, err := dec.GetFixedOpaque(dec.Remaining())
	if err != nil {
		return nil, false, err
	}
	return results, true, nil
}

// AuthError never recovers: a host's AUTH_SYS identity can't be refreshed
// in response to a denial.
func (a *SysAuth) AuthError(generation uint32, stat rpcwire.AuthStat) bool { return false }

// Sequenced is false: AUTH_SYS calls carry no sequence numbers, so a
// retransmit may reuse the encoded bytes as-is.
func (a *SysAuth) Sequenced() bool { return false }
