package gss

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
)

// ComputeReplyVerifier computes the RPCSEC_GSS reply verifier for a DATA
// reply: a MIC over the XDR-encoded sequence number, proving the server
// holds the session key (RFC 2203 §5.3.3.2).
func ComputeReplyVerifier(sessionKey types.EncryptionKey, seqNum uint32) ([]byte, error) {
	seqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBytes, seqNum)

	micToken := gssapi.MICToken{
		Flags:     gssapi.MICTokenFlagSentByAcceptor,
		SndSeqNum: uint64(seqNum),
		Payload:   seqBytes,
	}
	if err := micToken.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("gss: compute reply MIC: %w", err)
	}
	return micToken.Marshal()
}

// WrapReplyVerifier wraps MIC bytes into the opaque_auth for an RPC reply
// verifier using the RPCSEC_GSS flavor.
func WrapReplyVerifier(mic []byte) rpcwire.OpaqueAuth {
	return rpcwire.OpaqueAuth{Flavor: rpcwire.AuthGSS, Body: mic}
}

// ComputeInitVerifier computes the reply verifier for an INIT response: a
// MIC over the advertised sequence window size (RFC 2203 §5.3.3.2).
func ComputeInitVerifier(sessionKey types.EncryptionKey, seqWindow uint32, hasAcceptorSubkey bool) ([]byte, error) {
	winBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(winBytes, seqWindow)

	var flags byte = gssapi.MICTokenFlagSentByAcceptor
	if hasAcceptorSubkey {
		flags |= gssapi.MICTokenFlagAcceptorSubkey
	}

	micToken := gssapi.MICToken{
		Flags:     flags,
		SndSeqNum: 0,
		Payload:   winBytes,
	}
	if err := micToken.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("gss: compute init MIC: %w", err)
	}
	return micToken.Marshal()
}
