// Package gss implements RPCSEC_GSS (RFC 2203) on top of the Kerberos v5
// GSS-API mechanism (RFC 4121/RFC 1964) via gokrb5: credential and context
// establishment message codecs, AP-REQ/AP-REP verification, the sequence
// window that guards against replay, and integrity/privacy call wrapping.
package gss

import (
	"fmt"

	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// AuthRPCSECGSS is the opaque_auth flavor value for RPCSEC_GSS (RFC 2203 §1).
const AuthRPCSECGSS uint32 = 6

// RPCGSSVers1 is the only defined RPCSEC_GSS version.
const RPCGSSVers1 uint32 = 1

// RPCSEC_GSS procedure values carried in the credential's gss_proc field.
const (
	// RPCGSSData is a normal data exchange call, protected per the
	// credential's service level.
	RPCGSSData uint32 = 0

	// RPCGSSInit begins context establishment: the client sends an AP-REQ.
	RPCGSSInit uint32 = 1

	// RPCGSSContinueInit continues a multi-round context establishment.
	RPCGSSContinueInit uint32 = 2

	// RPCGSSDestroy tears down an established context.
	RPCGSSDestroy uint32 = 3
)

// RPCSEC_GSS service levels, controlling how the call body is protected.
const (
	// RPCGSSSvcNone provides authentication only; the call body is cleartext.
	RPCGSSSvcNone uint32 = 1

	// RPCGSSSvcIntegrity adds a MIC over the call body (krb5i).
	RPCGSSSvcIntegrity uint32 = 2

	// RPCGSSSvcPrivacy encrypts and integrity-protects the call body (krb5p).
	RPCGSSSvcPrivacy uint32 = 3
)

// MAXSEQ is the largest sequence number a context may use before it must be
// destroyed (RFC 2203 §5.3.3.1).
const MAXSEQ uint32 = 0x80000000

// GSS major status codes relevant to RPCSEC_GSS context establishment
// (RFC 2743 §1.2.1.1).
const (
	GSSComplete            uint32 = 0
	GSSContinueNeeded      uint32 = 1
	GSSDefectiveCredential uint32 = 2
)

// KRB5OID is the Kerberos 5 mechanism OID (1.2.840.113554.1.2.2), used to
// identify the krb5 GSS-API mechanism in wrapped tokens (RFC 4121).
var KRB5OID = []int{1, 2, 840, 113554, 1, 2, 2}

// Pseudo-flavor values advertised in SECINFO for RPCSEC_GSS with the krb5
// mechanism, one per service level. Assigned by IANA.
const (
	PseudoFlavorKrb5  uint32 = 390003
	PseudoFlavorKrb5i uint32 = 390004
	PseudoFlavorKrb5p uint32 = 390005
)

// RFC 4121 §2 key usage values for krb5 GSS-API MIC and Wrap tokens.
const (
	KeyUsageAcceptorSeal  uint32 = 22
	KeyUsageAcceptorSign  uint32 = 23
	KeyUsageInitiatorSeal uint32 = 24
	KeyUsageInitiatorSign uint32 = 25
)

// RPCGSSCredV1 is the RPCSEC_GSS credential body (version 1), carried in the
// OpaqueAuth.Body of a call message when the auth flavor is AuthRPCSECGSS.
//
// Wire format, after the version field:
//
//	gss_proc uint32, seq_num uint32, service uint32, handle opaque<>
//
// Reference: RFC 2203 §5.3.1.
type RPCGSSCredV1 struct {
	GSSProc uint32
	SeqNum  uint32
	Service uint32
	Handle  []byte
}

const maxHandleLen = 65536

// DecodeGSSCred decodes an RPCSEC_GSS credential body. The body must begin
// with a version field equal to RPCGSSVers1.
func DecodeGSSCred(body []byte) (*RPCGSSCredV1, error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(body))

	version, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("gss: read credential version: %w", err)
	}
	if version != RPCGSSVers1 {
		return nil, fmt.Errorf("gss: unsupported RPCSEC_GSS version: %d", version)
	}

	cred := &RPCGSSCredV1{}
	if cred.GSSProc, err = dec.GetWord(); err != nil {
		return nil, fmt.Errorf("gss: read gss_proc: %w", err)
	}
	if cred.SeqNum, err = dec.GetWord(); err != nil {
		return nil, fmt.Errorf("gss: read seq_num: %w", err)
	}
	if cred.Service, err = dec.GetWord(); err != nil {
		return nil, fmt.Errorf("gss: read service: %w", err)
	}
	handle, err := dec.GetOpaque(maxHandleLen)
	if err != nil {
		return nil, fmt.Errorf("gss: read handle: %w", err)
	}
	cred.Handle = handle
	return cred, nil
}

// EncodeGSSCred encodes an RPCSEC_GSS credential to its wire form.
func EncodeGSSCred(cred *RPCGSSCredV1) ([]byte, error) {
	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutWord(RPCGSSVers1); err != nil {
		return nil, err
	}
	if err := enc.PutWord(cred.GSSProc); err != nil {
		return nil, err
	}
	if err := enc.PutWord(cred.SeqNum); err != nil {
		return nil, err
	}
	if err := enc.PutWord(cred.Service); err != nil {
		return nil, err
	}
	if err := enc.PutOpaque(cred.Handle, maxHandleLen); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}

// RPCGSSInitRes is the context establishment response (rpc_gss_init_res),
// returned in reply to RPCGSSInit and RPCGSSContinueInit calls.
//
// Reference: RFC 2203 §5.2.3.1.
type RPCGSSInitRes struct {
	// Handle is the server-assigned context handle the client must echo in
	// subsequent credentials.
	Handle []byte

	// GSSMajor is the GSS-API major status (GSSComplete, GSSContinueNeeded,
	// GSSDefectiveCredential, ...).
	GSSMajor uint32

	// GSSMinor is a mechanism-specific minor status.
	GSSMinor uint32

	// SeqWindow is the size of the sequence number replay window.
	SeqWindow uint32

	// GSSToken is the output token for the client (for krb5, the AP-REP).
	GSSToken []byte
}

const maxGSSTokenLen = 1 << 20

// EncodeGSSInitRes encodes an init/continue-init response to its wire form.
func EncodeGSSInitRes(res *RPCGSSInitRes) ([]byte, error) {
	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutOpaque(res.Handle, maxHandleLen); err != nil {
		return nil, err
	}
	if err := enc.PutWord(res.GSSMajor); err != nil {
		return nil, err
	}
	if err := enc.PutWord(res.GSSMinor); err != nil {
		return nil, err
	}
	if err := enc.PutWord(res.SeqWindow); err != nil {
		return nil, err
	}
	if err := enc.PutOpaque(res.GSSToken, maxGSSTokenLen); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}

// decodeOpaqueToken extracts a GSS token from the XDR-encoded opaque value
// that makes up the body of an rpc_gss_init_arg (RFC 2203 §5.2.1).
func decodeOpaqueToken(data []byte) ([]byte, error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(data))
	token, err := dec.GetOpaque(maxGSSTokenLen)
	if err != nil {
		return nil, fmt.Errorf("gss: decode init arg token: %w", err)
	}
	if len(token) == 0 {
		return nil, fmt.Errorf("gss: empty GSS token")
	}
	return token, nil
}

// EncodeInitArg builds the rpc_gss_init_arg body (a single opaque GSS
// token) a client sends as the args of a proc-0 RPCGSSInit or
// RPCGSSContinueInit call.
func EncodeInitArg(gssToken []byte) ([]byte, error) {
	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutOpaque(gssToken, maxGSSTokenLen); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}

// DecodeGSSInitRes decodes a context establishment response from the bytes
// of a proc-0 call's result.
func DecodeGSSInitRes(body []byte) (*RPCGSSInitRes, error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(body))

	handle, err := dec.GetOpaque(maxHandleLen)
	if err != nil {
		return nil, fmt.Errorf("gss: read handle: %w", err)
	}
	res := &RPCGSSInitRes{Handle: handle}
	if res.GSSMajor, err = dec.GetWord(); err != nil {
		return nil, fmt.Errorf("gss: read gss_major: %w", err)
	}
	if res.GSSMinor, err = dec.GetWord(); err != nil {
		return nil, fmt.Errorf("gss: read gss_minor: %w", err)
	}
	if res.SeqWindow, err = dec.GetWord(); err != nil {
		return nil, fmt.Errorf("gss: read seq_window: %w", err)
	}
	token, err := dec.GetOpaque(maxGSSTokenLen)
	if err != nil {
		return nil, fmt.Errorf("gss: read gss_token: %w", err)
	}
	res.GSSToken = token
	return res, nil
}
