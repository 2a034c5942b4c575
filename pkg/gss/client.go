package gss

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// InitiatorContext is the client-side half of an RPCSEC_GSS context: it
// holds the session key negotiated with a service principal and produces
// the MIC/Wrap tokens the auth pipeline needs to protect outgoing calls and
// verify replies (RFC 2203 §5.3.3).
type InitiatorContext struct {
	sessionKey types.EncryptionKey
	subKey     types.EncryptionKey
	hasSubKey  bool
}

// NewInitiatorContext builds the AP-REQ init token for service principal
// spn using krbClient's credentials, and returns both the token to send as
// the args of the RPCSEC_GSS_INIT call and the InitiatorContext that will
// protect calls on the resulting server context.
//
// mutualAuth requests the AP-REP reply from the server (RFC 4120 §3.2.5);
// callers that don't need mutual authentication can leave it false to save
// a round of crypto on both ends.
func NewInitiatorContext(krbClient *client.Client, spn string, mutualAuth bool) ([]byte, *InitiatorContext, error) {
	tkt, sessionKey, err := krbClient.GetServiceTicket(spn)
	if err != nil {
		return nil, nil, fmt.Errorf("gss: get service ticket for %q: %w", spn, err)
	}

	apReq, err := messages.NewAPReq(tkt, sessionKey, messages.NewAuthenticator(krbClient.Credentials.Realm(), krbClient.Credentials.CName()))
	if err != nil {
		return nil, nil, fmt.Errorf("gss: build AP-REQ: %w", err)
	}
	if mutualAuth {
		// RFC 4120 §5.5.1: APOptions is a 32-bit flag string, bit 2 from the
		// MSB (0x20 in the first octet) is mutual-required.
		apReq.APOptions.BitLength = 32
		apReq.APOptions.Bytes = []byte{0x20, 0x00, 0x00, 0x00}
	}

	apReqBytes, err := apReq.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("gss: marshal AP-REQ: %w", err)
	}

	return wrapGSSToken(apReqBytes, 0x0100), &InitiatorContext{sessionKey: sessionKey}, nil
}

// VerifyAPRep validates the server's mutual-authentication reply token and
// records the acceptor subkey, when present, as the session key for all
// subsequent MIC/Wrap operations on this context (RFC 4120 §3.2.5).
func (c *InitiatorContext) VerifyAPRep(token []byte) error {
	inner, err := extractAPRep(token)
	if err != nil {
		return fmt.Errorf("gss: extract AP-REP: %w", err)
	}

	var apRep messages.APRep
	if err := apRep.Unmarshal(inner); err != nil {
		return fmt.Errorf("gss: unmarshal AP-REP: %w", err)
	}

	// Key usage 12: AP-REP encrypted part (RFC 4120 §7.5.1).
	plaintext, err := crypto.DecryptEncPart(apRep.EncPart, c.sessionKey, 12)
	if err != nil {
		return fmt.Errorf("gss: decrypt AP-REP: %w", err)
	}
	var encPart messages.EncAPRepPart
	if err := encPart.Unmarshal(plaintext); err != nil {
		return fmt.Errorf("gss: unmarshal EncAPRepPart: %w", err)
	}

	if encPart.Subkey.KeyType != 0 && len(encPart.Subkey.KeyValue) > 0 {
		c.subKey = encPart.Subkey
		c.hasSubKey = true
	}
	return nil
}

// key returns the key this context currently protects calls with: the
// acceptor subkey if the server sent one via AP-REP, otherwise the ticket
// session key (RFC 4120 §3.2.5.3).
func (c *InitiatorContext) key() types.EncryptionKey {
	if c.hasSubKey {
		return c.subKey
	}
	return c.sessionKey
}

// ComputeCallVerifier computes the RPCSEC_GSS verifier over the RPC
// header+cred bytes preceding it, per RFC 2203 §5.3.1.
func (c *InitiatorContext) ComputeCallVerifier(headerAndCredBytes []byte, seqNum uint32) ([]byte, error) {
	micToken := gssapi.MICToken{
		SndSeqNum: uint64(seqNum),
		Payload:   headerAndCredBytes,
	}
	if err := micToken.SetChecksum(c.key(), KeyUsageInitiatorSign); err != nil {
		return nil, fmt.Errorf("gss: compute call MIC: %w", err)
	}
	return micToken.Marshal()
}

// WrapIntegrityCall protects a call body under krb5i: encodes
// {seq_num, args} then appends a MIC over that encoding as rpc_gss_integ_data
// (RFC 2203 §5.3.3.4.2, initiator direction — the mirror of WrapIntegrity,
// which is the acceptor-direction wrap used for replies).
func (c *InitiatorContext) WrapIntegrityCall(seqNum uint32, args []byte) ([]byte, error) {
	databodyInteg := make([]byte, 4+len(args))
	binary.BigEndian.PutUint32(databodyInteg[0:4], seqNum)
	copy(databodyInteg[4:], args)

	micToken := gssapi.MICToken{
		SndSeqNum: uint64(seqNum),
		Payload:   databodyInteg,
	}
	if err := micToken.SetChecksum(c.key(), KeyUsageInitiatorSign); err != nil {
		return nil, fmt.Errorf("gss: compute integrity MIC: %w", err)
	}
	micBytes, err := micToken.Marshal()
	if err != nil {
		return nil, fmt.Errorf("gss: marshal integrity MIC: %w", err)
	}

	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutOpaque(databodyInteg, maxIntegDataLen); err != nil {
		return nil, err
	}
	if err := enc.PutOpaque(micBytes, maxIntegDataLen); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}

// WrapPrivacyCall protects a call body under krb5p: a sealed RFC 4121
// Wrap token over {seq_num, args}, encoded as rpc_gss_priv_data and sent by
// the initiator (the mirror image of WrapPrivacy, which is the
// acceptor-direction wrap used for replies).
func (c *InitiatorContext) WrapPrivacyCall(seqNum uint32, args []byte) ([]byte, error) {
	plaintext := make([]byte, 4+len(args))
	binary.BigEndian.PutUint32(plaintext[0:4], seqNum)
	copy(plaintext[4:], args)

	key := c.key()
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("gss: get encryption type: %w", err)
	}

	header := make([]byte, wrapTokenHdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = wrapFlagSealed
	header[3] = 0xff
	// ec (filler size) and rrc are both 0: no padding, no rotation.
	binary.BigEndian.PutUint64(header[8:16], uint64(seqNum))

	headerCopy := make([]byte, wrapTokenHdrLen)
	copy(headerCopy, header)
	binary.BigEndian.PutUint16(headerCopy[4:6], 0)
	binary.BigEndian.PutUint16(headerCopy[6:8], 0)

	toEncrypt := make([]byte, len(plaintext)+wrapTokenHdrLen)
	copy(toEncrypt, plaintext)
	copy(toEncrypt[len(plaintext):], headerCopy)

	_, ciphertext, err := encType.EncryptMessage(key.KeyValue, toEncrypt, KeyUsageInitiatorSeal)
	if err != nil {
		return nil, fmt.Errorf("gss: encrypt wrap token: %w", err)
	}

	wrapTokenBytes := make([]byte, wrapTokenHdrLen+len(ciphertext))
	copy(wrapTokenBytes, header)
	copy(wrapTokenBytes[wrapTokenHdrLen:], ciphertext)

	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutOpaque(wrapTokenBytes, maxPrivDataLen); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}

// VerifyReplyVerifier checks a reply verifier: a MIC over a 4-byte
// network-order value, the seq_num a DATA call carried (RFC 2203 §5.3.3.2)
// or the seq_window of the reply that completed context establishment.
func (c *InitiatorContext) VerifyReplyVerifier(seqNum uint32, verifierBytes []byte) error {
	seqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBytes, seqNum)

	var micToken gssapi.MICToken
	if err := micToken.Unmarshal(verifierBytes, true); err != nil {
		return fmt.Errorf("gss: unmarshal reply MIC: %w", err)
	}
	micToken.Payload = seqBytes
	ok, err := micToken.Verify(c.key(), KeyUsageAcceptorSign)
	if err != nil {
		return fmt.Errorf("gss: verify reply MIC: %w", err)
	}
	if !ok {
		return fmt.Errorf("gss: reply MIC verification failed")
	}
	return nil
}

// UnwrapIntegrityReply reverses WrapIntegrity's wire format on a DATA
// reply protected with krb5i, verifying the server's MIC against the
// acceptor signing key and the embedded sequence number against
// expectedSeqNum.
func (c *InitiatorContext) UnwrapIntegrityReply(replyBody []byte, expectedSeqNum uint32) ([]byte, error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(replyBody))
	databodyInteg, err := dec.GetOpaque(maxIntegDataLen)
	if err != nil {
		return nil, fmt.Errorf("gss: decode databody_integ: %w", err)
	}
	checksumBytes, err := dec.GetOpaque(maxIntegDataLen)
	if err != nil {
		return nil, fmt.Errorf("gss: decode checksum: %w", err)
	}

	var micToken gssapi.MICToken
	if err := micToken.Unmarshal(checksumBytes, true); err != nil {
		return nil, fmt.Errorf("gss: unmarshal MIC token: %w", err)
	}
	micToken.Payload = databodyInteg

	ok, err := micToken.Verify(c.key(), KeyUsageAcceptorSign)
	if err != nil {
		return nil, fmt.Errorf("gss: verify MIC: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("gss: MIC verification failed")
	}

	if len(databodyInteg) < 4 {
		return nil, fmt.Errorf("gss: databody_integ too short for seq_num: %d bytes", len(databodyInteg))
	}
	if got := binary.BigEndian.Uint32(databodyInteg[0:4]); got != expectedSeqNum {
		return nil, fmt.Errorf("gss: seq_num mismatch: call=%d, reply=%d", expectedSeqNum, got)
	}
	return databodyInteg[4:], nil
}

// UnwrapPrivacyReply reverses WrapPrivacy's wire format on a DATA reply
// protected with krb5p.
func (c *InitiatorContext) UnwrapPrivacyReply(replyBody []byte, expectedSeqNum uint32) ([]byte, error) {
	key := c.key()
	dec := xdr.NewDecoder(xdr.NewSliceSource(replyBody))
	wrapTokenBytes, err := dec.GetOpaque(maxPrivDataLen)
	if err != nil {
		return nil, fmt.Errorf("gss: decode databody_priv: %w", err)
	}
	if len(wrapTokenBytes) < wrapTokenHdrLen {
		return nil, fmt.Errorf("gss: wrap token too short: %d bytes", len(wrapTokenBytes))
	}
	if wrapTokenBytes[0] != 0x05 || wrapTokenBytes[1] != 0x04 {
		return nil, fmt.Errorf("gss: invalid wrap token ID: 0x%02x%02x", wrapTokenBytes[0], wrapTokenBytes[1])
	}

	flags := wrapTokenBytes[2]
	if flags&wrapFlagSentByAcceptor == 0 {
		return nil, fmt.Errorf("gss: expected acceptor flag on reply token")
	}
	ec := binary.BigEndian.Uint16(wrapTokenBytes[4:6])
	rrc := binary.BigEndian.Uint16(wrapTokenBytes[6:8])
	sndSeqNum := binary.BigEndian.Uint64(wrapTokenBytes[8:16])

	var plaintext []byte
	if flags&wrapFlagSealed != 0 {
		ciphertext := wrapTokenBytes[wrapTokenHdrLen:]
		if rrc > 0 && len(ciphertext) > 0 {
			ciphertext = rotateLeft(ciphertext, int(rrc))
		}
		decrypted, err := crypto.DecryptMessage(ciphertext, key, KeyUsageAcceptorSeal)
		if err != nil {
			return nil, fmt.Errorf("gss: decrypt wrap token: %w", err)
		}
		if len(decrypted) < wrapTokenHdrLen {
			return nil, fmt.Errorf("gss: decrypted data too short for header: %d bytes", len(decrypted))
		}
		headerCopy := decrypted[len(decrypted)-wrapTokenHdrLen:]
		expectedHeader := make([]byte, wrapTokenHdrLen)
		copy(expectedHeader, wrapTokenBytes[:wrapTokenHdrLen])
		binary.BigEndian.PutUint16(expectedHeader[4:6], 0)
		binary.BigEndian.PutUint16(expectedHeader[6:8], 0)
		if !bytes.Equal(headerCopy[:2], expectedHeader[:2]) {
			return nil, fmt.Errorf("gss: header_copy token ID mismatch")
		}
		if headerCopy[2] != expectedHeader[2] {
			return nil, fmt.Errorf("gss: header_copy flags mismatch")
		}
		if copySeqNum := binary.BigEndian.Uint64(headerCopy[8:16]); copySeqNum != sndSeqNum {
			return nil, fmt.Errorf("gss: header_copy seq_num mismatch: got %d, expected %d", copySeqNum, sndSeqNum)
		}
		fillerSize := int(ec)
		plaintextEnd := len(decrypted) - wrapTokenHdrLen - fillerSize
		if plaintextEnd < 0 {
			return nil, fmt.Errorf("gss: invalid EC value %d", ec)
		}
		plaintext = decrypted[:plaintextEnd]
	} else {
		var wrapToken gssapi.WrapToken
		if err := wrapToken.Unmarshal(wrapTokenBytes, true); err != nil {
			return nil, fmt.Errorf("gss: unmarshal non-sealed wrap token: %w", err)
		}
		ok, err := wrapToken.Verify(key, KeyUsageAcceptorSeal)
		if err != nil {
			return nil, fmt.Errorf("gss: verify non-sealed wrap token: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("gss: non-sealed wrap token verification failed")
		}
		plaintext = wrapToken.Payload
	}

	if len(plaintext) < 4 {
		return nil, fmt.Errorf("gss: plaintext too short for seq_num: %d bytes", len(plaintext))
	}
	if got := binary.BigEndian.Uint32(plaintext[0:4]); got != expectedSeqNum {
		return nil, fmt.Errorf("gss: seq_num mismatch: call=%d, reply=%d", expectedSeqNum, got)
	}
	return plaintext[4:], nil
}

// extractAPRep strips the RFC 1964 §1.1 GSS-API token wrapper around an
// AP-REP, mirroring extractAPReq's handling of the AP-REQ case.
func extractAPRep(token []byte) ([]byte, error) {
	if len(token) < 2 {
		return nil, fmt.Errorf("token too short: %d bytes", len(token))
	}
	if token[0] != 0x60 {
		return token, nil
	}

	offset := 1
	length, bytesRead, err := parseASN1Length(token[offset:])
	if err != nil {
		return nil, fmt.Errorf("parse GSS token length: %w", err)
	}
	offset += bytesRead
	if offset+length > len(token) {
		return nil, fmt.Errorf("GSS token truncated: expected %d bytes, have %d", offset+length, len(token))
	}

	if offset >= len(token) || token[offset] != 0x06 {
		return nil, fmt.Errorf("expected OID tag 0x06 at offset %d", offset)
	}
	offset++
	if offset >= len(token) {
		return nil, fmt.Errorf("truncated OID length")
	}
	oidLen := int(token[offset])
	offset++
	offset += oidLen
	if offset > len(token) {
		return nil, fmt.Errorf("truncated after OID")
	}

	if offset+2 > len(token) {
		return nil, fmt.Errorf("truncated token ID")
	}
	tokenID := uint16(token[offset])<<8 | uint16(token[offset+1])
	if tokenID != 0x0200 {
		return nil, fmt.Errorf("unexpected krb5 token ID: 0x%04x (expected 0x0200 for AP-REP)", tokenID)
	}
	offset += 2

	return token[offset:], nil
}
