// Integrity (krb5i) call wrapping: RFC 2203 §5.3.3.4.2 replaces the call
// body with rpc_gss_integ_data { opaque databody_integ<>; opaque checksum<>; },
// a MIC over the sequence-number-prefixed arguments per RFC 4121.
package gss

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

const maxIntegDataLen = 1 << 20

// UnwrapIntegrity verifies and strips krb5i protection from a call body,
// returning the procedure arguments and the sequence number the client
// embedded (for dual validation against the credential's seq_num).
func UnwrapIntegrity(sessionKey types.EncryptionKey, credSeqNum uint32, requestBody []byte) ([]byte, uint32, error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(requestBody))

	databodyInteg, err := dec.GetOpaque(maxIntegDataLen)
	if err != nil {
		return nil, 0, fmt.Errorf("gss: decode databody_integ: %w", err)
	}
	checksumBytes, err := dec.GetOpaque(maxIntegDataLen)
	if err != nil {
		return nil, 0, fmt.Errorf("gss: decode checksum: %w", err)
	}

	var micToken gssapi.MICToken
	if err := micToken.Unmarshal(checksumBytes, false); err != nil {
		return nil, 0, fmt.Errorf("gss: unmarshal MIC token: %w", err)
	}
	micToken.Payload = databodyInteg

	ok, err := micToken.Verify(sessionKey, KeyUsageInitiatorSign)
	if err != nil {
		return nil, 0, fmt.Errorf("gss: verify MIC: %w", err)
	}
	if !ok {
		return nil, 0, fmt.Errorf("gss: MIC verification failed")
	}

	if len(databodyInteg) < 4 {
		return nil, 0, fmt.Errorf("gss: databody_integ too short for seq_num: %d bytes", len(databodyInteg))
	}
	bodySeqNum := binary.BigEndian.Uint32(databodyInteg[0:4])
	if bodySeqNum != credSeqNum {
		return nil, 0, fmt.Errorf("gss: seq_num mismatch: credential=%d, body=%d", credSeqNum, bodySeqNum)
	}

	return databodyInteg[4:], bodySeqNum, nil
}

// WrapIntegrity applies krb5i protection to a reply body: seq_num-prefixed
// payload plus a MIC, encoded as rpc_gss_integ_data.
func WrapIntegrity(sessionKey types.EncryptionKey, seqNum uint32, replyBody []byte) ([]byte, error) {
	databodyInteg := make([]byte, 4+len(replyBody))
	binary.BigEndian.PutUint32(databodyInteg[0:4], seqNum)
	copy(databodyInteg[4:], replyBody)

	micToken := gssapi.MICToken{
		Flags:     gssapi.MICTokenFlagSentByAcceptor,
		SndSeqNum: uint64(seqNum),
		Payload:   databodyInteg,
	}
	if err := micToken.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
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
