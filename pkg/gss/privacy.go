// Privacy (krb5p) call wrapping: RFC 2203 §5.3.3.4.3 replaces the call body
// with rpc_gss_priv_data { opaque databody_priv<>; }, an RFC 4121 §4.2.6.2
// Wrap token providing confidentiality and integrity. gokrb5's WrapToken
// handles the non-sealed (integrity-only) case but not decryption of the
// sealed case, so the encrypted wire format is parsed by hand here.
package gss

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/internal/logger"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

const (
	wrapTokenHdrLen = 16

	wrapFlagSentByAcceptor = 0x01
	wrapFlagSealed         = 0x02

	maxPrivDataLen = 1 << 20
)

// UnwrapPrivacy decrypts and verifies krb5p protection, returning the
// procedure arguments and the sequence number the client embedded (for
// dual validation against the credential's seq_num).
func UnwrapPrivacy(sessionKey types.EncryptionKey, credSeqNum uint32, requestBody []byte) ([]byte, uint32, error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(requestBody))
	wrapTokenBytes, err := dec.GetOpaque(maxPrivDataLen)
	if err != nil {
		return nil, 0, fmt.Errorf("gss: decode databody_priv: %w", err)
	}

	if len(wrapTokenBytes) < wrapTokenHdrLen {
		return nil, 0, fmt.Errorf("gss: wrap token too short: %d bytes", len(wrapTokenBytes))
	}
	if wrapTokenBytes[0] != 0x05 || wrapTokenBytes[1] != 0x04 {
		return nil, 0, fmt.Errorf("gss: invalid wrap token ID: 0x%02x%02x", wrapTokenBytes[0], wrapTokenBytes[1])
	}

	flags := wrapTokenBytes[2]
	ec := binary.BigEndian.Uint16(wrapTokenBytes[4:6])
	rrc := binary.BigEndian.Uint16(wrapTokenBytes[6:8])
	sndSeqNum := binary.BigEndian.Uint64(wrapTokenBytes[8:16])

	if flags&wrapFlagSentByAcceptor != 0 {
		return nil, 0, fmt.Errorf("gss: unexpected acceptor flag on token from initiator")
	}

	var plaintext []byte
	if flags&wrapFlagSealed != 0 {
		plaintext, err = unsealWrapToken(wrapTokenBytes, ec, rrc, sndSeqNum, sessionKey)
		if err != nil {
			return nil, 0, err
		}
	} else {
		var wrapToken gssapi.WrapToken
		if err := wrapToken.Unmarshal(wrapTokenBytes, false); err != nil {
			return nil, 0, fmt.Errorf("gss: unmarshal non-sealed wrap token: %w", err)
		}
		ok, err := wrapToken.Verify(sessionKey, KeyUsageInitiatorSeal)
		if err != nil {
			return nil, 0, fmt.Errorf("gss: verify non-sealed wrap token: %w", err)
		}
		if !ok {
			return nil, 0, fmt.Errorf("gss: non-sealed wrap token verification failed")
		}
		plaintext = wrapToken.Payload
	}

	if len(plaintext) < 4 {
		return nil, 0, fmt.Errorf("gss: plaintext too short for seq_num: %d bytes", len(plaintext))
	}
	bodySeqNum := binary.BigEndian.Uint32(plaintext[0:4])
	if bodySeqNum != credSeqNum {
		return nil, 0, fmt.Errorf("gss: seq_num mismatch: credential=%d, body=%d", credSeqNum, bodySeqNum)
	}

	return plaintext[4:], bodySeqNum, nil
}

// unsealWrapToken decrypts a sealed (RFC 4121 §4.2.4) wrap token and
// recovers the plaintext, validating the encrypted header copy.
func unsealWrapToken(wrapTokenBytes []byte, ec, rrc uint16, sndSeqNum uint64, sessionKey types.EncryptionKey) ([]byte, error) {
	ciphertext := wrapTokenBytes[wrapTokenHdrLen:]
	if rrc > 0 && len(ciphertext) > 0 {
		ciphertext = rotateLeft(ciphertext, int(rrc))
	}

	decrypted, err := crypto.DecryptMessage(ciphertext, sessionKey, KeyUsageInitiatorSeal)
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
	return decrypted[:plaintextEnd], nil
}

// rotateLeft rotates data left by n bytes, undoing the sender's RRC.
func rotateLeft(data []byte, n int) []byte {
	if len(data) == 0 || n <= 0 {
		return data
	}
	n %= len(data)
	if n == 0 {
		return data
	}
	result := make([]byte, len(data))
	copy(result, data[n:])
	copy(result[len(data)-n:], data[:n])
	return result
}

// WrapPrivacy applies krb5p protection to a reply body: encrypts the
// seq_num-prefixed payload as a sealed RFC 4121 Wrap token, encoded as
// rpc_gss_priv_data.
func WrapPrivacy(sessionKey types.EncryptionKey, seqNum uint32, replyBody []byte) ([]byte, error) {
	plaintext := make([]byte, 4+len(replyBody))
	binary.BigEndian.PutUint32(plaintext[0:4], seqNum)
	copy(plaintext[4:], replyBody)

	encType, err := crypto.GetEtype(sessionKey.KeyType)
	if err != nil {
		return nil, fmt.Errorf("gss: get encryption type: %w", err)
	}

	header := make([]byte, wrapTokenHdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = byte(wrapFlagSentByAcceptor | wrapFlagSealed)
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

	_, ciphertext, err := encType.EncryptMessage(sessionKey.KeyValue, toEncrypt, KeyUsageAcceptorSeal)
	if err != nil {
		return nil, fmt.Errorf("gss: encrypt wrap token: %w", err)
	}

	wrapTokenBytes := make([]byte, wrapTokenHdrLen+len(ciphertext))
	copy(wrapTokenBytes, header)
	copy(wrapTokenBytes[wrapTokenHdrLen:], ciphertext)

	logger.Debug("gss: wrapped privacy reply", "plaintext_len", len(plaintext), "ciphertext_len", len(ciphertext))

	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutOpaque(wrapTokenBytes, maxPrivDataLen); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}
