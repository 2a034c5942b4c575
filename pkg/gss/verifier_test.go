package gss

import (
	"encoding/binary"
	"testing"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/messages"
	krbTypes "github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
)

func TestComputeReplyVerifierProducesNonEmptyMIC(t *testing.T) {
	key := testSessionKey()

	mic, err := ComputeReplyVerifier(key, 42)
	if err != nil {
		t.Fatalf("ComputeReplyVerifier failed: %v", err)
	}

	if len(mic) == 0 {
		t.Fatal("expected non-empty MIC bytes")
	}
	if len(mic) < 16 {
		t.Fatalf("MIC token too short: %d bytes (expected at least 16 header bytes)", len(mic))
	}
}

func TestComputeReplyVerifierDifferentSeqNums(t *testing.T) {
	key := testSessionKey()

	mic1, err := ComputeReplyVerifier(key, 1)
	if err != nil {
		t.Fatalf("ComputeReplyVerifier(1) failed: %v", err)
	}
	mic2, err := ComputeReplyVerifier(key, 2)
	if err != nil {
		t.Fatalf("ComputeReplyVerifier(2) failed: %v", err)
	}

	if string(mic1) == string(mic2) {
		t.Fatal("expected different MIC tokens for different sequence numbers")
	}
}

func TestComputeReplyVerifierUnsupportedEtype(t *testing.T) {
	key := krbTypes.EncryptionKey{KeyType: 9999, KeyValue: []byte("test-key")}

	_, err := ComputeReplyVerifier(key, 1)
	if err == nil {
		t.Fatal("expected error for unsupported encryption type")
	}
}

func TestComputeReplyVerifierMICTokenFormat(t *testing.T) {
	key := testSessionKey()

	mic, err := ComputeReplyVerifier(key, 100)
	if err != nil {
		t.Fatalf("ComputeReplyVerifier failed: %v", err)
	}

	if mic[0] != 0x04 || mic[1] != 0x04 {
		t.Fatalf("expected MIC token ID 0x0404, got 0x%02x%02x", mic[0], mic[1])
	}
	if mic[2]&0x01 == 0 {
		t.Fatal("expected SentByAcceptor flag to be set")
	}
}

func TestComputeReplyVerifierMatchesChecksumSize(t *testing.T) {
	key := testSessionKey()
	seqNum := uint32(42)

	etype, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		t.Fatalf("GetEtype failed: %v", err)
	}
	checksumSize := etype.GetHMACBitLength() / 8
	if checksumSize == 0 {
		t.Skip("unknown checksum size for etype")
	}

	mic, err := ComputeReplyVerifier(key, seqNum)
	if err != nil {
		t.Fatalf("ComputeReplyVerifier failed: %v", err)
	}

	expectedSize := 16 + int(checksumSize)
	if len(mic) != expectedSize {
		t.Fatalf("expected MIC size %d, got %d", expectedSize, len(mic))
	}
}

func TestComputeInitVerifierSetsAcceptorSubkeyFlag(t *testing.T) {
	key := testSessionKey()

	mic, err := ComputeInitVerifier(key, DefaultSeqWindowSize, true)
	if err != nil {
		t.Fatalf("ComputeInitVerifier failed: %v", err)
	}
	if mic[2]&0x04 == 0 {
		t.Fatal("expected AcceptorSubkey flag to be set")
	}

	micNoSubkey, err := ComputeInitVerifier(key, DefaultSeqWindowSize, false)
	if err != nil {
		t.Fatalf("ComputeInitVerifier failed: %v", err)
	}
	if micNoSubkey[2]&0x04 != 0 {
		t.Fatal("expected AcceptorSubkey flag to be clear")
	}
}

func TestWrapReplyVerifierSetsFlavorGSS(t *testing.T) {
	mic := []byte{0x04, 0x04, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

	verifier := WrapReplyVerifier(mic)

	if verifier.Flavor != rpcwire.AuthGSS {
		t.Fatalf("expected flavor %d (AuthGSS), got %d", rpcwire.AuthGSS, verifier.Flavor)
	}
	if string(verifier.Body) != string(mic) {
		t.Fatal("expected verifier body to match MIC bytes")
	}
}

func TestWrapReplyVerifierEmptyMIC(t *testing.T) {
	verifier := WrapReplyVerifier(nil)

	if verifier.Flavor != rpcwire.AuthGSS {
		t.Fatalf("expected flavor %d, got %d", rpcwire.AuthGSS, verifier.Flavor)
	}
	if verifier.Body != nil {
		t.Fatal("expected nil body for nil MIC")
	}
}

func TestMakeSuccessReplyIncludesGSSVerifier(t *testing.T) {
	mic := []byte{0x04, 0x04, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0xDE, 0xAD, 0xBE, 0xEF}
	verifier := WrapReplyVerifier(mic)

	xid := uint32(0x12345678)
	data := []byte{0x00, 0x00, 0x00, 0x00}

	reply, err := rpcwire.MakeSuccessReply(xid, verifier, data)
	if err != nil {
		t.Fatalf("MakeSuccessReply failed: %v", err)
	}
	if len(reply) == 0 {
		t.Fatal("expected non-empty reply")
	}

	replyXID := binary.BigEndian.Uint32(reply[0:4])
	if replyXID != xid {
		t.Fatalf("expected XID 0x%x, got 0x%x", xid, replyXID)
	}

	msgType := binary.BigEndian.Uint32(reply[4:8])
	if msgType != 1 {
		t.Fatalf("expected MsgType 1 (REPLY), got %d", msgType)
	}

	replyState := binary.BigEndian.Uint32(reply[8:12])
	if replyState != 0 {
		t.Fatalf("expected ReplyState 0 (MSG_ACCEPTED), got %d", replyState)
	}

	verfFlavor := binary.BigEndian.Uint32(reply[12:16])
	if verfFlavor != uint32(rpcwire.AuthGSS) {
		t.Fatalf("expected verifier flavor %d (AuthGSS), got %d", rpcwire.AuthGSS, verfFlavor)
	}

	verfLen := binary.BigEndian.Uint32(reply[16:20])
	if verfLen != uint32(len(mic)) {
		t.Fatalf("expected verifier body length %d, got %d", len(mic), verfLen)
	}
}

func TestMakeSuccessReplyVsNullVerifierReply(t *testing.T) {
	xid := uint32(0xDEAD)
	data := []byte{0x00, 0x00, 0x00, 0x00}

	nullReply, err := rpcwire.MakeSuccessReply(xid, rpcwire.NullAuth, data)
	if err != nil {
		t.Fatalf("MakeSuccessReply (null verifier) failed: %v", err)
	}

	mic := []byte{0x01, 0x02, 0x03, 0x04}
	verifier := WrapReplyVerifier(mic)
	gssReply, err := rpcwire.MakeSuccessReply(xid, verifier, data)
	if err != nil {
		t.Fatalf("MakeSuccessReply (GSS verifier) failed: %v", err)
	}

	if len(gssReply) <= len(nullReply) {
		t.Fatalf("expected GSS reply (%d bytes) to be larger than null-verifier reply (%d bytes)",
			len(gssReply), len(nullReply))
	}
}

func TestMakeAuthErrorReplyCredProblem(t *testing.T) {
	xid := uint32(0xABCD)
	reply, err := rpcwire.MakeAuthErrorReply(xid, rpcwire.RPCSecGSSCredProblem)
	if err != nil {
		t.Fatalf("MakeAuthErrorReply failed: %v", err)
	}
	if len(reply) == 0 {
		t.Fatal("expected non-empty reply")
	}

	replyXID := binary.BigEndian.Uint32(reply[0:4])
	if replyXID != xid {
		t.Fatalf("expected XID 0x%x, got 0x%x", xid, replyXID)
	}

	msgType := binary.BigEndian.Uint32(reply[4:8])
	if msgType != 1 {
		t.Fatalf("expected MsgType 1, got %d", msgType)
	}

	replyState := binary.BigEndian.Uint32(reply[8:12])
	if replyState != 1 {
		t.Fatalf("expected ReplyState 1 (MSG_DENIED), got %d", replyState)
	}

	rejectStat := binary.BigEndian.Uint32(reply[12:16])
	if rejectStat != 1 {
		t.Fatalf("expected reject_stat 1 (AUTH_ERROR), got %d", rejectStat)
	}

	authStat := binary.BigEndian.Uint32(reply[16:20])
	if authStat != uint32(rpcwire.RPCSecGSSCredProblem) {
		t.Fatalf("expected auth_stat %d, got %d", rpcwire.RPCSecGSSCredProblem, authStat)
	}
}

func TestMakeAuthErrorReplyCtxProblem(t *testing.T) {
	reply, err := rpcwire.MakeAuthErrorReply(0x1234, rpcwire.RPCSecGSSCtxProblem)
	if err != nil {
		t.Fatalf("MakeAuthErrorReply failed: %v", err)
	}

	authStat := binary.BigEndian.Uint32(reply[16:20])
	if authStat != uint32(rpcwire.RPCSecGSSCtxProblem) {
		t.Fatalf("expected auth_stat %d, got %d", rpcwire.RPCSecGSSCtxProblem, authStat)
	}
}

// ============================================================================
// extractAPReq / ASN.1 helper tests
// ============================================================================

func TestExtractAPReqRawToken(t *testing.T) {
	raw := []byte{0x30, 0x05, 0x01, 0x02, 0x03, 0x04, 0x05}

	extracted, err := extractAPReq(raw)
	if err != nil {
		t.Fatalf("extractAPReq failed for raw token: %v", err)
	}
	if string(extracted) != string(raw) {
		t.Fatal("expected raw AP-REQ to be returned unchanged")
	}
}

func TestExtractAPReqWrappedToken(t *testing.T) {
	innerAPReq := []byte{0x30, 0x03, 0x01, 0x02, 0x03}
	wrapped := wrapGSSToken(innerAPReq, 0x0100)

	extracted, err := extractAPReq(wrapped)
	if err != nil {
		t.Fatalf("extractAPReq failed for wrapped token: %v", err)
	}
	if string(extracted) != string(innerAPReq) {
		t.Fatalf("expected inner AP-REQ %x, got %x", innerAPReq, extracted)
	}
}

func TestExtractAPReqWrongTokenID(t *testing.T) {
	innerAPRep := []byte{0x30, 0x03, 0x01, 0x02, 0x03}
	wrapped := wrapGSSToken(innerAPRep, 0x0200)

	_, err := extractAPReq(wrapped)
	if err == nil {
		t.Fatal("expected error for non-AP-REQ token ID")
	}
}

func TestExtractAPReqTooShort(t *testing.T) {
	_, err := extractAPReq([]byte{0x60})
	if err == nil {
		t.Fatal("expected error for too-short token")
	}
}

func TestExtractAPReqTruncatedAfterTag(t *testing.T) {
	_, err := extractAPReq([]byte{0x60, 0x7f})
	if err == nil {
		t.Fatal("expected error for truncated length field")
	}
}

func TestEncodeDecodeASN1LengthShortForm(t *testing.T) {
	for _, length := range []int{0, 1, 42, 127} {
		encoded := encodeASN1Length(length)
		decoded, n, err := parseASN1Length(encoded)
		if err != nil {
			t.Fatalf("parseASN1Length(%d) failed: %v", length, err)
		}
		if decoded != length {
			t.Fatalf("expected length %d, got %d", length, decoded)
		}
		if n != len(encoded) {
			t.Fatalf("expected to consume %d bytes, consumed %d", len(encoded), n)
		}
	}
}

func TestEncodeDecodeASN1LengthLongForm(t *testing.T) {
	for _, length := range []int{128, 255, 256, 65535, 1 << 20} {
		encoded := encodeASN1Length(length)
		decoded, n, err := parseASN1Length(encoded)
		if err != nil {
			t.Fatalf("parseASN1Length(%d) failed: %v", length, err)
		}
		if decoded != length {
			t.Fatalf("expected length %d, got %d", length, decoded)
		}
		if n != len(encoded) {
			t.Fatalf("expected to consume %d bytes, consumed %d", len(encoded), n)
		}
	}
}

func TestParseASN1LengthEmpty(t *testing.T) {
	_, _, err := parseASN1Length(nil)
	if err == nil {
		t.Fatal("expected error for empty length field")
	}
}

func TestParseASN1LengthTruncatedLongForm(t *testing.T) {
	_, _, err := parseASN1Length([]byte{0x82, 0x01})
	if err == nil {
		t.Fatal("expected error for truncated long-form length")
	}
}

func TestHasSubkeyFalseForZeroValueAuthenticator(t *testing.T) {
	var apReq messages.APReq
	if hasSubkey(apReq) {
		t.Fatal("expected hasSubkey to report false for an authenticator with no subkey")
	}
}
