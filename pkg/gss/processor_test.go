package gss

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/pkg/auth/kerberos"
	"github.com/oncrpcd/oncrpc/pkg/config"
)

// mockVerifier implements Verifier for testing without a real KDC.
type mockVerifier struct {
	principal  string
	realm      string
	sessionKey types.EncryptionKey
	apRepToken []byte
	err        error
}

func newMockVerifier(principal, realm string) *mockVerifier {
	return &mockVerifier{
		principal: principal,
		realm:     realm,
		sessionKey: types.EncryptionKey{
			KeyType:  17, // aes128-cts-hmac-sha1-96
			KeyValue: []byte("test-session-key"),
		},
	}
}

func newFailingVerifier(err error) *mockVerifier {
	return &mockVerifier{err: err}
}

func (v *mockVerifier) VerifyToken(gssToken []byte) (*VerifiedContext, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &VerifiedContext{
		Principal:  v.principal,
		Realm:      v.realm,
		SessionKey: v.sessionKey,
		APRepToken: v.apRepToken,
	}, nil
}

func buildINITCredBody(t *testing.T) []byte {
	t.Helper()
	cred := &RPCGSSCredV1{GSSProc: RPCGSSInit, SeqNum: 0, Service: RPCGSSSvcIntegrity}
	body, err := EncodeGSSCred(cred)
	if err != nil {
		t.Fatalf("encode INIT cred: %v", err)
	}
	return body
}

func buildDESTROYCredBody(t *testing.T, handle []byte, seqNum uint32) []byte {
	t.Helper()
	cred := &RPCGSSCredV1{GSSProc: RPCGSSDestroy, SeqNum: seqNum, Service: RPCGSSSvcNone, Handle: handle}
	body, err := EncodeGSSCred(cred)
	if err != nil {
		t.Fatalf("encode DESTROY cred: %v", err)
	}
	return body
}

func newTestMapper() kerberos.IdentityMapper {
	return kerberos.NewStaticMapper(&config.IdentityMappingConfig{
		DefaultUID: 65534,
		DefaultGID: 65534,
		StaticMap: map[string]config.StaticIdentity{
			"alice@EXAMPLE.COM": {UID: 1000, GID: 1000},
			"bob@EXAMPLE.COM":   {UID: 1001, GID: 1001},
		},
	})
}

// extractContextHandle fetches the handle of the first stored context, for
// tests that only ever establish one.
func extractContextHandle(t *testing.T, proc *GSSProcessor) []byte {
	t.Helper()
	proc.contexts.mu.Lock()
	defer proc.contexts.mu.Unlock()
	for _, ctx := range proc.contexts.contexts {
		return ctx.Handle
	}
	t.Fatal("no context handle found in processor")
	return nil
}

// encodeOpaqueToken wraps raw bytes as the XDR opaque databody an INIT arg
// carries.
func encodeOpaqueToken(data []byte) []byte {
	length := uint32(len(data))
	paddedLen := len(data)
	if len(data)%4 != 0 {
		paddedLen += 4 - (len(data) % 4)
	}
	result := make([]byte, 4+paddedLen)
	binary.BigEndian.PutUint32(result[:4], length)
	copy(result[4:], data)
	return result
}

func TestProcessINITReturnsControl(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	result := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("mock-ap-req-token")))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.IsControl {
		t.Fatal("expected IsControl=true for INIT")
	}
	if result.GSSReply == nil {
		t.Fatal("expected non-nil GSSReply for INIT")
	}
}

func TestProcessINITStoresContextBeforeReply(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	result := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("mock-ap-req-token")))
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if proc.ContextCount() != 1 {
		t.Fatalf("expected 1 context in store, got %d", proc.ContextCount())
	}
}

func TestProcessINITCreatesContextWithCorrectFields(t *testing.T) {
	verifier := newMockVerifier("bob", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	result := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("mock-ap-req-token")))
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}

	handle := extractContextHandle(t, proc)
	foundCtx, ok := proc.contexts.Lookup(handle)
	if !ok {
		t.Fatal("no context found in store")
	}

	if foundCtx.Principal != "bob" {
		t.Fatalf("expected principal bob, got %s", foundCtx.Principal)
	}
	if foundCtx.Realm != "EXAMPLE.COM" {
		t.Fatalf("expected realm EXAMPLE.COM, got %s", foundCtx.Realm)
	}
	if foundCtx.Service != RPCGSSSvcIntegrity {
		t.Fatalf("expected service %d, got %d", RPCGSSSvcIntegrity, foundCtx.Service)
	}
	if foundCtx.SeqWindow == nil {
		t.Fatal("expected non-nil SeqWindow")
	}
	if len(foundCtx.Handle) != 16 {
		t.Fatalf("expected 16-byte handle, got %d bytes", len(foundCtx.Handle))
	}
	if foundCtx.SessionKey.KeyType != 17 {
		t.Fatalf("expected session key type 17, got %d", foundCtx.SessionKey.KeyType)
	}
}

func TestProcessINITVerificationFailure(t *testing.T) {
	verifier := newFailingVerifier(fmt.Errorf("ticket expired"))
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	result := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("bad-token")))

	if result.Err == nil {
		t.Fatal("expected error for failed verification")
	}
	if !result.IsControl {
		t.Fatal("expected IsControl=true even on failure")
	}
	if result.GSSReply == nil {
		t.Fatal("expected non-nil GSSReply with error status")
	}
	if proc.ContextCount() != 0 {
		t.Fatalf("expected 0 contexts after failed INIT, got %d", proc.ContextCount())
	}
}

func TestProcessDESTROYRemovesContext(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	initResult := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("mock-ap-req-token")))
	if initResult.Err != nil {
		t.Fatalf("INIT failed: %v", initResult.Err)
	}
	if proc.ContextCount() != 1 {
		t.Fatalf("expected 1 context after INIT, got %d", proc.ContextCount())
	}

	handle := extractContextHandle(t, proc)
	destroyResult := proc.Process(buildDESTROYCredBody(t, handle, 1), nil, nil)

	if destroyResult.Err != nil {
		t.Fatalf("DESTROY failed: %v", destroyResult.Err)
	}
	if !destroyResult.IsControl {
		t.Fatal("expected IsControl=true for DESTROY")
	}
	if destroyResult.GSSReply == nil {
		t.Fatal("expected non-nil GSSReply for DESTROY")
	}
	if proc.ContextCount() != 0 {
		t.Fatalf("expected 0 contexts after DESTROY, got %d", proc.ContextCount())
	}
}

func TestProcessDESTROYUnknownContext(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	result := proc.Process(buildDESTROYCredBody(t, []byte("nonexistent-handle"), 1), nil, nil)

	if result.Err != nil {
		t.Fatalf("DESTROY of unknown context should succeed, got error: %v", result.Err)
	}
	if !result.IsControl {
		t.Fatal("expected IsControl=true for DESTROY")
	}
}

func TestProcessDATAWithValidContext(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	initResult := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("mock-ap-req-token")))
	if initResult.Err != nil {
		t.Fatalf("INIT failed: %v", initResult.Err)
	}
	handle := extractContextHandle(t, proc)

	dataCred := &RPCGSSCredV1{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcNone, Handle: handle}
	dataCredBody, err := EncodeGSSCred(dataCred)
	if err != nil {
		t.Fatalf("encode DATA cred: %v", err)
	}

	procedureArgs := []byte("test-procedure-arguments")
	result := proc.Process(dataCredBody, nil, procedureArgs)

	if result.Err != nil {
		t.Fatalf("DATA failed: %v", result.Err)
	}
	if result.IsControl {
		t.Fatal("expected IsControl=false for DATA")
	}
	if result.SilentDiscard {
		t.Fatal("expected SilentDiscard=false for valid DATA")
	}
	if string(result.ProcessedData) != string(procedureArgs) {
		t.Fatal("expected ProcessedData to match procedure args")
	}
	if result.Identity == nil {
		t.Fatal("expected non-nil Identity for DATA")
	}
	if result.Identity.UID == nil || *result.Identity.UID != 1000 {
		t.Fatalf("expected UID 1000, got %v", result.Identity.UID)
	}
	if result.SeqNum != 1 {
		t.Fatalf("expected SeqNum 1, got %d", result.SeqNum)
	}
	if result.Service != RPCGSSSvcNone {
		t.Fatalf("expected Service %d, got %d", RPCGSSSvcNone, result.Service)
	}
}

func TestProcessDATAUnknownContext(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	dataCred := &RPCGSSCredV1{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcNone, Handle: []byte("nonexistent-handle")}
	credBody, err := EncodeGSSCred(dataCred)
	if err != nil {
		t.Fatalf("encode cred: %v", err)
	}

	result := proc.Process(credBody, nil, []byte("args"))
	if result.Err == nil {
		t.Fatal("expected error for unknown context")
	}
	if result.AuthStat != AuthStatCredProblem {
		t.Fatalf("expected AuthStatCredProblem, got %d", result.AuthStat)
	}
}

func TestProcessDATASilentDiscardForDuplicate(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	initCred := &RPCGSSCredV1{GSSProc: RPCGSSInit, SeqNum: 0, Service: RPCGSSSvcNone}
	initCredBody, _ := EncodeGSSCred(initCred)
	initResult := proc.Process(initCredBody, nil, encodeOpaqueToken([]byte("mock-token")))
	if initResult.Err != nil {
		t.Fatalf("INIT failed: %v", initResult.Err)
	}
	handle := extractContextHandle(t, proc)

	dataCred := &RPCGSSCredV1{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcNone, Handle: handle}
	dataCredBody, _ := EncodeGSSCred(dataCred)

	result1 := proc.Process(dataCredBody, nil, []byte("args"))
	if result1.Err != nil {
		t.Fatalf("first DATA failed: %v", result1.Err)
	}

	result2 := proc.Process(dataCredBody, nil, []byte("args"))
	if !result2.SilentDiscard {
		t.Fatal("expected SilentDiscard=true for duplicate sequence number")
	}
}

func TestProcessDATAMaxSeqDestroysContext(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	initResult := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("mock-token")))
	if initResult.Err != nil {
		t.Fatalf("INIT failed: %v", initResult.Err)
	}
	handle := extractContextHandle(t, proc)

	dataCred := &RPCGSSCredV1{GSSProc: RPCGSSData, SeqNum: MAXSEQ, Service: RPCGSSSvcNone, Handle: handle}
	dataCredBody, _ := EncodeGSSCred(dataCred)

	result := proc.Process(dataCredBody, nil, []byte("args"))
	if result.Err == nil {
		t.Fatal("expected error for seq_num >= MAXSEQ")
	}
	if result.AuthStat != AuthStatCtxProblem {
		t.Fatalf("expected AuthStatCtxProblem, got %d", result.AuthStat)
	}
	if proc.ContextCount() != 0 {
		t.Fatalf("expected context destroyed after MAXSEQ, got %d contexts", proc.ContextCount())
	}
}

func TestProcessInvalidCredentialVersion(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	badBody := []byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0}
	result := proc.Process(badBody, nil, []byte("args"))
	if result.Err == nil {
		t.Fatal("expected error for invalid credential version")
	}
}

func TestProcessUnknownGSSProc(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	cred := &RPCGSSCredV1{GSSProc: 99, SeqNum: 0, Service: RPCGSSSvcNone}
	body, _ := EncodeGSSCred(cred)

	result := proc.Process(body, nil, []byte("args"))
	if result.Err == nil {
		t.Fatal("expected error for unknown gss_proc")
	}
}

func TestProcessINITNoVerifier(t *testing.T) {
	proc := NewGSSProcessor(nil, newTestMapper(), 100, 10*time.Minute)
	defer proc.Stop()

	result := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("token")))
	if result.Err == nil {
		t.Fatal("expected error with no verifier configured")
	}
}

func TestProcessSetVerifier(t *testing.T) {
	proc := NewGSSProcessor(newFailingVerifier(fmt.Errorf("no")), newTestMapper(), 100, 10*time.Minute)
	defer proc.Stop()

	result := proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("token")))
	if result.Err == nil {
		t.Fatal("expected failure with original verifier")
	}

	proc.SetVerifier(newMockVerifier("carol", "EXAMPLE.COM"))

	result = proc.Process(buildINITCredBody(t), nil, encodeOpaqueToken([]byte("token")))
	if result.Err != nil {
		t.Fatalf("expected success after SetVerifier, got: %v", result.Err)
	}
}

func TestProcessContinueInitRoutesToInit(t *testing.T) {
	verifier := newMockVerifier("alice", "EXAMPLE.COM")
	mapper := newTestMapper()
	proc := NewGSSProcessor(verifier, mapper, 100, 10*time.Minute)
	defer proc.Stop()

	cred := &RPCGSSCredV1{GSSProc: RPCGSSContinueInit, SeqNum: 0, Service: RPCGSSSvcIntegrity}
	body, _ := EncodeGSSCred(cred)

	result := proc.Process(body, nil, encodeOpaqueToken([]byte("token")))
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.IsControl {
		t.Fatal("expected IsControl=true for CONTINUE_INIT")
	}
}

func TestGSSMetricsNilSafe(t *testing.T) {
	var m *GSSMetrics
	m.RecordContextCreation(true)
	m.RecordContextDestruction()
	m.RecordAuthFailure("credential_problem")
	m.RecordDataRequest("none", time.Millisecond)
	m.RecordInitDuration(time.Millisecond)
	m.RecordDestroyDuration(time.Millisecond)
}
