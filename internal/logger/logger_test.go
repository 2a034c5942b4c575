package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// captureLogs redirects output to a buffer for the duration of a test and
// restores info/text defaults afterwards.
func captureLogs(t *testing.T, level, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	InitWithWriter(&buf, level, format, false)
	t.Cleanup(func() { InitWithWriter(&buf, "INFO", "text", false) })
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t, "WARN", "text")

	Debug("decoded call", "xid", "0000002a")
	Info("server listening", "addr", ":111")
	Warn("retransmitting", "attempt", 2)
	Error("send failed", "error", "connection refused")

	out := buf.String()
	if strings.Contains(out, "decoded call") || strings.Contains(out, "server listening") {
		t.Fatalf("below-threshold lines emitted:\n%s", out)
	}
	if !strings.Contains(out, "retransmitting") || !strings.Contains(out, "send failed") {
		t.Fatalf("expected WARN and ERROR lines:\n%s", out)
	}
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	buf := captureLogs(t, "INFO", "text")
	SetLevel("CHATTY")

	Info("still info level")
	if !strings.Contains(buf.String(), "still info level") {
		t.Fatalf("unknown level name must not change filtering")
	}
}

func TestJSONFormat(t *testing.T) {
	buf := captureLogs(t, "INFO", "json")

	Info("dispatching call", Prog(100000), Proc(3), Peer("127.0.0.1:702"))

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, line)
	}
	if record["msg"] != "dispatching call" {
		t.Fatalf("msg = %v", record["msg"])
	}
	if record[KeyProg] != float64(100000) {
		t.Fatalf("prog = %v", record[KeyProg])
	}
	if record[KeyPeer] != "127.0.0.1:702" {
		t.Fatalf("peer = %v", record[KeyPeer])
	}
}

func TestTextHandlerPromotesCallIdentity(t *testing.T) {
	buf := captureLogs(t, "INFO", "text")

	// Emit identity fields last; the handler must still print them first.
	Info("reply sent", Status("success"), DurationMs(1.25), XID(0x2a), Prog(1234))

	line := buf.String()
	xidAt := strings.Index(line, "xid=0000002a")
	progAt := strings.Index(line, "prog=1234")
	statusAt := strings.Index(line, "status=success")
	if xidAt < 0 || progAt < 0 || statusAt < 0 {
		t.Fatalf("missing fields in line: %s", line)
	}
	if !(xidAt < progAt && progAt < statusAt) {
		t.Fatalf("call identity not promoted: %s", line)
	}
}

func TestContextFieldsInjected(t *testing.T) {
	buf := captureLogs(t, "DEBUG", "text")

	lc := NewCallContext("10.0.0.9:1023").WithCall(0x77, 100000, 4, 3).WithAuth("AUTH_SYS")
	ctx := WithContext(context.Background(), lc)

	DebugCtx(ctx, "looked up mapping")

	line := buf.String()
	for _, want := range []string{"xid=00000077", "prog=100000", "vers=4", "proc=3", "peer=10.0.0.9:1023", "auth=AUTH_SYS"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in: %s", want, line)
		}
	}
}

func TestContextHelpersNilSafe(t *testing.T) {
	if FromContext(nil) != nil {
		t.Fatalf("FromContext(nil) must be nil")
	}
	if FromContext(context.Background()) != nil {
		t.Fatalf("FromContext without value must be nil")
	}

	var lc *LogContext
	if lc.Clone() != nil {
		t.Fatalf("nil Clone must be nil")
	}
	if lc.WithCall(1, 2, 3, 4) != nil {
		t.Fatalf("nil WithCall must be nil")
	}
	if lc.DurationMs() != 0 {
		t.Fatalf("nil DurationMs must be 0")
	}
}

func TestLogContextCloneIsIndependent(t *testing.T) {
	base := NewCallContext("peer")
	derived := base.WithCall(1, 100000, 2, 3)
	if base.XID != 0 {
		t.Fatalf("WithCall mutated the original")
	}
	if derived.XID != 1 || derived.Peer != "peer" {
		t.Fatalf("derived context wrong: %+v", derived)
	}
}

func TestFieldConstructors(t *testing.T) {
	if got := XID(0xdeadbeef).Value.String(); got != "deadbeef" {
		t.Errorf("XID = %q", got)
	}
	if got := GSSHandle([]byte{0x01, 0xff}).Value.String(); got != "01ff" {
		t.Errorf("GSSHandle = %q", got)
	}
	if got := Err(errors.New("boom")).Value.String(); got != "boom" {
		t.Errorf("Err = %q", got)
	}
	if !Err(nil).Equal(Err(nil)) {
		t.Errorf("Err(nil) should be the empty attr")
	}
	if key := AuthFlavor("RPCSEC_GSS").Key; key != KeyAuth {
		t.Errorf("AuthFlavor key = %q", key)
	}
	if got := Seq(9).Value.Uint64(); got != 9 {
		t.Errorf("Seq = %d", got)
	}
}

func TestConcurrentLogging(t *testing.T) {
	buf := captureLogs(t, "INFO", "text")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			Info("concurrent line", Attempt(n))
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 16 {
		t.Fatalf("expected 16 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "concurrent line") {
			t.Fatalf("interleaved write: %q", line)
		}
	}
}
