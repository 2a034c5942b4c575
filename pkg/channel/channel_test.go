package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
	"github.com/oncrpcd/oncrpc/pkg/rpcserver"
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

const (
	testProg = 1234
	testVers = 1
	testProc = 1
)

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// echoServer builds a dispatcher with a single (testProg, testVers) service
// whose proc 1 echoes its u32 argument.
func echoServer(t *testing.T) *rpcserver.Server {
	t.Helper()
	reg := rpcserver.NewRegistry()
	reg.Register(testProg, testVers, map[uint32]rpcserver.ProcHandler{
		0: func(ctx *rpcserver.CallContext) error {
			ctx.Reply()
			return nil
		},
		testProc: func(ctx *rpcserver.CallContext) error {
			v, err := ctx.Args.GetWord()
			if err != nil {
				ctx.GarbageArgs()
				return nil
			}
			if err := ctx.Result().PutWord(v); err != nil {
				return err
			}
			ctx.Reply()
			return nil
		},
	})
	return rpcserver.NewServer(rpcserver.Config{Registry: reg})
}

// startLocal wires a Channel to an in-process echo server and returns it.
func startLocal(t *testing.T, prog, vers uint32) *Channel {
	t.Helper()
	srv := echoServer(t)
	clientEnd, serverEnd := NewLocalPair(8)
	go ServeLocal(serverEnd, func(record []byte) []byte {
		return srv.Dispatch(record, LocalAddr())
	})
	ch := NewLocalChannel(clientEnd, rpcauth.NoneAuth{}, prog, vers)
	t.Cleanup(func() {
		_ = ch.Close()
		_ = serverEnd.close()
	})
	return ch
}

func TestLocalEchoCall(t *testing.T) {
	ch := startLocal(t, testProg, testVers)

	res, err := ch.Call(context.Background(), testProc, be32(0x7b), rpcauth.ProtectionNone)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 4 || binary.BigEndian.Uint32(res) != 0x7b {
		t.Fatalf("expected echo of 0x7b, got %x", res)
	}
}

func TestVersionMismatch(t *testing.T) {
	ch := startLocal(t, testProg, 2)

	_, err := ch.Call(context.Background(), 0, nil, rpcauth.ProtectionNone)
	var vm *VersionMismatchError
	if !errors.As(err, &vm) {
		t.Fatalf("expected VersionMismatchError, got %v", err)
	}
	if vm.Low != 1 || vm.High != 1 {
		t.Fatalf("expected supported range [1, 1], got [%d, %d]", vm.Low, vm.High)
	}
}

func TestProgUnavail(t *testing.T) {
	ch := startLocal(t, 999, testVers)

	_, err := ch.Call(context.Background(), 0, nil, rpcauth.ProtectionNone)
	var pu *ProgUnavailError
	if !errors.As(err, &pu) {
		t.Fatalf("expected ProgUnavailError, got %v", err)
	}
	if pu.Prog != 999 {
		t.Fatalf("expected prog 999, got %d", pu.Prog)
	}
}

func TestProcUnavail(t *testing.T) {
	ch := startLocal(t, testProg, testVers)

	_, err := ch.Call(context.Background(), 42, nil, rpcauth.ProtectionNone)
	var pu *ProcUnavailError
	if !errors.As(err, &pu) {
		t.Fatalf("expected ProcUnavailError, got %v", err)
	}
	if pu.Proc != 42 {
		t.Fatalf("expected proc 42, got %d", pu.Proc)
	}
}

func TestConcurrentCallsMatchXIDs(t *testing.T) {
	ch := startLocal(t, testProg, testVers)

	var wg sync.WaitGroup
	for i := uint32(1); i <= 8; i++ {
		wg.Add(1)
		go func(v uint32) {
			defer wg.Done()
			res, err := ch.Call(context.Background(), testProc, be32(v), rpcauth.ProtectionNone)
			if err != nil {
				t.Errorf("call %d: %v", v, err)
				return
			}
			if got := binary.BigEndian.Uint32(res); got != v {
				t.Errorf("call %d: got reply for %d", v, got)
			}
		}(i)
	}
	wg.Wait()

	ch.mu.Lock()
	pending := len(ch.pending)
	ch.mu.Unlock()
	if pending != 0 {
		t.Fatalf("transaction table not empty after completion: %d pending", pending)
	}
}

func TestCallAsync(t *testing.T) {
	ch := startLocal(t, testProg, testVers)

	delivered := make(chan []byte, 1)
	f := ch.CallAsync(context.Background(), testProc, be32(7), rpcauth.ProtectionNone, func(res []byte, err error) {
		if err == nil {
			delivered <- res
		}
	})

	res, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if binary.BigEndian.Uint32(res) != 7 {
		t.Fatalf("unexpected async result %x", res)
	}
	select {
	case cres := <-delivered:
		if binary.BigEndian.Uint32(cres) != 7 {
			t.Fatalf("continuation got %x", cres)
		}
	case <-time.After(time.Second):
		t.Fatalf("continuation never ran")
	}
	if !f.Done() {
		t.Fatalf("future not done after Wait returned")
	}
}

// flakyTransport drops the first dropFirst sends, dispatching the rest to
// an in-process server; it stands in for a lossy datagram network.
type flakyTransport struct {
	dispatch  func([]byte) []byte
	dropFirst int

	mu       sync.Mutex
	sends    int
	sentXIDs []uint32
	replies  chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFlakyTransport(dispatch func([]byte) []byte, dropFirst int) *flakyTransport {
	return &flakyTransport{
		dispatch:  dispatch,
		dropFirst: dropFirst,
		replies:   make(chan []byte, 8),
		closed:    make(chan struct{}),
	}
}

func (f *flakyTransport) sendRecord(payload []byte) error {
	f.mu.Lock()
	f.sends++
	if xid, _, _, err := splitHeader(payload); err == nil {
		f.sentXIDs = append(f.sentXIDs, xid)
	}
	drop := f.sends <= f.dropFirst
	f.mu.Unlock()
	if drop {
		return nil
	}
	if reply := f.dispatch(payload); reply != nil {
		f.replies <- reply
	}
	return nil
}

func (f *flakyTransport) recvRecord() ([]byte, func(), error) {
	select {
	case reply := <-f.replies:
		return reply, func() {}, nil
	case <-f.closed:
		return nil, nil, fmt.Errorf("transport closed")
	}
}

func (f *flakyTransport) close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *flakyTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func TestDatagramRetransmit(t *testing.T) {
	srv := echoServer(t)
	transport := newFlakyTransport(func(record []byte) []byte {
		return srv.Dispatch(record, LocalAddr())
	}, 1)

	ch := NewDatagramChannel(transport, rpcauth.NoneAuth{}, testProg, testVers,
		WithRetransmit(100*time.Millisecond, 2*time.Second))
	defer func() { _ = ch.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := ch.Call(ctx, testProc, be32(0x2a), rpcauth.ProtectionNone)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if binary.BigEndian.Uint32(res) != 0x2a {
		t.Fatalf("unexpected result %x", res)
	}
	if got := transport.sendCount(); got != 2 {
		t.Fatalf("expected exactly 2 transmits, got %d", got)
	}
}

// seqAuth is a minimal sequenced flavor for transport tests: it encodes
// AUTH_NONE cred/verf so the in-process server accepts the call, but burns
// a fresh sequence number on every encode the way RPCSEC_GSS does.
type seqAuth struct {
	mu   sync.Mutex
	seqs []uint32
	next uint32
}

func (a *seqAuth) ValidateAuth(revalidate bool) (uint32, error) { return 1, nil }

func (a *seqAuth) ProcessCall(sink xdr.Sink, xid uint32, prog, vers, proc uint32, generation uint32, xargs []byte, protection rpcauth.ProtectionLevel, seq *uint32) (bool, error) {
	a.mu.Lock()
	a.next++
	s := a.next
	a.seqs = append(a.seqs, s)
	a.mu.Unlock()

	ok, err := rpcauth.NoneAuth{}.ProcessCall(sink, xid, prog, vers, proc, generation, xargs, protection, seq)
	*seq = s
	return ok, err
}

func (a *seqAuth) ProcessReply(dec *xdr.Decoder, verf rpcwire.OpaqueAuth, seq uint32, generation uint32, protection rpcauth.ProtectionLevel) ([]byte, bool, error) {
	return rpcauth.NoneAuth{}.ProcessReply(dec, verf, seq, generation, protection)
}

func (a *seqAuth) AuthError(generation uint32, stat rpcwire.AuthStat) bool { return false }

func (a *seqAuth) Sequenced() bool { return true }

// TestDatagramRetransmitSequencedReencodes pins the sequenced half of the
// retransmit rule: after a dropped datagram, the retry must go out as a
// fresh encode — new xid, new sequence number — never the original bytes,
// whose reply the server's replay window would silently discard.
func TestDatagramRetransmitSequencedReencodes(t *testing.T) {
	srv := echoServer(t)
	transport := newFlakyTransport(func(record []byte) []byte {
		return srv.Dispatch(record, LocalAddr())
	}, 1)

	auth := &seqAuth{}
	ch := NewDatagramChannel(transport, auth, testProg, testVers,
		WithRetransmit(100*time.Millisecond, 2*time.Second))
	defer func() { _ = ch.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := ch.Call(ctx, testProc, be32(0x2a), rpcauth.ProtectionNone)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if binary.BigEndian.Uint32(res) != 0x2a {
		t.Fatalf("unexpected result %x", res)
	}

	transport.mu.Lock()
	sends := transport.sends
	xids := append([]uint32(nil), transport.sentXIDs...)
	transport.mu.Unlock()
	if sends != 2 {
		t.Fatalf("expected exactly 2 transmits, got %d", sends)
	}
	if len(xids) != 2 || xids[0] == xids[1] {
		t.Fatalf("sequenced retransmit must use a fresh xid, got %v", xids)
	}
	auth.mu.Lock()
	seqs := append([]uint32(nil), auth.seqs...)
	auth.mu.Unlock()
	if len(seqs) != 2 || seqs[0] == seqs[1] {
		t.Fatalf("sequenced retransmit must burn a fresh seq, got %v", seqs)
	}
}

func TestDatagramTimeout(t *testing.T) {
	transport := newFlakyTransport(func([]byte) []byte { return nil }, 0)

	ch := NewDatagramChannel(transport, rpcauth.NoneAuth{}, testProg, testVers,
		WithRetransmit(20*time.Millisecond, 50*time.Millisecond))
	defer func() { _ = ch.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := ch.Call(ctx, testProc, be32(1), rpcauth.ProtectionNone)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Proc != testProc {
		t.Fatalf("TimeoutError names proc %d, want %d", te.Proc, testProc)
	}
}

func TestUnknownXIDReplyDropped(t *testing.T) {
	srv := echoServer(t)
	var injected sync.Once
	transport := newFlakyTransport(nil, 0)
	transport.dispatch = func(record []byte) []byte {
		// Precede the real reply with one for an xid nobody is waiting on;
		// the reader must drop it without disturbing the pending call.
		injected.Do(func() {
			bogus, err := rpcwire.MakeSuccessReply(0xdeadbeef, rpcwire.NullAuth, be32(99))
			if err != nil {
				t.Errorf("make bogus reply: %v", err)
				return
			}
			transport.replies <- bogus
		})
		return srv.Dispatch(record, LocalAddr())
	}

	ch := NewDatagramChannel(transport, rpcauth.NoneAuth{}, testProg, testVers)
	defer func() { _ = ch.Close() }()

	res, err := ch.Call(context.Background(), testProc, be32(5), rpcauth.ProtectionNone)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if binary.BigEndian.Uint32(res) != 5 {
		t.Fatalf("unexpected result %x", res)
	}
}

func TestCloseWakesPendingCall(t *testing.T) {
	transport := newFlakyTransport(func([]byte) []byte { return nil }, 0)
	ch := NewDatagramChannel(transport, rpcauth.NoneAuth{}, testProg, testVers,
		WithRetransmit(0, 0))

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), testProc, be32(1), rpcauth.ProtectionNone)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = ch.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected an error from a call interrupted by Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("call did not return after Close")
	}
}
