package channel

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oncrpcd/oncrpc/pkg/bufpool"
	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
	"github.com/oncrpcd/oncrpc/pkg/rpcframe"
)

// flakeyEchoListener accepts TCP connections and serves record-framed echo
// replies, except that it closes the first dropConns connections right
// after reading their first record, before replying — the shape of a server
// crash mid-call.
func flakeyEchoListener(t *testing.T, dropConns int32) (addr string, dials *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := echoServer(t)
	var accepted int32

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := atomic.AddInt32(&accepted, 1)
			go func(conn net.Conn, dropAfterRead bool) {
				defer func() { _ = conn.Close() }()
				r := rpcframe.NewReader(conn)
				w := rpcframe.NewWriter(conn)
				for {
					record, err := r.ReadRecord()
					if err != nil {
						return
					}
					if dropAfterRead {
						bufpool.Put(record)
						return
					}
					reply := srv.Dispatch(record, conn.RemoteAddr())
					bufpool.Put(record)
					if reply == nil {
						continue
					}
					if err := w.WriteRecord(reply); err != nil {
						return
					}
				}
			}(conn, n <= dropConns)
		}
	}()

	return ln.Addr().String(), &accepted
}

func TestReconnectResendsAfterServerClose(t *testing.T) {
	addr, dials := flakeyEchoListener(t, 1)

	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}

	rc, err := NewReconnectChannel(context.Background(), dial, rpcauth.NoneAuth{},
		testProg, testVers, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewReconnectChannel: %v", err)
	}
	defer func() { _ = rc.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := rc.Call(ctx, testProc, be32(0x2a), rpcauth.ProtectionNone)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if binary.BigEndian.Uint32(res) != 0x2a {
		t.Fatalf("unexpected result %x", res)
	}
	if got := atomic.LoadInt32(dials); got != 2 {
		t.Fatalf("expected exactly 2 connections (1 dropped + 1 served), got %d", got)
	}
}

func TestReconnectSurfacesRPCRejects(t *testing.T) {
	addr, dials := flakeyEchoListener(t, 0)

	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}

	// Wrong version: the server's PROG_MISMATCH must surface instead of
	// triggering an endless redial loop.
	rc, err := NewReconnectChannel(context.Background(), dial, rpcauth.NoneAuth{},
		testProg, 9, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewReconnectChannel: %v", err)
	}
	defer func() { _ = rc.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = rc.Call(ctx, 0, nil, rpcauth.ProtectionNone)
	if _, ok := err.(*VersionMismatchError); !ok {
		t.Fatalf("expected VersionMismatchError, got %v", err)
	}
	if got := atomic.LoadInt32(dials); got != 1 {
		t.Fatalf("an RPC-level rejection must not redial: %d connections", got)
	}
}
