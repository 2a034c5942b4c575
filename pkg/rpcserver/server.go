package rpcserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/internal/logger"
	"github.com/oncrpcd/oncrpc/internal/telemetry"
	"github.com/oncrpcd/oncrpc/pkg/bufpool"
	"github.com/oncrpcd/oncrpc/pkg/gss"
	"github.com/oncrpcd/oncrpc/pkg/metrics"
	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
	"github.com/oncrpcd/oncrpc/pkg/rpcframe"
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// Config configures a Server.
type Config struct {
	// Addr is the "host:port" to listen on for both TCP and UDP.
	Addr string

	// Registry is the (prog, vers) service table to dispatch into.
	Registry *Registry

	// GSSProcessor enables RPCSEC_GSS when non-nil; calls carrying
	// AUTH_GSS credentials are rejected with AUTH_BADCRED otherwise.
	GSSProcessor *gss.GSSProcessor

	// UDPBufferSize bounds a single inbound datagram (spec's rendezvous
	// messages are tiny; large enough to also carry small data payloads).
	UDPBufferSize int

	// ConnReadTimeout bounds how long a TCP connection may sit idle
	// between frames before the server closes it.
	ConnReadTimeout time.Duration

	// Metrics records connection and dispatch observability. Nil disables
	// metrics collection with zero overhead.
	Metrics *metrics.ServerMetrics

	// RESTHandoff, when non-nil, receives TCP connections whose next bytes
	// spell an HTTP method instead of a record-marking header. Nil means
	// such connections are dropped (the bytes cannot be a valid fragment
	// header anyway, since all five method prefixes have the top bit clear
	// and decode as absurd fragment lengths).
	RESTHandoff RESTHandoff
}

// RESTHandoff takes over a connection that turned out to speak HTTP rather
// than record-framed RPC. ServeHTTPConn receives the four already-consumed
// sniff bytes along with the connection, must replay them to its parser,
// and blocks until the connection is done being served; the server closes
// conn after it returns.
type RESTHandoff interface {
	ServeHTTPConn(conn net.Conn, prefix []byte)
}

// httpMethodPrefix reports whether the four bytes that would be a fragment
// header spell the start of an HTTP/1.1 request line.
func httpMethodPrefix(b [4]byte) bool {
	switch string(b[:]) {
	case "GET ", "PUT ", "POST", "DELE", "HEAD":
		return true
	}
	return false
}

// Server implements the RPC dispatch algorithm over both a
// record-framed TCP listener and a one-packet-per-message UDP socket,
// mirroring the dual-transport shape every rendezvous and data service in
// this runtime needs.
type Server struct {
	cfg Config

	tcpListener net.Listener
	udpConn     *net.UDPConn

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer builds a Server from cfg. UDPBufferSize defaults to 65535 and
// ConnReadTimeout to 30s when zero.
func NewServer(cfg Config) *Server {
	if cfg.UDPBufferSize == 0 {
		cfg.UDPBufferSize = 65535
	}
	if cfg.ConnReadTimeout == 0 {
		cfg.ConnReadTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, shutdown: make(chan struct{})}
}

// Serve starts the TCP and UDP listeners and blocks until ctx is cancelled
// or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	tcpListener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen tcp %s: %w", s.cfg.Addr, err)
	}
	s.tcpListener = tcpListener

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		_ = s.tcpListener.Close()
		return fmt.Errorf("rpcserver: resolve udp %s: %w", s.cfg.Addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = s.tcpListener.Close()
		return fmt.Errorf("rpcserver: listen udp %s: %w", s.cfg.Addr, err)
	}
	s.udpConn = udpConn

	logger.Info("rpc server listening", logger.Addr(s.cfg.Addr))

	s.wg.Add(2)
	go s.serveTCP()
	go s.serveUDP()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	s.wg.Wait()
	return nil
}

// Stop gracefully shuts the server down. Safe to call multiple times.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.tcpListener != nil {
			_ = s.tcpListener.Close()
		}
		if s.udpConn != nil {
			_ = s.udpConn.Close()
		}
	})
}

// Addr returns the TCP listener's address, for tests that bind an
// ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

func (s *Server) serveTCP() {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("rpc server: accept error", logger.Err(err))
				return
			}
		}
		s.cfg.Metrics.RecordConnectionAccepted()
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.serveConn(c)
		}(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	defer s.cfg.Metrics.RecordConnectionClosed()
	peer := conn.RemoteAddr()
	w := rpcframe.NewWriter(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ConnReadTimeout)); err != nil {
			return
		}

		// Read what should be the next fragment header ourselves so the
		// bytes can be sniffed first: a fresh fragment starting with an
		// HTTP method means this connection wants the REST surface, not
		// record-framed RPC.
		var hdr [4]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		if httpMethodPrefix(hdr) {
			if s.cfg.RESTHandoff == nil {
				logger.Debug("rpc server: http request on rpc port dropped", logger.Peer(peerString(peer)))
				return
			}
			_ = conn.SetReadDeadline(time.Time{})
			s.cfg.RESTHandoff.ServeHTTPConn(conn, hdr[:])
			return
		}

		r := rpcframe.NewReader(io.MultiReader(bytes.NewReader(hdr[:]), conn))
		record, err := r.ReadRecord()
		if err != nil {
			return
		}

		reply := s.dispatch(record, peer)
		bufpool.Put(record)
		if reply == nil {
			continue
		}
		if err := w.WriteRecord(reply); err != nil {
			logger.Debug("rpc server: write reply error", logger.Peer(peerString(peer)), logger.Err(err))
			return
		}
	}
}

func (s *Server) serveUDP() {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.UDPBufferSize)

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if err := s.udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			continue
		}
		n, peer, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("rpc server: udp read error", logger.Err(err))
				continue
			}
		}

		msg := bufpool.Get(n)
		copy(msg, buf[:n])

		reply := s.dispatch(msg[:n], peer)
		bufpool.Put(msg)
		if reply == nil {
			continue
		}
		if _, err := s.udpConn.WriteToUDP(reply, peer); err != nil {
			logger.Debug("rpc server: udp write error", logger.Peer(peer.String()), logger.Err(err))
		}
	}
}

// Dispatch runs one already-deframed record through the dispatch algorithm
// and returns the unframed reply, or nil when the message must be silently
// dropped. It is the entry point in-process (local) transports use in place
// of a socket listener: pair it with channel.ServeLocal.
func (s *Server) Dispatch(record []byte, peer net.Addr) []byte {
	return s.dispatch(record, peer)
}

// dispatch runs one deframed record through the dispatch algorithm and
// returns the unframed reply body, or nil when the message must be
// silently dropped (not a CALL, or an RPCSEC_GSS sequence-window miss per
// RFC 2203 §5.3.3.1).
func (s *Server) dispatch(record []byte, peer net.Addr) []byte {
	dec := xdr.NewDecoder(xdr.NewSliceSource(record))
	xid, err := dec.GetWord()
	if err != nil {
		return nil
	}
	mtype, err := rpcwire.DecodeMsgType(dec)
	if err != nil || mtype != rpcwire.Call {
		return nil
	}

	call, err := rpcwire.DecodeCall(dec, xid)
	if err != nil {
		return nil
	}

	if call.Body.RPCVersion != rpcwire.RPCVersion {
		return replyOrNil(rpcwire.MakeRPCMismatchReply(xid, rpcwire.RPCVersion, rpcwire.RPCVersion))
	}

	argsBytes, err := dec.GetFixedOpaque(dec.Remaining())
	if err != nil {
		return replyOrNil(rpcwire.MakeGarbageArgsReply(xid))
	}

	return s.dispatchAuthenticated(call, argsBytes, peer)
}

func (s *Server) dispatchAuthenticated(call *rpcwire.CallMessage, argsBytes []byte, peer net.Addr) []byte {
	switch call.Body.Cred.Flavor {
	case rpcwire.AuthNone:
		return s.dispatchProcedure(call, argsBytes, peer, &rpcauth.Identity{Anonymous: true}, rpcauth.ProtectionNone, rpcwire.NullAuth, nil)

	case rpcwire.AuthSys:
		unix, err := rpcwire.ParseUnixAuth(call.Body.Cred.Body)
		if err != nil {
			return replyOrNil(rpcwire.MakeAuthErrorReply(call.XID, rpcwire.AuthBadCred))
		}
		uid, gid := unix.UID, unix.GID
		identity := &rpcauth.Identity{UID: &uid, GID: &gid, GIDs: unix.GIDs, Username: unix.MachineName}
		return s.dispatchProcedure(call, argsBytes, peer, identity, rpcauth.ProtectionNone, rpcwire.NullAuth, nil)

	case rpcwire.AuthGSS:
		return s.dispatchGSS(call, argsBytes, peer)

	default:
		return replyOrNil(rpcwire.MakeAuthErrorReply(call.XID, rpcwire.AuthBadCred))
	}
}

func (s *Server) dispatchGSS(call *rpcwire.CallMessage, argsBytes []byte, peer net.Addr) []byte {
	if s.cfg.GSSProcessor == nil {
		return replyOrNil(rpcwire.MakeAuthErrorReply(call.XID, rpcwire.AuthBadCred))
	}

	result := s.cfg.GSSProcessor.Process(call.Body.Cred.Body, call.Body.Verf.Body, argsBytes)
	if result.SilentDiscard {
		return nil
	}

	if result.IsControl {
		if result.GSSReply == nil {
			logger.Debug("rpc server: gss control failure", logger.Peer(peerString(peer)), logger.Err(result.Err))
			stat := rpcwire.AuthStat(result.AuthStat)
			if stat == rpcwire.AuthStatOK {
				stat = rpcwire.AuthBadCred
			}
			return replyOrNil(rpcwire.MakeAuthErrorReply(call.XID, stat))
		}

		verf := rpcwire.NullAuth
		if hasSessionKey(result.SessionKey) {
			mic, err := gss.ComputeInitVerifier(result.SessionKey, gss.DefaultSeqWindowSize, result.HasAcceptorSubkey)
			if err == nil {
				verf = gss.WrapReplyVerifier(mic)
			}
		}
		reply, err := rpcwire.MakeSuccessReply(call.XID, verf, result.GSSReply)
		if err != nil {
			return nil
		}
		return reply
	}

	if result.Err != nil {
		logger.Debug("rpc server: gss data failure", logger.Peer(peerString(peer)), logger.Err(result.Err))
		stat := rpcwire.AuthStat(result.AuthStat)
		if stat == rpcwire.AuthStatOK {
			stat = rpcwire.AuthBadCred
		}
		return replyOrNil(rpcwire.MakeAuthErrorReply(call.XID, stat))
	}

	protection := protectionForService(result.Service)
	replyVerf := func(resultBytes []byte) (rpcwire.OpaqueAuth, []byte, error) {
		mic, err := gss.ComputeReplyVerifier(result.SessionKey, result.SeqNum)
		if err != nil {
			return rpcwire.OpaqueAuth{}, nil, err
		}
		verf := gss.WrapReplyVerifier(mic)
		switch protection {
		case rpcauth.ProtectionPrivacy:
			body, err := gss.WrapPrivacy(result.SessionKey, result.SeqNum, resultBytes)
			return verf, body, err
		case rpcauth.ProtectionIntegrity:
			body, err := gss.WrapIntegrity(result.SessionKey, result.SeqNum, resultBytes)
			return verf, body, err
		default:
			return verf, resultBytes, nil
		}
	}

	return s.dispatchProcedure(call, result.ProcessedData, peer, result.Identity, protection, rpcwire.OpaqueAuth{}, replyVerf)
}

// dispatchProcedure is the terminal dispatch step: look up (prog, vers,
// proc) and
// invoke its handler, or synthesize the matching protocol-error reply.
// replyWrap, when non-nil, computes the final verf/body from the handler's
// raw result bytes (used for RPCSEC_GSS's verifier + integrity/privacy
// wrap); when nil, verf is used as-is and the body is unwrapped.
func (s *Server) dispatchProcedure(call *rpcwire.CallMessage, argsBytes []byte, peer net.Addr, identity *rpcauth.Identity, protection rpcauth.ProtectionLevel, verf rpcwire.OpaqueAuth, replyWrap func([]byte) (rpcwire.OpaqueAuth, []byte, error)) []byte {
	start := time.Now()
	status := "system_err"
	_, span := telemetry.StartDispatchSpan(context.Background(),
		call.Body.Prog, call.Body.Vers, call.Body.Proc, peerString(peer),
		telemetry.RPCXID(call.XID), telemetry.AuthFlavor(call.Body.Cred.Flavor.String()))
	defer func() {
		span.SetAttributes(telemetry.RPCStatus(status))
		span.End()
		s.cfg.Metrics.RecordRequest(call.Body.Prog, call.Body.Proc, status, time.Since(start))
	}()

	entry, outcome, low, high := s.cfg.Registry.lookup(call.Body.Prog, call.Body.Vers)
	switch outcome {
	case lookupProgUnavail:
		status = "prog_unavail"
		return replyOrNil(rpcwire.MakeProgUnavailReply(call.XID))
	case lookupProgMismatch:
		status = "prog_mismatch"
		return replyOrNil(rpcwire.MakeProgMismatchReply(call.XID, low, high))
	}

	handler, ok := entry.Procs[call.Body.Proc]
	if !ok {
		status = "proc_unavail"
		return replyOrNil(rpcwire.MakeProcUnavailReply(call.XID))
	}

	dec := xdr.NewDecoder(xdr.NewSliceSource(argsBytes))
	ctx := newCallContext(call.XID, call.Body.Prog, call.Body.Vers, call.Body.Proc, peer, identity, protection, dec)

	if err := handler(ctx); err != nil {
		logger.Debug("rpc server: handler error", logger.XID(call.XID), logger.Prog(call.Body.Prog), logger.Proc(call.Body.Proc), logger.Peer(peerString(peer)), logger.Err(err))
		if !ctx.replied {
			ctx.SystemErr()
		}
	}
	<-ctx.done

	if ctx.outcome != outcomeSuccess {
		status = acceptStatLabel(ctx.acceptStat())
		return replyOrNil(buildErrorReply(call.XID, ctx.acceptStat()))
	}

	resultBytes := ctx.resultBytes()
	if replyWrap != nil {
		var err error
		verf, resultBytes, err = replyWrap(resultBytes)
		if err != nil {
			return replyOrNil(rpcwire.MakeSystemErrReply(call.XID))
		}
	}

	reply, err := rpcwire.MakeSuccessReply(call.XID, verf, resultBytes)
	if err != nil {
		return nil
	}
	status = "success"
	s.cfg.Metrics.RecordBytes("write", "rpc", len(reply))
	return reply
}

func acceptStatLabel(stat rpcwire.AcceptStat) string {
	switch stat {
	case rpcwire.ProcUnavail:
		return "proc_unavail"
	case rpcwire.GarbageArgs:
		return "garbage_args"
	default:
		return "system_err"
	}
}

func buildErrorReply(xid uint32, stat rpcwire.AcceptStat) ([]byte, error) {
	switch stat {
	case rpcwire.ProcUnavail:
		return rpcwire.MakeProcUnavailReply(xid)
	case rpcwire.GarbageArgs:
		return rpcwire.MakeGarbageArgsReply(xid)
	default:
		return rpcwire.MakeSystemErrReply(xid)
	}
}

func peerString(peer net.Addr) string {
	if peer == nil {
		return ""
	}
	return peer.String()
}

func replyOrNil(reply []byte, err error) []byte {
	if err != nil {
		return nil
	}
	return reply
}

func protectionForService(service uint32) rpcauth.ProtectionLevel {
	switch service {
	case gss.RPCGSSSvcPrivacy:
		return rpcauth.ProtectionPrivacy
	case gss.RPCGSSSvcIntegrity:
		return rpcauth.ProtectionIntegrity
	default:
		return rpcauth.ProtectionNone
	}
}

func hasSessionKey(k types.EncryptionKey) bool {
	return len(k.KeyValue) > 0
}
