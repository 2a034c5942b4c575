package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. The rpc.* keys follow the OpenTelemetry RPC semantic
// conventions where one exists; ONC-RPC specifics (xid, auth flavor, GSS
// sequence) use the same prefix since they are meaningless outside an RPC
// span.
const (
	AttrRPCSystem  = "rpc.system"  // always "oncrpc"
	AttrRPCProg    = "rpc.program" // program number
	AttrRPCVers    = "rpc.version" // program version
	AttrRPCProc    = "rpc.procedure"
	AttrRPCXID     = "rpc.xid"
	AttrRPCNetid   = "rpc.netid" // tcp, udp, local
	AttrRPCStatus  = "rpc.accept_stat"
	AttrAuthFlavor = "rpc.auth_flavor" // AUTH_NONE, AUTH_SYS, RPCSEC_GSS

	AttrGSSSeq     = "rpc.gss.seq_num"
	AttrGSSService = "rpc.gss.service" // none, integrity, privacy
	AttrGSSHandle  = "rpc.gss.handle"  // server context handle, hex

	AttrPeerAddr = "network.peer.address"

	AttrUID       = "rpc.caller.uid"
	AttrGID       = "rpc.caller.gid"
	AttrPrincipal = "rpc.caller.principal"
)

// Span names. Client-side spans live under channel.*, server-side dispatch
// under rpc.*, context establishment under gss.*, and the rendezvous
// procedures under their protocol names.
const (
	SpanChannelCall      = "channel.call"
	SpanChannelReconnect = "channel.reconnect"
	SpanDispatch         = "rpc.dispatch"
	SpanGSSInit          = "gss.init"
	SpanGSSDestroy       = "gss.destroy"

	SpanPortmapGetport = "portmap.GETPORT"
	SpanPortmapDump    = "portmap.DUMP"
	SpanRpcbindGetaddr = "rpcbind.GETADDR"
)

// RPCProg returns the program-number attribute.
func RPCProg(prog uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCProg, int64(prog))
}

// RPCVers returns the program-version attribute.
func RPCVers(vers uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCVers, int64(vers))
}

// RPCProc returns the procedure-number attribute.
func RPCProc(proc uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCProc, int64(proc))
}

// RPCXID returns the transaction-id attribute, rendered as hex the way it
// reads in packet captures.
func RPCXID(xid uint32) attribute.KeyValue {
	return attribute.String(AttrRPCXID, fmt.Sprintf("%08x", xid))
}

// RPCNetid returns the transport-netid attribute.
func RPCNetid(netid string) attribute.KeyValue {
	return attribute.String(AttrRPCNetid, netid)
}

// RPCStatus returns the accept_stat attribute for a completed dispatch.
func RPCStatus(stat string) attribute.KeyValue {
	return attribute.String(AttrRPCStatus, stat)
}

// AuthFlavor returns the auth-flavor attribute.
func AuthFlavor(flavor string) attribute.KeyValue {
	return attribute.String(AttrAuthFlavor, flavor)
}

// GSSSeq returns the RPCSEC_GSS sequence-number attribute.
func GSSSeq(seq uint32) attribute.KeyValue {
	return attribute.Int64(AttrGSSSeq, int64(seq))
}

// GSSService returns the protection-service attribute.
func GSSService(service string) attribute.KeyValue {
	return attribute.String(AttrGSSService, service)
}

// GSSHandle returns the context-handle attribute in hex.
func GSSHandle(handle []byte) attribute.KeyValue {
	return attribute.String(AttrGSSHandle, fmt.Sprintf("%x", handle))
}

// PeerAddr returns the remote-endpoint attribute.
func PeerAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrPeerAddr, addr)
}

// UID returns the resolved caller-uid attribute.
func UID(uid uint32) attribute.KeyValue {
	return attribute.Int64(AttrUID, int64(uid))
}

// GID returns the resolved caller-gid attribute.
func GID(gid uint32) attribute.KeyValue {
	return attribute.Int64(AttrGID, int64(gid))
}

// Principal returns the Kerberos-principal attribute.
func Principal(name string) attribute.KeyValue {
	return attribute.String(AttrPrincipal, name)
}

// rpcSystem tags every span from this runtime.
var rpcSystem = attribute.String(AttrRPCSystem, "oncrpc")

// StartCallSpan opens the client-side span around one Channel.Call.
func StartCallSpan(ctx context.Context, prog, vers, proc uint32, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{rpcSystem, RPCProg(prog), RPCVers(vers), RPCProc(proc)}, attrs...)
	return StartSpan(ctx, SpanChannelCall, trace.WithAttributes(all...))
}

// StartDispatchSpan opens the server-side span around one dispatched call.
func StartDispatchSpan(ctx context.Context, prog, vers, proc uint32, peer string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{rpcSystem, RPCProg(prog), RPCVers(vers), RPCProc(proc), PeerAddr(peer)}, attrs...)
	return StartSpan(ctx, SpanDispatch, trace.WithAttributes(all...))
}

// StartGSSSpan opens a span around RPCSEC_GSS context establishment or
// teardown; name is SpanGSSInit or SpanGSSDestroy.
func StartGSSSpan(ctx context.Context, name string, handle []byte, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := []attribute.KeyValue{rpcSystem}
	if len(handle) > 0 {
		all = append(all, GSSHandle(handle))
	}
	all = append(all, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}
