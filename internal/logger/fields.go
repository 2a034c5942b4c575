package logger

import (
	"fmt"
	"log/slog"
)

// Field keys. Every log statement in the runtime uses these names so one
// grep or log query follows a call across the channel, the dispatcher, and
// the GSS layer. The call-identity keys (xid through peer) are the ones the
// text handler promotes to the front of each line.
const (
	KeyXID   = "xid"
	KeyProg  = "prog"
	KeyVers  = "vers"
	KeyProc  = "proc"
	KeyNetid = "netid" // tcp, udp, local
	KeyPeer  = "peer"

	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	KeyAuth      = "auth" // flavor name: AUTH_NONE, AUTH_SYS, RPCSEC_GSS
	KeyUID       = "uid"
	KeyGID       = "gid"
	KeyPrincipal = "principal"
	KeyRealm     = "realm"

	KeySeq        = "seq"         // RPCSEC_GSS sequence number
	KeyGSSHandle  = "gss_handle"  // server context handle, hex
	KeyGSSService = "gss_service" // none, integrity, privacy

	KeyStatus      = "status" // accept_stat / reject_stat label
	KeyRecordBytes = "record_bytes"
	KeyDurationMs  = "duration_ms"
	KeyError       = "error"
	KeyAttempt     = "attempt"    // retransmit attempt counter
	KeyBackoffMs   = "backoff_ms" // current retransmit interval
	KeyAddr        = "addr"       // listen or dial address
)

// XID renders a transaction id in hex, the way it reads next to a packet
// capture.
func XID(xid uint32) slog.Attr {
	return slog.String(KeyXID, fmt.Sprintf("%08x", xid))
}

// Prog is the RPC program number.
func Prog(prog uint32) slog.Attr {
	return slog.Uint64(KeyProg, uint64(prog))
}

// Vers is the RPC program version.
func Vers(vers uint32) slog.Attr {
	return slog.Uint64(KeyVers, uint64(vers))
}

// Proc is the RPC procedure number.
func Proc(proc uint32) slog.Attr {
	return slog.Uint64(KeyProc, uint64(proc))
}

// Netid is the transport name: tcp, udp, local.
func Netid(netid string) slog.Attr {
	return slog.String(KeyNetid, netid)
}

// Peer is the remote address.
func Peer(addr string) slog.Attr {
	return slog.String(KeyPeer, addr)
}

// TraceID correlates with the exported trace.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID correlates with the exported span.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// AuthFlavor is the wire auth flavor name.
func AuthFlavor(flavor string) slog.Attr {
	return slog.String(KeyAuth, flavor)
}

// UID is the resolved caller uid.
func UID(uid uint32) slog.Attr {
	return slog.Uint64(KeyUID, uint64(uid))
}

// GID is the resolved caller gid.
func GID(gid uint32) slog.Attr {
	return slog.Uint64(KeyGID, uint64(gid))
}

// Principal is the authenticated Kerberos principal.
func Principal(name string) slog.Attr {
	return slog.String(KeyPrincipal, name)
}

// Realm is the Kerberos realm.
func Realm(realm string) slog.Attr {
	return slog.String(KeyRealm, realm)
}

// Seq is an RPCSEC_GSS sequence number.
func Seq(seq uint32) slog.Attr {
	return slog.Uint64(KeySeq, uint64(seq))
}

// GSSHandle renders a server context handle in hex.
func GSSHandle(handle []byte) slog.Attr {
	return slog.String(KeyGSSHandle, fmt.Sprintf("%x", handle))
}

// GSSService is the protection service: none, integrity, privacy.
func GSSService(service string) slog.Attr {
	return slog.String(KeyGSSService, service)
}

// Status is the reply status label (success, prog_unavail, ...).
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// RecordBytes is the size of a sent or received record.
func RecordBytes(n int) slog.Attr {
	return slog.Int(KeyRecordBytes, n)
}

// DurationMs is elapsed milliseconds for a completed operation.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err wraps an error value; a nil error yields an empty attr the handlers
// skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt is a retransmit attempt counter.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// BackoffMs is the current retransmit interval.
func BackoffMs(ms int64) slog.Attr {
	return slog.Int64(KeyBackoffMs, ms)
}

// Addr is a listen or dial address.
func Addr(addr string) slog.Attr {
	return slog.String(KeyAddr, addr)
}
