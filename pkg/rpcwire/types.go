// Package rpcwire implements the ONC-RPC v2 (RFC 5531) message data model:
// call and reply headers, the opaque_auth envelope, and the accepted/denied
// reply sum type, encoded and decoded atop pkg/xdr.
package rpcwire

// MsgType discriminates the top-level RPC message.
type MsgType uint32

const (
	Call  MsgType = 0
	Reply MsgType = 1
)

// RPCVersion is the only rpc_vers this runtime speaks.
const RPCVersion uint32 = 2

// AuthFlavor identifies the credential/verifier mechanism carried in an
// OpaqueAuth.
type AuthFlavor uint32

const (
	AuthNone  AuthFlavor = 0
	AuthSys   AuthFlavor = 1
	AuthShort AuthFlavor = 2
	AuthDES   AuthFlavor = 3
	AuthGSS   AuthFlavor = 6
)

func (f AuthFlavor) String() string {
	switch f {
	case AuthNone:
		return "AUTH_NONE"
	case AuthSys:
		return "AUTH_SYS"
	case AuthShort:
		return "AUTH_SHORT"
	case AuthDES:
		return "AUTH_DES"
	case AuthGSS:
		return "RPCSEC_GSS"
	default:
		return "AUTH_UNKNOWN"
	}
}

// MaxAuthBodyLen bounds opaque_auth.body per RFC 5531 section 8.2.
const MaxAuthBodyLen = 400

// OpaqueAuth is the opaque_auth structure: a flavor tag plus an
// opaquely-typed body capped at MaxAuthBodyLen bytes.
type OpaqueAuth struct {
	Flavor AuthFlavor
	Body   []byte
}

// NullAuth is the zero-body AUTH_NONE credential/verifier used whenever no
// stronger authentication is configured.
var NullAuth = OpaqueAuth{Flavor: AuthNone}

// ReplyStat discriminates the reply_body sum type.
type ReplyStat uint32

const (
	MsgAccepted ReplyStat = 0
	MsgDenied   ReplyStat = 1
)

// AcceptStat is the accept_stat of an accepted reply.
type AcceptStat uint32

const (
	Success      AcceptStat = 0
	ProgUnavail  AcceptStat = 1
	ProgMismatch AcceptStat = 2
	ProcUnavail  AcceptStat = 3
	GarbageArgs  AcceptStat = 4
	SystemErr    AcceptStat = 5
)

func (s AcceptStat) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case ProgUnavail:
		return "PROG_UNAVAIL"
	case ProgMismatch:
		return "PROG_MISMATCH"
	case ProcUnavail:
		return "PROC_UNAVAIL"
	case GarbageArgs:
		return "GARBAGE_ARGS"
	case SystemErr:
		return "SYSTEM_ERR"
	default:
		return "ACCEPT_STAT_UNKNOWN"
	}
}

// RejectStat is the reject_stat of a denied reply.
type RejectStat uint32

const (
	RPCMismatch RejectStat = 0
	AuthError   RejectStat = 1
)

// AuthStat is the auth_stat carried by an AUTH_ERROR denial.
type AuthStat uint32

const (
	AuthStatOK               AuthStat = 0
	AuthBadCred              AuthStat = 1
	AuthRejectedCred         AuthStat = 2
	AuthBadVerf              AuthStat = 3
	AuthRejectedVerf         AuthStat = 4
	AuthTooWeak              AuthStat = 5
	AuthInvalidResp          AuthStat = 6
	AuthFailed               AuthStat = 7
	RPCSecGSSCredProblem     AuthStat = 13
	RPCSecGSSCtxProblem      AuthStat = 14
)

// MismatchInfo carries the [low, high] version range of a PROG_MISMATCH
// accepted reply or an RPC_MISMATCH denied reply.
type MismatchInfo struct {
	Low  uint32
	High uint32
}

// CallBody is the body of a CALL message.
type CallBody struct {
	RPCVersion uint32
	Prog       uint32
	Vers       uint32
	Proc       uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// CallMessage is a full RPC CALL message: transaction id plus body.
type CallMessage struct {
	XID  uint32
	Body CallBody
}

// ReplyBody is the reply_body sum type. Exactly one of the accepted or
// denied arms is populated, selected by Stat.
type ReplyBody struct {
	Stat ReplyStat

	// Populated when Stat == MsgAccepted.
	Verf         OpaqueAuth
	AcceptStat   AcceptStat
	MismatchInfo MismatchInfo // valid only when AcceptStat == ProgMismatch

	// Populated when Stat == MsgDenied.
	RejectStat      RejectStat
	RPCMismatchInfo MismatchInfo // valid only when RejectStat == RPCMismatch
	AuthStat        AuthStat     // valid only when RejectStat == AuthError
}

// ReplyMessage is a full RPC REPLY message.
type ReplyMessage struct {
	XID  uint32
	Body ReplyBody
}
