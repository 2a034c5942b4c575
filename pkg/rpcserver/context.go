package rpcserver

import (
	"net"

	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// outcomeKind discriminates how a call was finally answered, so the
// dispatcher building the framed reply knows which Make*Reply constructor
// to use once the handler (or the dispatcher itself) has decided.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeProcUnavail
	outcomeGarbageArgs
	outcomeSystemErr
)

// CallContext carries one inbound call's source, decoded arguments, and
// resolved identity to its procedure handler, and collects the handler's
// reply. The source and reply plumbing live on the context so handlers
// can defer replies to other goroutines.
type CallContext struct {
	XID        uint32
	Prog       uint32
	Vers       uint32
	Proc       uint32
	PeerAddr   net.Addr
	Identity   *rpcauth.Identity
	Protection rpcauth.ProtectionLevel

	// Args decodes the procedure's XDR-encoded arguments (already past the
	// call header and any GSS unwrap).
	Args *xdr.Decoder

	resultSink xdr.Sink
	outcome    outcomeKind
	replied    bool
	done       chan struct{}
}

func newCallContext(xid, prog, vers, proc uint32, peer net.Addr, identity *rpcauth.Identity, protection rpcauth.ProtectionLevel, args *xdr.Decoder) *CallContext {
	return &CallContext{
		XID:        xid,
		Prog:       prog,
		Vers:       vers,
		Proc:       proc,
		PeerAddr:   peer,
		Identity:   identity,
		Protection: protection,
		Args:       args,
		resultSink: xdr.NewSliceSink(0),
		done:       make(chan struct{}),
	}
}

// Result returns an Encoder over the context's result sink for a handler to
// write its procedure-specific reply into.
func (c *CallContext) Result() *xdr.Encoder {
	return xdr.NewEncoder(c.resultSink)
}

// Reply marks the call as answered with SUCCESS, the body already written
// via Result(). Safe to call from a goroutine other than the one that ran
// the handler, enabling deferred/thread-pool dispatch.
func (c *CallContext) Reply() {
	c.finish(outcomeSuccess)
}

// ProcUnavail marks the call PROC_UNAVAIL — used by a handler that turns
// out not to support a sub-operation the registry couldn't distinguish at
// lookup time.
func (c *CallContext) ProcUnavail() {
	c.finish(outcomeProcUnavail)
}

// GarbageArgs marks the call GARBAGE_ARGS, the reply for a handler whose
// argument decoding failed.
func (c *CallContext) GarbageArgs() {
	c.finish(outcomeGarbageArgs)
}

// SystemErr marks the call SYSTEM_ERR, for handler-side failures unrelated
// to argument decoding.
func (c *CallContext) SystemErr() {
	c.finish(outcomeSystemErr)
}

func (c *CallContext) finish(kind outcomeKind) {
	if c.replied {
		return
	}
	c.replied = true
	c.outcome = kind
	close(c.done)
}

func (c *CallContext) resultBytes() []byte {
	return c.resultSink.(interface{ Bytes() []byte }).Bytes()
}

// acceptStat maps the context's outcome to the wire accept_stat once a
// reply has been produced.
func (c *CallContext) acceptStat() rpcwire.AcceptStat {
	switch c.outcome {
	case outcomeProcUnavail:
		return rpcwire.ProcUnavail
	case outcomeGarbageArgs:
		return rpcwire.GarbageArgs
	case outcomeSystemErr:
		return rpcwire.SystemErr
	default:
		return rpcwire.Success
	}
}
