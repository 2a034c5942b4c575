package rpcauth

import (
	"fmt"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"

	"github.com/oncrpcd/oncrpc/pkg/gss"
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// InitTransport performs the synchronous proc-0 call RPCSEC_GSS context
// establishment rides on: RFC 2203 §5.2.2 carries each mechanism token as
// the args of a proc-0 call to the RPC server. The channel (pkg/channel)
// implements this for GssAuth.
type InitTransport interface {
	// CallInit sends a proc-0 call carrying cred and the XDR-encoded
	// rpc_gss_init_arg body argBody, and returns the accepted reply's
	// result body and verifier.
	CallInit(prog, vers uint32, cred rpcwire.OpaqueAuth, argBody []byte) (resultBody []byte, verf rpcwire.OpaqueAuth, err error)
}

// GssAuth implements Auth with the RPCSEC_GSS v1 flavor over the Kerberos
// v5 mechanism (RFC 2203). It drives context establishment through an
// InitTransport and, once established, produces per-call cred/verf/body
// protected at the level each call requests.
type GssAuth struct {
	krbClient  *client.Client
	spn        string
	prog, vers uint32
	mutualAuth bool
	transport  InitTransport

	mu          sync.Mutex
	established bool
	generation  uint32
	handle      []byte
	seqWindow   uint32
	seqCounter  uint32
	initCtx     *gss.InitiatorContext
}

var _ Auth = (*GssAuth)(nil)

// NewGssAuth builds a GssAuth that establishes RPCSEC_GSS contexts against
// service principal spn on (prog, vers), using krbClient's credentials.
// mutualAuth requests and verifies the server's AP-REP. transport may be nil
// at construction time and supplied later via SetTransport — the channel
// that will carry this GssAuth's calls usually doesn't exist yet when the
// auth itself is being built.
func NewGssAuth(krbClient *client.Client, spn string, prog, vers uint32, mutualAuth bool, transport InitTransport) *GssAuth {
	return &GssAuth{
		krbClient:  krbClient,
		spn:        spn,
		prog:       prog,
		vers:       vers,
		mutualAuth: mutualAuth,
		transport:  transport,
	}
}

// SetTransport wires the InitTransport a GssAuth rides its proc-0 context
// establishment call on, once that transport (typically the pkg/channel
// Channel this GssAuth itself authenticates) has been constructed.
func (a *GssAuth) SetTransport(transport InitTransport) {
	a.mu.Lock()
	a.transport = transport
	a.mu.Unlock()
}

// ValidateAuth (re)establishes the GSS context when none exists or
// revalidate is set, krb5's AP-REQ/AP-REP exchange being a single round
// trip: the server either completes the context on this call or rejects
// it, so there is no CONTINUE_INIT loop to drive here.
func (a *GssAuth) ValidateAuth(revalidate bool) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.established && !revalidate {
		return a.generation, nil
	}

	initArg, initCtx, err := gss.NewInitiatorContext(a.krbClient, a.spn, a.mutualAuth)
	if err != nil {
		return 0, fmt.Errorf("rpcauth: build gss init token: %w", err)
	}
	argBody, err := gss.EncodeInitArg(initArg)
	if err != nil {
		return 0, err
	}

	cred := gss.RPCGSSCredV1{GSSProc: gss.RPCGSSInit, SeqNum: 0, Service: gss.RPCGSSSvcNone}
	credBody, err := gss.EncodeGSSCred(&cred)
	if err != nil {
		return 0, err
	}

	resultBody, verf, err := a.transport.CallInit(a.prog, a.vers, rpcwire.OpaqueAuth{Flavor: rpcwire.AuthGSS, Body: credBody}, argBody)
	if err != nil {
		return 0, fmt.Errorf("rpcauth: gss init call: %w", err)
	}
	res, err := gss.DecodeGSSInitRes(resultBody)
	if err != nil {
		return 0, fmt.Errorf("rpcauth: decode gss init reply: %w", err)
	}
	if res.GSSMajor != gss.GSSComplete {
		return 0, fmt.Errorf("rpcauth: gss context establishment failed: major=%d minor=%d", res.GSSMajor, res.GSSMinor)
	}

	if a.mutualAuth && len(res.GSSToken) > 0 {
		if err := initCtx.VerifyAPRep(res.GSSToken); err != nil {
			return 0, fmt.Errorf("rpcauth: verify ap-rep: %w", err)
		}
	}

	if verf.Flavor != rpcwire.AuthGSS {
		return 0, fmt.Errorf("rpcauth: gss init reply carries non-gss verf (flavor=%s)", verf.Flavor)
	}
	if err := initCtx.VerifyReplyVerifier(res.SeqWindow, verf.Body); err != nil {
		return 0, fmt.Errorf("rpcauth: gss init verifier: %w", err)
	}

	a.handle = res.Handle
	a.seqWindow = res.SeqWindow
	a.initCtx = initCtx
	a.seqCounter = 0
	a.established = true
	a.generation++
	return a.generation, nil
}

// ProcessCall writes the call header, an RPCSEC_GSS cred/verf pair, and the
// args protected per protection. Returns false when no established context
// matches generation — the caller must re-run ValidateAuth.
func (a *GssAuth) ProcessCall(sink xdr.Sink, xid uint32, prog, vers, proc uint32, generation uint32, xargs []byte, protection ProtectionLevel, seq *uint32) (bool, error) {
	a.mu.Lock()
	if !a.established || a.generation != generation {
		a.mu.Unlock()
		return false, nil
	}
	a.seqCounter++
	seqNum := a.seqCounter
	handle := a.handle
	initCtx := a.initCtx
	a.mu.Unlock()

	if seqNum >= gss.MAXSEQ {
		return false, fmt.Errorf("rpcauth: gss sequence number exhausted, context must be re-established")
	}

	service := serviceForProtection(protection)
	cred := gss.RPCGSSCredV1{GSSProc: gss.RPCGSSData, SeqNum: seqNum, Service: service, Handle: handle}
	credBody, err := gss.EncodeGSSCred(&cred)
	if err != nil {
		return false, err
	}
	credAuth := rpcwire.OpaqueAuth{Flavor: rpcwire.AuthGSS, Body: credBody}

	headerSink := xdr.NewSliceSink(0)
	headerEnc := xdr.NewEncoder(headerSink)
	if err := writeCallHeader(headerEnc, xid, prog, vers, proc, credAuth); err != nil {
		return false, err
	}
	headerBytes := sinkBytes(headerSink)

	mic, err := initCtx.ComputeCallVerifier(headerBytes, seqNum)
	if err != nil {
		return false, err
	}
	verf := rpcwire.OpaqueAuth{Flavor: rpcwire.AuthGSS, Body: mic}

	var body []byte
	switch protection {
	case ProtectionPrivacy:
		body, err = initCtx.WrapPrivacyCall(seqNum, xargs)
	case ProtectionIntegrity:
		body, err = initCtx.WrapIntegrityCall(seqNum, xargs)
	default:
		body = xargs
	}
	if err != nil {
		return false, err
	}

	enc := xdr.NewEncoder(sink)
	if err := enc.PutBytes(headerBytes); err != nil {
		return false, err
	}
	if err := writeOpaqueAuth(enc, verf); err != nil {
		return false, err
	}
	if err := enc.PutBytes(body); err != nil {
		return false, err
	}

	*seq = seqNum
	return true, nil
}

// ProcessReply validates the reply verifier and unwraps the body per
// protection. Every failure, including a reply whose embedded sequence
// number differs from seq, is returned as an error; it never reports
// ok=false with a nil error, so the channel does not retry a call on a
// sequence mismatch.
func (a *GssAuth) ProcessReply(dec *xdr.Decoder, verf rpcwire.OpaqueAuth, seq uint32, generation uint32, protection ProtectionLevel) ([]byte, bool, error) {
	a.mu.Lock()
	initCtx := a.initCtx
	currentGen := a.generation
	a.mu.Unlock()

	if initCtx == nil || generation != currentGen {
		return nil, false, fmt.Errorf("rpcauth: no established gss context for generation %d", generation)
	}
	if verf.Flavor != rpcwire.AuthGSS {
		return nil, false, &AuthErrorStat{Stat: rpcwire.AuthBadVerf}
	}
	if err := initCtx.VerifyReplyVerifier(seq, verf.Body); err != nil {
		return nil, false, fmt.Errorf("rpcauth: gss reply verifier: %w", err)
	}

	body, err := dec.GetFixedOpaque(dec.Remaining())
	if err != nil {
		return nil, false, err
	}

	switch protection {
	case ProtectionPrivacy:
		results, err := initCtx.UnwrapPrivacyReply(body, seq)
		if err != nil {
			return nil, false, err
		}
		return results, true, nil
	case ProtectionIntegrity:
		results, err := initCtx.UnwrapIntegrityReply(body, seq)
		if err != nil {
			return nil, false, err
		}
		return results, true, nil
	default:
		return body, true, nil
	}
}

// AuthError tears down the context for the recoverable RPCSEC_GSS denial
// statuses, signaling the caller to re-run ValidateAuth and retry.
func (a *GssAuth) AuthError(generation uint32, stat rpcwire.AuthStat) bool {
	switch stat {
	case rpcwire.RPCSecGSSCredProblem, rpcwire.RPCSecGSSCtxProblem:
		a.mu.Lock()
		if a.generation == generation {
			a.established = false
		}
		a.mu.Unlock()
		return true
	default:
		return false
	}
}

// Sequenced is true: every DATA call consumes a seq_num from the session,
// and the server's replay window rejects a repeat, so retransmits must be
// re-encoded with a fresh xid and sequence rather than resent verbatim.
func (a *GssAuth) Sequenced() bool { return true }

func serviceForProtection(p ProtectionLevel) uint32 {
	switch p {
	case ProtectionPrivacy:
		return gss.RPCGSSSvcPrivacy
	case ProtectionIntegrity:
		return gss.RPCGSSSvcIntegrity
	default:
		return gss.RPCGSSSvcNone
	}
}
