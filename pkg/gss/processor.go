package gss

import (
	"fmt"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/internal/logger"
	"github.com/oncrpcd/oncrpc/pkg/auth/kerberos"
	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
)

// RPC auth_stat values relevant to RPCSEC_GSS failures (RFC 2203 §5.3.3.3).
const (
	AuthStatCredProblem uint32 = 13
	AuthStatCtxProblem  uint32 = 14
)

// DefaultSeqWindowSize is the sequence window size advertised to clients in
// RPCGSSInitRes.SeqWindow.
const DefaultSeqWindowSize = 128

// GSSProcessResult is the outcome of processing one RPCSEC_GSS call.
//
// Control messages (INIT/CONTINUE_INIT/DESTROY) populate GSSReply and set
// IsControl; DATA messages populate ProcessedData and Identity.
type GSSProcessResult struct {
	// ProcessedData holds the unwrapped procedure arguments for DATA
	// requests; nil for control messages.
	ProcessedData []byte

	// Identity is the resolved identity for DATA requests; nil for control
	// messages or when no CredMapper is configured.
	Identity *rpcauth.Identity

	// GSSReply holds the encoded control-message reply; nil for DATA
	// requests.
	GSSReply []byte

	// ReplyVerifier is not set by GSSProcessor; rpcserver computes the reply
	// verifier itself from SessionKey (over SeqNum for DATA, over the
	// sequence window for a completed INIT).
	ReplyVerifier []byte

	// IsControl is true for INIT/CONTINUE_INIT/DESTROY.
	IsControl bool

	// SilentDiscard is true when RFC 2203 §5.3.3.1 requires dropping the
	// request without any reply (an invalid sequence number).
	SilentDiscard bool

	// SeqNum is the credential's sequence number.
	SeqNum uint32

	// Service is the credential's protection service level.
	Service uint32

	// SessionKey is the context's session key, needed to compute the reply
	// verifier. Set for DATA requests and for an INIT that completes the
	// context.
	SessionKey types.EncryptionKey

	// HasAcceptorSubkey is true when the context uses an acceptor subkey,
	// so MIC tokens must carry the acceptor-subkey flag.
	HasAcceptorSubkey bool

	// Err is set when processing failed.
	Err error

	// AuthStat is the auth_stat to return when Err is set. Zero means the
	// default (RPCSEC_GSS_CREDPROBLEM).
	AuthStat uint32
}

// ProcessorOption configures a GSSProcessor.
type ProcessorOption func(*GSSProcessor)

// WithMetrics attaches Prometheus metrics to a GSSProcessor. A nil or
// omitted option leaves metrics recording a no-op.
func WithMetrics(m *GSSMetrics) ProcessorOption {
	return func(p *GSSProcessor) { p.metrics = m }
}

// GSSProcessor orchestrates RPCSEC_GSS context lifecycle: INIT/CONTINUE_INIT
// establish a context via AP-REQ verification, DATA validates and unwraps
// protected call bodies against an established context, and DESTROY tears
// one down. Safe for concurrent use.
type GSSProcessor struct {
	contexts *ContextStore
	verifier Verifier
	mapper   kerberos.IdentityMapper
	metrics  *GSSMetrics
	mu       sync.RWMutex
}

// NewGSSProcessor creates a processor. maxContexts of 0 means unlimited.
func NewGSSProcessor(verifier Verifier, mapper kerberos.IdentityMapper, maxContexts int, contextTTL time.Duration, opts ...ProcessorOption) *GSSProcessor {
	p := &GSSProcessor{
		contexts: NewContextStore(maxContexts, contextTTL),
		verifier: verifier,
		mapper:   mapper,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process decodes the RPCSEC_GSS credential and routes to the handler for
// its gss_proc.
func (p *GSSProcessor) Process(credBody, verifBody, requestBody []byte) *GSSProcessResult {
	cred, err := DecodeGSSCred(credBody)
	if err != nil {
		return &GSSProcessResult{Err: fmt.Errorf("decode GSS credential: %w", err)}
	}

	switch cred.GSSProc {
	case RPCGSSInit, RPCGSSContinueInit:
		return p.handleInit(cred, requestBody)
	case RPCGSSData:
		return p.handleData(cred, verifBody, requestBody)
	case RPCGSSDestroy:
		return p.handleDestroy(cred)
	default:
		return &GSSProcessResult{Err: fmt.Errorf("unknown RPCSEC_GSS procedure: %d", cred.GSSProc)}
	}
}

// handleInit verifies the AP-REQ in requestBody, establishes a new context,
// and builds the rpc_gss_init_res reply. Stores the context before
// returning the reply: a client whose first DATA call arrives before the
// context is stored would see a spurious CREDPROBLEM.
func (p *GSSProcessor) handleInit(cred *RPCGSSCredV1, requestBody []byte) *GSSProcessResult {
	initStart := time.Now()

	p.mu.RLock()
	verifier, mapper := p.verifier, p.mapper
	p.mu.RUnlock()

	if verifier == nil {
		return &GSSProcessResult{IsControl: true, Err: fmt.Errorf("no GSS verifier configured")}
	}

	gssToken, err := decodeOpaqueToken(requestBody)
	if err != nil {
		p.metrics.RecordContextCreation(false)
		p.metrics.RecordAuthFailure("credential_problem")
		p.metrics.RecordInitDuration(time.Since(initStart))
		return &GSSProcessResult{IsControl: true, Err: fmt.Errorf("decode GSS init arg: %w", err)}
	}

	verified, err := verifier.VerifyToken(gssToken)
	if err != nil {
		p.metrics.RecordContextCreation(false)
		p.metrics.RecordAuthFailure("credential_problem")
		p.metrics.RecordInitDuration(time.Since(initStart))

		errResBytes, encErr := EncodeGSSInitRes(&RPCGSSInitRes{GSSMajor: GSSDefectiveCredential})
		if encErr != nil {
			return &GSSProcessResult{IsControl: true, Err: fmt.Errorf("encode GSS error response: %w", encErr)}
		}
		return &GSSProcessResult{GSSReply: errResBytes, IsControl: true, Err: fmt.Errorf("GSS INIT failed: %w", err)}
	}

	handle, err := generateHandle()
	if err != nil {
		return &GSSProcessResult{IsControl: true, Err: fmt.Errorf("generate context handle: %w", err)}
	}

	now := time.Now()
	ctx := &GSSContext{
		Handle:     handle,
		Principal:  verified.Principal,
		Realm:      verified.Realm,
		SessionKey: verified.SessionKey,
		SeqWindow:  NewSeqWindow(DefaultSeqWindowSize),
		Service:    cred.Service,
		CreatedAt:  now,
	}
	p.contexts.Store(ctx)

	if mapper != nil {
		if identity, mapErr := mapper.MapPrincipal(verified.Principal, verified.Realm); mapErr != nil {
			logger.Debug("gss: identity mapping failed during INIT (non-fatal)",
				logger.Principal(verified.Principal), logger.Realm(verified.Realm), logger.Err(mapErr))
		} else if identity != nil && identity.UID != nil {
			logger.Debug("gss: context established",
				logger.Principal(verified.Principal), logger.Realm(verified.Realm),
				logger.GSSHandle(handle), logger.UID(*identity.UID))
		}
	}

	resBytes, err := EncodeGSSInitRes(&RPCGSSInitRes{
		Handle:    handle,
		GSSMajor:  GSSComplete,
		SeqWindow: DefaultSeqWindowSize,
		GSSToken:  verified.APRepToken,
	})
	if err != nil {
		return &GSSProcessResult{IsControl: true, Err: fmt.Errorf("encode GSS init response: %w", err)}
	}

	p.metrics.RecordContextCreation(true)
	p.metrics.RecordInitDuration(time.Since(initStart))

	return &GSSProcessResult{
		GSSReply:          resBytes,
		IsControl:         true,
		SeqNum:            cred.SeqNum,
		Service:           cred.Service,
		SessionKey:        verified.SessionKey,
		HasAcceptorSubkey: verified.HasAcceptorSubkey,
	}
}

// handleData validates the sequence number and, per the credential's
// protection level, unwraps the call body against the established context.
// The protection level is read from the credential (per-call), not the
// context, since RFC 2203 §5.3.3.4 lets a client vary it call to call.
func (p *GSSProcessor) handleData(cred *RPCGSSCredV1, verifBody, requestBody []byte) *GSSProcessResult {
	dataStart := time.Now()

	ctx, found := p.contexts.Lookup(cred.Handle)
	if !found {
		p.metrics.RecordAuthFailure("context_problem")
		return &GSSProcessResult{Err: fmt.Errorf("RPCSEC_GSS_CREDPROBLEM: context not found"), AuthStat: AuthStatCredProblem}
	}

	if cred.SeqNum >= MAXSEQ {
		p.contexts.Delete(cred.Handle)
		p.metrics.RecordAuthFailure("context_problem")
		return &GSSProcessResult{Err: fmt.Errorf("RPCSEC_GSS_CTXPROBLEM: sequence number exceeds MAXSEQ"), AuthStat: AuthStatCtxProblem}
	}

	if !ctx.SeqWindow.Accept(cred.SeqNum) {
		p.metrics.RecordAuthFailure("sequence_violation")
		return &GSSProcessResult{SilentDiscard: true}
	}

	var processedData []byte
	var err error
	switch cred.Service {
	case RPCGSSSvcNone:
		processedData = requestBody
	case RPCGSSSvcIntegrity:
		processedData, _, err = UnwrapIntegrity(ctx.SessionKey, cred.SeqNum, requestBody)
		if err != nil {
			p.metrics.RecordAuthFailure("integrity_failure")
			return &GSSProcessResult{Err: fmt.Errorf("integrity unwrap failed: %w", err)}
		}
	case RPCGSSSvcPrivacy:
		processedData, _, err = UnwrapPrivacy(ctx.SessionKey, cred.SeqNum, requestBody)
		if err != nil {
			p.metrics.RecordAuthFailure("privacy_failure")
			return &GSSProcessResult{Err: fmt.Errorf("privacy unwrap failed: %w", err)}
		}
	default:
		return &GSSProcessResult{Err: fmt.Errorf("unknown RPCSEC_GSS service level: %d", cred.Service)}
	}

	p.mu.RLock()
	mapper := p.mapper
	p.mu.RUnlock()

	var identity *rpcauth.Identity
	if mapper != nil {
		identity, err = mapper.MapPrincipal(ctx.Principal, ctx.Realm)
		if err != nil {
			return &GSSProcessResult{Err: fmt.Errorf("identity mapping failed for %s@%s: %w", ctx.Principal, ctx.Realm, err)}
		}
	}

	p.metrics.RecordDataRequest(serviceLevelName(cred.Service), time.Since(dataStart))

	return &GSSProcessResult{
		ProcessedData: processedData,
		Identity:      identity,
		IsControl:     false,
		SeqNum:        cred.SeqNum,
		Service:       cred.Service,
		SessionKey:    ctx.SessionKey,
	}
}

// handleDestroy tears down a context. Per RFC 2203, the server replies even
// if the context is already gone (expired or never established).
func (p *GSSProcessor) handleDestroy(cred *RPCGSSCredV1) *GSSProcessResult {
	destroyStart := time.Now()

	_, found := p.contexts.Lookup(cred.Handle)
	p.contexts.Delete(cred.Handle)

	resBytes, err := EncodeGSSInitRes(&RPCGSSInitRes{Handle: cred.Handle, GSSMajor: GSSComplete})
	if err != nil {
		return &GSSProcessResult{IsControl: true, Err: fmt.Errorf("encode GSS destroy response: %w", err)}
	}

	if found {
		p.metrics.RecordContextDestruction()
	}
	p.metrics.RecordDestroyDuration(time.Since(destroyStart))

	return &GSSProcessResult{GSSReply: resBytes, IsControl: true, SeqNum: cred.SeqNum, Service: cred.Service}
}

// Stop shuts down the context store's background sweep. Call during server
// shutdown.
func (p *GSSProcessor) Stop() {
	p.contexts.Stop()
}

// ContextCount reports the number of active GSS contexts.
func (p *GSSProcessor) ContextCount() int {
	return p.contexts.Count()
}

// SetVerifier hot-swaps the verifier, e.g. after a keytab reload.
func (p *GSSProcessor) SetVerifier(v Verifier) {
	p.mu.Lock()
	p.verifier = v
	p.mu.Unlock()
}

// SetMapper hot-swaps the identity mapper.
func (p *GSSProcessor) SetMapper(m kerberos.IdentityMapper) {
	p.mu.Lock()
	p.mapper = m
	p.mu.Unlock()
}
