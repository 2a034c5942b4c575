package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oncrpcd/oncrpc/internal/logger"
	"github.com/oncrpcd/oncrpc/pkg/metrics"
	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// DefaultRetransmitInterval and DefaultMaxBackoff govern datagram
// retransmission when a Channel doesn't override them.
const (
	DefaultRetransmitInterval = 1 * time.Second
	DefaultMaxBackoff         = 30 * time.Second
)

// TimeoutError is returned by Call when a datagram call exhausts retransmit
// backoff without a reply before its deadline.
type TimeoutError struct {
	Proc uint32
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("channel: call to proc %d timed out", e.Proc)
}

// transaction is one pending call's state, delivered into by the reader
// goroutine and waited on by the calling goroutine — the idiomatic Go
// replacement for a condvar-guarded AUTH/SEND/REPLY/SLEEPING state
// machine: a dedicated reader goroutine always owns the wire (no role
// handoff needed) and each caller simply blocks on its own channel.
type transaction struct {
	xid   uint32
	reply chan []byte
}

// Channel is the client-side RPC channel: it owns a
// wireTransport, a transaction table keyed by xid, and the retransmit
// policy for transports that need it. One background goroutine reads
// replies off the wire and dispatches them by xid; Call and CallAsync are
// safe to invoke concurrently from any number of goroutines.
type Channel struct {
	transport wireTransport
	isStream  bool // retransmit_interval is disabled on reliable (stream) transports
	auth      rpcauth.Auth
	prog      uint32
	vers      uint32

	retransmitInterval time.Duration
	maxBackoff         time.Duration

	metrics *metrics.ClientMetrics

	mu      sync.Mutex
	nextXID uint32
	pending map[uint32]*transaction
	closed  bool
	closeCh chan struct{}
}

var _ rpcauth.InitTransport = (*Channel)(nil)

// Option configures a Channel at construction.
type Option func(*Channel)

// WithRetransmit overrides the datagram retransmit interval and backoff
// cap. Has no effect on stream transports, which never retransmit.
func WithRetransmit(interval, maxBackoff time.Duration) Option {
	return func(c *Channel) {
		c.retransmitInterval = interval
		c.maxBackoff = maxBackoff
	}
}

// WithMetrics attaches Prometheus call metrics to the Channel. A nil
// *metrics.ClientMetrics (the zero value of this option's argument) leaves
// the Channel uninstrumented.
func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

func newChannel(t wireTransport, isStream bool, auth rpcauth.Auth, prog, vers uint32, opts ...Option) *Channel {
	c := &Channel{
		transport:          t,
		isStream:           isStream,
		auth:               auth,
		prog:               prog,
		vers:               vers,
		retransmitInterval: DefaultRetransmitInterval,
		maxBackoff:         DefaultMaxBackoff,
		pending:            make(map[uint32]*transaction),
		closeCh:            make(chan struct{}),
		nextXID:            1,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// NewStreamChannel builds a Channel over a connected, record-framed
// transport. The retransmit interval is disabled: the
// transport itself is reliable.
func NewStreamChannel(t wireTransport, auth rpcauth.Auth, prog, vers uint32, opts ...Option) *Channel {
	return newChannel(t, true, auth, prog, vers, opts...)
}

// NewDatagramChannel builds a Channel over a connectionless transport where
// each call is exactly one datagram. Pass
// retransmitInterval=0 via WithRetransmit to disable retransmission
// entirely, leaving the caller's deadline as the only timeout.
func NewDatagramChannel(t wireTransport, auth rpcauth.Auth, prog, vers uint32, opts ...Option) *Channel {
	return newChannel(t, false, auth, prog, vers, opts...)
}

// NewLocalChannel builds a Channel over an in-process transport (spec
// §4.3.1 Local); retransmission never applies since delivery can't be lost.
func NewLocalChannel(t *localTransport, auth rpcauth.Auth, prog, vers uint32) *Channel {
	return newChannel(t, true, auth, prog, vers)
}

func (c *Channel) allocXID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextXID++
	return c.nextXID
}

func (c *Channel) register(xid uint32) *transaction {
	tx := &transaction{xid: xid, reply: make(chan []byte, 1)}
	c.mu.Lock()
	c.pending[xid] = tx
	c.mu.Unlock()
	return tx
}

func (c *Channel) unregister(xid uint32) {
	c.mu.Lock()
	delete(c.pending, xid)
	c.mu.Unlock()
}

// readLoop is the Channel's single reader: it owns every call to
// transport.recvRecord and dispatches replies by xid. Messages matching no
// pending transaction are dropped silently — the expected outcome for a
// duplicate reply to a retransmitted call.
func (c *Channel) readLoop() {
	for {
		record, release, err := c.transport.recvRecord()
		if err != nil {
			c.failAllPending(err)
			return
		}

		xid, mtype, _, err := splitHeader(record)
		if err != nil || mtype != uint32(rpcwire.Reply) {
			release()
			continue
		}

		c.mu.Lock()
		tx, ok := c.pending[xid]
		c.mu.Unlock()
		if !ok {
			release()
			continue
		}

		cp := make([]byte, len(record))
		copy(cp, record)
		release()

		select {
		case tx.reply <- cp:
		default:
			// A reply already delivered for this xid (shouldn't happen once
			// Call consumes it promptly); drop the duplicate.
		}
	}
}

func (c *Channel) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	for xid, tx := range c.pending {
		close(tx.reply)
		delete(c.pending, xid)
	}
}

// Close tears down the channel's transport and wakes every pending call
// with an error.
func (c *Channel) Close() error {
	err := c.transport.close()
	c.failAllPending(fmt.Errorf("channel: closed"))
	return err
}

// errResendFresh signals that a retransmit deadline expired on a sequenced
// auth flavor: the stale bytes must not be resent, the call re-encodes with
// a fresh xid and sequence instead.
var errResendFresh = errors.New("channel: re-encode for retransmit")

// retransmitState carries the backoff interval across re-encodes of the
// same logical call, so a sequenced flavor's fresh-xid retransmits still
// back off exponentially instead of restarting at the base interval.
type retransmitState struct {
	interval time.Duration
}

func (rs *retransmitState) backoff(maxBackoff time.Duration) {
	rs.interval *= 2
	if rs.interval > maxBackoff {
		rs.interval = maxBackoff
	}
}

// Call performs a synchronous RPC: it runs the auth pipeline's
// validate/process-call/process-reply steps, retransmitting on
// a datagram transport, and returns the decoded procedure
// results.
func (c *Channel) Call(ctx context.Context, proc uint32, xargs []byte, protection rpcauth.ProtectionLevel) ([]byte, error) {
	start := time.Now()
	rs := &retransmitState{interval: c.retransmitInterval}
	for {
		generation, err := c.auth.ValidateAuth(false)
		if err != nil {
			c.metrics.RecordCall(c.prog, "error", time.Since(start))
			return nil, fmt.Errorf("channel: validate auth: %w", err)
		}

		results, retryAuth, err := c.attemptCall(ctx, proc, xargs, protection, generation, rs)
		if err != nil {
			status := "error"
			var te *TimeoutError
			if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &te) {
				status = "timeout"
			}
			c.metrics.RecordCall(c.prog, status, time.Since(start))
			return nil, err
		}
		if retryAuth {
			continue
		}
		c.metrics.RecordCall(c.prog, "success", time.Since(start))
		return results, nil
	}
}

// attemptCall runs one auth generation's worth of send/retransmit/receive.
// retryAuth=true means the caller should re-validate and call again (auth
// state changed mid-encode, a recoverable GSS sequence mismatch, or a
// refreshable auth error).
func (c *Channel) attemptCall(ctx context.Context, proc uint32, xargs []byte, protection rpcauth.ProtectionLevel, generation uint32, rs *retransmitState) (results []byte, retryAuth bool, err error) {
	xid := c.allocXID()
	tx := c.register(xid)
	defer c.unregister(xid)

	var seq uint32
	sink := xdr.NewSliceSink(0)
	ok, err := c.auth.ProcessCall(sink, xid, c.prog, c.vers, proc, generation, xargs, protection, &seq)
	if err != nil {
		return nil, false, fmt.Errorf("channel: encode call: %w", err)
	}
	if !ok {
		return nil, true, nil
	}
	payload := sinkBytes(sink)

	if err := c.transport.sendRecord(payload); err != nil {
		return nil, false, fmt.Errorf("channel: send: %w", err)
	}

	record, err := c.waitForReply(ctx, tx, payload, rs)
	if err != nil {
		if errors.Is(err, errResendFresh) {
			return nil, true, nil
		}
		if !c.isStream && errors.Is(err, context.DeadlineExceeded) {
			return nil, false, &TimeoutError{Proc: proc}
		}
		return nil, false, err
	}

	return c.handleReply(record, proc, seq, generation, protection)
}

// waitForReply blocks for tx's reply, retransmitting on expiry when the
// transport is unreliable (non-stream). Flavors without sequence
// numbers retransmit the already-encoded payload verbatim (same xid);
// sequenced flavors return errResendFresh so the caller re-encodes the
// call with a new xid and sequence — the server's replay window would
// silently discard a repeated seq_num, and the reply to these exact bytes
// would then never come.
func (c *Channel) waitForReply(ctx context.Context, tx *transaction, payload []byte, rs *retransmitState) ([]byte, error) {
	if c.isStream {
		select {
		case record, ok := <-tx.reply:
			if !ok {
				return nil, fmt.Errorf("channel: closed while awaiting reply")
			}
			return record, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closeCh:
			return nil, fmt.Errorf("channel: closed while awaiting reply")
		}
	}

	for {
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if rs.interval > 0 {
			timer = time.NewTimer(rs.interval)
			timeoutCh = timer.C
		}

		select {
		case record, ok := <-tx.reply:
			stopTimer(timer)
			if !ok {
				return nil, fmt.Errorf("channel: closed while awaiting reply")
			}
			return record, nil
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-c.closeCh:
			stopTimer(timer)
			return nil, fmt.Errorf("channel: closed while awaiting reply")
		case <-timeoutCh:
			c.metrics.RecordRetransmit(c.prog)
			rs.backoff(c.maxBackoff)
			logger.Debug("channel: retransmitting",
				logger.XID(tx.xid), logger.Prog(c.prog),
				logger.BackoffMs(rs.interval.Milliseconds()))
			if c.auth.Sequenced() {
				return nil, errResendFresh
			}
			if err := c.transport.sendRecord(payload); err != nil {
				return nil, fmt.Errorf("channel: retransmit: %w", err)
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// CallInit issues a raw proc-0 call carrying cred and argBody verbatim,
// bypassing the channel's own Auth pipeline entirely. This is the
// InitTransport a GssAuth uses from inside its own ValidateAuth (spec
// RFC 2203 §5.2.2's token exchange as the args of a proc-0 call) —
// routing that call back through c.auth would recurse into the very
// validation it's performing.
func (c *Channel) CallInit(prog, vers uint32, cred rpcwire.OpaqueAuth, argBody []byte) ([]byte, rpcwire.OpaqueAuth, error) {
	xid := c.allocXID()
	tx := c.register(xid)
	defer c.unregister(xid)

	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := writeCallHeader(enc, xid, prog, vers, 0, cred); err != nil {
		return nil, rpcwire.OpaqueAuth{}, err
	}
	if err := writeOpaqueAuth(enc, rpcwire.NullAuth); err != nil {
		return nil, rpcwire.OpaqueAuth{}, err
	}
	if err := enc.PutBytes(argBody); err != nil {
		return nil, rpcwire.OpaqueAuth{}, err
	}
	payload := sinkBytes(sink)

	if err := c.transport.sendRecord(payload); err != nil {
		return nil, rpcwire.OpaqueAuth{}, fmt.Errorf("channel: send gss init: %w", err)
	}

	// Context-establishment calls carry seq_num 0 and sit outside the
	// replay window, so unlike DATA calls they may be retransmitted
	// verbatim even for a sequenced flavor.
	rs := &retransmitState{interval: c.retransmitInterval}
	record, err := c.waitForReply(context.Background(), tx, payload, rs)
	for errors.Is(err, errResendFresh) {
		if sendErr := c.transport.sendRecord(payload); sendErr != nil {
			return nil, rpcwire.OpaqueAuth{}, fmt.Errorf("channel: retransmit gss init: %w", sendErr)
		}
		record, err = c.waitForReply(context.Background(), tx, payload, rs)
	}
	if err != nil {
		return nil, rpcwire.OpaqueAuth{}, err
	}

	dec := xdr.NewDecoder(xdr.NewSliceSource(record))
	if _, err := dec.GetWord(); err != nil {
		return nil, rpcwire.OpaqueAuth{}, err
	}
	if _, err := dec.GetWord(); err != nil {
		return nil, rpcwire.OpaqueAuth{}, err
	}
	body, err := rpcwire.DecodeReplyBody(dec)
	if err != nil {
		return nil, rpcwire.OpaqueAuth{}, fmt.Errorf("channel: decode gss init reply: %w", err)
	}
	if body.Stat == rpcwire.MsgDenied || body.AcceptStat != rpcwire.Success {
		return nil, rpcwire.OpaqueAuth{}, fmt.Errorf("channel: gss init call rejected: %+v", body)
	}

	resultBody, err := dec.GetFixedOpaque(dec.Remaining())
	if err != nil {
		return nil, rpcwire.OpaqueAuth{}, err
	}
	return resultBody, body.Verf, nil
}

// handleReply decodes the reply_body, runs it through the auth pipeline,
// and interprets MSG_DENIED/PROG_* statuses.
func (c *Channel) handleReply(record []byte, proc uint32, seq uint32, generation uint32, protection rpcauth.ProtectionLevel) (results []byte, retryAuth bool, err error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(record))
	if _, err := dec.GetWord(); err != nil { // xid, already matched by readLoop
		return nil, false, err
	}
	if _, err := dec.GetWord(); err != nil { // mtype, already checked
		return nil, false, err
	}
	body, err := rpcwire.DecodeReplyBody(dec)
	if err != nil {
		return nil, false, fmt.Errorf("channel: decode reply body: %w", err)
	}

	if body.Stat == rpcwire.MsgDenied {
		if body.RejectStat == rpcwire.AuthError {
			if c.auth.AuthError(generation, body.AuthStat) {
				return nil, true, nil
			}
			return nil, false, &rpcauth.AuthErrorStat{Stat: body.AuthStat}
		}
		return nil, false, &ProtocolMismatchError{Low: body.RPCMismatchInfo.Low, High: body.RPCMismatchInfo.High}
	}

	switch body.AcceptStat {
	case rpcwire.ProgUnavail:
		return nil, false, &ProgUnavailError{Prog: c.prog}
	case rpcwire.ProgMismatch:
		return nil, false, &VersionMismatchError{Low: body.MismatchInfo.Low, High: body.MismatchInfo.High}
	case rpcwire.ProcUnavail:
		return nil, false, &ProcUnavailError{Proc: proc}
	case rpcwire.GarbageArgs:
		return nil, false, &GarbageArgsError{}
	case rpcwire.SystemErr:
		return nil, false, &SystemError{}
	case rpcwire.Success:
		// fall through
	default:
		return nil, false, fmt.Errorf("channel: unknown accept_stat %d", body.AcceptStat)
	}

	results, ok, err := c.auth.ProcessReply(dec, body.Verf, seq, generation, protection)
	if err != nil {
		return nil, false, fmt.Errorf("channel: process reply: %w", err)
	}
	if !ok {
		return nil, true, nil
	}
	return results, false, nil
}
