package rpcwire

import (
	"fmt"

	"github.com/oncrpcd/oncrpc/pkg/rpcmsg"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// EncodeReplyBody writes the reply_body sum type: the discriminating
// reply_stat, then whichever arm it selects.
func EncodeReplyBody(enc *xdr.Encoder, body ReplyBody) error {
	if err := enc.PutWord(uint32(body.Stat)); err != nil {
		return err
	}
	switch body.Stat {
	case MsgAccepted:
		if err := encodeOpaqueAuth(enc, body.Verf); err != nil {
			return err
		}
		if err := enc.PutWord(uint32(body.AcceptStat)); err != nil {
			return err
		}
		if body.AcceptStat == ProgMismatch {
			if err := enc.PutWord(body.MismatchInfo.Low); err != nil {
				return err
			}
			if err := enc.PutWord(body.MismatchInfo.High); err != nil {
				return err
			}
		}
		return nil
	case MsgDenied:
		if err := enc.PutWord(uint32(body.RejectStat)); err != nil {
			return err
		}
		switch body.RejectStat {
		case RPCMismatch:
			if err := enc.PutWord(body.RPCMismatchInfo.Low); err != nil {
				return err
			}
			return enc.PutWord(body.RPCMismatchInfo.High)
		case AuthError:
			return enc.PutWord(uint32(body.AuthStat))
		default:
			return fmt.Errorf("rpcwire: unknown reject_stat %d", body.RejectStat)
		}
	default:
		return fmt.Errorf("rpcwire: unknown reply_stat %d", body.Stat)
	}
}

// DecodeReplyBody is the mirror of EncodeReplyBody.
func DecodeReplyBody(dec *xdr.Decoder) (ReplyBody, error) {
	stat, err := dec.GetWord()
	if err != nil {
		return ReplyBody{}, err
	}
	body := ReplyBody{Stat: ReplyStat(stat)}
	switch body.Stat {
	case MsgAccepted:
		verf, err := decodeOpaqueAuth(dec)
		if err != nil {
			return ReplyBody{}, err
		}
		body.Verf = verf
		acceptStat, err := dec.GetWord()
		if err != nil {
			return ReplyBody{}, err
		}
		body.AcceptStat = AcceptStat(acceptStat)
		if body.AcceptStat == ProgMismatch {
			low, err := dec.GetWord()
			if err != nil {
				return ReplyBody{}, err
			}
			high, err := dec.GetWord()
			if err != nil {
				return ReplyBody{}, err
			}
			body.MismatchInfo = MismatchInfo{Low: low, High: high}
		}
		return body, nil
	case MsgDenied:
		rejectStat, err := dec.GetWord()
		if err != nil {
			return ReplyBody{}, err
		}
		body.RejectStat = RejectStat(rejectStat)
		switch body.RejectStat {
		case RPCMismatch:
			low, err := dec.GetWord()
			if err != nil {
				return ReplyBody{}, err
			}
			high, err := dec.GetWord()
			if err != nil {
				return ReplyBody{}, err
			}
			body.RPCMismatchInfo = MismatchInfo{Low: low, High: high}
		case AuthError:
			authStat, err := dec.GetWord()
			if err != nil {
				return ReplyBody{}, err
			}
			body.AuthStat = AuthStat(authStat)
		default:
			return ReplyBody{}, fmt.Errorf("rpcwire: unknown reject_stat %d", body.RejectStat)
		}
		return body, nil
	default:
		return ReplyBody{}, fmt.Errorf("rpcwire: unknown reply_stat %d", body.Stat)
	}
}

// buildReply encodes xid + REPLY mtype + body into an unframed record, the
// shape every Make*Reply convenience constructor below returns. Framing (or
// not) is the transport's concern: the stream path wraps the record via
// pkg/rpcframe on write, the datagram and local paths send it as-is.
func buildReply(xid uint32, body ReplyBody) ([]byte, error) {
	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutWord(xid); err != nil {
		return nil, err
	}
	if err := enc.PutWord(uint32(Reply)); err != nil {
		return nil, err
	}
	if err := EncodeReplyBody(enc, body); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}

// MakeSuccessReply builds an unframed SUCCESS reply whose procedure-specific
// results have already been encoded into resultBytes (produced by the
// handler via pkg/xdr against its own sink, then flattened). The result
// bytes are attached to the reply's scatter-gather message by reference
// rather than copied through the header's scratch buffer.
func MakeSuccessReply(xid uint32, verf OpaqueAuth, resultBytes []byte) ([]byte, error) {
	msg := rpcmsg.NewMessage(64)
	defer msg.Close()

	enc := xdr.NewEncoder(msg)
	if err := enc.PutWord(xid); err != nil {
		return nil, err
	}
	if err := enc.PutWord(uint32(Reply)); err != nil {
		return nil, err
	}
	if err := EncodeReplyBody(enc, ReplyBody{Stat: MsgAccepted, Verf: verf, AcceptStat: Success}); err != nil {
		return nil, err
	}
	if len(resultBytes) > 0 {
		msg.AppendBuffer(rpcmsg.NewBuffer(resultBytes, nil))
	}
	return msg.Flatten(), nil
}

// MakeProgUnavailReply builds an unframed PROG_UNAVAIL accepted reply.
func MakeProgUnavailReply(xid uint32) ([]byte, error) {
	return buildReply(xid, ReplyBody{Stat: MsgAccepted, Verf: NullAuth, AcceptStat: ProgUnavail})
}

// MakeProgMismatchReply builds an unframed PROG_MISMATCH accepted reply
// carrying the server's supported [low, high] version range.
func MakeProgMismatchReply(xid, low, high uint32) ([]byte, error) {
	if low > high {
		return nil, fmt.Errorf("rpcwire: invalid version range: low (%d) > high (%d)", low, high)
	}
	return buildReply(xid, ReplyBody{
		Stat:         MsgAccepted,
		Verf:         NullAuth,
		AcceptStat:   ProgMismatch,
		MismatchInfo: MismatchInfo{Low: low, High: high},
	})
}

// MakeProcUnavailReply builds an unframed PROC_UNAVAIL accepted reply.
func MakeProcUnavailReply(xid uint32) ([]byte, error) {
	return buildReply(xid, ReplyBody{Stat: MsgAccepted, Verf: NullAuth, AcceptStat: ProcUnavail})
}

// MakeGarbageArgsReply builds an unframed GARBAGE_ARGS accepted reply, used
// when argument decoding fails after a procedure was otherwise found.
func MakeGarbageArgsReply(xid uint32) ([]byte, error) {
	return buildReply(xid, ReplyBody{Stat: MsgAccepted, Verf: NullAuth, AcceptStat: GarbageArgs})
}

// MakeSystemErrReply builds an unframed SYSTEM_ERR accepted reply.
func MakeSystemErrReply(xid uint32) ([]byte, error) {
	return buildReply(xid, ReplyBody{Stat: MsgAccepted, Verf: NullAuth, AcceptStat: SystemErr})
}

// MakeRPCMismatchReply builds an unframed denied reply for an unsupported
// rpc_vers, carrying the [low, high] range this runtime speaks (always
// [2, 2]).
func MakeRPCMismatchReply(xid, low, high uint32) ([]byte, error) {
	return buildReply(xid, ReplyBody{
		Stat:            MsgDenied,
		RejectStat:      RPCMismatch,
		RPCMismatchInfo: MismatchInfo{Low: low, High: high},
	})
}

// MakeAuthErrorReply builds an unframed denied reply rejecting the call's
// credentials or verifier.
func MakeAuthErrorReply(xid uint32, stat AuthStat) ([]byte, error) {
	return buildReply(xid, ReplyBody{Stat: MsgDenied, RejectStat: AuthError, AuthStat: stat})
}
