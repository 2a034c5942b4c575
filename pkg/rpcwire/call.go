package rpcwire

import (
	"fmt"

	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

func encodeOpaqueAuth(enc *xdr.Encoder, a OpaqueAuth) error {
	if len(a.Body) > MaxAuthBodyLen {
		return fmt.Errorf("rpcwire: auth body length %d exceeds %d", len(a.Body), MaxAuthBodyLen)
	}
	if err := enc.PutWord(uint32(a.Flavor)); err != nil {
		return err
	}
	return enc.PutOpaque(a.Body, MaxAuthBodyLen)
}

func decodeOpaqueAuth(dec *xdr.Decoder) (OpaqueAuth, error) {
	flavor, err := dec.GetWord()
	if err != nil {
		return OpaqueAuth{}, err
	}
	body, err := dec.GetOpaque(MaxAuthBodyLen)
	if err != nil {
		return OpaqueAuth{}, err
	}
	return OpaqueAuth{Flavor: AuthFlavor(flavor), Body: body}, nil
}

// EncodeCall writes a full CALL message (header + body) to enc. The
// procedure's own argument encoding is the caller's responsibility and
// follows immediately after.
func EncodeCall(enc *xdr.Encoder, msg *CallMessage) error {
	if err := enc.PutWord(msg.XID); err != nil {
		return err
	}
	if err := enc.PutWord(uint32(Call)); err != nil {
		return err
	}
	if err := enc.PutWord(msg.Body.RPCVersion); err != nil {
		return err
	}
	if err := enc.PutWord(msg.Body.Prog); err != nil {
		return err
	}
	if err := enc.PutWord(msg.Body.Vers); err != nil {
		return err
	}
	if err := enc.PutWord(msg.Body.Proc); err != nil {
		return err
	}
	if err := encodeOpaqueAuth(enc, msg.Body.Cred); err != nil {
		return err
	}
	return encodeOpaqueAuth(enc, msg.Body.Verf)
}

// DecodeMsgType peeks the message type following the xid without consuming
// the decoder's position in the caller's understanding of the stream; it is
// meant to be called once, immediately after the xid, as the first step of
// dispatching between CALL and REPLY handling.
func DecodeMsgType(dec *xdr.Decoder) (MsgType, error) {
	v, err := dec.GetWord()
	return MsgType(v), err
}

// DecodeCall decodes a CALL message, given that xid has already been read
// by the caller (the usual case, since the server must first distinguish
// CALL from REPLY on multiplexed backchannel connections).
func DecodeCall(dec *xdr.Decoder, xid uint32) (*CallMessage, error) {
	rpcVers, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read rpcvers: %w", err)
	}
	prog, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read prog: %w", err)
	}
	vers, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read vers: %w", err)
	}
	proc, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read proc: %w", err)
	}
	cred, err := decodeOpaqueAuth(dec)
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read cred: %w", err)
	}
	verf, err := decodeOpaqueAuth(dec)
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read verf: %w", err)
	}
	return &CallMessage{
		XID: xid,
		Body: CallBody{
			RPCVersion: rpcVers,
			Prog:       prog,
			Vers:       vers,
			Proc:       proc,
			Cred:       cred,
			Verf:       verf,
		},
	}, nil
}

// ReadCall decodes a complete CALL message (xid, mtype check, body) from a
// full, already-deframed record.
func ReadCall(record []byte) (*CallMessage, error) {
	dec := xdr.NewDecoder(xdr.NewSliceSource(record))
	xid, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read xid: %w", err)
	}
	mtype, err := DecodeMsgType(dec)
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read mtype: %w", err)
	}
	if mtype != Call {
		return nil, fmt.Errorf("rpcwire: expected CALL, got mtype %d", mtype)
	}
	return DecodeCall(dec, xid)
}
