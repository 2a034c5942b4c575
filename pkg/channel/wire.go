package channel

import (
	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// writeCallHeader writes xid, mtype=CALL, rpc_vers, prog, vers, proc, and
// cred to enc, leaving the verf to the caller. The channel uses this only
// for the raw proc-0 GSS establishment call (CallInit); every ordinary call
// has its header written by the Auth flavor itself.
func writeCallHeader(enc *xdr.Encoder, xid, prog, vers, proc uint32, cred rpcwire.OpaqueAuth) error {
	for _, w := range []uint32{xid, uint32(rpcwire.Call), rpcwire.RPCVersion, prog, vers, proc} {
		if err := enc.PutWord(w); err != nil {
			return err
		}
	}
	if err := enc.PutWord(uint32(cred.Flavor)); err != nil {
		return err
	}
	return enc.PutOpaque(cred.Body, rpcwire.MaxAuthBodyLen)
}

func writeOpaqueAuth(enc *xdr.Encoder, a rpcwire.OpaqueAuth) error {
	if err := enc.PutWord(uint32(a.Flavor)); err != nil {
		return err
	}
	return enc.PutOpaque(a.Body, rpcwire.MaxAuthBodyLen)
}

func sinkBytes(sink xdr.Sink) []byte {
	return sink.(interface{ Bytes() []byte }).Bytes()
}
