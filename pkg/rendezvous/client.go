package rendezvous

import (
	"bytes"
	"context"

	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// caller is the subset of channel.Channel and channel.ReconnectChannel a
// Client needs. Accepting it instead of a concrete type lets a Client ride
// either a fixed Stream/Datagram channel or a redialing ReconnectChannel.
type caller interface {
	Call(ctx context.Context, proc uint32, xargs []byte, protection rpcauth.ProtectionLevel) ([]byte, error)
}

// Client is a typed portmap v2 / rpcbind v3-v4 caller over an established
// RPC channel, the counterpart to the Service/RpcbindService handlers.
type Client struct {
	ch caller
}

// NewClient wraps ch, which must already be dialed against prog 100000 at
// the version this Client will call.
func NewClient(ch caller) *Client {
	return &Client{ch: ch}
}

func (c *Client) call(ctx context.Context, proc uint32, encodeArgs func(*xdr.Encoder) error) ([]byte, error) {
	sink := xdr.NewSliceSink(64)
	if encodeArgs != nil {
		if err := encodeArgs(xdr.NewEncoder(sink)); err != nil {
			return nil, err
		}
	}
	return c.ch.Call(ctx, proc, sink.(interface{ Bytes() []byte }).Bytes(), rpcauth.ProtectionNone)
}

// callMapping issues a call whose arguments are a single Mapping struct,
// encoded reflectively: the four fixed uint32 fields need no hand-written
// codec on the client side.
func (c *Client) callMapping(ctx context.Context, proc uint32, m Mapping) ([]byte, error) {
	var args bytes.Buffer
	if _, err := xdr2.Marshal(&args, m); err != nil {
		return nil, err
	}
	return c.ch.Call(ctx, proc, args.Bytes(), rpcauth.ProtectionNone)
}

// Null pings the rendezvous daemon.
func (c *Client) Null(ctx context.Context) error {
	_, err := c.call(ctx, ProcNull, nil)
	return err
}

// Set registers m, returning whether the daemon accepted it.
func (c *Client) Set(ctx context.Context, m Mapping) (bool, error) {
	result, err := c.callMapping(ctx, ProcSet, m)
	if err != nil {
		return false, err
	}
	return xdr.NewDecoder(xdr.NewSliceSource(result)).GetBool()
}

// Unset removes the mapping for (prog, vers, prot).
func (c *Client) Unset(ctx context.Context, prog, vers, prot uint32) (bool, error) {
	result, err := c.callMapping(ctx, ProcUnset, Mapping{Prog: prog, Vers: vers, Prot: prot})
	if err != nil {
		return false, err
	}
	return xdr.NewDecoder(xdr.NewSliceSource(result)).GetBool()
}

// GetPort resolves (prog, vers, prot) to a port, 0 if unregistered.
func (c *Client) GetPort(ctx context.Context, prog, vers, prot uint32) (uint32, error) {
	result, err := c.callMapping(ctx, ProcGetport, Mapping{Prog: prog, Vers: vers, Prot: prot})
	if err != nil {
		return 0, err
	}
	return xdr.NewDecoder(xdr.NewSliceSource(result)).GetWord()
}

// Dump lists every mapping the daemon holds.
func (c *Client) Dump(ctx context.Context) ([]Mapping, error) {
	result, err := c.call(ctx, ProcDump, nil)
	if err != nil {
		return nil, err
	}
	return DecodeMappingList(xdr.NewDecoder(xdr.NewSliceSource(result)))
}

// GetAddr resolves (prog, vers) over netid ("tcp" or "udp") to a universal
// address via rpcbind GETADDR, empty if unregistered. Call this on a Client
// wrapping a channel dialed against rpcbind vers 3 or 4.
func (c *Client) GetAddr(ctx context.Context, prog, vers uint32, netid string) (string, error) {
	e := RpcbEntry{Prog: prog, Vers: vers, Netid: netid}
	result, err := c.call(ctx, ProcGetaddr, func(enc *xdr.Encoder) error { return encodeRpcbEntry(enc, e) })
	if err != nil {
		return "", err
	}
	return xdr.NewDecoder(xdr.NewSliceSource(result)).GetString(0)
}
