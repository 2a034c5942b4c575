package rendezvous

import (
	"net"

	"github.com/oncrpcd/oncrpc/pkg/rpcserver"
)

// Service builds the portmap v2 (prog 100000, vers 2) procedure table over
// registry, registering it with reg. SET and UNSET are restricted to
// loopback peers, guarding against remote clients hijacking another
// service's registration.
func Service(reg *rpcserver.Registry, registry *Registry) {
	reg.Register(Prog, PortmapVer, map[uint32]rpcserver.ProcHandler{
		ProcNull:    handleNull,
		ProcSet:     handleSet(registry),
		ProcUnset:   handleUnset(registry),
		ProcGetport: handleGetport(registry),
		ProcDump:    handleDump(registry),
	})
}

func handleNull(ctx *rpcserver.CallContext) error {
	ctx.Reply()
	return nil
}

func handleSet(registry *Registry) rpcserver.ProcHandler {
	return func(ctx *rpcserver.CallContext) error {
		if !isLoopback(ctx.PeerAddr) {
			if err := ctx.Result().PutBool(false); err != nil {
				return err
			}
			ctx.Reply()
			return nil
		}
		m, err := DecodeMapping(ctx.Args)
		if err != nil {
			ctx.GarbageArgs()
			return nil
		}
		ok := registry.Set(m)
		if err := ctx.Result().PutBool(ok); err != nil {
			return err
		}
		ctx.Reply()
		return nil
	}
}

func handleUnset(registry *Registry) rpcserver.ProcHandler {
	return func(ctx *rpcserver.CallContext) error {
		if !isLoopback(ctx.PeerAddr) {
			if err := ctx.Result().PutBool(false); err != nil {
				return err
			}
			ctx.Reply()
			return nil
		}
		m, err := DecodeMapping(ctx.Args)
		if err != nil {
			ctx.GarbageArgs()
			return nil
		}
		ok := registry.Unset(m.Prog, m.Vers, m.Prot)
		if err := ctx.Result().PutBool(ok); err != nil {
			return err
		}
		ctx.Reply()
		return nil
	}
}

func handleGetport(registry *Registry) rpcserver.ProcHandler {
	return func(ctx *rpcserver.CallContext) error {
		m, err := DecodeMapping(ctx.Args)
		if err != nil {
			ctx.GarbageArgs()
			return nil
		}
		port := registry.GetPort(m.Prog, m.Vers, m.Prot)
		if err := ctx.Result().PutWord(port); err != nil {
			return err
		}
		ctx.Reply()
		return nil
	}
}

func handleDump(registry *Registry) rpcserver.ProcHandler {
	return func(ctx *rpcserver.CallContext) error {
		if err := EncodeMappingList(ctx.Result(), registry.Dump()); err != nil {
			return err
		}
		ctx.Reply()
		return nil
	}
}

// isLoopback reports whether addr's IP is a loopback address. A nil or
// unparsable addr is treated as non-loopback, erring toward denial.
func isLoopback(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
