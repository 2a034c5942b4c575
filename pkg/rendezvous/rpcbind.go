package rendezvous

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oncrpcd/oncrpc/pkg/rpcserver"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// RpcbEntry is the rpcb struct RFC 1833 uses in place of portmap's Mapping:
// a netid/universal-address pair replaces the raw (prot, port) fields so a
// single rpcbind can front transports portmap v2 never anticipated.
type RpcbEntry struct {
	Prog  uint32
	Vers  uint32
	Netid string
	Addr  string
	Owner string
}

func encodeRpcbEntry(enc *xdr.Encoder, e RpcbEntry) error {
	if err := enc.PutWord(e.Prog); err != nil {
		return err
	}
	if err := enc.PutWord(e.Vers); err != nil {
		return err
	}
	if err := enc.PutString(e.Netid, 0); err != nil {
		return err
	}
	if err := enc.PutString(e.Addr, 0); err != nil {
		return err
	}
	return enc.PutString(e.Owner, 0)
}

func decodeRpcbEntry(dec *xdr.Decoder) (RpcbEntry, error) {
	var e RpcbEntry
	var err error
	if e.Prog, err = dec.GetWord(); err != nil {
		return e, err
	}
	if e.Vers, err = dec.GetWord(); err != nil {
		return e, err
	}
	if e.Netid, err = dec.GetString(0); err != nil {
		return e, err
	}
	if e.Addr, err = dec.GetString(0); err != nil {
		return e, err
	}
	if e.Owner, err = dec.GetString(0); err != nil {
		return e, err
	}
	return e, nil
}

func encodeRpcbList(enc *xdr.Encoder, entries []RpcbEntry) error {
	for i := range entries {
		if err := enc.PutOptional(true, func() error { return encodeRpcbEntry(enc, entries[i]) }); err != nil {
			return err
		}
	}
	return enc.PutOptional(false, nil)
}

// netidToProt maps the netids GETADDR/SET understand to IPPROTO_* for the
// shared registry; rpcbind only speaks tcp/udp over IPv4 here, matching
// portmap v2's scope (IPv6 and local-transport netids are out of scope).
func netidToProt(netid string) (uint32, bool) {
	switch netid {
	case "tcp", "tcp4":
		return ProtoTCP, true
	case "udp", "udp4":
		return ProtoUDP, true
	default:
		return 0, false
	}
}

func protToNetid(prot uint32) string {
	if prot == ProtoUDP {
		return "udp"
	}
	return "tcp"
}

// uaddrForPort renders port as the universal address RFC 1833 §4 defines
// for IPv4: "h1.h2.h3.h4.p1.p2", p1/p2 the port's high/low byte.
func uaddrForPort(host string, port uint32) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s.%d.%d", host, (port>>8)&0xff, port&0xff)
}

// portFromUaddr parses the trailing ".p1.p2" off a universal address.
func portFromUaddr(uaddr string) (uint32, error) {
	parts := strings.Split(uaddr, ".")
	if len(parts) < 2 {
		return 0, fmt.Errorf("rendezvous: malformed universal address %q", uaddr)
	}
	hi, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, err
	}
	lo, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, err
	}
	return uint32(hi<<8 | lo), nil
}

// RpcbindService builds the rpcbind v3 or v4 procedure table over registry,
// registering it with reg under the given version (3 or 4). advertiseHost
// is the address portmap's registrants are reachable at; rpcbind's
// universal addresses carry that fixed host since this package's Registry
// tracks ports only, one daemon per host. GETVERSADDR, GETADDRLIST, and
// GETSTAT are v4 additions and absent from the v3 table; CALLIT (v3) and
// BCAST/INDIRECT (v4) are left unregistered on both (so they answer
// PROC_UNAVAIL), since forwarding arbitrary calls makes the daemon a
// traffic amplifier.
func RpcbindService(reg *rpcserver.Registry, registry *Registry, vers uint32, advertiseHost string) {
	procs := map[uint32]rpcserver.ProcHandler{
		ProcNull:        handleNull,
		ProcSet:         handleSet(registry),
		ProcUnset:       handleUnset(registry),
		ProcGetaddr:     handleGetaddr(registry, advertiseHost),
		ProcDumpV3:      handleRpcbDump(registry, advertiseHost),
		ProcGettime:     handleGettime,
		ProcUaddr2taddr: handleUaddr2taddr,
		ProcTaddr2uaddr: handleTaddr2uaddr,
	}
	if vers >= RpcbindV4 {
		procs[ProcGetversaddr] = handleGetaddr(registry, advertiseHost)
		procs[ProcGetaddrlist] = handleGetaddrlist(registry, advertiseHost)
		procs[ProcGetstat] = handleGetstat
	}
	reg.Register(Prog, vers, procs)
}

func handleGetaddr(registry *Registry, advertiseHost string) rpcserver.ProcHandler {
	return func(ctx *rpcserver.CallContext) error {
		e, err := decodeRpcbEntry(ctx.Args)
		if err != nil {
			ctx.GarbageArgs()
			return nil
		}
		prot, ok := netidToProt(e.Netid)
		if !ok {
			if err := ctx.Result().PutString("", 0); err != nil {
				return err
			}
			ctx.Reply()
			return nil
		}
		port := registry.GetPort(e.Prog, e.Vers, prot)
		addr := ""
		if port != 0 {
			addr = uaddrForPort(advertiseHost, port)
		}
		if err := ctx.Result().PutString(addr, 0); err != nil {
			return err
		}
		ctx.Reply()
		return nil
	}
}

func handleRpcbDump(registry *Registry, advertiseHost string) rpcserver.ProcHandler {
	return func(ctx *rpcserver.CallContext) error {
		mappings := registry.Dump()
		entries := make([]RpcbEntry, len(mappings))
		for i, m := range mappings {
			entries[i] = RpcbEntry{
				Prog:  m.Prog,
				Vers:  m.Vers,
				Netid: protToNetid(m.Prot),
				Addr:  uaddrForPort(advertiseHost, m.Port),
			}
		}
		if err := encodeRpcbList(ctx.Result(), entries); err != nil {
			return err
		}
		ctx.Reply()
		return nil
	}
}

// sockaddrInLen is the wire size of the sockaddr_in carried in a netbuf:
// 2-byte family, 2-byte port, 4-byte address, 8 bytes of zero padding.
const sockaddrInLen = 16

const afInet = 2

// handleTaddr2uaddr converts a netbuf holding an AF_INET sockaddr_in to its
// universal-address string. Non-INET or short buffers yield an empty string
// rather than an error, matching rpcbind's lenient treatment of addresses
// it cannot interpret.
func handleTaddr2uaddr(ctx *rpcserver.CallContext) error {
	if _, err := ctx.Args.GetWord(); err != nil { // netbuf maxlen
		ctx.GarbageArgs()
		return nil
	}
	buf, err := ctx.Args.GetOpaque(0)
	if err != nil {
		ctx.GarbageArgs()
		return nil
	}

	uaddr := ""
	if len(buf) >= 8 && uint32(buf[0])<<8|uint32(buf[1]) == afInet {
		port := uint32(buf[2])<<8 | uint32(buf[3])
		host := fmt.Sprintf("%d.%d.%d.%d", buf[4], buf[5], buf[6], buf[7])
		uaddr = uaddrForPort(host, port)
	}
	if err := ctx.Result().PutString(uaddr, 0); err != nil {
		return err
	}
	ctx.Reply()
	return nil
}

// handleUaddr2taddr converts a universal address back to a netbuf holding a
// sockaddr_in. A malformed uaddr yields an empty netbuf.
func handleUaddr2taddr(ctx *rpcserver.CallContext) error {
	uaddr, err := ctx.Args.GetString(0)
	if err != nil {
		ctx.GarbageArgs()
		return nil
	}

	var taddr []byte
	if port, perr := portFromUaddr(uaddr); perr == nil {
		parts := strings.Split(uaddr, ".")
		if len(parts) == 6 {
			taddr = make([]byte, sockaddrInLen)
			taddr[0] = 0
			taddr[1] = afInet
			taddr[2] = byte(port >> 8)
			taddr[3] = byte(port)
			for i := 0; i < 4; i++ {
				oct, oerr := strconv.Atoi(parts[i])
				if oerr != nil || oct < 0 || oct > 255 {
					taddr = nil
					break
				}
				taddr[4+i] = byte(oct)
			}
		}
	}

	if err := ctx.Result().PutWord(uint32(len(taddr))); err != nil { // netbuf maxlen
		return err
	}
	if err := ctx.Result().PutOpaque(taddr, 0); err != nil {
		return err
	}
	ctx.Reply()
	return nil
}

// handleGetaddrlist answers the v4 GETADDRLIST with one rpcb_entry per
// transport the program is registered on.
func handleGetaddrlist(registry *Registry, advertiseHost string) rpcserver.ProcHandler {
	return func(ctx *rpcserver.CallContext) error {
		e, err := decodeRpcbEntry(ctx.Args)
		if err != nil {
			ctx.GarbageArgs()
			return nil
		}

		enc := ctx.Result()
		for _, prot := range [...]uint32{ProtoTCP, ProtoUDP} {
			port := registry.GetPort(e.Prog, e.Vers, prot)
			if port == 0 {
				continue
			}
			prot := prot
			err := enc.PutOptional(true, func() error {
				if err := enc.PutString(uaddrForPort(advertiseHost, port), 0); err != nil { // r_maddr
					return err
				}
				if err := enc.PutString(protToNetid(prot), 0); err != nil { // r_nc_netid
					return err
				}
				if err := enc.PutWord(ncSemantics(prot)); err != nil { // r_nc_semantics
					return err
				}
				if err := enc.PutString("inet", 0); err != nil { // r_nc_protofmly
					return err
				}
				return enc.PutString(protToNetid(prot), 0) // r_nc_proto
			})
			if err != nil {
				return err
			}
		}
		if err := enc.PutOptional(false, nil); err != nil {
			return err
		}
		ctx.Reply()
		return nil
	}
}

// ncSemantics maps a protocol to its netconfig semantics value: 1 for
// connectionless (NC_TPI_CLTS), 3 for connection-oriented with orderly
// release (NC_TPI_COTS_ORD).
func ncSemantics(prot uint32) uint32 {
	if prot == ProtoUDP {
		return 1
	}
	return 3
}

func handleGettime(ctx *rpcserver.CallContext) error {
	if err := ctx.Result().PutWord(uint32(time.Now().Unix())); err != nil {
		return err
	}
	ctx.Reply()
	return nil
}

// rpcbstatHighproc sizes the fixed per-procedure counter array in an
// rpcb_stat: the highest v4 procedure number plus one.
const rpcbstatHighproc = 13

// rpcbstatVers is how many protocol versions GETSTAT reports on (v2 through
// v4), each as one rpcb_stat.
const rpcbstatVers = 3

// handleGetstat returns a zeroed rpcb_stat_byvers: per-version counters for
// every procedure plus set/unset totals and absent getaddr/rmtcall detail
// lists. This daemon doesn't track per-procedure call counters, only the
// mappings themselves, but the reply must still be shaped correctly for
// rpcinfo-style monitors.
func handleGetstat(ctx *rpcserver.CallContext) error {
	enc := ctx.Result()
	for v := 0; v < rpcbstatVers; v++ {
		err := enc.PutFixedArray(rpcbstatHighproc, func(int) error { return enc.PutWord(0) })
		if err != nil {
			return err
		}
		if err := enc.PutWord(0); err != nil { // setinfo
			return err
		}
		if err := enc.PutWord(0); err != nil { // unsetinfo
			return err
		}
		if err := enc.PutOptional(false, nil); err != nil { // addrinfo
			return err
		}
		if err := enc.PutOptional(false, nil); err != nil { // rmtinfo
			return err
		}
	}
	ctx.Reply()
	return nil
}
