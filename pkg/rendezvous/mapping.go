// Package rendezvous implements the ONC-RPC rendezvous directory: portmap
// v2 (RFC 1057, prog 100000 vers 2) and rpcbind v3/v4 (RFC 1833), the
// well-known service a client consults to resolve a (prog, vers) pair to a
// transport address before placing the real call.
package rendezvous

import "github.com/oncrpcd/oncrpc/pkg/xdr"

// Well-known program number and port both protocols share.
const (
	Prog       = 100000
	PortmapVer = 2
	RpcbindV3  = 3
	RpcbindV4  = 4
	WellKnownPort = 111
)

// Portmap v2 procedure numbers.
const (
	ProcNull    = 0
	ProcSet     = 1
	ProcUnset   = 2
	ProcGetport = 3
	ProcDump    = 4
	ProcCallit  = 5
)

// Rpcbind v3/v4 procedure numbers. NULL/SET/UNSET share portmap's
// numbering, GETADDR replaces GETPORT at 3, and v4 appends GETVERSADDR
// through GETSTAT after v3's range.
const (
	ProcGetaddr     = 3
	ProcDumpV3      = 4
	ProcCallitV3    = 5
	ProcGettime     = 6
	ProcUaddr2taddr = 7
	ProcTaddr2uaddr = 8
	ProcGetversaddr = 9
	ProcIndirect    = 10
	ProcGetaddrlist = 11
	ProcGetstat     = 12
)

// Mapping is the portmap v2 registration unit: prog/vers/prot resolve to a
// port. Prot is IPPROTO_TCP (6) or IPPROTO_UDP (17).
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// EncodeMapping writes a Mapping struct.
func EncodeMapping(enc *xdr.Encoder, m Mapping) error {
	if err := enc.PutWord(m.Prog); err != nil {
		return err
	}
	if err := enc.PutWord(m.Vers); err != nil {
		return err
	}
	if err := enc.PutWord(m.Prot); err != nil {
		return err
	}
	return enc.PutWord(m.Port)
}

// DecodeMapping reads a Mapping struct.
func DecodeMapping(dec *xdr.Decoder) (Mapping, error) {
	var m Mapping
	var err error
	if m.Prog, err = dec.GetWord(); err != nil {
		return m, err
	}
	if m.Vers, err = dec.GetWord(); err != nil {
		return m, err
	}
	if m.Prot, err = dec.GetWord(); err != nil {
		return m, err
	}
	if m.Port, err = dec.GetWord(); err != nil {
		return m, err
	}
	return m, nil
}

// EncodeMappingList writes the pmaplist linked-list form: a sequence of
// (more=true, mapping) pairs terminated by more=false.
func EncodeMappingList(enc *xdr.Encoder, mappings []Mapping) error {
	for i := range mappings {
		if err := enc.PutOptional(true, func() error { return EncodeMapping(enc, mappings[i]) }); err != nil {
			return err
		}
	}
	return enc.PutOptional(false, nil)
}

// DecodeMappingList reads the pmaplist linked-list form.
func DecodeMappingList(dec *xdr.Decoder) ([]Mapping, error) {
	var out []Mapping
	for {
		present, err := dec.GetOptional(func() error {
			m, err := DecodeMapping(dec)
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !present {
			return out, nil
		}
	}
}
