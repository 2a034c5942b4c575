package rpcwire

import (
	"fmt"

	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// MaxMachineNameLen and MaxGIDs bound the AUTH_SYS credential body per the
// conventional limits most ONC-RPC implementations (and this one) enforce,
// even though RFC 5531 itself only bounds the overall opaque_auth body to
// MaxAuthBodyLen.
const (
	MaxMachineNameLen = 255
	MaxGIDs           = 16
)

// UnixAuth is the AUTH_SYS (flavor 1) credential body.
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

func (a *UnixAuth) String() string {
	return fmt.Sprintf("UnixAuth{stamp=%d machine=%q uid=%d gid=%d gids=%v}",
		a.Stamp, a.MachineName, a.UID, a.GID, a.GIDs)
}

// EncodeUnixAuth marshals a UnixAuth credential body to its XDR wire form,
// suitable for OpaqueAuth.Body.
func EncodeUnixAuth(a *UnixAuth) ([]byte, error) {
	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutWord(a.Stamp); err != nil {
		return nil, err
	}
	if err := enc.PutString(a.MachineName, MaxMachineNameLen); err != nil {
		return nil, err
	}
	if err := enc.PutWord(a.UID); err != nil {
		return nil, err
	}
	if err := enc.PutWord(a.GID); err != nil {
		return nil, err
	}
	if err := enc.PutArray(len(a.GIDs), MaxGIDs, func(i int) error {
		return enc.PutWord(a.GIDs[i])
	}); err != nil {
		return nil, err
	}
	return sink.(interface{ Bytes() []byte }).Bytes(), nil
}

// ParseUnixAuth decodes an AUTH_SYS credential body.
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("rpcwire: empty AUTH_SYS credential body")
	}
	dec := xdr.NewDecoder(xdr.NewSliceSource(body))

	stamp, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read stamp: %w", err)
	}
	machine, err := dec.GetString(MaxMachineNameLen)
	if err != nil {
		return nil, fmt.Errorf("rpcwire: machine name too long or malformed: %w", err)
	}
	uid, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read uid: %w", err)
	}
	gid, err := dec.GetWord()
	if err != nil {
		return nil, fmt.Errorf("rpcwire: read gid: %w", err)
	}
	var gids []uint32
	if _, err := dec.GetArray(MaxGIDs, func(i int) error {
		v, err := dec.GetWord()
		if err != nil {
			return err
		}
		gids = append(gids, v)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("rpcwire: too many gids: %w", err)
	}
	if gids == nil {
		gids = []uint32{}
	}

	return &UnixAuth{
		Stamp:       stamp,
		MachineName: machine,
		UID:         uid,
		GID:         gid,
		GIDs:        gids,
	}, nil
}
