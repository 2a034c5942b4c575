package kerberos

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/oncrpcd/oncrpc/pkg/config"
	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
)

// IdentityMapper converts a Kerberos principal to a local identity.
//
// Implementations map authenticated Kerberos principals (e.g., "alice@EXAMPLE.COM")
// to Unix-style identities (UID/GID) for RPC permission checks.
type IdentityMapper interface {
	// MapPrincipal maps a Kerberos principal and realm to a local identity.
	//
	// Parameters:
	//   - principal: The Kerberos principal name (e.g., "alice")
	//   - realm: The Kerberos realm (e.g., "EXAMPLE.COM")
	//
	// Returns:
	//   - *rpcauth.Identity: The mapped local identity with UID/GID
	//   - error: If mapping fails (should be rare for static mapper)
	MapPrincipal(principal string, realm string) (*rpcauth.Identity, error)
}

// StaticMapper implements IdentityMapper using a static configuration map.
//
// Principals are looked up in the configured static map using the key
// format "principal@realm". If a match is found, the configured UID/GID/GIDs
// are returned. Otherwise, the default UID/GID is used.
//
// This is suitable for small deployments with a known set of users.
// For larger deployments, consider LDAP or nsswitch-based mappers.
type StaticMapper struct {
	staticMap  map[string]config.StaticIdentity
	defaultUID uint32
	defaultGID uint32
}

// NewStaticMapper creates a new static identity mapper from configuration.
func NewStaticMapper(cfg *config.IdentityMappingConfig) *StaticMapper {
	staticMap := cfg.StaticMap
	if staticMap == nil {
		staticMap = make(map[string]config.StaticIdentity)
	}

	return &StaticMapper{
		staticMap:  staticMap,
		defaultUID: cfg.DefaultUID,
		defaultGID: cfg.DefaultGID,
	}
}

// MapPrincipal maps a Kerberos principal to a Unix identity.
//
// Lookup key format: "principal@realm" (e.g., "alice@EXAMPLE.COM").
//
// If found in the static map, returns an Identity with the configured
// UID, GID, and supplementary GIDs. Otherwise returns DefaultUID/DefaultGID
// (typically 65534/nobody).
func (m *StaticMapper) MapPrincipal(principal string, realm string) (*rpcauth.Identity, error) {
	key := fmt.Sprintf("%s@%s", principal, realm)

	if entry, ok := m.staticMap[key]; ok {
		uid := entry.UID
		gid := entry.GID
		var gids []uint32
		if len(entry.GIDs) > 0 {
			gids = make([]uint32, len(entry.GIDs))
			copy(gids, entry.GIDs)
		}
		return &rpcauth.Identity{
			UID:       &uid,
			GID:       &gid,
			GIDs:      gids,
			Username:  principal,
			Principal: principal,
			Realm:     realm,
		}, nil
	}

	uid := m.defaultUID
	gid := m.defaultGID
	return &rpcauth.Identity{
		UID:       &uid,
		GID:       &gid,
		Username:  principal,
		Principal: principal,
		Realm:     realm,
	}, nil
}

// LocalMapper implements IdentityMapper against the host's own user
// database: the principal name is looked up as a local account and its
// uid, primary gid, and group list become the RPC identity. Principals
// with no local account map to nobody (65534/65534) rather than failing,
// so an unmapped-but-authenticated caller is distinguishable from an
// unauthenticated one.
type LocalMapper struct{}

// NewLocalMapper creates a mapper backed by the local password database.
func NewLocalMapper() *LocalMapper { return &LocalMapper{} }

// MapPrincipal resolves principal as a local username, ignoring realm:
// hosts joined to one realm name their accounts after the principal's
// first component.
func (m *LocalMapper) MapPrincipal(principal string, realm string) (*rpcauth.Identity, error) {
	u, err := user.Lookup(principal)
	if err != nil {
		uid, gid := uint32(65534), uint32(65534)
		return &rpcauth.Identity{
			UID:       &uid,
			GID:       &gid,
			Username:  principal,
			Principal: principal,
			Realm:     realm,
		}, nil
	}

	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("kerberos: non-numeric uid %q for %s: %w", u.Uid, principal, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("kerberos: non-numeric gid %q for %s: %w", u.Gid, principal, err)
	}

	var gids []uint32
	if groups, gerr := u.GroupIds(); gerr == nil {
		for _, g := range groups {
			if g64, perr := strconv.ParseUint(g, 10, 32); perr == nil {
				gids = append(gids, uint32(g64))
			}
		}
	}

	uid, gid := uint32(uid64), uint32(gid64)
	return &rpcauth.Identity{
		UID:       &uid,
		GID:       &gid,
		GIDs:      gids,
		Username:  u.Username,
		Principal: principal,
		Realm:     realm,
	}, nil
}

var _ IdentityMapper = (*LocalMapper)(nil)
