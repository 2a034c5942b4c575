package kerberos

import (
	"testing"

	"github.com/oncrpcd/oncrpc/pkg/config"
)

func TestStaticMapperKnownPrincipal(t *testing.T) {
	m := NewStaticMapper(&config.IdentityMappingConfig{
		StaticMap: map[string]config.StaticIdentity{
			"alice@EXAMPLE.COM": {UID: 1000, GID: 100, GIDs: []uint32{100, 4}},
		},
		DefaultUID: 65534,
		DefaultGID: 65534,
	})

	id, err := m.MapPrincipal("alice", "EXAMPLE.COM")
	if err != nil {
		t.Fatalf("MapPrincipal: %v", err)
	}
	if id.UID == nil || *id.UID != 1000 || id.GID == nil || *id.GID != 100 {
		t.Fatalf("mapped identity wrong: %+v", id)
	}
	if len(id.GIDs) != 2 {
		t.Fatalf("supplementary gids not copied: %v", id.GIDs)
	}
	if id.Principal != "alice" || id.Realm != "EXAMPLE.COM" {
		t.Fatalf("principal/realm not carried: %+v", id)
	}
}

func TestStaticMapperUnknownPrincipalDefaults(t *testing.T) {
	m := NewStaticMapper(&config.IdentityMappingConfig{DefaultUID: 65534, DefaultGID: 65534})

	id, err := m.MapPrincipal("mallory", "EXAMPLE.COM")
	if err != nil {
		t.Fatalf("MapPrincipal: %v", err)
	}
	if id.UID == nil || *id.UID != 65534 || id.GID == nil || *id.GID != 65534 {
		t.Fatalf("unknown principal must map to the default identity: %+v", id)
	}
}

func TestLocalMapperUnknownAccountMapsToNobody(t *testing.T) {
	m := NewLocalMapper()

	id, err := m.MapPrincipal("no-such-user-for-sure-4821", "EXAMPLE.COM")
	if err != nil {
		t.Fatalf("MapPrincipal: %v", err)
	}
	if id.UID == nil || *id.UID != 65534 {
		t.Fatalf("unmapped principal must become nobody, got %+v", id)
	}
	if id.Principal != "no-such-user-for-sure-4821" {
		t.Fatalf("principal not carried: %+v", id)
	}
}

func TestLocalMapperKnownAccount(t *testing.T) {
	m := NewLocalMapper()

	// root exists on every platform the tests run on.
	id, err := m.MapPrincipal("root", "EXAMPLE.COM")
	if err != nil {
		t.Fatalf("MapPrincipal: %v", err)
	}
	if id.UID == nil || *id.UID != 0 {
		t.Fatalf("root must map to uid 0, got %+v", id)
	}
	if id.Username != "root" {
		t.Fatalf("username not resolved: %+v", id)
	}
}
