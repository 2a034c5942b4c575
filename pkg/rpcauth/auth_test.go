package rpcauth

import (
	"testing"

	"github.com/oncrpcd/oncrpc/pkg/rpcwire"
	"github.com/oncrpcd/oncrpc/pkg/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeArgs(t *testing.T, word uint32) []byte {
	t.Helper()
	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	require.NoError(t, enc.PutWord(word))
	return sink.(interface{ Bytes() []byte }).Bytes()
}

func TestNoneAuthValidateAuthAlwaysGenerationOne(t *testing.T) {
	var a NoneAuth
	gen, err := a.ValidateAuth(false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gen)

	gen, err = a.ValidateAuth(true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gen)
}

func TestNoneAuthProcessCallWritesNullCredAndVerf(t *testing.T) {
	var a NoneAuth
	sink := xdr.NewSliceSink(0)
	var seq uint32
	ok, err := a.ProcessCall(sink, 7, 100003, 4, 1, 1, encodeArgs(t, 0xabcd), ProtectionDefault, &seq)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), seq)

	dec := xdr.NewDecoder(xdr.NewSliceSource(sink.(interface{ Bytes() []byte }).Bytes()))
	xid, err := dec.GetWord()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), xid)

	call, err := rpcwire.DecodeCall(dec, xid)
	require.NoError(t, err)
	assert.Equal(t, rpcwire.AuthNone, call.Body.Cred.Flavor)
	assert.Empty(t, call.Body.Cred.Body)
	assert.Equal(t, rpcwire.AuthNone, call.Body.Verf.Flavor)
}

func TestNoneAuthProcessCallRejectsIntegrityAndPrivacy(t *testing.T) {
	var a NoneAuth
	sink := xdr.NewSliceSink(0)
	var seq uint32

	_, err := a.ProcessCall(sink, 1, 100003, 4, 1, 1, nil, ProtectionIntegrity, &seq)
	require.Error(t, err)
	var unsupported *UnsupportedProtectionError
	assert.ErrorAs(t, err, &unsupported)

	_, err = a.ProcessCall(sink, 1, 100003, 4, 1, 1, nil, ProtectionPrivacy, &seq)
	require.Error(t, err)
	assert.ErrorAs(t, err, &unsupported)
}

func TestNoneAuthProcessReplyReturnsBodyVerbatim(t *testing.T) {
	var a NoneAuth
	body := encodeArgs(t, 0x11223344)
	dec := xdr.NewDecoder(xdr.NewSliceSource(body))
	results, ok, err := a.ProcessReply(dec, rpcwire.NullAuth, 0, 1, ProtectionDefault)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, body, results)
}

func TestNoneAuthAuthErrorNeverRecovers(t *testing.T) {
	var a NoneAuth
	assert.False(t, a.AuthError(1, rpcwire.AuthBadCred))
}

func TestSysAuthProcessCallWritesAuthSysCred(t *testing.T) {
	a := NewSysAuth(12345, "testhost", 1000, 1000, []uint32{4, 24})
	sink := xdr.NewSliceSink(0)
	var seq uint32
	ok, err := a.ProcessCall(sink, 9, 100003, 4, 2, 1, encodeArgs(t, 1), ProtectionDefault, &seq)
	require.NoError(t, err)
	assert.True(t, ok)

	dec := xdr.NewDecoder(xdr.NewSliceSource(sink.(interface{ Bytes() []byte }).Bytes()))
	xid, err := dec.GetWord()
	require.NoError(t, err)
	call, err := rpcwire.DecodeCall(dec, xid)
	require.NoError(t, err)

	assert.Equal(t, rpcwire.AuthSys, call.Body.Cred.Flavor)
	parsed, err := rpcwire.ParseUnixAuth(call.Body.Cred.Body)
	require.NoError(t, err)
	assert.Equal(t, "testhost", parsed.MachineName)
	assert.Equal(t, uint32(1000), parsed.UID)
	assert.Equal(t, []uint32{4, 24}, parsed.GIDs)
	assert.Equal(t, rpcwire.AuthNone, call.Body.Verf.Flavor)
}

func TestSysAuthRejectsIntegrityAndPrivacy(t *testing.T) {
	a := NewSysAuth(1, "h", 0, 0, nil)
	sink := xdr.NewSliceSink(0)
	var seq uint32
	_, err := a.ProcessCall(sink, 1, 100003, 4, 1, 1, nil, ProtectionPrivacy, &seq)
	require.Error(t, err)
	var unsupported *UnsupportedProtectionError
	assert.ErrorAs(t, err, &unsupported)
	assert.Equal(t, rpcwire.AuthSys, unsupported.Flavor)
}

func TestSysAuthValidateAuthAlwaysGenerationOne(t *testing.T) {
	a := NewSysAuth(1, "h", 0, 0, nil)
	gen, err := a.ValidateAuth(false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gen)
}

func TestProtectionLevelString(t *testing.T) {
	assert.Equal(t, "NONE", ProtectionNone.String())
	assert.Equal(t, "INTEGRITY", ProtectionIntegrity.String())
	assert.Equal(t, "PRIVACY", ProtectionPrivacy.String())
	assert.Equal(t, "DEFAULT", ProtectionDefault.String())
}

func TestSequencedByFlavor(t *testing.T) {
	if (NoneAuth{}).Sequenced() {
		t.Fatal("AUTH_NONE must not be sequenced")
	}
	if NewSysAuth(1, "host", 0, 0, nil).Sequenced() {
		t.Fatal("AUTH_SYS must not be sequenced")
	}
	if !(&GssAuth{}).Sequenced() {
		t.Fatal("RPCSEC_GSS must be sequenced")
	}
}
