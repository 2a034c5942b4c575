package gss

import (
	"encoding/asn1"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/internal/logger"
	"github.com/oncrpcd/oncrpc/pkg/auth/kerberos"
)

// VerifiedContext is the result of successfully verifying an AP-REQ token
// during RPCSEC_GSS_INIT.
type VerifiedContext struct {
	// Principal is the client's Kerberos principal name (e.g. "alice").
	Principal string

	// Realm is the client's Kerberos realm (e.g. "EXAMPLE.COM").
	Realm string

	// SessionKey is the key subsequent MIC/Wrap operations on this context
	// use: the authenticator's subkey if one was sent, otherwise the
	// ticket's session key (RFC 4120).
	SessionKey types.EncryptionKey

	// APRepToken is the AP-REP token for mutual authentication, or empty if
	// the client did not request it.
	APRepToken []byte

	// HasAcceptorSubkey is true when APRepToken embeds a subkey, so MIC
	// tokens on this context must carry the acceptor-subkey flag (RFC 4121).
	HasAcceptorSubkey bool
}

// Verifier abstracts AP-REQ verification so GSSProcessor can be tested
// without a running KDC.
type Verifier interface {
	// VerifyToken verifies a GSS-API token containing an AP-REQ and, on
	// success, returns the principal and key material for the new context.
	VerifyToken(gssToken []byte) (*VerifiedContext, error)
}

// Krb5Verifier implements Verifier using gokrb5 against a keytab-backed
// kerberos.Provider.
type Krb5Verifier struct {
	provider *kerberos.Provider
}

// NewKrb5Verifier creates a verifier backed by provider's keytab.
func NewKrb5Verifier(provider *kerberos.Provider) *Krb5Verifier {
	return &Krb5Verifier{provider: provider}
}

// VerifyToken verifies a GSS-API initial context token (or raw AP-REQ) using
// the configured service keytab, and builds an AP-REP when the client set
// the mutual-authentication AP-Option.
func (v *Krb5Verifier) VerifyToken(gssToken []byte) (*VerifiedContext, error) {
	apReqBytes, err := extractAPReq(gssToken)
	if err != nil {
		return nil, fmt.Errorf("gss: extract AP-REQ: %w", err)
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(apReqBytes); err != nil {
		return nil, fmt.Errorf("gss: unmarshal AP-REQ: %w", err)
	}

	settings := service.NewSettings(
		v.provider.Keytab(),
		service.MaxClockSkew(v.provider.MaxClockSkew()),
		service.DecodePAC(false),
		service.KeytabPrincipal(v.provider.ServicePrincipal()),
	)

	ok, _, err := service.VerifyAPREQ(&apReq, settings)
	if err != nil {
		return nil, fmt.Errorf("gss: verify AP-REQ: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("gss: AP-REQ verification failed")
	}

	sessionKey := apReq.Ticket.DecryptedEncPart.Key
	if err := apReq.DecryptAuthenticator(sessionKey); err != nil {
		return nil, fmt.Errorf("gss: decrypt authenticator: %w", err)
	}

	// Per RFC 4120, a subkey in the authenticator supersedes the ticket
	// session key for every later protection operation on this context.
	contextKey := sessionKey
	if hasSubkey(apReq) {
		contextKey = apReq.Authenticator.SubKey
	}

	clientPrincipal := apReq.Ticket.DecryptedEncPart.CName.PrincipalNameString()
	clientRealm := apReq.Ticket.DecryptedEncPart.CRealm

	mutualRequired := len(apReq.APOptions.Bytes) > 0 && apReq.APOptions.Bytes[0]&0x20 != 0

	var apRepToken []byte
	var hasAcceptorSubkey bool
	if mutualRequired {
		apRepToken, err = buildAPRep(apReq, sessionKey)
		if err != nil {
			logger.Debug("gss: failed to build AP-REP, continuing without mutual auth", "error", err)
		} else {
			hasAcceptorSubkey = hasSubkey(apReq)
		}
	}

	return &VerifiedContext{
		Principal:         clientPrincipal,
		Realm:             clientRealm,
		SessionKey:        contextKey,
		APRepToken:        apRepToken,
		HasAcceptorSubkey: hasAcceptorSubkey,
	}, nil
}

// hasSubkey reports whether the authenticator carries a subkey.
func hasSubkey(apReq messages.APReq) bool {
	return apReq.Authenticator.SubKey.KeyType != 0 && len(apReq.Authenticator.SubKey.KeyValue) > 0
}

// extractAPReq strips the GSS-API initial context token wrapper (RFC 2743
// §3.1, RFC 1964 §1.1) if present, returning the raw AP-REQ. A token not
// starting with the application tag is assumed to already be a raw AP-REQ.
func extractAPReq(token []byte) ([]byte, error) {
	if len(token) < 2 {
		return nil, fmt.Errorf("token too short: %d bytes", len(token))
	}
	if token[0] != 0x60 {
		return token, nil
	}

	offset := 1
	length, bytesRead, err := parseASN1Length(token[offset:])
	if err != nil {
		return nil, fmt.Errorf("parse GSS token length: %w", err)
	}
	offset += bytesRead
	if offset+length > len(token) {
		return nil, fmt.Errorf("GSS token truncated: expected %d bytes, have %d", offset+length, len(token))
	}

	if offset >= len(token) || token[offset] != 0x06 {
		return nil, fmt.Errorf("expected OID tag 0x06 at offset %d", offset)
	}
	offset++
	if offset >= len(token) {
		return nil, fmt.Errorf("truncated OID length")
	}
	oidLen := int(token[offset])
	offset++
	offset += oidLen
	if offset > len(token) {
		return nil, fmt.Errorf("truncated after OID")
	}

	// RFC 1964 §1.1: a 2-byte token ID precedes the inner token; 0x0100 is
	// AP-REQ.
	if offset+2 > len(token) {
		return nil, fmt.Errorf("truncated token ID")
	}
	tokenID := uint16(token[offset])<<8 | uint16(token[offset+1])
	if tokenID != 0x0100 {
		return nil, fmt.Errorf("unexpected krb5 token ID: 0x%04x (expected 0x0100 for AP-REQ)", tokenID)
	}
	offset += 2

	return token[offset:], nil
}

// buildAPRep constructs the mutual-authentication reply token (RFC 4120
// §5.5.2), wrapped per RFC 1964 with token ID 0x0200.
func buildAPRep(apReq messages.APReq, sessionKey types.EncryptionKey) ([]byte, error) {
	encAPRepPart := messages.EncAPRepPart{
		CTime: apReq.Authenticator.CTime,
		Cusec: apReq.Authenticator.Cusec,
	}
	if hasSubkey(apReq) {
		// Echoing the client's subkey tells it to use the subkey, not the
		// ticket session key, for subsequent MIC/Wrap on this context.
		encAPRepPart.Subkey = apReq.Authenticator.SubKey
	}

	encAPRepPartInner, err := asn1.Marshal(encAPRepPart)
	if err != nil {
		return nil, fmt.Errorf("marshal EncAPRepPart: %w", err)
	}
	encAPRepPartBytes := asn1tools.AddASNAppTag(encAPRepPartInner, 27)

	// Key usage 12: AP-REP encrypted part (RFC 4120 §7.5.1).
	encryptedData, err := crypto.GetEncryptedData(encAPRepPartBytes, sessionKey, 12, 0)
	if err != nil {
		return nil, fmt.Errorf("encrypt EncAPRepPart: %w", err)
	}

	apRep := messages.APRep{PVNO: 5, MsgType: 15, EncPart: encryptedData}
	apRepInner, err := asn1.Marshal(apRep)
	if err != nil {
		return nil, fmt.Errorf("marshal AP-REP: %w", err)
	}
	apRepBytes := asn1tools.AddASNAppTag(apRepInner, 15)

	return wrapGSSToken(apRepBytes, 0x0200), nil
}

// wrapGSSToken wraps a Kerberos message in a GSS-API MechToken (RFC 1964):
// 0x60 [length] [krb5 OID] [token ID] [inner token].
func wrapGSSToken(innerToken []byte, tokenID uint16) []byte {
	krb5OID := []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x12, 0x01, 0x02, 0x02}
	tokenIDBytes := []byte{byte(tokenID >> 8), byte(tokenID & 0xff)}

	inner := make([]byte, 0, len(krb5OID)+len(tokenIDBytes)+len(innerToken))
	inner = append(inner, krb5OID...)
	inner = append(inner, tokenIDBytes...)
	inner = append(inner, innerToken...)

	lengthBytes := encodeASN1Length(len(inner))
	result := make([]byte, 0, 1+len(lengthBytes)+len(inner))
	result = append(result, 0x60)
	result = append(result, lengthBytes...)
	result = append(result, inner...)
	return result
}

// encodeASN1Length encodes a DER length, short or long form.
func encodeASN1Length(length int) []byte {
	if length < 128 {
		return []byte{byte(length)}
	}
	var lengthBytes []byte
	for length > 0 {
		lengthBytes = append([]byte{byte(length & 0xff)}, lengthBytes...)
		length >>= 8
	}
	return append([]byte{byte(0x80 | len(lengthBytes))}, lengthBytes...)
}

// parseASN1Length parses a DER length field, returning the value and the
// number of bytes it occupied.
func parseASN1Length(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("empty length field")
	}
	first := data[0]
	if first < 0x80 {
		return int(first), 1, nil
	}
	numBytes := int(first & 0x7f)
	if numBytes == 0 || numBytes > 4 {
		return 0, 0, fmt.Errorf("invalid ASN.1 length: %d bytes", numBytes)
	}
	if 1+numBytes > len(data) {
		return 0, 0, fmt.Errorf("truncated ASN.1 length")
	}
	length := 0
	for i := 1; i <= numBytes; i++ {
		length = (length << 8) | int(data[i])
	}
	return length, 1 + numBytes, nil
}

func firstN(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}

func lastN(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[len(b)-n:]
}
