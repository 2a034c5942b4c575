// Package kerberos is the Kerberos v5 mechanism provider behind RPCSEC_GSS:
// it loads the service keytab and krb5.conf (env overrides: ONCRPC_KERBEROS_
// KEYTAB / _PRINCIPAL / _KRB5CONF), polls the keytab file for rotation and
// hot-swaps it without dropping established contexts, and maps verified
// principals to the Unix identities procedure handlers authorize against
// (StaticMapper from configuration, LocalMapper from the host's user
// database).
//
// Wire-level RPCSEC_GSS handling — AP-REQ verification, MIC and wrap tokens,
// the sequence window — lives in pkg/gss, which consumes this package's
// Provider for keytab and configuration access. Configuration comes in as
// *config.KerberosConfig so this package stays import-cycle-free.
//
// References: RFC 2203 (RPCSEC_GSS), RFC 4121 (Kerberos v5 GSS-API).
package kerberos
