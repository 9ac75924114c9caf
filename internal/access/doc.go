// Package access implements connection admission rules.
//
// Operators configure two ordered rule lists, allow and deny. A peer is
// admitted if any allow rule matches it. Otherwise it is rejected if any
// deny rule matches it. A peer matched by neither list is admitted, so an
// empty configuration imposes no restriction at all.
//
// Rules that inspect TLS certificate identity (dn: and issuer-dn:) can only
// be evaluated once the handshake has completed. Their presence moves
// evaluation from the early (preconnect) admission point to the late one.
package access
