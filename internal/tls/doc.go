// Package tls authenticates and encrypts block-protocol connections.
//
// Credentials are loaded once at startup, either an X.509 certificate
// directory or a pre-shared key file, and shared read-only by every
// connection. Each connection negotiates its own session and from then on
// moves bytes through a Transport, which is either plain or secure.
//
// Client certificate verification is advisory: the handshake never fails on
// a missing or untrusted client certificate. The verified subject and issuer
// DNs are exposed for access rules to decide on instead.
package tls
