package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// verifyPeer checks the chain the client presented against the trust
// anchors and the CRL. It returns the leaf when the chain verifies, nil
// with a nil error when no certificate was presented.
func verifyPeer(state tls.ConnectionState, creds *X509Credentials) (*x509.Certificate, error) {
	certs := state.PeerCertificates
	if len(certs) == 0 {
		return nil, nil
	}
	leaf := certs[0]

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         creds.TrustAnchors,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, NewClientAuthError("chain verification failed", err)
	}
	for _, chain := range chains {
		if creds.revoked(chain) {
			return nil, NewClientAuthError("certificate revoked", errors.New("serial listed in CRL"))
		}
	}
	return leaf, nil
}

// sessionInfo describes a completed X509 handshake. Peer DNs are filled
// from leaf when it is non-nil.
func sessionInfo(state tls.ConnectionState, leaf *x509.Certificate) *SessionInfo {
	info := &SessionInfo{
		Kind:        AuthCertificates,
		Version:     versionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
	}
	for _, c := range state.PeerCertificates {
		info.PeerCertificates = append(info.PeerCertificates, certificateSummary(c))
	}
	if leaf != nil {
		info.PeerDN = leaf.Subject.String()
		info.PeerIssuerDN = leaf.Issuer.String()
		info.PeerVerified = true
	}
	return info
}

func certificateSummary(c *x509.Certificate) string {
	return fmt.Sprintf("subject=%q issuer=%q serial=%s not_after=%s",
		c.Subject.String(), c.Issuer.String(), c.SerialNumber.Text(16), c.NotAfter.UTC().Format("2006-01-02"))
}
