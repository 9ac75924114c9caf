package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Files looked for in a certificate directory.
const (
	CACertFile     = "ca-cert.pem"
	ServerCertFile = "server-cert.pem"
	ServerKeyFile  = "server-key.pem"
	CRLFile        = "ca-crl.pem"
)

// SystemCertificatesDir is probed when running as root.
const SystemCertificatesDir = "/etc/pki"

// X509Credentials is a loaded certificate directory.
type X509Credentials struct {
	Dir          string
	TrustAnchors *x509.CertPool
	Certificate  tls.Certificate
	// CRL is nil when the directory has no ca-crl.pem.
	CRL *x509.RevocationList
}

// ServerCredentials are the credentials every session binds to. They are
// never modified after loading.
type ServerCredentials struct {
	Kind AuthKind
	X509 *X509Credentials
	PSK  *PSKCredentials
}

// CertificateDirs returns the directories probed for certificates, in
// order. An explicit directory is the only candidate when set. Otherwise
// unprivileged users get $HOME/.pki/<product> then
// $HOME/.config/pki/<product>, and root gets the system directory.
func CertificateDirs(explicit, product string, euid int, home string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	if product == "" {
		product = DefaultProduct
	}
	if euid != 0 {
		if home == "" {
			return nil
		}
		return []string{
			filepath.Join(home, ".pki", product),
			filepath.Join(home, ".config", "pki", product),
		}
	}
	return []string{filepath.Join(SystemCertificatesDir, product)}
}

// LoadCertificates loads the first directory holding ca-cert.pem,
// server-cert.pem and server-key.pem. Directories missing any of them are
// skipped. Once a directory qualifies, any load problem is returned as is.
// found is false when no directory qualified.
func LoadCertificates(dirs []string) (creds *X509Credentials, found bool, err error) {
	for _, dir := range dirs {
		if !certificateDirPresent(dir) {
			continue
		}
		creds, err := loadCertificateDir(dir)
		return creds, true, err
	}
	return nil, false, nil
}

func certificateDirPresent(dir string) bool {
	for _, name := range []string{CACertFile, ServerCertFile, ServerKeyFile} {
		if !readable(filepath.Join(dir, name)) {
			return false
		}
	}
	return true
}

func readable(path string) bool {
	// #nosec G304 -- probing operator-configured certificate paths
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func loadCertificateDir(dir string) (*X509Credentials, error) {
	caPath := filepath.Join(dir, CACertFile)
	anchors, err := readCertificates(caPath)
	if err != nil {
		return nil, NewCertificateLoadError(caPath, err)
	}
	pool := x509.NewCertPool()
	for _, c := range anchors {
		pool.AddCert(c)
	}

	creds := &X509Credentials{Dir: dir, TrustAnchors: pool}

	crlPath := filepath.Join(dir, CRLFile)
	if readable(crlPath) {
		crl, err := readCRL(crlPath, anchors)
		if err != nil {
			return nil, NewCertificateLoadError(crlPath, err)
		}
		creds.CRL = crl
	}

	certPath := filepath.Join(dir, ServerCertFile)
	keyPath := filepath.Join(dir, ServerKeyFile)
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, NewCertificateLoadError(certPath, err).WithContext("key_file", keyPath)
	}
	creds.Certificate = pair

	return creds, nil
}

func readCertificates(path string) ([]*x509.Certificate, error) {
	// #nosec G304 -- operator-configured certificate path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found")
	}
	return certs, nil
}

// readCRL parses a PEM CRL and checks it was signed by one of the trust
// anchors.
func readCRL(path string, anchors []*x509.Certificate) (*x509.RevocationList, error) {
	// #nosec G304 -- operator-configured certificate path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "X509 CRL" {
		return nil, errors.New("no X509 CRL block found")
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CRL: %w", err)
	}
	for _, ca := range anchors {
		if crl.CheckSignatureFrom(ca) == nil {
			return crl, nil
		}
	}
	return nil, errors.New("CRL is not signed by a trusted CA")
}

// revoked reports whether any certificate in chain appears in the CRL.
func (c *X509Credentials) revoked(chain []*x509.Certificate) bool {
	if c.CRL == nil {
		return false
	}
	for _, cert := range chain {
		for _, entry := range c.CRL.RevokedCertificateEntries {
			if entry.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 &&
				string(cert.RawIssuer) == string(c.CRL.RawIssuer) {
				return true
			}
		}
	}
	return false
}

// ResolvePSKPath makes path absolute and resolves symlinks. The file must
// exist.
func ResolvePSKPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
