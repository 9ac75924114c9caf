package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Extra files written by GenerateCertificateDirectory. The server never
// reads them.
const (
	CAKeyFile      = "ca-key.pem"
	ClientCertFile = "client-cert.pem"
	ClientKeyFile  = "client-key.pem"
)

// CertificateGenerationOptions contains options for generating certificates
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	SerialNumber *big.Int
	// Parent signs the certificate. It is self-signed when nil.
	Parent *GeneratedCertificate
}

// GeneratedCertificate is a certificate with its key, parsed and PEM
// encoded.
type GeneratedCertificate struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateCertificate creates an ECDSA P-256 certificate.
func GenerateCertificate(opts CertificateGenerationOptions) (*GeneratedCertificate, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.SerialNumber == nil {
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
		opts.SerialNumber = serial
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	case opts.IsClientCert:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
			template.DNSNames = []string{"localhost"}
			template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		}
	}

	parent, signer := template, crypto.Signer(key)
	if opts.Parent != nil {
		parent, signer = opts.Parent.Cert, opts.Parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &GeneratedCertificate{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// WriteCertificateFiles writes certificate and key to files
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// GeneratedPKI is the result of GenerateCertificateDirectory.
type GeneratedPKI struct {
	Dir    string
	CA     *GeneratedCertificate
	Server *GeneratedCertificate
	Client *GeneratedCertificate
}

// PKIOptions names the generated certificates.
type PKIOptions struct {
	Organization string
	ServerName   string
	ClientName   string
	ValidFor     time.Duration
}

// GenerateCertificateDirectory creates a CA and a server certificate
// signed by it, laid out the way LoadCertificates expects, plus a client
// certificate and the CA key for issuing more.
func GenerateCertificateDirectory(dir string, opts PKIOptions) (*GeneratedPKI, error) {
	if opts.ServerName == "" {
		opts.ServerName = "localhost"
	}
	if opts.ClientName == "" {
		opts.ClientName = "client"
	}
	var org []string
	if opts.Organization != "" {
		org = []string{opts.Organization}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	ca, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   opts.ServerName + " CA",
		Organization: org,
		IsCA:         true,
		ValidFor:     max(opts.ValidFor, 10*365*24*time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	server, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   opts.ServerName,
		Organization: org,
		DNSNames:     serverDNSNames(opts.ServerName),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		ValidFor:     opts.ValidFor,
		Parent:       ca,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}
	client, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   opts.ClientName,
		Organization: org,
		IsClientCert: true,
		ValidFor:     opts.ValidFor,
		Parent:       ca,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate client certificate: %w", err)
	}

	files := []struct {
		cert, key string
		c         *GeneratedCertificate
	}{
		{CACertFile, CAKeyFile, ca},
		{ServerCertFile, ServerKeyFile, server},
		{ClientCertFile, ClientKeyFile, client},
	}
	for _, f := range files {
		if err := WriteCertificateFiles(f.c.CertPEM, f.c.KeyPEM, filepath.Join(dir, f.cert), filepath.Join(dir, f.key)); err != nil {
			return nil, err
		}
	}
	return &GeneratedPKI{Dir: dir, CA: ca, Server: server, Client: client}, nil
}

func serverDNSNames(name string) []string {
	if net.ParseIP(name) != nil || name == "localhost" {
		return []string{"localhost"}
	}
	return []string{name, "localhost"}
}

// WriteCRL writes ca-crl.pem into dir, signed by ca, revoking serials.
func WriteCRL(dir string, ca *GeneratedCertificate, serials ...*big.Int) error {
	now := time.Now()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(now.Unix()),
		ThisUpdate: now.Add(-time.Minute),
		NextUpdate: now.Add(7 * 24 * time.Hour),
	}
	for _, s := range serials {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   s,
			RevocationTime: now.Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.Cert, ca.Key)
	if err != nil {
		return fmt.Errorf("failed to create CRL: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, CRLFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write CRL: %w", err)
	}
	return nil
}

// GeneratePSK returns a random key of size bytes, hex encoded for a PSK
// file line.
func GeneratePSK(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// AppendPSK adds a username:hexkey line to the PSK file at path, creating
// it with owner-only permissions.
func AppendPSK(path, username, hexKey string) error {
	if username == "" {
		return errors.New("username must not be empty")
	}
	for _, r := range username {
		if r == ':' || r == '\n' {
			return fmt.Errorf("username %q contains %q", username, r)
		}
	}
	// #nosec G304 -- operator-supplied key file
	if existing, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(existing), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), username+":") {
				return fmt.Errorf("username %q already present in %s", username, path)
			}
		}
	}
	// #nosec G304 -- operator-supplied key file
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s:%s\n", username, hexKey); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
