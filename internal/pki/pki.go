// Package pki issues certificates for local clusters and tests: a CA plus
// node certificates usable for both server and client authentication.
package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// KeyType selects the key algorithm of an issued certificate.
type KeyType string

const (
	KeyECDSA KeyType = "ecdsa"
	KeyRSA   KeyType = "rsa"
)

// Options contains options for issuing a certificate.
type Options struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	NotBefore    time.Time
	KeyType      KeyType
	RSABits      int
	// ClientOnly restricts extended key usage to client authentication.
	ClientOnly bool
}

// Certificate is an issued certificate with its key.
type Certificate struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
	// ChainPEM is the certificate chain presented to peers, leaf first.
	ChainPEM []byte
}

// KeystorePEM returns the chain followed by the private key, the PEM
// keystore layout understood by the node.
func (c *Certificate) KeystorePEM() []byte {
	var buf bytes.Buffer
	buf.Write(c.ChainPEM)
	buf.Write(c.KeyPEM)
	return buf.Bytes()
}

// Authority signs certificates.
type Authority struct {
	Certificate
}

// NewAuthority creates a self-signed CA.
func NewAuthority(opts Options) (*Authority, error) {
	if opts.CommonName == "" {
		opts.CommonName = "shield test CA"
	}
	if opts.ValidFor == 0 {
		opts.ValidFor = 10 * 365 * 24 * time.Hour
	}

	key, err := generateKey(opts)
	if err != nil {
		return nil, err
	}

	template, err := newTemplate(opts)
	if err != nil {
		return nil, err
	}
	template.IsCA = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = nil
	template.MaxPathLenZero = true

	cert, err := sign(template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}

	issued, err := encode(cert, key)
	if err != nil {
		return nil, err
	}
	return &Authority{Certificate: *issued}, nil
}

// Issue signs a leaf certificate. Without explicit names the certificate
// covers localhost and the loopback addresses.
func (a *Authority) Issue(opts Options) (*Certificate, error) {
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if len(opts.DNSNames) == 0 && len(opts.IPAddresses) == 0 && !opts.ClientOnly {
		opts.DNSNames = []string{"localhost"}
		opts.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	key, err := generateKey(opts)
	if err != nil {
		return nil, err
	}

	template, err := newTemplate(opts)
	if err != nil {
		return nil, err
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	if _, ok := key.(*rsa.PrivateKey); ok {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	if opts.ClientOnly {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	cert, err := sign(template, a.Cert, key.Public(), a.Key)
	if err != nil {
		return nil, err
	}

	return encode(cert, key)
}

func newTemplate(opts Options) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 126))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Minute)
	}

	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(opts.ValidFor),
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}, nil
}

func generateKey(opts Options) (crypto.Signer, error) {
	switch opts.KeyType {
	case KeyRSA:
		bits := opts.RSABits
		if bits == 0 {
			bits = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		return key, nil
	case KeyECDSA, "":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", opts.KeyType)
	}
}

func sign(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func encode(cert *x509.Certificate, key crypto.Signer) (*Certificate, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	return &Certificate{
		Cert:     cert,
		Key:      key,
		CertPEM:  certPEM,
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		ChainPEM: bytes.Clone(certPEM),
	}, nil
}

// Bundle is the set of files written by WriteBundle.
type Bundle struct {
	CAFile    string
	Keystores map[string]string
	// Clients holds keystores usable only for client authentication.
	Clients map[string]string
}

// WriteNodeBundle creates a CA and one PEM keystore per node name in dir:
// ca.pem, ca-key.pem and <node>.pem (chain plus key).
func WriteNodeBundle(dir string, nodes []string, opts Options) (*Bundle, error) {
	return WriteBundle(dir, nodes, nil, opts)
}

// WriteBundle is WriteNodeBundle plus client-only keystores named
// <client>.pem for HTTP clients that must present a certificate.
func WriteBundle(dir string, nodes, clients []string, opts Options) (*Bundle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	ca, err := NewAuthority(Options{KeyType: opts.KeyType, RSABits: opts.RSABits, Organization: opts.Organization})
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}

	bundle := &Bundle{
		CAFile:    filepath.Join(dir, "ca.pem"),
		Keystores: make(map[string]string, len(nodes)),
		Clients:   make(map[string]string, len(clients)),
	}
	if err := os.WriteFile(bundle.CAFile, ca.CertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ca-key.pem"), ca.KeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write CA key: %w", err)
	}

	for _, node := range nodes {
		nodeOpts := opts
		nodeOpts.CommonName = node
		if len(nodeOpts.DNSNames) == 0 {
			nodeOpts.DNSNames = []string{node, "localhost"}
			nodeOpts.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		}
		if bundle.Keystores[node], err = writeKeystore(ca, dir, nodeOpts); err != nil {
			return nil, err
		}
	}

	for _, client := range clients {
		clientOpts := opts
		clientOpts.CommonName = client
		clientOpts.DNSNames = nil
		clientOpts.IPAddresses = nil
		clientOpts.ClientOnly = true
		if bundle.Clients[client], err = writeKeystore(ca, dir, clientOpts); err != nil {
			return nil, err
		}
	}

	return bundle, nil
}

func writeKeystore(ca *Authority, dir string, opts Options) (string, error) {
	issued, err := ca.Issue(opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate certificate for %s: %w", opts.CommonName, err)
	}
	path := filepath.Join(dir, opts.CommonName+".pem")
	if err := os.WriteFile(path, issued.KeystorePEM(), 0o600); err != nil {
		return "", fmt.Errorf("failed to write keystore for %s: %w", opts.CommonName, err)
	}
	return path, nil
}
