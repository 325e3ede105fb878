package policy

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/anupis/elasticsearch/pkg/config"
)

// LoadIdentity decodes a keystore file. PEM bundles (certificate chain plus
// private key) and PKCS#12 archives are accepted.
func LoadIdentity(store config.StoreConfig) (*Identity, error) {
	data, err := readStore("ssl.keystore", store)
	if err != nil {
		return nil, err
	}

	var blocks []*pem.Block
	if isPEM(data) {
		blocks = decodePEMBlocks(data)
	} else {
		blocks, err = pkcs12.ToPEM(data, store.Password)
		if err != nil {
			return nil, keystoreDecodeError("ssl.keystore.path", store.Path, err)
		}
	}

	var certs []*pem.Block
	var key *pem.Block
	for _, block := range blocks {
		switch {
		case block.Type == "CERTIFICATE":
			certs = append(certs, block)
		case block.Type == "ENCRYPTED PRIVATE KEY":
			return nil, config.NewConfigValidationError("ssl.keystore.path", store.Path,
				"encrypted PEM private keys are not supported").
				WithSuggestion("store the key in a PKCS#12 keystore or decrypt it with openssl pkcs8")
		case strings.HasSuffix(block.Type, "PRIVATE KEY") && key == nil:
			key = block
		}
	}

	if len(certs) == 0 {
		return nil, config.NewConfigValidationError("ssl.keystore.path", store.Path, "keystore contains no certificate")
	}
	if key == nil {
		return nil, config.NewConfigValidationError("ssl.keystore.path", store.Path, "keystore contains no private key")
	}

	certs, leaf, err := orderChain(certs, key)
	if err != nil {
		return nil, config.NewConfigValidationError("ssl.keystore.path", store.Path, err.Error())
	}

	var certPEM bytes.Buffer
	for _, block := range certs {
		_ = pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: block.Bytes})
	}

	return &Identity{
		CertPEM: certPEM.Bytes(),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: key.Type, Bytes: key.Bytes}),
		Leaf:    leaf,
		Source:  store.Path,
	}, nil
}

// LoadTrustAnchors decodes a truststore: a PEM bundle or the certificate bags
// of a PKCS#12 archive.
func LoadTrustAnchors(store config.StoreConfig) (*TrustAnchors, error) {
	data, err := readStore("ssl.truststore", store)
	if err != nil {
		return nil, err
	}

	var blocks []*pem.Block
	if isPEM(data) {
		blocks = decodePEMBlocks(data)
	} else {
		blocks, err = pkcs12.ToPEM(data, store.Password)
		if err != nil {
			return nil, keystoreDecodeError("ssl.truststore.path", store.Path, err)
		}
	}

	var certs []*x509.Certificate
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, config.NewConfigValidationError("ssl.truststore.path", store.Path,
				fmt.Sprintf("parse certificate: %v", err))
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, config.NewConfigValidationError("ssl.truststore.path", store.Path, "truststore contains no certificates")
	}

	return NewTrustAnchors(store.Path, certs), nil
}

func readStore(prefix string, store config.StoreConfig) ([]byte, error) {
	path := filepath.Clean(store.Path)
	//nolint:gosec // Store paths are supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, config.NewConfigValidationError(prefix+".path", store.Path, fmt.Sprintf("read: %v", err))
	}

	if store.SHA256 != "" {
		expected := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(store.SHA256)), "sha256:")
		digest := sha256.Sum256(data)
		if hex.EncodeToString(digest[:]) != expected {
			return nil, config.NewConfigValidationError(prefix+".sha256", store.SHA256, "checksum mismatch").
				WithSuggestion("recompute the digest after replacing " + store.Path)
		}
	}

	return data, nil
}

func keystoreDecodeError(field, path string, err error) *config.ConfigError {
	cfgErr := config.NewConfigValidationError(field, path, fmt.Sprintf("decode PKCS#12: %v", err))
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		cfgErr.WithSuggestion("check the configured store password")
	}
	return cfgErr
}

func isPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}

func decodePEMBlocks(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return blocks
		}
		blocks = append(blocks, block)
	}
}

// orderChain moves the certificate matching the private key to the front.
func orderChain(certs []*pem.Block, key *pem.Block) ([]*pem.Block, *x509.Certificate, error) {
	parsed := make([]*x509.Certificate, len(certs))
	for i, block := range certs {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse certificate %d: %w", i, err)
		}
		parsed[i] = cert
	}

	pub := publicKeyOf(key)
	if pub == nil {
		return certs, parsed[0], nil
	}

	for i, cert := range parsed {
		if keyEqual(pub, cert.PublicKey) {
			ordered := append([]*pem.Block{certs[i]}, certs[:i]...)
			ordered = append(ordered, certs[i+1:]...)
			return ordered, cert, nil
		}
	}
	return certs, parsed[0], nil
}

func publicKeyOf(block *pem.Block) crypto.PublicKey {
	var key any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Public()
	case *ecdsa.PrivateKey:
		return k.Public()
	case ed25519.PrivateKey:
		return k.Public()
	default:
		return nil
	}
}

func keyEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
