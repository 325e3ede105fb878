package pki

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"time"
)

// Info summarises a certificate for operators.
type Info struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	DNSNames    []string
	IPAddresses []net.IP
	IsCA        bool
	Fingerprint string
}

// Expired reports whether the certificate is outside its validity window at now.
func (i *Info) Expired(now time.Time) bool {
	return now.Before(i.NotBefore) || now.After(i.NotAfter)
}

// Inspect reads the certificates of a PEM file.
func Inspect(path string) ([]*Info, error) {
	//nolint:gosec // Path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	var infos []*Info
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
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		sum := sha256.Sum256(cert.Raw)
		infos = append(infos, &Info{
			Subject:     cert.Subject.String(),
			Issuer:      cert.Issuer.String(),
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
			DNSNames:    cert.DNSNames,
			IPAddresses: cert.IPAddresses,
			IsCA:        cert.IsCA,
			Fingerprint: hex.EncodeToString(sum[:]),
		})
	}

	if len(infos) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return infos, nil
}
