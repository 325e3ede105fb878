package policy

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"slices"
	"time"
)

// DefaultHandshakeTimeout bounds a handshake when the settings leave it unset.
const DefaultHandshakeTimeout = 10 * time.Second

// Identity is the certificate chain and private key presented to peers. The
// chain is kept PEM encoded, leaf first; tls.X509KeyPair turns it into a usable
// certificate when a negotiation context is built.
type Identity struct {
	CertPEM []byte
	KeyPEM  []byte
	Leaf    *x509.Certificate
	Source  string
}

// Fingerprint returns the SHA-256 fingerprint of the leaf certificate.
func (id *Identity) Fingerprint() string {
	if id == nil || id.Leaf == nil {
		return ""
	}
	sum := sha256.Sum256(id.Leaf.Raw)
	return hex.EncodeToString(sum[:])
}

func (id *Identity) clone() *Identity {
	if id == nil {
		return nil
	}
	out := *id
	out.CertPEM = slices.Clone(id.CertPEM)
	out.KeyPEM = slices.Clone(id.KeyPEM)
	return &out
}

// TrustAnchors are the issuers accepted when verifying a peer chain.
type TrustAnchors struct {
	Certificates []*x509.Certificate
	Source       string
	pool         *x509.CertPool
}

// NewTrustAnchors builds anchors from parsed certificates.
func NewTrustAnchors(source string, certs []*x509.Certificate) *TrustAnchors {
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return &TrustAnchors{
		Certificates: slices.Clone(certs),
		Source:       source,
		pool:         pool,
	}
}

func (t *TrustAnchors) clone() *TrustAnchors {
	if t == nil {
		return nil
	}
	out := *t
	out.Certificates = slices.Clone(t.Certificates)
	return &out
}

// Pool returns the certificate pool handle shared by every connection.
func (t *TrustAnchors) Pool() *x509.CertPool {
	if t == nil {
		return nil
	}
	return t.pool
}

// Options are the inputs to New.
type Options struct {
	Protocols            []ProtocolVersion
	Ciphers              []CipherSuite
	Identity             *Identity
	TrustAnchors         *TrustAnchors
	RequireClientAuth    bool
	VerifyHostname       bool
	AllowInsecureCiphers bool
	HandshakeTimeout     time.Duration
}

// PolicySpec is an immutable TLS policy. Accessors return copies. Order of
// protocols and ciphers is kept as declared for reporting; the Go engine
// chooses its own preference among the allowed entries.
type PolicySpec struct {
	protocols            []ProtocolVersion
	ciphers              []CipherSuite
	identity             *Identity
	trustAnchors         *TrustAnchors
	requireClientAuth    bool
	verifyHostname       bool
	allowInsecureCiphers bool
	handshakeTimeout     time.Duration
}

// New builds a PolicySpec from opts. Duplicate entries are dropped keeping the
// first occurrence. The result is not validated; see Validate.
func New(opts Options) *PolicySpec {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	return &PolicySpec{
		protocols:            dedupe(opts.Protocols, func(p ProtocolVersion) string { return p.Name }),
		ciphers:              dedupe(opts.Ciphers, func(c CipherSuite) string { return c.Name }),
		identity:             opts.Identity.clone(),
		trustAnchors:         opts.TrustAnchors.clone(),
		requireClientAuth:    opts.RequireClientAuth,
		verifyHostname:       opts.VerifyHostname,
		allowInsecureCiphers: opts.AllowInsecureCiphers,
		handshakeTimeout:     timeout,
	}
}

func (s *PolicySpec) Protocols() []ProtocolVersion { return slices.Clone(s.protocols) }
func (s *PolicySpec) Ciphers() []CipherSuite       { return slices.Clone(s.ciphers) }
func (s *PolicySpec) Identity() *Identity          { return s.identity.clone() }
func (s *PolicySpec) TrustAnchors() *TrustAnchors  { return s.trustAnchors.clone() }
func (s *PolicySpec) RequireClientAuth() bool      { return s.requireClientAuth }
func (s *PolicySpec) VerifyHostname() bool         { return s.verifyHostname }
func (s *PolicySpec) AllowInsecureCiphers() bool   { return s.allowInsecureCiphers }
func (s *PolicySpec) HandshakeTimeout() time.Duration {
	return s.handshakeTimeout
}

// ProtocolNames returns the allowed protocol names in preference order.
func (s *PolicySpec) ProtocolNames() []string {
	out := make([]string, len(s.protocols))
	for i, p := range s.protocols {
		out[i] = p.Name
	}
	return out
}

// CipherNames returns the allowed cipher suite names in preference order.
func (s *PolicySpec) CipherNames() []string {
	out := make([]string, len(s.ciphers))
	for i, c := range s.ciphers {
		out[i] = c.Name
	}
	return out
}

// AllowsProtocol reports whether the wire version is in the allow-list.
func (s *PolicySpec) AllowsProtocol(version uint16) bool {
	return slices.ContainsFunc(s.protocols, func(p ProtocolVersion) bool { return p.Version == version })
}

// AllowsCipher reports whether the wire cipher identifier is in the allow-list.
func (s *PolicySpec) AllowsCipher(id uint16) bool {
	return slices.ContainsFunc(s.ciphers, func(c CipherSuite) bool { return c.Supported && c.ID == id })
}

// EngineBounds returns the lowest and highest allowed protocol versions.
func (s *PolicySpec) EngineBounds() (minVersion, maxVersion uint16) {
	for _, p := range s.protocols {
		if p.Denied() {
			continue
		}
		if minVersion == 0 || p.Version < minVersion {
			minVersion = p.Version
		}
		if p.Version > maxVersion {
			maxVersion = p.Version
		}
	}
	return minVersion, maxVersion
}

// EngineCipherSuites returns the allowed TLS 1.0-1.2 suite identifiers in
// declared order. The Go engine applies its own preference among them and
// TLS 1.3 suites are not configurable at all.
func (s *PolicySpec) EngineCipherSuites() []uint16 {
	var ids []uint16
	for _, c := range s.ciphers {
		if c.Supported && !c.TLS13() && !c.Denied() {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// AllowsTLS13 reports whether TLS 1.3 is in the protocol allow-list.
func (s *PolicySpec) AllowsTLS13() bool {
	return s.AllowsProtocol(tls.VersionTLS13)
}

func dedupe[T any](in []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, item := range in {
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}
