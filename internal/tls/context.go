package tls

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/anupis/elasticsearch/internal/policy"
)

// Role is the side of the connection a context negotiates for.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// NegotiationContext is the immutable TLS configuration derived from one
// PolicySpec for one role. It is shared read-only by every connection of a
// transport.
type NegotiationContext struct {
	role    Role
	spec    *policy.PolicySpec
	config  *tls.Config
	timeout time.Duration
}

// BuildContext derives a negotiation context from a policy. The engine is
// restricted to exactly the policy's protocols and ciphers here and nowhere
// else. The policy is validated again, so an unvalidated one with denied
// entries fails with *policy.PolicyError; unusable identity or trust material
// fails with *CryptoError.
func BuildContext(spec *policy.PolicySpec, role Role) (*NegotiationContext, error) {
	if spec == nil {
		return nil, errors.New("build tls context: nil policy")
	}
	if err := policy.Validate(spec); err != nil {
		return nil, err
	}

	minVersion, maxVersion := spec.EngineBounds()
	cfg := &tls.Config{
		MinVersion:    minVersion,
		MaxVersion:    maxVersion,
		CipherSuites:  spec.EngineCipherSuites(),
		Renegotiation: tls.RenegotiateNever,
	}
	enforce := allowListVerifier(spec)

	var identity *tls.Certificate
	if id := spec.Identity(); id != nil {
		cert, err := tls.X509KeyPair(id.CertPEM, id.KeyPEM)
		if err != nil {
			return nil, newCryptoError(ErrorTypeIdentity, "identity material is unusable", err).
				WithSuggestion(fmt.Sprintf("check that the private key in %s matches its certificate", id.Source))
		}
		identity = &cert
	}

	switch role {
	case RoleServer:
		if identity == nil {
			return nil, newCryptoError(ErrorTypeIdentity, "server role requires identity material", nil).
				WithSuggestion("configure ssl.keystore.path")
		}
		cfg.Certificates = []tls.Certificate{*identity}

		pool := spec.TrustAnchors().Pool()
		switch {
		case spec.RequireClientAuth():
			if pool == nil {
				return nil, newCryptoError(ErrorTypeTrustStore, "client authentication requires trust anchors", nil).
					WithSuggestion("configure ssl.truststore.path")
			}
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
			cfg.ClientCAs = pool
		case pool != nil:
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
			cfg.ClientCAs = pool
		default:
			cfg.ClientAuth = tls.NoClientCert
		}

		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return nil, newCryptoError(ErrorTypeEntropy, "generate session ticket key", err)
		}
		cfg.SetSessionTicketKeys([][32]byte{key})
		cfg.VerifyConnection = enforce

	case RoleClient:
		if identity != nil {
			cfg.Certificates = []tls.Certificate{*identity}
		}
		cfg.RootCAs = spec.TrustAnchors().Pool()
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)

		if spec.VerifyHostname() {
			cfg.VerifyConnection = enforce
		} else {
			// Chain-only verification: the name check is skipped, the
			// anchors are not.
			cfg.InsecureSkipVerify = true //nolint:gosec // verified in VerifyConnection
			roots := cfg.RootCAs
			cfg.VerifyConnection = func(cs tls.ConnectionState) error {
				if err := enforce(cs); err != nil {
					return err
				}
				return verifyChain(cs, roots)
			}
		}

	default:
		return nil, fmt.Errorf("build tls context: unknown role %d", role)
	}

	return &NegotiationContext{
		role:    role,
		spec:    spec,
		config:  cfg,
		timeout: spec.HandshakeTimeout(),
	}, nil
}

func (nc *NegotiationContext) Role() Role                      { return nc.role }
func (nc *NegotiationContext) Policy() *policy.PolicySpec      { return nc.spec }
func (nc *NegotiationContext) HandshakeTimeout() time.Duration { return nc.timeout }

// Config returns a copy of the engine configuration, for inspection.
func (nc *NegotiationContext) Config() *tls.Config {
	return nc.config.Clone()
}

// clientConfig returns the configuration for one outbound connection. Only
// the verification name differs per connection.
func (nc *NegotiationContext) clientConfig(serverName string) *tls.Config {
	if serverName == "" || serverName == nc.config.ServerName {
		return nc.config
	}
	cfg := nc.config.Clone()
	cfg.ServerName = serverName
	return cfg
}

// AllowListError is returned by the engine when a handshake would settle on
// a protocol or cipher outside the allow-list.
type AllowListError struct {
	Reason Reason
	Value  string
}

func (e *AllowListError) Error() string {
	return fmt.Sprintf("tls: negotiated %s %s is not allowed by policy", e.Reason, e.Value)
}

func allowListVerifier(spec *policy.PolicySpec) func(tls.ConnectionState) error {
	versions := make(map[uint16]struct{})
	for _, p := range spec.Protocols() {
		versions[p.Version] = struct{}{}
	}
	ciphers := make(map[uint16]struct{})
	for _, c := range spec.Ciphers() {
		if c.Supported {
			ciphers[c.ID] = struct{}{}
		}
	}

	return func(cs tls.ConnectionState) error {
		if _, ok := versions[cs.Version]; !ok {
			return &AllowListError{Reason: ReasonProtocol, Value: tls.VersionName(cs.Version)}
		}
		if _, ok := ciphers[cs.CipherSuite]; !ok {
			return &AllowListError{Reason: ReasonCipher, Value: tls.CipherSuiteName(cs.CipherSuite)}
		}
		return nil
	}
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: peer presented no certificate")
	}

	intermediates := x509.NewCertPool()
	for _, cert := range cs.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return &tls.CertificateVerificationError{UnverifiedCertificates: cs.PeerCertificates, Err: err}
	}
	return nil
}
