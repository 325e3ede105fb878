package policy

import (
	"fmt"

	"github.com/anupis/elasticsearch/pkg/config"
)

// Load parses raw SSL settings into a PolicySpec. It fails with a
// *config.ConfigError naming the offending setting when a name is unknown,
// a store cannot be decoded, or client authentication is required without
// the material it needs. Denied entries are left for Validate to report.
func Load(settings config.SSLConfig) (*PolicySpec, error) {
	protocols := DefaultProtocols()
	if len(settings.SupportedProtocols) > 0 {
		protocols = make([]ProtocolVersion, 0, len(settings.SupportedProtocols))
		for i, name := range settings.SupportedProtocols {
			p, err := ParseProtocol(name)
			if err != nil {
				return nil, config.NewConfigValidationError(fmt.Sprintf("ssl.supported_protocols[%d]", i), name, err.Error()).
					WithSuggestion("use one of TLSv1.3, TLSv1.2, TLSv1.1, TLSv1")
			}
			protocols = append(protocols, p)
		}
	}

	ciphers := DefaultCipherSuites()
	if len(settings.Ciphers) > 0 {
		ciphers = make([]CipherSuite, 0, len(settings.Ciphers))
		for i, name := range settings.Ciphers {
			c, err := ParseCipherSuite(name)
			if err != nil {
				return nil, config.NewConfigValidationError(fmt.Sprintf("ssl.ciphers[%d]", i), name, err.Error()).
					WithSuggestion("run 'shield validate --list' to print the supported cipher suites")
			}
			ciphers = append(ciphers, c)
		}
	}

	if settings.RequireClientAuth {
		if !settings.Keystore.Configured() {
			return nil, config.NewConfigMissingError("ssl.keystore.path").
				WithSuggestion("require_client_auth needs a keystore so this node can authenticate to its peers")
		}
		if !settings.Truststore.Configured() {
			return nil, config.NewConfigMissingError("ssl.truststore.path").
				WithSuggestion("require_client_auth needs a truststore to verify client certificates")
		}
	}

	var identity *Identity
	if settings.Keystore.Configured() {
		var err error
		if identity, err = LoadIdentity(settings.Keystore); err != nil {
			return nil, err
		}
	}

	var anchors *TrustAnchors
	if settings.Truststore.Configured() {
		var err error
		if anchors, err = LoadTrustAnchors(settings.Truststore); err != nil {
			return nil, err
		}
	}

	return New(Options{
		Protocols:            protocols,
		Ciphers:              ciphers,
		Identity:             identity,
		TrustAnchors:         anchors,
		RequireClientAuth:    settings.RequireClientAuth,
		VerifyHostname:       settings.VerifyHostname,
		AllowInsecureCiphers: settings.AllowInsecureCiphers,
		HandshakeTimeout:     settings.HandshakeTimeout.Std(),
	}), nil
}
