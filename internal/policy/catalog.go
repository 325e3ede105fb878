package policy

import (
	"crypto/tls"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ProtocolVersion is a named TLS/SSL protocol version.
type ProtocolVersion struct {
	Name    string
	Version uint16
}

const (
	versionSSL20 uint16 = 0x0200
	versionSSL30 uint16 = 0x0300
)

var (
	SSLv2  = ProtocolVersion{Name: "SSLv2", Version: versionSSL20}
	SSLv3  = ProtocolVersion{Name: "SSLv3", Version: versionSSL30}
	TLSv10 = ProtocolVersion{Name: "TLSv1", Version: tls.VersionTLS10}
	TLSv11 = ProtocolVersion{Name: "TLSv1.1", Version: tls.VersionTLS11}
	TLSv12 = ProtocolVersion{Name: "TLSv1.2", Version: tls.VersionTLS12}
	TLSv13 = ProtocolVersion{Name: "TLSv1.3", Version: tls.VersionTLS13}
)

var protocolsByName = map[string]ProtocolVersion{
	"sslv2":      SSLv2,
	"sslv2hello": SSLv2,
	"sslv3":      SSLv3,
	"tlsv1":      TLSv10,
	"tlsv1.0":    TLSv10,
	"tlsv1.1":    TLSv11,
	"tlsv1.2":    TLSv12,
	"tlsv1.3":    TLSv13,
}

// Denied reports whether the version belongs to the hard-denied legacy set.
func (p ProtocolVersion) Denied() bool {
	return p.Version < tls.VersionTLS10
}

func (p ProtocolVersion) String() string {
	return p.Name
}

// ParseProtocol resolves a protocol name. Legacy SSL names parse successfully
// so that validation can report them.
func ParseProtocol(name string) (ProtocolVersion, error) {
	p, ok := protocolsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ProtocolVersion{}, fmt.Errorf("unknown protocol %q", name)
	}
	return p, nil
}

// ProtocolByVersion maps a wire version onto its name.
func ProtocolByVersion(v uint16) (ProtocolVersion, bool) {
	for _, p := range []ProtocolVersion{SSLv2, SSLv3, TLSv10, TLSv11, TLSv12, TLSv13} {
		if p.Version == v {
			return p, true
		}
	}
	return ProtocolVersion{}, false
}

// SupportedProtocols lists the versions the TLS engine can negotiate, newest first.
func SupportedProtocols() []ProtocolVersion {
	return []ProtocolVersion{TLSv13, TLSv12, TLSv11, TLSv10}
}

// CipherSuite describes a cipher suite by its IANA name.
type CipherSuite struct {
	Name     string
	ID       uint16
	Versions []uint16

	Anonymous bool
	Export    bool
	Null      bool
	// Insecure marks suites the Go engine ships but flags as weak (RC4, 3DES, CBC-SHA256).
	Insecure bool
	// Supported is false for suites the Go engine cannot negotiate.
	Supported bool
}

// Denied reports whether the suite belongs to the hard-denied set.
func (c CipherSuite) Denied() bool {
	return c.Anonymous || c.Export || c.Null
}

// SupportsVersion reports whether the suite can be negotiated at version v.
func (c CipherSuite) SupportsVersion(v uint16) bool {
	return slices.Contains(c.Versions, v)
}

// TLS13 reports whether the suite is a TLS 1.3 suite.
func (c CipherSuite) TLS13() bool {
	return len(c.Versions) == 1 && c.Versions[0] == tls.VersionTLS13
}

func (c CipherSuite) String() string {
	return c.Name
}

var (
	cipherCatalog     map[string]CipherSuite
	cipherCatalogByID map[uint16]CipherSuite
	cipherCatalogList []CipherSuite

	cipherNamePattern = regexp.MustCompile(`^TLS_[A-Z0-9]+(_[A-Z0-9]+)*_WITH_[A-Z0-9_]+$`)
)

func init() {
	cipherCatalog = make(map[string]CipherSuite)
	cipherCatalogByID = make(map[uint16]CipherSuite)

	add := func(cs *tls.CipherSuite) {
		suite := classify(CipherSuite{
			Name:      cs.Name,
			ID:        cs.ID,
			Versions:  slices.Clone(cs.SupportedVersions),
			Insecure:  cs.Insecure,
			Supported: true,
		})
		cipherCatalog[cs.Name] = suite
		cipherCatalogByID[cs.ID] = suite
		cipherCatalogList = append(cipherCatalogList, suite)

		// Go 1.x spelled the ChaCha20 suites without the hash suffix.
		if strings.HasSuffix(cs.Name, "_CHACHA20_POLY1305_SHA256") && strings.Contains(cs.Name, "_WITH_") {
			cipherCatalog[strings.TrimSuffix(cs.Name, "_SHA256")] = suite
		}
	}

	for _, cs := range tls.CipherSuites() {
		add(cs)
	}
	for _, cs := range tls.InsecureCipherSuites() {
		add(cs)
	}
}

// classify sets the deny-class flags from the suite name.
func classify(c CipherSuite) CipherSuite {
	upper := strings.ToUpper(c.Name)
	c.Anonymous = strings.Contains(upper, "_ANON_")
	c.Export = strings.Contains(upper, "_EXPORT")
	c.Null = strings.Contains(upper, "_WITH_NULL_") || strings.HasPrefix(upper, "TLS_NULL_")
	return c
}

// ParseCipherSuite resolves a cipher suite name. Well-formed names the engine
// does not implement parse with Supported=false so validation can report them.
func ParseCipherSuite(name string) (CipherSuite, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if strings.HasPrefix(normalized, "SSL_") {
		normalized = "TLS_" + strings.TrimPrefix(normalized, "SSL_")
	}

	if suite, ok := cipherCatalog[normalized]; ok {
		return suite, nil
	}

	if !cipherNamePattern.MatchString(normalized) {
		return CipherSuite{}, fmt.Errorf("unknown cipher suite %q", name)
	}

	// Keep the administrator's spelling for diagnostics.
	return classify(CipherSuite{Name: strings.TrimSpace(name)}), nil
}

// CipherSuiteByID looks up an engine-supported suite by its wire identifier.
func CipherSuiteByID(id uint16) (CipherSuite, bool) {
	suite, ok := cipherCatalogByID[id]
	return suite, ok
}

// SupportedCipherSuites lists every suite the engine implements, secure suites first.
func SupportedCipherSuites() []CipherSuite {
	return slices.Clone(cipherCatalogList)
}

// DefaultProtocols is used when no protocols are configured.
func DefaultProtocols() []ProtocolVersion {
	return []ProtocolVersion{TLSv13, TLSv12}
}

var defaultCipherNames = []string{
	"TLS_AES_128_GCM_SHA256",
	"TLS_AES_256_GCM_SHA384",
	"TLS_CHACHA20_POLY1305_SHA256",
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
}

// DefaultCipherSuites is used when no cipher suites are configured.
func DefaultCipherSuites() []CipherSuite {
	out := make([]CipherSuite, 0, len(defaultCipherNames))
	for _, name := range defaultCipherNames {
		out = append(out, cipherCatalog[name])
	}
	return out
}
