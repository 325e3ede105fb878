package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Violation is one offending policy entry.
type Violation struct {
	Setting string
	Entry   string
	Reason  string
}

func (v Violation) String() string {
	if v.Entry == "" {
		return fmt.Sprintf("%s: %s", v.Setting, v.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Setting, v.Entry, v.Reason)
}

// PolicyError reports every denied or incompatible entry of a PolicySpec.
// It is fatal: a node must not start with such a policy.
type PolicyError struct {
	Violations []Violation
}

func (e *PolicyError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "tls policy rejected: " + strings.Join(parts, "; ")
}

// Entries returns the offending entry names.
func (e *PolicyError) Entries() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Entry != "" {
			out = append(out, v.Entry)
		}
	}
	return out
}

const (
	reasonLegacyProtocol = "legacy protocol is hard-denied"
	reasonAnonymous      = "anonymous key exchange is hard-denied"
	reasonExport         = "export-grade cipher is hard-denied"
	reasonNull           = "NULL encryption is hard-denied"
	reasonUnsupported    = "not implemented by the TLS engine"
	reasonInsecure       = "insecure cipher suite; set ssl.allow_insecure_ciphers to permit it"
)

// Validate checks that the protocol and cipher lists are non-empty, contain
// no hard-denied entries and can be used together. SSLv2, SSLv3 and
// anonymous, export or NULL cipher suites are rejected regardless of any
// other setting.
func Validate(spec *PolicySpec) error {
	var violations []Violation

	if len(spec.protocols) == 0 {
		violations = append(violations, Violation{Setting: "ssl.supported_protocols", Reason: "no protocol allowed"})
	}
	for _, p := range spec.protocols {
		if p.Denied() {
			violations = append(violations, Violation{Setting: "ssl.supported_protocols", Entry: p.Name, Reason: reasonLegacyProtocol})
		}
	}

	if len(spec.ciphers) == 0 {
		violations = append(violations, Violation{Setting: "ssl.ciphers", Reason: "no cipher suite allowed"})
	}
	for _, c := range spec.ciphers {
		if reason := cipherViolation(c, spec.allowInsecureCiphers); reason != "" {
			violations = append(violations, Violation{Setting: "ssl.ciphers", Entry: c.Name, Reason: reason})
		}
	}

	if len(spec.ciphers) > 0 {
		for _, p := range spec.protocols {
			if p.Denied() {
				continue
			}
			usable := slices.ContainsFunc(spec.ciphers, func(c CipherSuite) bool {
				return cipherViolation(c, spec.allowInsecureCiphers) == "" && c.SupportsVersion(p.Version)
			})
			if !usable {
				violations = append(violations, Violation{
					Setting: "ssl.supported_protocols",
					Entry:   p.Name,
					Reason:  "no allowed cipher suite can be negotiated with " + p.Name,
				})
			}
		}
	}

	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}

func cipherViolation(c CipherSuite, allowInsecure bool) string {
	switch {
	case c.Anonymous:
		return reasonAnonymous
	case c.Export:
		return reasonExport
	case c.Null:
		return reasonNull
	case !c.Supported:
		return reasonUnsupported
	case c.Insecure && !allowInsecure:
		return reasonInsecure
	default:
		return ""
	}
}
