package tls

import (
	"errors"
	"fmt"

	"github.com/anupis/elasticsearch/internal/policy"
	"github.com/anupis/elasticsearch/pkg/config"
)

// TLSErrorType represents different categories of fatal TLS setup errors
type TLSErrorType string

const (
	ErrorTypeIdentity   TLSErrorType = "identity"
	ErrorTypeTrustStore TLSErrorType = "trust_store"
	ErrorTypeEntropy    TLSErrorType = "entropy"
)

// CryptoError reports identity or trust material that cannot be used to build
// a negotiation context. It is fatal at startup.
type CryptoError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Suggestions []string
}

func (e *CryptoError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Cause != nil {
		msg += fmt.Sprintf(" | cause: %v", e.Cause)
	}
	return msg
}

func (e *CryptoError) Unwrap() error {
	return e.Cause
}

// WithSuggestion adds a suggestion for resolving the error
func (e *CryptoError) WithSuggestion(suggestion string) *CryptoError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns the error followed by numbered suggestions
func (e *CryptoError) GetDetailedMessage() string {
	message := e.Error()
	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}
	return message
}

func newCryptoError(errorType TLSErrorType, message string, cause error) *CryptoError {
	return &CryptoError{Type: errorType, Message: message, Cause: cause}
}

// HandshakeError is the per-connection error for a rejected handshake. It
// never aborts the node.
type HandshakeError struct {
	Kind       OutcomeKind
	Reason     Reason
	RemoteAddr string
	Cause      error
}

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("tls handshake with %s %s: %s", e.RemoteAddr, e.Kind, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether err must abort node startup: malformed settings,
// a denied policy or unusable identity material.
func IsFatal(err error) bool {
	var cfgErr *config.ConfigError
	var policyErr *policy.PolicyError
	var cryptoErr *CryptoError
	return errors.As(err, &cfgErr) || errors.As(err, &policyErr) || errors.As(err, &cryptoErr)
}

// IsHandshakeError reports whether err is a per-connection handshake rejection.
func IsHandshakeError(err error) bool {
	var hsErr *HandshakeError
	return errors.As(err, &hsErr)
}

// Suggestions collects operator hints carried by err.
func Suggestions(err error) []string {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Suggestions
	}
	var cryptoErr *CryptoError
	if errors.As(err, &cryptoErr) {
		return cryptoErr.Suggestions
	}
	return nil
}
