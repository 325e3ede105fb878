package tls

import (
	"time"
)

// OutcomeKind tags a handshake outcome.
type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	RejectedLocalPolicy
	RejectedByPeer
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case RejectedLocalPolicy:
		return "rejected_local_policy"
	case RejectedByPeer:
		return "rejected_by_peer"
	default:
		return "unknown"
	}
}

// Reason says why a handshake was rejected.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonProtocol    Reason = "protocol"
	ReasonCipher      Reason = "cipher"
	ReasonCertificate Reason = "certificate"
	ReasonClientAuth  Reason = "client_auth"
	ReasonNotTLS      Reason = "not_tls"
	ReasonPeerAlert   Reason = "peer_alert"
	ReasonPeerClosed  Reason = "peer_closed"
	ReasonTimeout     Reason = "timeout"
	ReasonCanceled    Reason = "canceled"
	ReasonHandshake   Reason = "handshake"
)

// Outcome is the result of one handshake. Accepted outcomes carry the
// negotiated protocol and cipher names; rejections carry a reason and cause.
type Outcome struct {
	Kind     OutcomeKind
	Protocol string
	Cipher   string
	Reason   Reason
	Cause    error
}

// Accepted reports whether the handshake completed.
func (o Outcome) Accepted() bool {
	return o.Kind == Accepted
}

// Err returns nil for accepted outcomes and a *HandshakeError otherwise.
func (o Outcome) Err(remoteAddr string) error {
	if o.Kind == Accepted {
		return nil
	}
	return &HandshakeError{Kind: o.Kind, Reason: o.Reason, RemoteAddr: remoteAddr, Cause: o.Cause}
}

func (o Outcome) String() string {
	if o.Kind == Accepted {
		return o.Kind.String() + "{" + o.Protocol + ", " + o.Cipher + "}"
	}
	return o.Kind.String() + "{" + string(o.Reason) + "}"
}

// ConnectionAttempt records one socket-level handshake.
type ConnectionAttempt struct {
	ID         string
	Transport  string
	Role       Role
	RemoteAddr string
	ServerName string
	Started    time.Time
	Duration   time.Duration
	Outcome    Outcome
}
