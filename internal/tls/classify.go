package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// classify maps a handshake error onto an outcome. Only faults this side
// detected against its own allow-list or trust anchors count as local policy
// rejections; everything the peer refused, and anything unproven, is
// attributed to the peer.
func classify(ctx context.Context, err error) (OutcomeKind, Reason) {
	if ctx.Err() != nil {
		return RejectedByPeer, ReasonCanceled
	}

	var allowErr *AllowListError
	if errors.As(err, &allowErr) {
		return RejectedLocalPolicy, allowErr.Reason
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return RejectedLocalPolicy, ReasonCertificate
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RejectedByPeer, ReasonTimeout
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return RejectedLocalPolicy, ReasonNotTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "remote error":
			return RejectedByPeer, alertReason(opErr.Err.Error(), ReasonPeerAlert)
		case "local error":
			return RejectedLocalPolicy, alertReason(opErr.Err.Error(), ReasonHandshake)
		}
		if opErr.Timeout() {
			return RejectedByPeer, ReasonTimeout
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return RejectedByPeer, ReasonPeerClosed
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unsupported versions"),
		strings.Contains(msg, "unsupported protocol version"),
		strings.Contains(msg, "no mutual protocol"):
		return RejectedLocalPolicy, ReasonProtocol
	case strings.Contains(msg, "no cipher suite supported by both"),
		strings.Contains(msg, "unconfigured cipher suite"):
		return RejectedLocalPolicy, ReasonCipher
	case strings.Contains(msg, "didn't provide a certificate"):
		return RejectedLocalPolicy, ReasonClientAuth
	case strings.Contains(msg, "does not look like a tls handshake"):
		return RejectedLocalPolicy, ReasonNotTLS
	case strings.Contains(msg, "timeout"):
		return RejectedByPeer, ReasonTimeout
	default:
		return RejectedByPeer, ReasonHandshake
	}
}

// alertReason maps TLS alert text onto a reason.
func alertReason(alert string, fallback Reason) Reason {
	alert = strings.ToLower(alert)
	switch {
	case strings.Contains(alert, "protocol version"):
		return ReasonProtocol
	case strings.Contains(alert, "certificate required"):
		return ReasonClientAuth
	case strings.Contains(alert, "certificate"):
		return ReasonCertificate
	case strings.Contains(alert, "insufficient security"):
		return ReasonCipher
	default:
		return fallback
	}
}
