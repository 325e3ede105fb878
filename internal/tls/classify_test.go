package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   OutcomeKind
		wantReason Reason
	}{
		{
			name:       "allow-list cipher",
			err:        &AllowListError{Reason: ReasonCipher, Value: "TLS_AES_128_GCM_SHA256"},
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonCipher,
		},
		{
			name:       "allow-list protocol",
			err:        &AllowListError{Reason: ReasonProtocol, Value: "TLS 1.2"},
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonProtocol,
		},
		{
			name:       "certificate verification",
			err:        &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}},
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonCertificate,
		},
		{
			name:       "handshake deadline",
			err:        context.DeadlineExceeded,
			wantKind:   RejectedByPeer,
			wantReason: ReasonTimeout,
		},
		{
			name:       "not a TLS record",
			err:        tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"},
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonNotTLS,
		},
		{
			name:       "peer protocol alert",
			err:        &net.OpError{Op: "remote error", Err: errors.New("tls: protocol version not supported")},
			wantKind:   RejectedByPeer,
			wantReason: ReasonProtocol,
		},
		{
			name:       "peer handshake failure",
			err:        &net.OpError{Op: "remote error", Err: errors.New("tls: handshake failure")},
			wantKind:   RejectedByPeer,
			wantReason: ReasonPeerAlert,
		},
		{
			name:       "peer insufficient security",
			err:        &net.OpError{Op: "remote error", Err: errors.New("tls: insufficient security level")},
			wantKind:   RejectedByPeer,
			wantReason: ReasonCipher,
		},
		{
			name:       "local handshake failure",
			err:        &net.OpError{Op: "local error", Err: errors.New("tls: handshake failure")},
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonHandshake,
		},
		{
			name:       "peer requires certificate",
			err:        &net.OpError{Op: "remote error", Err: errors.New("tls: certificate required")},
			wantKind:   RejectedByPeer,
			wantReason: ReasonClientAuth,
		},
		{
			name:       "peer rejects certificate",
			err:        &net.OpError{Op: "remote error", Err: errors.New("tls: bad certificate")},
			wantKind:   RejectedByPeer,
			wantReason: ReasonCertificate,
		},
		{
			name:       "peer other alert",
			err:        &net.OpError{Op: "remote error", Err: errors.New("tls: internal error")},
			wantKind:   RejectedByPeer,
			wantReason: ReasonPeerAlert,
		},
		{
			name:       "local alert",
			err:        &net.OpError{Op: "local error", Err: errors.New("tls: unexpected message")},
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonHandshake,
		},
		{
			name:       "eof",
			err:        io.EOF,
			wantKind:   RejectedByPeer,
			wantReason: ReasonPeerClosed,
		},
		{
			name:       "connection reset",
			err:        &net.OpError{Op: "read", Err: fmt.Errorf("read: %w", syscall.ECONNRESET)},
			wantKind:   RejectedByPeer,
			wantReason: ReasonPeerClosed,
		},
		{
			name:       "unsupported versions",
			err:        errors.New("tls: client offered only unsupported versions: [301]"),
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonProtocol,
		},
		{
			name:       "no shared cipher",
			err:        errors.New("tls: no cipher suite supported by both client and server"),
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonCipher,
		},
		{
			name:       "missing client certificate",
			err:        errors.New("tls: client didn't provide a certificate"),
			wantKind:   RejectedLocalPolicy,
			wantReason: ReasonClientAuth,
		},
		{
			name:       "unknown",
			err:        errors.New("something odd"),
			wantKind:   RejectedByPeer,
			wantReason: ReasonHandshake,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, reason := classify(context.Background(), tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestClassifyCanceledContextWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	kind, reason := classify(ctx, &AllowListError{Reason: ReasonCipher})
	assert.Equal(t, RejectedByPeer, kind)
	assert.Equal(t, ReasonCanceled, reason)
}
