package tls

import (
	"context"
	"log/slog"
	"time"

	"github.com/anupis/elasticsearch/internal/policy"
)

// TLSLogger provides structured logging for TLS events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls"),
	}
}

// LogContextBuilt logs the restrictions baked into a negotiation context
func (l *TLSLogger) LogContextBuilt(ctx context.Context, transport string, nc *NegotiationContext) {
	cfg := nc.config
	spec := nc.spec
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS negotiation context built",
		slog.String("event", "context_built"),
		slog.String("transport", transport),
		slog.String("role", nc.role.String()),
		slog.Any("protocols", spec.ProtocolNames()),
		slog.Any("ciphers", spec.CipherNames()),
		slog.String("client_auth", cfg.ClientAuth.String()),
		slog.Bool("verify_hostname", spec.VerifyHostname()),
		slog.Duration("handshake_timeout", nc.timeout),
	)
}

// LogHandshakeAccepted logs a completed handshake
func (l *TLSLogger) LogHandshakeAccepted(ctx context.Context, attempt ConnectionAttempt, peerCerts int) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake accepted",
		slog.String("event", "handshake_accepted"),
		slog.String("attempt_id", attempt.ID),
		slog.String("transport", attempt.Transport),
		slog.String("role", attempt.Role.String()),
		slog.String("remote_addr", attempt.RemoteAddr),
		slog.String("tls_version", attempt.Outcome.Protocol),
		slog.String("cipher_suite", attempt.Outcome.Cipher),
		slog.Int("peer_cert_count", peerCerts),
		slog.Duration("handshake_duration", attempt.Duration),
	)
}

// LogHandshakeRejected logs a rejected handshake. Peer-side rejections and
// timeouts are routine and logged at warn.
func (l *TLSLogger) LogHandshakeRejected(ctx context.Context, attempt ConnectionAttempt) {
	level := slog.LevelWarn
	if attempt.Outcome.Kind == RejectedLocalPolicy {
		level = slog.LevelError
	}
	if attempt.Outcome.Reason == ReasonCanceled {
		level = slog.LevelDebug
	}

	attrs := []slog.Attr{
		slog.String("event", "handshake_rejected"),
		slog.String("attempt_id", attempt.ID),
		slog.String("transport", attempt.Transport),
		slog.String("role", attempt.Role.String()),
		slog.String("remote_addr", attempt.RemoteAddr),
		slog.String("outcome", attempt.Outcome.Kind.String()),
		slog.String("reason", string(attempt.Outcome.Reason)),
		slog.Duration("handshake_duration", attempt.Duration),
	}
	if attempt.Outcome.Cause != nil {
		attrs = append(attrs, slog.String("error", attempt.Outcome.Cause.Error()))
	}

	l.logger.LogAttrs(ctx, level, "TLS handshake rejected", attrs...)
}

// LogStoreChanged logs a keystore or truststore modification on disk
func (l *TLSLogger) LogStoreChanged(ctx context.Context, path, operation string) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "TLS store changed on disk; restart the node to apply it",
		slog.String("event", "store_changed"),
		slog.String("path", path),
		slog.String("operation", operation),
		slog.Time("timestamp", time.Now()),
	)
}

// LogPolicyViolation logs each entry that made a policy unusable
func (l *TLSLogger) LogPolicyViolation(ctx context.Context, err *policy.PolicyError) {
	for _, v := range err.Violations {
		l.logger.LogAttrs(ctx, slog.LevelError, "TLS policy violation",
			slog.String("event", "policy_violation"),
			slog.String("setting", v.Setting),
			slog.String("entry", v.Entry),
			slog.String("reason", v.Reason),
		)
	}
}
