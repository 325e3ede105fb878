package tls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anupis/elasticsearch/internal/policy"
)

const tracerName = "github.com/anupis/elasticsearch/internal/tls"

// GateOptions configure a Gate.
type GateOptions struct {
	// Transport labels logs, metrics and spans (e.g. "transport", "http").
	Transport string
	Logger    *slog.Logger
	// Metrics defaults to the process-wide collector.
	Metrics        *TLSMetricsCollector
	TracerProvider trace.TracerProvider
	// Observer is called once per attempt after the outcome is known.
	Observer func(ConnectionAttempt)
}

// Gate is the enforcement point run on every new connection. It performs the
// handshake with a NegotiationContext and classifies the outcome; it never
// filters protocols or ciphers itself.
type Gate struct {
	nc        *NegotiationContext
	transport string
	logger    *TLSLogger
	metrics   *TLSMetricsCollector
	tracer    trace.Tracer
	observer  func(ConnectionAttempt)
}

// NewGate creates a gate for nc.
func NewGate(nc *NegotiationContext, opts GateOptions) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := opts.Metrics
	if metrics == nil {
		var err error
		if metrics, err = GetTLSMetricsCollector(); err != nil {
			logger.Warn("TLS metrics unavailable", "error", err)
		}
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	transport := opts.Transport
	if transport == "" {
		transport = "default"
	}

	return &Gate{
		nc:        nc,
		transport: transport,
		logger:    NewTLSLogger(logger),
		metrics:   metrics,
		tracer:    tp.Tracer(tracerName),
		observer:  opts.Observer,
	}
}

// Context returns the negotiation context the gate enforces.
func (g *Gate) Context() *NegotiationContext {
	return g.nc
}

// Negotiate runs the handshake on conn. For the client role the peer name
// used for verification is taken from the remote address.
func (g *Gate) Negotiate(ctx context.Context, conn net.Conn) (*tls.Conn, Outcome) {
	serverName := ""
	if g.nc.role == RoleClient && conn.RemoteAddr() != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			serverName = host
		}
	}
	return g.NegotiateServerName(ctx, conn, serverName)
}

// NegotiateServerName runs the handshake on conn, verifying the peer against
// serverName in the client role. It blocks until the handshake completes,
// fails, times out or ctx is cancelled. On any rejection conn is closed and
// the returned *tls.Conn is nil.
func (g *Gate) NegotiateServerName(ctx context.Context, conn net.Conn, serverName string) (*tls.Conn, Outcome) {
	attempt := ConnectionAttempt{
		ID:         uuid.NewString(),
		Transport:  g.transport,
		Role:       g.nc.role,
		RemoteAddr: remoteAddr(conn),
		ServerName: serverName,
		Started:    time.Now(),
	}

	ctx, span := g.tracer.Start(ctx, "tls.handshake",
		trace.WithSpanKind(spanKind(g.nc.role)),
		trace.WithAttributes(
			attribute.String("tls.transport", g.transport),
			attribute.String("tls.role", g.nc.role.String()),
			attribute.String("net.peer.address", attempt.RemoteAddr),
			attribute.String("tls.attempt_id", attempt.ID),
		),
	)
	defer span.End()

	hsCtx, cancel := context.WithTimeout(ctx, g.nc.timeout)
	defer cancel()

	var tlsConn *tls.Conn
	if g.nc.role == RoleServer {
		tlsConn = tls.Server(conn, g.nc.config)
	} else {
		tlsConn = tls.Client(conn, g.nc.clientConfig(serverName))
	}

	err := tlsConn.HandshakeContext(hsCtx)
	attempt.Duration = time.Since(attempt.Started)

	if err != nil {
		kind, reason := classify(ctx, err)
		attempt.Outcome = Outcome{Kind: kind, Reason: reason, Cause: err}
		_ = tlsConn.Close()
		tlsConn = nil

		span.SetStatus(codes.Error, string(reason))
		span.RecordError(err)
		g.logger.LogHandshakeRejected(ctx, attempt)
	} else {
		state := tlsConn.ConnectionState()
		attempt.Outcome = Outcome{
			Kind:     Accepted,
			Protocol: protocolName(state.Version),
			Cipher:   tls.CipherSuiteName(state.CipherSuite),
		}
		span.SetAttributes(
			attribute.String("tls.protocol", attempt.Outcome.Protocol),
			attribute.String("tls.cipher", attempt.Outcome.Cipher),
		)
		g.logger.LogHandshakeAccepted(ctx, attempt, len(state.PeerCertificates))
	}
	span.SetAttributes(attribute.String("tls.outcome", attempt.Outcome.Kind.String()))

	if g.metrics != nil {
		g.metrics.RecordHandshake(ctx, attempt)
	}
	if g.observer != nil {
		g.observer(attempt)
	}

	return tlsConn, attempt.Outcome
}

func spanKind(role Role) trace.SpanKind {
	if role == RoleServer {
		return trace.SpanKindServer
	}
	return trace.SpanKindClient
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// protocolName converts a wire version to the policy spelling (TLSv1.2).
func protocolName(version uint16) string {
	if p, ok := policy.ProtocolByVersion(version); ok {
		return p.Name
	}
	return tls.VersionName(version)
}
