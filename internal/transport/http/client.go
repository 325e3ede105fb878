package httptransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	shieldtls "github.com/anupis/elasticsearch/internal/tls"
)

// HandshakeFailureError is returned by requests whose TLS handshake was
// rejected by either side.
type HandshakeFailureError struct {
	Address string
	Kind    shieldtls.OutcomeKind
	Reason  shieldtls.Reason
}

func (e *HandshakeFailureError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %s", e.Address, e.Reason)
}

// ClientOptions configure NewClient.
type ClientOptions struct {
	DialTimeout time.Duration
	Timeout     time.Duration
}

// NewClient returns an HTTP client whose https connections are negotiated by
// gate. A rejected handshake fails the request with *HandshakeFailureError;
// it is never retried. Plain http URLs are dialed without TLS.
func NewClient(gate *shieldtls.Gate, opts ClientOptions) *http.Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}

	base := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			raw, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			conn, outcome := gate.NegotiateServerName(ctx, raw, host)
			if conn == nil {
				return nil, &HandshakeFailureError{Address: addr, Kind: outcome.Kind, Reason: outcome.Reason}
			}
			return conn, nil
		},
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		Timeout:   opts.Timeout,
	}
}
