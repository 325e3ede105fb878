package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/anupis/elasticsearch/internal/pki"
	"github.com/anupis/elasticsearch/internal/policy"
)

type fixtures struct {
	ca      *pki.Authority
	node    *pki.Certificate
	client  *pki.Certificate
	otherCA *pki.Authority
	rogue   *pki.Certificate
}

var (
	fixturesOnce sync.Once
	fixturesVal  *fixtures
	fixturesErr  error
)

func testPKI(t testing.TB) *fixtures {
	t.Helper()
	fixturesOnce.Do(func() {
		f := &fixtures{}
		if f.ca, fixturesErr = pki.NewAuthority(pki.Options{}); fixturesErr != nil {
			return
		}
		if f.node, fixturesErr = f.ca.Issue(pki.Options{CommonName: "node-1"}); fixturesErr != nil {
			return
		}
		if f.client, fixturesErr = f.ca.Issue(pki.Options{CommonName: "client", ClientOnly: true}); fixturesErr != nil {
			return
		}
		if f.otherCA, fixturesErr = pki.NewAuthority(pki.Options{CommonName: "other CA"}); fixturesErr != nil {
			return
		}
		f.rogue, fixturesErr = f.otherCA.Issue(pki.Options{CommonName: "rogue"})
		fixturesVal = f
	})
	require.NoError(t, fixturesErr)
	return fixturesVal
}

func identityOf(c *pki.Certificate) *policy.Identity {
	return &policy.Identity{CertPEM: c.ChainPEM, KeyPEM: c.KeyPEM, Leaf: c.Cert, Source: "test"}
}

func anchorsOf(cas ...*pki.Authority) *policy.TrustAnchors {
	var certs []*x509.Certificate
	for _, ca := range cas {
		certs = append(certs, ca.Cert)
	}
	return policy.NewTrustAnchors("test", certs)
}

func protocols(t testing.TB, names ...string) []policy.ProtocolVersion {
	out := make([]policy.ProtocolVersion, 0, len(names))
	for _, name := range names {
		p, err := policy.ParseProtocol(name)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func ciphers(t testing.TB, names ...string) []policy.CipherSuite {
	out := make([]policy.CipherSuite, 0, len(names))
	for _, name := range names {
		c, err := policy.ParseCipherSuite(name)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

// serverSpec is a valid server policy presenting the node certificate.
func serverSpec(t testing.TB, mutate func(*policy.Options)) *policy.PolicySpec {
	f := testPKI(t)
	opts := policy.Options{
		Protocols:      policy.DefaultProtocols(),
		Ciphers:        policy.DefaultCipherSuites(),
		Identity:       identityOf(f.node),
		TrustAnchors:   anchorsOf(f.ca),
		VerifyHostname: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return policy.New(opts)
}

// clientSpec is a valid client policy trusting the test CA.
func clientSpec(t testing.TB, mutate func(*policy.Options)) *policy.PolicySpec {
	f := testPKI(t)
	opts := policy.Options{
		Protocols:      policy.DefaultProtocols(),
		Ciphers:        policy.DefaultCipherSuites(),
		TrustAnchors:   anchorsOf(f.ca),
		VerifyHostname: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return policy.New(opts)
}

func mustBuild(t testing.TB, spec *policy.PolicySpec, role Role) *NegotiationContext {
	t.Helper()
	nc, err := BuildContext(spec, role)
	require.NoError(t, err)
	return nc
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGate(t testing.TB, nc *NegotiationContext) *Gate {
	metrics, err := NewTLSMetricsCollector(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return NewGate(nc, GateOptions{Transport: "test", Logger: quietLogger(), Metrics: metrics})
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t testing.TB) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

type handshakeResult struct {
	client, server         Outcome
	clientConn, serverConn *tls.Conn
}

// handshake runs both gates concurrently over a loopback connection.
func handshake(t testing.TB, clientGate, serverGate *Gate) handshakeResult {
	t.Helper()
	return handshakeAs(t, clientGate, serverGate, "localhost")
}

func handshakeAs(t testing.TB, clientGate, serverGate *Gate, serverName string) handshakeResult {
	t.Helper()
	rawClient, rawServer := tcpPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var res handshakeResult
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res.serverConn, res.server = serverGate.Negotiate(ctx, rawServer)
		if res.serverConn == nil {
			return
		}
		// Read until the client closes so TLS 1.3 post-handshake
		// messages are processed.
		_, _ = io.Copy(io.Discard, res.serverConn)
	}()

	res.clientConn, res.client = clientGate.NegotiateServerName(ctx, rawClient, serverName)
	if res.clientConn != nil {
		_ = res.clientConn.Close()
	}
	wg.Wait()
	return res
}
