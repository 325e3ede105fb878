package rpc

import (
	"context"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anupis/elasticsearch/internal/pki"
	"github.com/anupis/elasticsearch/internal/policy"
	shieldtls "github.com/anupis/elasticsearch/internal/tls"
)

var (
	pkiOnce sync.Once
	testCA  *pki.Authority
	nodeA   *pki.Certificate
	nodeB   *pki.Certificate
	otherCA *pki.Authority
	pkiErr  error
)

func loadPKI(t *testing.T) {
	t.Helper()
	pkiOnce.Do(func() {
		if testCA, pkiErr = pki.NewAuthority(pki.Options{}); pkiErr != nil {
			return
		}
		if nodeA, pkiErr = testCA.Issue(pki.Options{CommonName: "node-a"}); pkiErr != nil {
			return
		}
		if nodeB, pkiErr = testCA.Issue(pki.Options{CommonName: "node-b"}); pkiErr != nil {
			return
		}
		otherCA, pkiErr = pki.NewAuthority(pki.Options{CommonName: "other CA"})
	})
	require.NoError(t, pkiErr)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nodePolicy is a valid policy presenting cert and trusting the test CA.
func nodePolicy(t *testing.T, cert *pki.Certificate, mutate func(*policy.Options)) *policy.PolicySpec {
	loadPKI(t)
	opts := policy.Options{
		Protocols:      policy.DefaultProtocols(),
		Ciphers:        policy.DefaultCipherSuites(),
		TrustAnchors:   policy.NewTrustAnchors("test", []*x509.Certificate{testCA.Cert}),
		VerifyHostname: true,
	}
	if cert != nil {
		opts.Identity = &policy.Identity{CertPEM: cert.ChainPEM, KeyPEM: cert.KeyPEM, Leaf: cert.Cert, Source: "test"}
	}
	if mutate != nil {
		mutate(&opts)
	}
	return policy.New(opts)
}

func gate(t *testing.T, spec *policy.PolicySpec, role shieldtls.Role) *shieldtls.Gate {
	t.Helper()
	nc, err := shieldtls.BuildContext(spec, role)
	require.NoError(t, err)
	return shieldtls.NewGate(nc, shieldtls.GateOptions{Transport: "transport", Logger: quietLogger()})
}

// serve starts a transport on a loopback listener and returns its address.
func serve(t *testing.T, tr *Transport) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		_ = tr.Close()
		<-done
	})
	return ln.Addr().String()
}

var echo = HandlerFunc(func(_ context.Context, _ *Connection, req *Request) ([]byte, error) {
	switch req.Action {
	case "ping":
		return []byte("pong"), nil
	case "echo":
		return req.Payload, nil
	default:
		return nil, errUnknownAction(req.Action)
	}
})

type errUnknownAction string

func (e errUnknownAction) Error() string { return "unknown action " + string(e) }
