package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/anupis/elasticsearch/internal/policy"
)

func TestGateAcceptsMatchingPolicies(t *testing.T) {
	spec := serverSpec(t, nil)
	res := handshake(t,
		testGate(t, mustBuild(t, clientSpec(t, nil), RoleClient)),
		testGate(t, mustBuild(t, spec, RoleServer)),
	)

	require.True(t, res.client.Accepted(), "client: %v", res.client)
	require.True(t, res.server.Accepted(), "server: %v", res.server)
	assert.Equal(t, "TLSv1.3", res.client.Protocol)
	assert.Equal(t, res.client.Protocol, res.server.Protocol)
	assert.Equal(t, res.client.Cipher, res.server.Cipher)
	assert.Contains(t, spec.CipherNames(), res.server.Cipher)
	assert.NoError(t, res.client.Err("peer"))
}

func TestGateNegotiatesWithinAllowList(t *testing.T) {
	tls12 := func(o *policy.Options) {
		o.Protocols = protocols(t, "TLSv1.2")
		o.Ciphers = ciphers(t, "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256")
	}
	res := handshake(t,
		testGate(t, mustBuild(t, clientSpec(t, nil), RoleClient)),
		testGate(t, mustBuild(t, serverSpec(t, tls12), RoleServer)),
	)

	require.True(t, res.server.Accepted(), "server: %v", res.server)
	assert.Equal(t, "TLSv1.2", res.server.Protocol)
	assert.Equal(t, "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", res.server.Cipher)
	assert.Equal(t, res.server.Cipher, res.client.Cipher)
}

func TestGateRejectsDisjointPolicies(t *testing.T) {
	tests := []struct {
		name       string
		client     func(*policy.Options)
		server     func(*policy.Options)
		wantServer Outcome
		wantClient OutcomeKind
	}{
		{
			name:       "client newer than server",
			client:     func(o *policy.Options) { o.Protocols = protocols(t, "TLSv1.3") },
			server:     func(o *policy.Options) { o.Protocols = protocols(t, "TLSv1.2") },
			wantServer: Outcome{Kind: RejectedLocalPolicy, Reason: ReasonProtocol},
			wantClient: RejectedByPeer,
		},
		{
			name:       "client older than server",
			client:     func(o *policy.Options) { o.Protocols = protocols(t, "TLSv1.2") },
			server:     func(o *policy.Options) { o.Protocols = protocols(t, "TLSv1.3") },
			wantServer: Outcome{Kind: RejectedLocalPolicy, Reason: ReasonProtocol},
			wantClient: RejectedByPeer,
		},
		{
			name: "legacy TLSv1 client",
			client: func(o *policy.Options) {
				o.Protocols = protocols(t, "TLSv1")
				o.Ciphers = ciphers(t, "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA")
			},
			wantServer: Outcome{Kind: RejectedLocalPolicy, Reason: ReasonProtocol},
			wantClient: RejectedByPeer,
		},
		{
			name: "no common cipher",
			client: func(o *policy.Options) {
				o.Protocols = protocols(t, "TLSv1.2")
				o.Ciphers = ciphers(t, "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256")
			},
			server: func(o *policy.Options) {
				o.Protocols = protocols(t, "TLSv1.2")
				o.Ciphers = ciphers(t, "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384")
			},
			wantServer: Outcome{Kind: RejectedLocalPolicy, Reason: ReasonCipher},
			wantClient: RejectedByPeer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := handshake(t,
				testGate(t, mustBuild(t, clientSpec(t, tt.client), RoleClient)),
				testGate(t, mustBuild(t, serverSpec(t, tt.server), RoleServer)),
			)

			assert.Equal(t, tt.wantServer.Kind, res.server.Kind, "server: %v", res.server)
			assert.Equal(t, tt.wantServer.Reason, res.server.Reason, "server: %v", res.server)
			assert.Equal(t, tt.wantClient, res.client.Kind, "client: %v", res.client)
			assert.Nil(t, res.serverConn)
			assert.Nil(t, res.clientConn)
			assert.True(t, IsHandshakeError(res.client.Err("127.0.0.1:9300")))
		})
	}
}

// TLS 1.3 suites cannot be configured in the engine; the allow-list is
// checked after the handshake selects one.
func TestGateEnforcesTLS13CipherAllowList(t *testing.T) {
	only256 := func(o *policy.Options) {
		o.Protocols = protocols(t, "TLSv1.3")
		o.Ciphers = ciphers(t, "TLS_AES_256_GCM_SHA384")
	}

	t.Run("server", func(t *testing.T) {
		res := handshake(t,
			testGate(t, mustBuild(t, clientSpec(t, nil), RoleClient)),
			testGate(t, mustBuild(t, serverSpec(t, only256), RoleServer)),
		)
		assert.Equal(t, RejectedLocalPolicy, res.server.Kind, "server: %v", res.server)
		assert.Equal(t, ReasonCipher, res.server.Reason)
	})

	t.Run("client", func(t *testing.T) {
		res := handshake(t,
			testGate(t, mustBuild(t, clientSpec(t, only256), RoleClient)),
			testGate(t, mustBuild(t, serverSpec(t, nil), RoleServer)),
		)
		assert.Equal(t, RejectedLocalPolicy, res.client.Kind, "client: %v", res.client)
		assert.Equal(t, ReasonCipher, res.client.Reason)
		assert.Equal(t, RejectedByPeer, res.server.Kind, "server: %v", res.server)
	})
}

func TestGatePeerVerification(t *testing.T) {
	f := testPKI(t)
	server := testGate(t, mustBuild(t, serverSpec(t, nil), RoleServer))

	t.Run("untrusted server certificate", func(t *testing.T) {
		client := clientSpec(t, func(o *policy.Options) { o.TrustAnchors = anchorsOf(f.otherCA) })
		res := handshake(t, testGate(t, mustBuild(t, client, RoleClient)), server)
		assert.Equal(t, Outcome{Kind: RejectedLocalPolicy, Reason: ReasonCertificate}, stripCause(res.client))
		assert.Equal(t, RejectedByPeer, res.server.Kind)
	})

	t.Run("untrusted even without hostname verification", func(t *testing.T) {
		client := clientSpec(t, func(o *policy.Options) {
			o.TrustAnchors = anchorsOf(f.otherCA)
			o.VerifyHostname = false
		})
		res := handshake(t, testGate(t, mustBuild(t, client, RoleClient)), server)
		assert.Equal(t, Outcome{Kind: RejectedLocalPolicy, Reason: ReasonCertificate}, stripCause(res.client))
	})

	t.Run("hostname mismatch", func(t *testing.T) {
		res := handshakeAs(t, testGate(t, mustBuild(t, clientSpec(t, nil), RoleClient)), server, "db.example.com")
		assert.Equal(t, Outcome{Kind: RejectedLocalPolicy, Reason: ReasonCertificate}, stripCause(res.client))
	})

	t.Run("hostname verification disabled", func(t *testing.T) {
		client := clientSpec(t, func(o *policy.Options) { o.VerifyHostname = false })
		res := handshakeAs(t, testGate(t, mustBuild(t, client, RoleClient)), server, "db.example.com")
		assert.True(t, res.client.Accepted(), "client: %v", res.client)
	})
}

func TestGateNegotiateUsesRemoteAddress(t *testing.T) {
	clientGate := testGate(t, mustBuild(t, clientSpec(t, nil), RoleClient))
	serverGate := testGate(t, mustBuild(t, serverSpec(t, nil), RoleServer))
	rawClient, rawServer := tcpPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		if conn, _ := serverGate.Negotiate(ctx, rawServer); conn != nil {
			_, _ = io.Copy(io.Discard, conn)
		}
	}()

	// The node certificate carries a 127.0.0.1 IP SAN.
	conn, outcome := clientGate.Negotiate(ctx, rawClient)
	require.True(t, outcome.Accepted(), "client: %v", outcome)
	_ = conn.Close()
}

func TestGateMutualAuthentication(t *testing.T) {
	f := testPKI(t)
	required := func(o *policy.Options) {
		o.Protocols = protocols(t, "TLSv1.2")
		o.Ciphers = ciphers(t, "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256")
		o.RequireClientAuth = true
	}
	server := testGate(t, mustBuild(t, serverSpec(t, required), RoleServer))

	t.Run("client presents trusted certificate", func(t *testing.T) {
		client := clientSpec(t, func(o *policy.Options) { o.Identity = identityOf(f.client) })
		res := handshake(t, testGate(t, mustBuild(t, client, RoleClient)), server)
		require.True(t, res.server.Accepted(), "server: %v", res.server)
		peers := res.serverConn.ConnectionState().PeerCertificates
		require.NotEmpty(t, peers)
		assert.Equal(t, "client", peers[0].Subject.CommonName)
	})

	t.Run("client without certificate", func(t *testing.T) {
		res := handshake(t, testGate(t, mustBuild(t, clientSpec(t, nil), RoleClient)), server)
		assert.Equal(t, Outcome{Kind: RejectedLocalPolicy, Reason: ReasonClientAuth}, stripCause(res.server))
		assert.Equal(t, RejectedByPeer, res.client.Kind, "client: %v", res.client)
	})

	// The client withholds a certificate the server's CA list does not name.
	t.Run("client certificate from another CA", func(t *testing.T) {
		client := clientSpec(t, func(o *policy.Options) { o.Identity = identityOf(f.rogue) })
		res := handshake(t, testGate(t, mustBuild(t, client, RoleClient)), server)
		assert.Equal(t, Outcome{Kind: RejectedLocalPolicy, Reason: ReasonClientAuth}, stripCause(res.server))
		assert.Equal(t, RejectedByPeer, res.client.Kind, "client: %v", res.client)
	})

	t.Run("untrusted client certificate presented anyway", func(t *testing.T) {
		rogue, err := tls.X509KeyPair(f.rogue.ChainPEM, f.rogue.KeyPEM)
		require.NoError(t, err)
		roots := x509.NewCertPool()
		roots.AddCert(f.ca.Cert)

		rawClient, rawServer := tcpPair(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn := tls.Client(rawClient, &tls.Config{
				ServerName: "localhost",
				RootCAs:    roots,
				MinVersion: tls.VersionTLS12,
				MaxVersion: tls.VersionTLS12,
				GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
					return &rogue, nil
				},
			})
			_ = conn.HandshakeContext(ctx)
			_ = conn.Close()
		}()

		conn, outcome := server.Negotiate(ctx, rawServer)
		<-done
		assert.Nil(t, conn)
		assert.Equal(t, Outcome{Kind: RejectedLocalPolicy, Reason: ReasonCertificate}, stripCause(outcome))
		var verifyErr *tls.CertificateVerificationError
		assert.ErrorAs(t, outcome.Cause, &verifyErr)
	})
}

func TestGateRejectsSSLv3ClientHello(t *testing.T) {
	gate := testGate(t, mustBuild(t, serverSpec(t, nil), RoleServer))
	rawClient, rawServer := tcpPair(t)

	done := make(chan Outcome, 1)
	go func() {
		_, outcome := gate.Negotiate(context.Background(), rawServer)
		done <- outcome
	}()

	_, err := rawClient.Write(sslv3ClientHello())
	require.NoError(t, err)

	outcome := waitOutcome(t, done)
	assert.Equal(t, RejectedLocalPolicy, outcome.Kind)
	assert.Equal(t, ReasonProtocol, outcome.Reason)

	// The server answers with an alert record before closing.
	_ = rawClient.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, 1)
	_, err = io.ReadFull(rawClient, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x15), reply[0])
}

func TestGateRejectsPlaintext(t *testing.T) {
	gate := testGate(t, mustBuild(t, serverSpec(t, nil), RoleServer))
	rawClient, rawServer := tcpPair(t)

	done := make(chan Outcome, 1)
	go func() {
		_, outcome := gate.Negotiate(context.Background(), rawServer)
		done <- outcome
	}()

	_, err := rawClient.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	outcome := waitOutcome(t, done)
	assert.Equal(t, Outcome{Kind: RejectedLocalPolicy, Reason: ReasonNotTLS}, stripCause(outcome))
}

func TestGateHandshakeTimeout(t *testing.T) {
	spec := serverSpec(t, func(o *policy.Options) { o.HandshakeTimeout = 150 * time.Millisecond })
	gate := testGate(t, mustBuild(t, spec, RoleServer))
	rawClient, rawServer := tcpPair(t)

	start := time.Now()
	conn, outcome := gate.Negotiate(context.Background(), rawServer)

	assert.Nil(t, conn)
	assert.Equal(t, RejectedByPeer, outcome.Kind)
	assert.Equal(t, ReasonTimeout, outcome.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The silent peer sees the socket closed.
	_ = rawClient.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := rawClient.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestGateCancellation(t *testing.T) {
	gate := testGate(t, mustBuild(t, serverSpec(t, nil), RoleServer))
	_, rawServer := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	conn, outcome := gate.Negotiate(ctx, rawServer)

	assert.Nil(t, conn)
	assert.Equal(t, RejectedByPeer, outcome.Kind)
	assert.Equal(t, ReasonCanceled, outcome.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGateObserverAndTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var (
		mu       sync.Mutex
		attempts []ConnectionAttempt
	)
	server := NewGate(mustBuild(t, serverSpec(t, nil), RoleServer), GateOptions{
		Transport:      "http",
		Logger:         quietLogger(),
		TracerProvider: tp,
		Observer: func(a ConnectionAttempt) {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, a)
		},
	})

	res := handshake(t, testGate(t, mustBuild(t, clientSpec(t, nil), RoleClient)), server)
	require.True(t, res.server.Accepted())

	mu.Lock()
	require.Len(t, attempts, 1)
	attempt := attempts[0]
	mu.Unlock()

	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, "http", attempt.Transport)
	assert.Equal(t, RoleServer, attempt.Role)
	assert.NotEmpty(t, attempt.RemoteAddr)
	assert.Positive(t, attempt.Duration)
	assert.Equal(t, res.server, attempt.Outcome)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "tls.handshake", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "accepted", attrs["tls.outcome"])
	assert.Equal(t, res.server.Protocol, attrs["tls.protocol"])
	assert.Equal(t, attempt.ID, attrs["tls.attempt_id"])
}

// Whatever two policies allow, an accepted handshake uses a protocol and a
// cipher both of them allow, and disjoint policies never connect.
func TestGateNeverNegotiatesOutsidePolicy(t *testing.T) {
	protocolNames := []string{"TLSv1.3", "TLSv1.2"}
	tls12Ciphers := []string{
		"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
		"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
	}
	tls13Ciphers := []string{"TLS_AES_128_GCM_SHA256", "TLS_AES_256_GCM_SHA384", "TLS_CHACHA20_POLY1305_SHA256"}

	draw := func(rt *rapid.T, label string) func(*policy.Options) {
		protos := rapid.SliceOfNDistinct(rapid.SampledFrom(protocolNames), 1, 2, rapid.ID[string]).Draw(rt, label+"Protocols")
		suites := rapid.SliceOfNDistinct(rapid.SampledFrom(tls12Ciphers), 1, 4, rapid.ID[string]).Draw(rt, label+"Ciphers")
		return func(o *policy.Options) {
			o.Protocols = protocols(t, protos...)
			o.Ciphers = ciphers(t, append(slices.Clone(tls13Ciphers), suites...)...)
		}
	}

	rapid.Check(t, func(rt *rapid.T) {
		clientPolicy := clientSpec(t, draw(rt, "client"))
		serverPolicy := serverSpec(t, draw(rt, "server"))

		res := handshake(t,
			testGate(t, mustBuild(t, clientPolicy, RoleClient)),
			testGate(t, mustBuild(t, serverPolicy, RoleServer)),
		)

		sharedProtocols := intersect(clientPolicy.ProtocolNames(), serverPolicy.ProtocolNames())
		if len(sharedProtocols) == 0 && res.server.Accepted() {
			rt.Fatalf("server accepted %v with no shared protocol", res.server)
		}

		for _, outcome := range []Outcome{res.client, res.server} {
			if !outcome.Accepted() {
				continue
			}
			if !slices.Contains(sharedProtocols, outcome.Protocol) {
				rt.Fatalf("negotiated protocol %s outside %v", outcome.Protocol, sharedProtocols)
			}
			sharedCiphers := intersect(clientPolicy.CipherNames(), serverPolicy.CipherNames())
			if !slices.Contains(sharedCiphers, outcome.Cipher) {
				rt.Fatalf("negotiated cipher %s outside %v", outcome.Cipher, sharedCiphers)
			}
		}
	})
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

func stripCause(o Outcome) Outcome {
	o.Cause = nil
	return o
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("handshake did not finish")
		return Outcome{}
	}
}

// sslv3ClientHello returns a ClientHello record as an SSLv3-only client
// sends it: record and client version 3.0, no extensions.
func sslv3ClientHello() []byte {
	body := []byte{0x03, 0x00}
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session id
	body = append(body, 0x00, 0x02, 0x00, 0x0a)
	body = append(body, 0x01, 0x00) // null compression

	msg := append([]byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	return append([]byte{0x16, 0x03, 0x00, byte(len(msg) >> 8), byte(len(msg))}, msg...)
}
