// Package httptransport serves the node's client-facing HTTP API behind the
// TLS gate and provides a client that dials through the same gate.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	shieldtls "github.com/anupis/elasticsearch/internal/tls"
)

const defaultReadHeaderTimeout = 10 * time.Second

// ServerOptions configure a Server. A nil Gate serves plaintext.
type ServerOptions struct {
	Gate              *shieldtls.Gate
	Handler           http.Handler
	Logger            *slog.Logger
	ReadHeaderTimeout time.Duration
	// Headers overrides the default security headers.
	Headers map[string]string
}

// Server is the HTTP transport.
type Server struct {
	gate   *shieldtls.Gate
	logger *slog.Logger
	http   *http.Server

	mu        sync.Mutex
	listeners []*gatedListener
}

// NewServer creates a server. The handler is wrapped with security headers
// and OpenTelemetry instrumentation.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	handler := opts.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	handler = otelhttp.NewHandler(SecurityHeaders(handler, opts.Headers), "shield.http")

	readHeaderTimeout := opts.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}

	return &Server{
		gate:   opts.Gate,
		logger: logger,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}
}

// TLSEnabled reports whether sockets must pass the TLS gate.
func (s *Server) TLSEnabled() bool {
	return s.gate != nil
}

// Serve accepts sockets from ln until ctx is done or Shutdown is called.
// With TLS enabled every socket is negotiated on its own goroutine and only
// accepted connections reach the HTTP server; rejected sockets are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.InfoContext(ctx, "http listening", "address", ln.Addr().String(), "tls", s.TLSEnabled())

	if s.gate != nil {
		gated := newGatedListener(ctx, ln, s.gate)
		s.mu.Lock()
		s.listeners = append(s.listeners, gated)
		s.mu.Unlock()
		ln = gated
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	})
	defer stop()

	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops accepting, waits for in-flight handshakes and gracefully
// closes active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, gl := range listeners {
		_ = gl.Close()
		gl.wait()
	}
	return err
}

// gatedListener hands out only connections that passed the gate.
type gatedListener struct {
	net.Listener
	gate *shieldtls.Gate

	ctx    context.Context
	cancel context.CancelFunc

	conns     chan net.Conn
	acceptErr chan error
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newGatedListener(ctx context.Context, ln net.Listener, gate *shieldtls.Gate) *gatedListener {
	ctx, cancel := context.WithCancel(ctx)
	gl := &gatedListener{
		Listener:  ln,
		gate:      gate,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(chan net.Conn),
		acceptErr: make(chan error, 1),
	}
	gl.wg.Add(1)
	go gl.acceptLoop()
	return gl
}

func (gl *gatedListener) acceptLoop() {
	defer gl.wg.Done()
	for {
		raw, err := gl.Listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			gl.acceptErr <- err
			return
		}

		gl.wg.Add(1)
		go func() {
			defer gl.wg.Done()
			conn, _ := gl.gate.Negotiate(gl.ctx, raw)
			if conn == nil {
				return
			}
			select {
			case gl.conns <- conn:
			case <-gl.ctx.Done():
				_ = conn.Close()
			}
		}()
	}
}

func (gl *gatedListener) Accept() (net.Conn, error) {
	select {
	case conn := <-gl.conns:
		return conn, nil
	case err := <-gl.acceptErr:
		// Keep reporting the error on later calls.
		gl.acceptErr <- err
		return nil, err
	case <-gl.ctx.Done():
		return nil, fmt.Errorf("accept: %w", net.ErrClosed)
	}
}

func (gl *gatedListener) Close() error {
	var err error
	gl.closeOnce.Do(func() {
		gl.cancel()
		err = gl.Listener.Close()
	})
	return err
}

func (gl *gatedListener) wait() {
	gl.wg.Wait()
}
