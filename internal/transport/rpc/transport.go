// Package rpc is the inter-node transport. Every connection passes the TLS
// gate before any frame is exchanged; an initiator that fails to establish a
// connection for any reason only learns that the node is unavailable.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	shieldtls "github.com/anupis/elasticsearch/internal/tls"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultHelloTimeout   = 10 * time.Second
)

// ErrNodeUnavailable is matched by every Connect failure.
var ErrNodeUnavailable = errors.New("node unavailable")

// ErrTransportClosed is returned by Accept and Serve after Close.
var ErrTransportClosed = errors.New("transport closed")

// NodeUnavailableError carries only the address that could not be reached.
// Handshake details are logged, never returned.
type NodeUnavailableError struct {
	Address string
}

func (e *NodeUnavailableError) Error() string {
	return fmt.Sprintf("node at %s is unavailable", e.Address)
}

func (e *NodeUnavailableError) Is(target error) bool {
	return target == ErrNodeUnavailable
}

// Handler serves requests arriving on inbound connections.
type Handler interface {
	ServeRPC(ctx context.Context, conn *Connection, req *Request) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Connection, req *Request) ([]byte, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, conn *Connection, req *Request) ([]byte, error) {
	return f(ctx, conn, req)
}

// Options configure a Transport. A nil gate disables TLS for that direction.
type Options struct {
	NodeName       string
	Cluster        string
	ClientGate     *shieldtls.Gate
	ServerGate     *shieldtls.Gate
	ConnectTimeout time.Duration
	HelloTimeout   time.Duration
	MaxMessageSize uint32
	// Handler serves inbound requests. Without one, inbound connections are
	// delivered through Accept instead.
	Handler Handler
	Logger  *slog.Logger
}

// Transport dials and accepts inter-node connections.
type Transport struct {
	opts   Options
	logger *slog.Logger

	inbound chan *Connection
	done    chan struct{}
	// closing is canceled by Close and bounds every inbound connection.
	closing     context.Context
	stopClosing context.CancelFunc

	mu        sync.Mutex
	conns     map[string]*Connection
	listeners map[net.Listener]struct{}
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a transport.
func New(opts Options) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = defaultHelloTimeout
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	closing, stopClosing := context.WithCancel(context.Background())
	return &Transport{
		opts:        opts,
		logger:      logger.With("component", "rpc"),
		inbound:     make(chan *Connection),
		done:        make(chan struct{}),
		closing:     closing,
		stopClosing: stopClosing,
		conns:       make(map[string]*Connection),
		listeners:   make(map[net.Listener]struct{}),
	}
}

// TLSEnabled reports whether inbound connections must pass a TLS handshake.
func (t *Transport) TLSEnabled() bool {
	return t.opts.ServerGate != nil
}

// Connect opens a connection to the node at address. The handshake and the
// hello exchange are attempted once; any failure closes the socket and
// returns an error matching ErrNodeUnavailable.
func (t *Transport) Connect(ctx context.Context, address string) (*Connection, error) {
	unavailable := &NodeUnavailableError{Address: address}
	logger := t.logger.With("remote_addr", address)

	dialer := net.Dialer{Timeout: t.opts.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		logger.DebugContext(ctx, "dial failed", "error", err)
		return nil, unavailable
	}

	conn := net.Conn(raw)
	var outcome shieldtls.Outcome
	if gate := t.opts.ClientGate; gate != nil {
		host, _, _ := net.SplitHostPort(address)
		tlsConn, result := gate.NegotiateServerName(ctx, raw, host)
		if tlsConn == nil {
			logger.DebugContext(ctx, "handshake rejected", "outcome", result.String())
			return nil, unavailable
		}
		conn, outcome = tlsConn, result
	}

	c := t.newConnection(context.WithoutCancel(ctx), conn, outcome, true)
	peer, err := c.sendHello(ctx, Hello{NodeName: t.opts.NodeName, Cluster: t.opts.Cluster}, t.opts.HelloTimeout)
	if err != nil {
		c.closeWithError(err)
		logger.DebugContext(ctx, "hello exchange failed", "error", err)
		return nil, unavailable
	}
	c.peer = peer

	if !t.track(c) {
		c.closeWithError(ErrTransportClosed)
		return nil, unavailable
	}
	c.startReader()

	logger.InfoContext(ctx, "connected to node",
		"connection_id", c.id,
		"peer_node", peer.NodeName,
		"tls_version", outcome.Protocol,
		"cipher_suite", outcome.Cipher,
	)
	return c, nil
}

// Serve accepts sockets from ln until ctx is done, ln fails or the transport
// is closed. Each socket is negotiated on its own goroutine; rejected sockets
// are dropped and never surfaced.
func (t *Transport) Serve(ctx context.Context, ln net.Listener) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.listeners[ln] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.listeners, ln)
		t.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	t.logger.InfoContext(ctx, "transport listening", "address", ln.Addr().String(), "tls", t.TLSEnabled())

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return ErrTransportClosed
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(t.closing, cancel)
			defer stop()
			t.handleInbound(connCtx, raw)
		}()
	}
}

// Accept returns the next inbound connection that passed the gate and the
// hello exchange. It is only fed when no Handler is configured.
func (t *Transport) Accept(ctx context.Context) (*Connection, error) {
	select {
	case c := <-t.inbound:
		return c, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) handleInbound(ctx context.Context, raw net.Conn) {
	conn := raw
	var outcome shieldtls.Outcome
	if gate := t.opts.ServerGate; gate != nil {
		tlsConn, result := gate.Negotiate(ctx, raw)
		if tlsConn == nil {
			return
		}
		conn, outcome = tlsConn, result
	}

	c := t.newConnection(ctx, conn, outcome, false)
	peer, err := c.receiveHello(Hello{NodeName: t.opts.NodeName, Cluster: t.opts.Cluster}, t.opts.HelloTimeout)
	if err != nil {
		t.logger.DebugContext(ctx, "inbound hello failed", "remote_addr", c.RemoteAddr(), "error", err)
		c.closeWithError(err)
		return
	}
	c.peer = peer

	if !t.track(c) {
		c.closeWithError(ErrTransportClosed)
		return
	}

	t.logger.DebugContext(ctx, "accepted node connection",
		"connection_id", c.id,
		"remote_addr", c.RemoteAddr(),
		"peer_node", peer.NodeName,
	)

	if t.opts.Handler == nil {
		c.startReader()
		select {
		case t.inbound <- c:
		case <-t.done:
			_ = c.Close()
		case <-ctx.Done():
			_ = c.Close()
		}
		return
	}

	c.serve(t.opts.Handler)
}

func (t *Transport) newConnection(parent context.Context, conn net.Conn, outcome shieldtls.Outcome, outbound bool) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		conn:      conn,
		framer:    newFramer(conn, t.opts.MaxMessageSize),
		outcome:   outcome,
		outbound:  outbound,
		transport: t,
		logger:    t.logger,
		pending:   make(map[string]chan *Response),
		closed:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	context.AfterFunc(c.ctx, func() { c.closeWithError(ErrConnectionClosed) })
	return c
}

func (t *Transport) track(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c.id] = c
	return true
}

func (t *Transport) untrack(c *Connection) {
	t.mu.Lock()
	delete(t.conns, c.id)
	t.mu.Unlock()
}

// Connections returns the number of open connections.
func (t *Transport) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Close stops every listener passed to Serve, cancels in-flight handshakes,
// closes all connections and waits for their goroutines.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.done)
		t.stopClosing()
		listeners := make([]net.Listener, 0, len(t.listeners))
		for ln := range t.listeners {
			listeners = append(listeners, ln)
		}
		conns := make([]*Connection, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
	})
	t.wg.Wait()
	return nil
}
