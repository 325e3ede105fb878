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

// ErrConnectionClosed is returned by calls on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// RemoteError is an error returned by the peer's handler.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Action, e.Message)
}

// Connection is an established inter-node connection. Calls may be issued
// concurrently in both directions.
type Connection struct {
	id        string
	conn      net.Conn
	framer    *framer
	outcome   shieldtls.Outcome
	outbound  bool
	peer      Hello
	transport *Transport
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[string]chan *Response
	err       error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Connection) ID() string { return c.id }

// Peer returns the remote node's hello.
func (c *Connection) Peer() Hello { return c.peer }

func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Outbound reports whether this side dialed the connection.
func (c *Connection) Outbound() bool { return c.outbound }

// TLS returns the handshake outcome, or false for a plaintext connection.
func (c *Connection) TLS() (shieldtls.Outcome, bool) {
	return c.outcome, c.outcome.Protocol != ""
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Call sends a request and waits for its response.
func (c *Connection) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := encode(envelope{Type: MessageRequest, Request: &Request{ID: id, Action: action, Payload: payload}})
	if err != nil {
		return nil, err
	}
	if err := c.framer.writeFrame(data); err != nil {
		c.closeWithError(err)
		return nil, fmt.Errorf("%s: %w", action, ErrConnectionClosed)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, &RemoteError{Action: action, Message: resp.Error}
		}
		return resp.Payload, nil
	case <-c.closed:
		return nil, fmt.Errorf("%s: %w", action, ErrConnectionClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection. Pending calls fail with ErrConnectionClosed.
func (c *Connection) Close() error {
	c.closeWithError(ErrConnectionClosed)
	return nil
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		close(c.closed)
		c.cancel()
		_ = c.conn.Close()
		c.transport.untrack(c)
	})
}

// sendHello runs the initiator side of the hello exchange.
func (c *Connection) sendHello(ctx context.Context, local Hello, timeout time.Duration) (Hello, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	data, err := encode(envelope{Type: MessageHello, Hello: &local})
	if err != nil {
		return Hello{}, err
	}
	if err := c.framer.writeFrame(data); err != nil {
		return Hello{}, err
	}

	env, err := c.readEnvelope()
	if err != nil {
		return Hello{}, err
	}
	if env.Type != MessageHelloAck {
		return Hello{}, fmt.Errorf("%w: expected hello_ack, got %s", errMalformed, env.Type)
	}
	if env.Hello.Error != "" {
		return Hello{}, fmt.Errorf("peer refused hello: %s", env.Hello.Error)
	}
	return *env.Hello, nil
}

// receiveHello runs the acceptor side. A peer from another cluster is told
// why and refused.
func (c *Connection) receiveHello(local Hello, timeout time.Duration) (Hello, error) {
	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	env, err := c.readEnvelope()
	if err != nil {
		return Hello{}, err
	}
	if env.Type != MessageHello {
		return Hello{}, fmt.Errorf("%w: expected hello, got %s", errMalformed, env.Type)
	}
	peer := *env.Hello

	ack := local
	var refused error
	if local.Cluster != "" && peer.Cluster != local.Cluster {
		ack = Hello{Error: fmt.Sprintf("cluster %q does not match %q", peer.Cluster, local.Cluster)}
		refused = fmt.Errorf("peer %s belongs to cluster %q", peer.NodeName, peer.Cluster)
	}

	data, err := encode(envelope{Type: MessageHelloAck, Hello: &ack})
	if err != nil {
		return Hello{}, err
	}
	if err := c.framer.writeFrame(data); err != nil {
		return Hello{}, err
	}
	if refused != nil {
		return Hello{}, refused
	}
	return peer, nil
}

func (c *Connection) readEnvelope() (envelope, error) {
	data, err := c.framer.readFrame()
	if err != nil {
		return envelope{}, err
	}
	return decode(data)
}

// startReader runs the read loop on a tracked goroutine.
func (c *Connection) startReader() {
	c.transport.wg.Add(1)
	go func() {
		defer c.transport.wg.Done()
		c.readLoop(c.transport.opts.Handler)
	}()
}

// serve runs the read loop on the calling goroutine.
func (c *Connection) serve(handler Handler) {
	c.readLoop(handler)
}

func (c *Connection) readLoop(handler Handler) {
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		env, err := c.readEnvelope()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("connection read failed", "connection_id", c.id, "error", err)
			}
			c.closeWithError(err)
			return
		}

		switch env.Type {
		case MessageResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.Response.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- env.Response:
				default:
				}
			}

		case MessageRequest:
			req := env.Request
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				c.handle(handler, req)
			}()

		default:
			c.logger.Warn("unexpected message", "connection_id", c.id, "type", env.Type.String())
			c.closeWithError(errMalformed)
			return
		}
	}
}

func (c *Connection) handle(handler Handler, req *Request) {
	resp := &Response{ID: req.ID}
	if handler == nil {
		resp.Error = fmt.Sprintf("no handler for action %q", req.Action)
	} else if payload, err := handler.ServeRPC(c.ctx, c, req); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Payload = payload
	}

	data, err := encode(envelope{Type: MessageResponse, Response: resp})
	if err == nil {
		err = c.framer.writeFrame(data)
	}
	if err != nil {
		c.logger.Debug("failed to send response", "connection_id", c.id, "action", req.Action, "error", err)
	}
}
