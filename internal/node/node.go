// Package node wires a shield node together: it loads and validates the TLS
// policy, builds one negotiation context per transport role and runs the RPC,
// HTTP and admin listeners until the context is cancelled.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anupis/elasticsearch/internal/policy"
	shieldtls "github.com/anupis/elasticsearch/internal/tls"
	httptransport "github.com/anupis/elasticsearch/internal/transport/http"
	"github.com/anupis/elasticsearch/internal/transport/rpc"
	"github.com/anupis/elasticsearch/pkg/config"
	"github.com/anupis/elasticsearch/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Options configure a Node.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string
}

// Node is a running shield node.
type Node struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	telemetry       *telemetry.Metrics
	metrics         *Metrics
	shutdownTracing func(context.Context) error

	policy *policy.PolicySpec
	rpc    *rpc.Transport
	http   *httptransport.Server

	ready   atomic.Bool
	started chan struct{}

	rpcAddr   string
	httpAddr  string
	adminAddr string
}

// LoadPolicy parses the SSL settings and runs the built-in checks plus any
// configured admission rules. Denied entries fail with *policy.PolicyError.
func LoadPolicy(ctx context.Context, settings config.SSLConfig) (*policy.PolicySpec, error) {
	spec, err := policy.Load(settings)
	if err != nil {
		return nil, err
	}

	var opts policy.ValidatorOptions
	if settings.AdmissionRules != "" {
		if opts.Modules, err = policy.LoadAdmissionRules(settings.AdmissionRules); err != nil {
			return nil, err
		}
	}
	validator, err := policy.NewValidator(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(ctx, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// New validates cfg, loads the TLS policy when any transport uses TLS and
// builds the transports. Nothing is listening until Run is called. A policy
// that denies an entry, a keystore that cannot be decoded or a context that
// cannot be built is fatal.
func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node", cfg.Node.Name, "cluster", cfg.Node.Cluster)
	tlsLogger := shieldtls.NewTLSLogger(logger)

	n := &Node{
		cfg:     cfg,
		logger:  logger,
		version: opts.Version,
		started: make(chan struct{}),
	}

	if cfg.Transport.SSL || (cfg.HTTP.Enabled && cfg.HTTP.SSL) {
		spec, err := LoadPolicy(ctx, cfg.SSL)
		if err != nil {
			var policyErr *policy.PolicyError
			if errors.As(err, &policyErr) {
				tlsLogger.LogPolicyViolation(ctx, policyErr)
			}
			return nil, err
		}
		n.policy = spec
	}

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "shield",
		NodeName:    cfg.Node.Name,
		Cluster:     cfg.Node.Cluster,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	n.shutdownTracing = shutdownTracing

	if n.telemetry, err = telemetry.SetupMetrics("shield"); err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}
	tlsMetrics, err := shieldtls.NewTLSMetricsCollector(n.telemetry.Provider.Meter("shield.tls"))
	if err != nil {
		n.releaseTelemetry(ctx)
		return nil, fmt.Errorf("failed to create TLS metrics: %w", err)
	}
	n.metrics = NewMetrics(n.telemetry.Registry, func() int {
		if n.rpc == nil {
			return 0
		}
		return n.rpc.Connections()
	})

	gate := func(transport string, role shieldtls.Role) (*shieldtls.Gate, error) {
		nc, err := shieldtls.BuildContext(n.policy, role)
		if err != nil {
			return nil, fmt.Errorf("%s %s context: %w", transport, role, err)
		}
		tlsLogger.LogContextBuilt(ctx, transport, nc)
		if role == shieldtls.RoleServer {
			n.metrics.SetPolicy(transport, nc)
		}
		return shieldtls.NewGate(nc, shieldtls.GateOptions{
			Transport: transport,
			Logger:    logger,
			Metrics:   tlsMetrics,
			Observer:  n.metrics.ObserveHandshake,
		}), nil
	}

	rpcOpts := rpc.Options{
		NodeName:       cfg.Node.Name,
		Cluster:        cfg.Node.Cluster,
		ConnectTimeout: cfg.Transport.ConnectTimeout.Std(),
		HelloTimeout:   cfg.SSL.HandshakeTimeout.Std(),
		Handler:        rpc.HandlerFunc(n.ServeRPC),
		Logger:         logger,
	}
	if cfg.Transport.SSL {
		if rpcOpts.ServerGate, err = gate("transport", shieldtls.RoleServer); err != nil {
			n.releaseTelemetry(ctx)
			return nil, err
		}
		if rpcOpts.ClientGate, err = gate("transport", shieldtls.RoleClient); err != nil {
			n.releaseTelemetry(ctx)
			return nil, err
		}
	} else {
		logger.WarnContext(ctx, "transport TLS is disabled, inter-node traffic is plaintext")
	}
	n.rpc = rpc.New(rpcOpts)

	if cfg.HTTP.Enabled {
		httpOpts := httptransport.ServerOptions{
			Handler: httptransport.NewHandler(httptransport.NodeInfo{
				Name:    cfg.Node.Name,
				Cluster: cfg.Node.Cluster,
				Version: opts.Version,
			}),
			Logger:            logger,
			ReadHeaderTimeout: cfg.SSL.HandshakeTimeout.Std(),
		}
		if cfg.HTTP.SSL {
			if httpOpts.Gate, err = gate("http", shieldtls.RoleServer); err != nil {
				n.releaseTelemetry(ctx)
				return nil, err
			}
		} else {
			logger.WarnContext(ctx, "http TLS is disabled, client traffic is plaintext")
		}
		n.http = httptransport.NewServer(httpOpts)
	}

	return n, nil
}

// Run binds the listeners and serves until ctx is cancelled or a listener
// fails. Shutdown is graceful: in-flight HTTP requests are drained, RPC
// connections are closed and buffered telemetry is flushed.
func (n *Node) Run(ctx context.Context) error {
	listeners, err := n.listen()
	if err != nil {
		n.releaseTelemetry(ctx)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	serve := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	serve("transport", func() error {
		err := n.rpc.Serve(ctx, listeners.rpc)
		if errors.Is(err, rpc.ErrTransportClosed) {
			return nil
		}
		return err
	})
	if listeners.http != nil {
		serve("http", func() error { return n.http.Serve(ctx, listeners.http) })
	}

	var admin *http.Server
	if listeners.admin != nil {
		admin = &http.Server{
			Handler:           n.adminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          slog.NewLogLogger(n.logger.Handler(), slog.LevelWarn),
		}
		serve("admin", func() error {
			err := admin.Serve(listeners.admin)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	if watcher := n.watchStores(ctx); watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	if len(n.cfg.Transport.Seeds) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.probeSeeds(ctx)
		}()
	}

	n.ready.Store(true)
	close(n.started)
	n.logger.InfoContext(ctx, "node started",
		"transport_address", n.rpcAddr,
		"http_address", n.httpAddr,
		"admin_address", n.adminAddr,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		n.logger.ErrorContext(ctx, "listener failed", "error", runErr)
	}

	n.ready.Store(false)
	cancel()
	n.logger.InfoContext(ctx, "node stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()

	if n.http != nil {
		if err := n.http.Shutdown(shutdownCtx); err != nil {
			n.logger.WarnContext(shutdownCtx, "http shutdown", "error", err)
		}
	}
	_ = n.rpc.Close()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			n.logger.WarnContext(shutdownCtx, "admin shutdown", "error", err)
		}
	}
	wg.Wait()

	n.releaseTelemetry(shutdownCtx)
	n.logger.InfoContext(shutdownCtx, "node stopped")
	return runErr
}

// Started is closed once every listener is bound.
func (n *Node) Started() <-chan struct{} { return n.started }

// TransportAddr returns the bound RPC address. Valid after Started.
func (n *Node) TransportAddr() string { return n.rpcAddr }

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled.
func (n *Node) HTTPAddr() string { return n.httpAddr }

// AdminAddr returns the bound admin address, or "" when it is disabled.
func (n *Node) AdminAddr() string { return n.adminAddr }

// Policy returns the effective TLS policy, or nil when every transport is
// plaintext.
func (n *Node) Policy() *policy.PolicySpec { return n.policy }

type nodeListeners struct {
	rpc   net.Listener
	http  net.Listener
	admin net.Listener
}

func (l nodeListeners) close() {
	for _, ln := range []net.Listener{l.rpc, l.http, l.admin} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func (n *Node) listen() (nodeListeners, error) {
	var l nodeListeners
	var err error

	if l.rpc, err = net.Listen("tcp", n.cfg.Transport.Address); err != nil {
		return l, fmt.Errorf("failed to listen on transport.address %s: %w", n.cfg.Transport.Address, err)
	}
	n.rpcAddr = l.rpc.Addr().String()

	if n.http != nil {
		if l.http, err = net.Listen("tcp", n.cfg.HTTP.Address); err != nil {
			l.close()
			return nodeListeners{}, fmt.Errorf("failed to listen on http.address %s: %w", n.cfg.HTTP.Address, err)
		}
		n.httpAddr = l.http.Addr().String()
	}

	if n.cfg.Admin.Address != "" {
		if l.admin, err = net.Listen("tcp", n.cfg.Admin.Address); err != nil {
			l.close()
			return nodeListeners{}, fmt.Errorf("failed to listen on admin.address %s: %w", n.cfg.Admin.Address, err)
		}
		n.adminAddr = l.admin.Addr().String()
	}

	return l, nil
}

// watchStores reports keystore and truststore changes. The running policy is
// never reloaded.
func (n *Node) watchStores(ctx context.Context) *shieldtls.StoreWatcher {
	if n.policy == nil {
		return nil
	}
	var paths []string
	for _, store := range []config.StoreConfig{n.cfg.SSL.Keystore, n.cfg.SSL.Truststore} {
		if store.Configured() {
			paths = append(paths, store.Path)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	watcher, err := shieldtls.NewStoreWatcher(paths, n.logger, n.metrics.RecordStoreChange)
	if err != nil {
		n.logger.WarnContext(ctx, "TLS store watcher unavailable", "error", err)
		return nil
	}
	return watcher
}

func (n *Node) releaseTelemetry(ctx context.Context) {
	if n.telemetry != nil {
		if err := n.telemetry.Shutdown(ctx); err != nil {
			n.logger.DebugContext(ctx, "metrics shutdown", "error", err)
		}
	}
	if n.shutdownTracing != nil {
		if err := n.shutdownTracing(ctx); err != nil {
			n.logger.DebugContext(ctx, "tracing shutdown", "error", err)
		}
	}
}
