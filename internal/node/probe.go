package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	shieldtls "github.com/anupis/elasticsearch/internal/tls"
	httptransport "github.com/anupis/elasticsearch/internal/transport/http"
	"github.com/anupis/elasticsearch/internal/transport/rpc"
	"github.com/anupis/elasticsearch/pkg/config"
)

// probeSeeds connects once to every seed and logs whether it answered. Seeds
// are not retried.
func (n *Node) probeSeeds(ctx context.Context) {
	for _, seed := range n.cfg.Transport.Seeds {
		if seed == n.rpcAddr {
			continue
		}
		info, err := probeTransport(ctx, n.rpc, seed)
		n.metrics.RecordSeedProbe(err == nil)
		if err != nil {
			n.logger.WarnContext(ctx, "seed node unreachable", "seed", seed, "error", err)
			continue
		}
		n.logger.InfoContext(ctx, "seed node reachable",
			"seed", seed,
			"peer_node", info.Name,
			"tls_version", info.Protocol,
			"cipher_suite", info.Cipher,
		)
	}
}

func probeTransport(ctx context.Context, t *rpc.Transport, address string) (*Info, error) {
	conn, err := t.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := conn.Call(ctx, ActionNodeInfo, nil)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := cbor.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("decode node info: %w", err)
	}
	return &info, nil
}

// ProbeTransport connects to the RPC transport at address using the client
// side of cfg and returns the remote node's description. Failures only say
// that the node is unavailable; details are logged at debug level.
func ProbeTransport(ctx context.Context, cfg *config.Config, address string, logger *slog.Logger) (*Info, error) {
	opts := rpc.Options{
		NodeName:       cfg.Node.Name + "-probe",
		Cluster:        cfg.Node.Cluster,
		ConnectTimeout: cfg.Transport.ConnectTimeout.Std(),
		HelloTimeout:   cfg.SSL.HandshakeTimeout.Std(),
		Logger:         logger,
	}
	if cfg.Transport.SSL {
		gate, err := probeGate(ctx, cfg, "transport", logger)
		if err != nil {
			return nil, err
		}
		opts.ClientGate = gate
	}

	t := rpc.New(opts)
	defer t.Close()
	return probeTransport(ctx, t, address)
}

// ProbeHTTP requests /_tls from the HTTP transport at address using the
// client side of cfg. A rejected handshake fails with
// *httptransport.HandshakeFailureError.
func ProbeHTTP(ctx context.Context, cfg *config.Config, address string, logger *slog.Logger) (*httptransport.TLSInfo, error) {
	scheme := "http"
	var gate *shieldtls.Gate
	if cfg.HTTP.SSL {
		var err error
		if gate, err = probeGate(ctx, cfg, "http", logger); err != nil {
			return nil, err
		}
		scheme = "https"
	}

	client := httptransport.NewClient(gate, httptransport.ClientOptions{
		DialTimeout: cfg.Transport.ConnectTimeout.Std(),
		Timeout:     cfg.Transport.ConnectTimeout.Std() + cfg.SSL.HandshakeTimeout.Std(),
	})
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+address+"/_tls", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var info httptransport.TLSInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode /_tls response: %w", err)
	}
	return &info, nil
}

func probeGate(ctx context.Context, cfg *config.Config, transport string, logger *slog.Logger) (*shieldtls.Gate, error) {
	spec, err := LoadPolicy(ctx, cfg.SSL)
	if err != nil {
		return nil, err
	}
	nc, err := shieldtls.BuildContext(spec, shieldtls.RoleClient)
	if err != nil {
		return nil, err
	}
	return shieldtls.NewGate(nc, shieldtls.GateOptions{Transport: transport, Logger: logger}), nil
}
