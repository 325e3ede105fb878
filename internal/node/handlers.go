package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/anupis/elasticsearch/internal/transport/rpc"
)

// RPC actions served by every node.
const (
	ActionPing     = "internal:ping"
	ActionNodeInfo = "internal:node/info"
)

// Info is the payload of ActionNodeInfo. Protocol and Cipher describe the
// connection the request arrived on.
type Info struct {
	Name     string `cbor:"1,keyasint"`
	Cluster  string `cbor:"2,keyasint"`
	Version  string `cbor:"3,keyasint,omitempty"`
	Protocol string `cbor:"4,keyasint,omitempty"`
	Cipher   string `cbor:"5,keyasint,omitempty"`
}

// ServeRPC answers the node's built-in actions.
func (n *Node) ServeRPC(_ context.Context, conn *rpc.Connection, req *rpc.Request) ([]byte, error) {
	switch req.Action {
	case ActionPing:
		return []byte(n.cfg.Node.Name), nil
	case ActionNodeInfo:
		info := Info{Name: n.cfg.Node.Name, Cluster: n.cfg.Node.Cluster, Version: n.version}
		if outcome, ok := conn.TLS(); ok {
			info.Protocol = outcome.Protocol
			info.Cipher = outcome.Cipher
		}
		return cbor.Marshal(info)
	default:
		return nil, fmt.Errorf("no handler for action [%s]", req.Action)
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	Node           string `json:"node"`
	Cluster        string `json:"cluster_name"`
	TransportTLS   bool   `json:"transport_tls"`
	HTTPTLS        bool   `json:"http_tls"`
	RPCConnections int    `json:"rpc_connections"`
}

func (n *Node) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.handleHealth)
	mux.Handle("GET /metrics", n.telemetry.Handler())
	return mux
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		Node:           n.cfg.Node.Name,
		Cluster:        n.cfg.Node.Cluster,
		TransportTLS:   n.rpc.TLSEnabled(),
		HTTPTLS:        n.http != nil && n.http.TLSEnabled(),
		RPCConnections: n.rpc.Connections(),
	}
	status := http.StatusOK
	if !n.ready.Load() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
