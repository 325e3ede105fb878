package node

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	shieldtls "github.com/anupis/elasticsearch/internal/tls"
)

// Metrics holds the node-level Prometheus metrics. Handshake counters live in
// the TLS package and reach the same registry through the OTel bridge.
type Metrics struct {
	rejections    *prometheus.CounterVec
	lastRejection *prometheus.GaugeVec
	seedProbes    *prometheus.CounterVec
	storeChanges  *prometheus.CounterVec
	policyInfo    *prometheus.GaugeVec
	rpcConns      prometheus.GaugeFunc
}

// NewMetrics creates the node metrics and registers them in registry.
// connections reports the number of open RPC connections on every scrape.
func NewMetrics(registry prometheus.Registerer, connections func() int) *Metrics {
	m := &Metrics{
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_connections_rejected_total",
				Help: "Connections refused by the TLS gate by transport, side and reason",
			},
			[]string{"transport", "side", "reason"},
		),
		lastRejection: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shield_last_rejection_timestamp_seconds",
				Help: "Unix time of the most recent rejected handshake",
			},
			[]string{"transport"},
		),
		seedProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_seed_probes_total",
				Help: "Startup probes of seed nodes by result",
			},
			[]string{"result"},
		),
		storeChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_store_changes_total",
				Help: "Keystore or truststore changes noticed since start (restart required)",
			},
			[]string{"path"},
		),
		policyInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shield_tls_policy_info",
				Help: "Effective TLS policy (value is always 1)",
			},
			[]string{"transport", "protocols", "ciphers", "client_auth"},
		),
		rpcConns: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "shield_rpc_connections",
				Help: "Open inter-node connections",
			},
			func() float64 {
				if connections == nil {
					return 0
				}
				return float64(connections())
			},
		),
	}

	registry.MustRegister(
		m.rejections,
		m.lastRejection,
		m.seedProbes,
		m.storeChanges,
		m.policyInfo,
		m.rpcConns,
	)
	return m
}

// ObserveHandshake is installed as the gates' observer.
func (m *Metrics) ObserveHandshake(attempt shieldtls.ConnectionAttempt) {
	if attempt.Outcome.Accepted() {
		return
	}
	side := "local"
	if attempt.Outcome.Kind == shieldtls.RejectedByPeer {
		side = "peer"
	}
	m.rejections.WithLabelValues(attempt.Transport, side, string(attempt.Outcome.Reason)).Inc()
	m.lastRejection.WithLabelValues(attempt.Transport).Set(float64(attempt.Started.Add(attempt.Duration).Unix()))
}

// RecordSeedProbe records the result of one seed probe.
func (m *Metrics) RecordSeedProbe(reachable bool) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	m.seedProbes.WithLabelValues(result).Inc()
}

// RecordStoreChange records a change to a watched store file.
func (m *Metrics) RecordStoreChange(path string) {
	m.storeChanges.WithLabelValues(path).Inc()
}

// SetPolicy publishes the effective policy of a transport.
func (m *Metrics) SetPolicy(transport string, nc *shieldtls.NegotiationContext) {
	spec := nc.Policy()
	clientAuth := "false"
	if spec.RequireClientAuth() {
		clientAuth = "true"
	}
	m.policyInfo.WithLabelValues(
		transport,
		strings.Join(spec.ProtocolNames(), ","),
		strings.Join(spec.CipherNames(), ","),
		clientAuth,
	).Set(1)
}
