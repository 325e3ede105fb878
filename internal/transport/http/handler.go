package httptransport

import (
	"crypto/tls"
	"encoding/json"
	"net/http"

	"github.com/anupis/elasticsearch/internal/policy"
)

// Tagline is returned by the root endpoint.
const Tagline = "You Know, for Search"

// NodeInfo identifies the node in root responses.
type NodeInfo struct {
	Name    string `json:"name"`
	Cluster string `json:"cluster_name"`
	Version string `json:"version,omitempty"`
}

type rootResponse struct {
	NodeInfo
	Tagline string `json:"tagline"`
}

// TLSInfo is the body of GET /_tls.
type TLSInfo struct {
	Secure       bool     `json:"secure"`
	Protocol     string   `json:"protocol,omitempty"`
	Cipher       string   `json:"cipher,omitempty"`
	PeerSubjects []string `json:"peer_subjects,omitempty"`
}

// NewHandler returns the node's HTTP API: "/" describes the node and
// "/_tls" reports the TLS parameters of the calling connection.
func NewHandler(info NodeInfo) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rootResponse{NodeInfo: info, Tagline: Tagline})
	})

	mux.HandleFunc("GET /_tls", func(w http.ResponseWriter, r *http.Request) {
		resp := TLSInfo{}
		if r.TLS != nil {
			resp.Secure = true
			resp.Protocol = protocolName(r.TLS.Version)
			resp.Cipher = tlsCipherName(r.TLS.CipherSuite)
			for _, cert := range r.TLS.PeerCertificates {
				resp.PeerSubjects = append(resp.PeerSubjects, cert.Subject.String())
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return mux
}

func protocolName(version uint16) string {
	if p, ok := policy.ProtocolByVersion(version); ok {
		return p.Name
	}
	return tls.VersionName(version)
}

func tlsCipherName(id uint16) string {
	if c, ok := policy.CipherSuiteByID(id); ok {
		return c.Name
	}
	return tls.CipherSuiteName(id)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
