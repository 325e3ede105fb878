// Package policy holds the node's TLS policy: the allowed protocol versions
// and cipher suites, the identity presented to peers, the trust anchors used
// to verify them and the client-auth requirement.
//
// A PolicySpec is loaded once from settings (Load), checked by Validate and
// never mutated afterwards. Protocol and cipher names follow the IANA/JSSE
// spelling (TLSv1.2, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256); the SSL_ prefix
// is accepted as an alias of TLS_.
package policy
