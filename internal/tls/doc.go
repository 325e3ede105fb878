// Package tls builds and enforces the node's TLS posture.
//
// BuildContext turns a validated policy.PolicySpec into an immutable
// NegotiationContext for the client or server role; the protocol and cipher
// allow-lists are applied there and only there. A Gate runs the handshake for
// each new connection with that context and classifies the result as
// Accepted, RejectedLocalPolicy or RejectedByPeer. Transport adapters
// translate rejections into their own failure modes.
package tls
