// Package main is shield-cert, a helper that issues PEM keystores for test
// clusters and their clients and inspects certificate files.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/anupis/elasticsearch/internal/pki"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "generate":
		return handleGenerate(args[1:], stdout, stderr)
	case "inspect":
		return handleInspect(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "shield-cert version %s\n", version)
		return 0
	default:
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `shield-cert - keystore generation and certificate inspection for shield nodes

Usage:
  shield-cert <command> [options]

Commands:
  generate    Create a CA and one PEM keystore per node
  inspect     Print the certificates of a PEM file
  version     Show version information

Examples:
  # Keystores for a three node test cluster
  shield-cert generate -nodes node-1,node-2,node-3 -output-dir ./certs

  # A client certificate for an HTTP client of a cluster requiring client auth
  shield-cert generate -nodes node-1 -clients kibana

  # RSA keys instead of ECDSA P-256
  shield-cert generate -nodes node-1 -key-type rsa -rsa-bits 3072

  # Inspect a keystore
  shield-cert inspect -cert ./certs/node-1.pem -format json

Use "shield-cert <command> -h" for more information about a command.
`)
}

func handleGenerate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		nodes     = fs.String("nodes", "node-1", "Comma-separated node names, one keystore each")
		clients   = fs.String("clients", "", "Comma-separated client names, one client-only keystore each")
		outputDir = fs.String("output-dir", ".", "Output directory")
		keyType   = fs.String("key-type", string(pki.KeyECDSA), "Key type: ecdsa, rsa")
		rsaBits   = fs.Int("rsa-bits", 2048, "RSA key size in bits")
		validFor  = fs.Duration("valid-for", 365*24*time.Hour, "Node certificate validity")
		org       = fs.String("org", "", "Organization name")
		dnsNames  = fs.String("dns", "", "Comma-separated DNS names added to every node certificate")
		ips       = fs.String("ips", "", "Comma-separated IP addresses added to every node certificate")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	names := splitList(*nodes)
	if len(names) == 0 {
		fmt.Fprintln(stderr, "Error: -nodes must name at least one node")
		return 1
	}
	addresses, err := parseIPAddresses(*ips)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	opts := pki.Options{
		KeyType:     pki.KeyType(strings.ToLower(*keyType)),
		RSABits:     *rsaBits,
		ValidFor:    *validFor,
		DNSNames:    splitList(*dnsNames),
		IPAddresses: addresses,
	}
	if *org != "" {
		opts.Organization = []string{*org}
	}

	clientNames := splitList(*clients)
	bundle, err := pki.WriteBundle(*outputDir, names, clientNames, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Certificates generated in %s:\n", *outputDir)
	fmt.Fprintf(stdout, "  CA (truststore): %s\n", bundle.CAFile)
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "  %s (keystore): %s\n", name, bundle.Keystores[name])
	}
	sort.Strings(clientNames)
	for _, name := range clientNames {
		fmt.Fprintf(stdout, "  %s (client keystore): %s\n", name, bundle.Clients[name])
	}
	fmt.Fprintln(stdout, "\nThe CA private key is written next to the CA certificate; keep it out of node configs.")
	return 0
}

type inspectOutput struct {
	File        string    `json:"file"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	IsCA        bool      `json:"is_ca"`
	Valid       bool      `json:"valid"`
	DNSNames    []string  `json:"dns_names"`
	IPAddresses []string  `json:"ip_addresses"`
	Fingerprint string    `json:"sha256_fingerprint"`
}

func handleInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		certFile = fs.String("cert", "", "PEM file to inspect (certificate, chain or keystore)")
		format   = fs.String("format", "text", "Output format: text, json")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *certFile == "" {
		fmt.Fprintln(stderr, "Error: -cert flag is required")
		fs.Usage()
		return 1
	}

	infos, err := pki.Inspect(*certFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(infos) == 0 {
		fmt.Fprintf(stderr, "Error: no certificates found in %s\n", *certFile)
		return 1
	}

	now := time.Now()
	out := make([]inspectOutput, 0, len(infos))
	for _, info := range infos {
		ipStrings := make([]string, 0, len(info.IPAddresses))
		for _, ip := range info.IPAddresses {
			ipStrings = append(ipStrings, ip.String())
		}
		out = append(out, inspectOutput{
			File:        *certFile,
			Subject:     info.Subject,
			Issuer:      info.Issuer,
			NotBefore:   info.NotBefore,
			NotAfter:    info.NotAfter,
			IsCA:        info.IsCA,
			Valid:       !info.Expired(now),
			DNSNames:    info.DNSNames,
			IPAddresses: ipStrings,
			Fingerprint: info.Fingerprint,
		})
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	case "text":
		for i, info := range out {
			printText(stdout, i, info, now)
		}
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q (supported: text, json)\n", *format)
		return 1
	}
	return 0
}

func printText(w io.Writer, index int, info inspectOutput, now time.Time) {
	fmt.Fprintf(w, "Certificate %d:\n", index)
	fmt.Fprintf(w, "  Subject: %s\n", info.Subject)
	fmt.Fprintf(w, "  Issuer: %s\n", info.Issuer)
	fmt.Fprintf(w, "  Valid From: %s\n", info.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(w, "  Valid Until: %s\n", info.NotAfter.Format(time.RFC3339))

	switch {
	case now.After(info.NotAfter):
		fmt.Fprintf(w, "  Status: EXPIRED (%v ago)\n", now.Sub(info.NotAfter).Truncate(time.Hour))
	case now.Before(info.NotBefore):
		fmt.Fprintf(w, "  Status: NOT YET VALID (valid in %v)\n", info.NotBefore.Sub(now).Truncate(time.Hour))
	case info.NotAfter.Sub(now) < 30*24*time.Hour:
		fmt.Fprintf(w, "  Status: EXPIRES SOON (in %v)\n", info.NotAfter.Sub(now).Truncate(time.Hour))
	default:
		fmt.Fprintf(w, "  Status: VALID (expires in %v)\n", info.NotAfter.Sub(now).Truncate(time.Hour))
	}

	if info.IsCA {
		fmt.Fprintln(w, "  CA: yes")
	}
	if len(info.DNSNames) > 0 {
		fmt.Fprintf(w, "  DNS Names: %s\n", strings.Join(info.DNSNames, ", "))
	}
	if len(info.IPAddresses) > 0 {
		fmt.Fprintf(w, "  IP Addresses: %s\n", strings.Join(info.IPAddresses, ", "))
	}
	fmt.Fprintf(w, "  SHA-256: %s\n", info.Fingerprint)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseIPAddresses(s string) ([]net.IP, error) {
	var out []net.IP
	for _, part := range splitList(s) {
		ip := net.ParseIP(part)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", part)
		}
		out = append(out, ip)
	}
	return out, nil
}
