// Package main is the entry point for the shield binary. It runs a node and
// offers offline policy validation and connectivity probes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anupis/elasticsearch/internal/node"
	"github.com/anupis/elasticsearch/internal/policy"
	shieldtls "github.com/anupis/elasticsearch/internal/tls"
	"github.com/anupis/elasticsearch/pkg/config"
	"github.com/anupis/elasticsearch/pkg/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shield",
		Short: "TLS policy enforcement for node transports",
		Long: `shield runs a node whose inter-node transport and HTTP API only accept
connections negotiated within the configured TLS policy.

Examples:
  shield run -c shield.yaml
  shield validate -c shield.yaml --list
  shield probe -c shield.yaml --transport http --address 10.0.0.2:9200`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(), newValidateCmd(), newProbeCmd(), newVersionCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					logger.Info("Shutting down", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			n, err := node.New(ctx, node.Options{Config: cfg, Logger: logger, Version: version})
			if err != nil {
				return err
			}
			return n.Run(ctx)
		},
	}
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the TLS policy and print the effective allow-lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := cmd.Flags().GetBool("list")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if list {
				printCatalog(out)
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			spec, err := node.LoadPolicy(cmd.Context(), cfg.SSL)
			if err != nil {
				return err
			}
			for _, role := range []shieldtls.Role{shieldtls.RoleServer, shieldtls.RoleClient} {
				if _, err := shieldtls.BuildContext(spec, role); err != nil {
					return fmt.Errorf("%s context: %w", role, err)
				}
			}
			printPolicy(out, cfg, spec)
			return nil
		},
	}
	cmd.Flags().Bool("list", false, "List the protocols and cipher suites this build knows about")
	return cmd
}

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect once to a node with this node's client policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			transport, _ := cmd.Flags().GetString("transport")
			address, _ := cmd.Flags().GetString("address")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if address == "" {
				return errors.New("--address is required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cmd.ErrOrStderr()})

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			switch transport {
			case "rpc", "transport":
				info, err := node.ProbeTransport(ctx, cfg, address, logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "node %s (cluster %s) reachable at %s\n", info.Name, info.Cluster, address)
				printNegotiated(out, info.Protocol, info.Cipher)
			case "http":
				info, err := node.ProbeHTTP(ctx, cfg, address, logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "http reachable at %s\n", address)
				printNegotiated(out, info.Protocol, info.Cipher)
			default:
				return fmt.Errorf("unknown transport %q: use rpc or http", transport)
			}
			return nil
		},
	}
	cmd.Flags().StringP("transport", "t", "rpc", "Transport to probe (rpc, http)")
	cmd.Flags().StringP("address", "a", "", "host:port of the remote node")
	cmd.Flags().Duration("timeout", 15*time.Second, "Overall probe timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shield version %s\n", version)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func printNegotiated(out io.Writer, protocol, cipher string) {
	if protocol == "" {
		fmt.Fprintln(out, "  tls: disabled")
		return
	}
	fmt.Fprintf(out, "  protocol: %s\n  cipher:   %s\n", protocol, cipher)
}

func printPolicy(out io.Writer, cfg *config.Config, spec *policy.PolicySpec) {
	fmt.Fprintln(out, "TLS policy is valid")
	fmt.Fprintf(out, "  transport tls:       %t\n", cfg.Transport.SSL)
	fmt.Fprintf(out, "  http tls:            %t\n", cfg.HTTP.Enabled && cfg.HTTP.SSL)
	fmt.Fprintf(out, "  protocols:           %s\n", strings.Join(spec.ProtocolNames(), ", "))
	fmt.Fprintln(out, "  ciphers:")
	for _, name := range spec.CipherNames() {
		fmt.Fprintf(out, "    %s\n", name)
	}
	fmt.Fprintf(out, "  require client auth: %t\n", spec.RequireClientAuth())
	fmt.Fprintf(out, "  verify hostname:     %t\n", spec.VerifyHostname())
	fmt.Fprintf(out, "  handshake timeout:   %s\n", spec.HandshakeTimeout())
	if id := spec.Identity(); id != nil && id.Leaf != nil {
		fmt.Fprintf(out, "  identity:            %s (expires %s)\n", id.Leaf.Subject, id.Leaf.NotAfter.Format(time.RFC3339))
	}
	if anchors := spec.TrustAnchors(); anchors != nil {
		fmt.Fprintf(out, "  trust anchors:       %d from %s\n", len(anchors.Certificates), anchors.Source)
	}
}

func printCatalog(out io.Writer) {
	protocols := append([]policy.ProtocolVersion{policy.SSLv2, policy.SSLv3}, policy.SupportedProtocols()...)
	ciphers := policy.SupportedCipherSuites()

	width := len("CIPHER SUITE")
	for _, c := range ciphers {
		width = max(width, len(c.Name))
	}

	fmt.Fprintf(out, "%-*s  %s\n", width, "PROTOCOL", "STATUS")
	defaults := policy.DefaultProtocols()
	for _, p := range protocols {
		status := "allowed"
		switch {
		case p.Denied():
			status = "denied"
		case slices.Contains(defaults, p):
			status = "default"
		}
		fmt.Fprintf(out, "%-*s  %s\n", width, p.Name, status)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "%-*s  %s\n", width, "CIPHER SUITE", "STATUS")
	defaultCiphers := policy.DefaultCipherSuites()
	for _, c := range ciphers {
		status := "allowed"
		switch {
		case c.Denied():
			status = "denied"
		case c.Insecure:
			status = "insecure"
		case slices.ContainsFunc(defaultCiphers, func(d policy.CipherSuite) bool { return d.ID == c.ID }):
			status = "default"
		}
		fmt.Fprintf(out, "%-*s  %s\n", width, c.Name, status)
	}
}

func printError(w io.Writer, err error) {
	var policyErr *policy.PolicyError
	if errors.As(err, &policyErr) {
		fmt.Fprintln(w, "Error: TLS policy rejected")
		for _, v := range policyErr.Violations {
			fmt.Fprintf(w, "  - %s\n", v)
		}
	} else {
		fmt.Fprintf(w, "Error: %v\n", err)
	}
	for _, s := range shieldtls.Suggestions(err) {
		fmt.Fprintf(w, "  hint: %s\n", s)
	}
}
