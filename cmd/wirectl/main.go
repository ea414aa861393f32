// Command wirectl inspects endpoints and probes running wire nodes.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/config"
	"github.com/zeroc-ice/ice-sub030/pkg/observability"
	"github.com/zeroc-ice/ice-sub030/pkg/protocol/codec"
	"github.com/zeroc-ice/ice-sub030/pkg/reactor"
	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/bt"
	"github.com/zeroc-ice/ice-sub030/pkg/transports"
)

// env is what every subcommand needs: the loaded configuration, a logger
// and the transport registry built from both.
type env struct {
	cfg *config.Config
	log *zap.Logger
	reg *transport.Registry
}

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	insecure, _ := cmd.Flags().GetBool("insecure")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Log.Outputs = []string{"stderr"}
	cfg.Log.Rotation.Enable = false
	if verbose {
		cfg.Log.Level = "debug"
	} else {
		cfg.Log.Level = "warn"
	}
	if insecure {
		cfg.SSL.VerifyPeer = 0
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	sslCfg, err := cfg.SSL.TLS()
	if err != nil {
		return nil, err
	}
	reg, err := transports.Build(cfg.Instance(logger), transports.Options{
		Protocols: cfg.Transport.Protocols,
		SSL:       sslCfg,
		Bluetooth: bt.SystemAdapter(cfg.Bluetooth.Device),
	})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: logger, reg: reg}, nil
}

// endpointArg joins the arguments after "--" so that endpoint options are
// not taken for flags.
func endpointArg(args []string) string { return strings.Join(args, " ") }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wirectl",
		Short:         "Inspect wire endpoints and probe running nodes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to YAML config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "Log transport activity at debug level")
	root.PersistentFlags().Bool("insecure", false, "Do not verify peer certificates")
	root.AddCommand(newConnectCmd(), newParseCmd(), newProtocolsCmd())
	return root
}

// ─── connect ─────────────────────────────────────────────────────────────────

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect -- <endpoint>",
		Short: "Connect, round-trip a payload and print the connection info",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.log.Sync() }()
			payload, _ := cmd.Flags().GetString("payload")
			format, _ := cmd.Flags().GetString("format")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return runConnect(cmd.Context(), cmd.OutOrStdout(), e, endpointArg(args), payload, format, timeout)
		},
	}
	cmd.Flags().String("payload", "ping", "Payload echoed by the peer; empty skips the round trip")
	cmd.Flags().StringP("format", "f", "json", "Connection info encoding: json, cbor or proto")
	cmd.Flags().Duration("timeout", 10*time.Second, "Overall connect and round trip timeout")
	return cmd
}

func runConnect(ctx context.Context, out io.Writer, e *env, target, payload, format string, timeout time.Duration) error {
	c := codec.NewRegistry().Lookup(format)
	if c == nil {
		return fmt.Errorf("unknown format %q (one of %s)", format, strings.Join(codec.NewRegistry().Names(), ", "))
	}
	ep, err := e.reg.Parse(target, false)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := reactor.DialEndpoint(ctx, ep, e.log)
	if err != nil {
		return fmt.Errorf("connect %s: %w", ep, err)
	}
	defer conn.Close()
	connected := time.Since(start)

	var rtt time.Duration
	if payload != "" {
		start = time.Now()
		if err := conn.Write(ctx, []byte(payload)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		got := make([]byte, len(payload))
		if err := conn.ReadFull(ctx, got); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if !bytes.Equal(got, []byte(payload)) {
			return fmt.Errorf("peer replied %q, want %q", got, payload)
		}
		rtt = time.Since(start)
	}

	fields := conn.Info().Fields()
	fields["endpoint"] = ep.String()
	fields["connect_ms"] = connected.Milliseconds()
	if payload != "" {
		fields["rtt_us"] = rtt.Microseconds()
	}
	data, err := c.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if format == "json" || c.ContentType() == "application/json" {
		_, err = fmt.Fprintln(out, string(data))
	} else {
		_, err = fmt.Fprintln(out, hex.EncodeToString(data))
	}
	return err
}

// ─── parse ───────────────────────────────────────────────────────────────────

func newParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse -- <endpoint>",
		Short: "Normalize an endpoint and print its wire encoding",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			server, _ := cmd.Flags().GetBool("server")
			expand, _ := cmd.Flags().GetBool("expand")
			return runParse(cmd.Context(), cmd.OutOrStdout(), e, endpointArg(args), server, expand)
		},
	}
	cmd.Flags().Bool("server", false, "Parse as a listening endpoint")
	cmd.Flags().Bool("expand", false, "Resolve the host and print every concrete endpoint")
	return cmd
}

func runParse(ctx context.Context, out io.Writer, e *env, target string, server, expand bool) error {
	ep, err := e.reg.Parse(target, server)
	if err != nil {
		return err
	}
	data, err := e.reg.Encode(ep)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "endpoint: %s\n", ep)
	fmt.Fprintf(out, "type:     %d\n", ep.Type())
	fmt.Fprintf(out, "secure:   %t\n", ep.Secure())
	fmt.Fprintf(out, "hash:     %08x\n", ep.Hash())
	fmt.Fprintf(out, "wire:     %s\n", hex.EncodeToString(data))
	if !expand {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	eps, err := ep.ExpandHost(ctx)
	if err != nil {
		return err
	}
	for _, x := range eps {
		fmt.Fprintf(out, "expanded: %s\n", x)
	}
	return nil
}

// ─── protocols ───────────────────────────────────────────────────────────────

func newProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List the transports available on this platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			for _, p := range e.reg.Protocols() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
