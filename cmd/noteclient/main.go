// noteclient - local-first wallet client for the note ledger
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colorfulnotion/noteclient/client"
	"github.com/colorfulnotion/noteclient/clienterrors"
	log "github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/telemetry"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath   string
	rpcURL       string
	wsURL        string
	storePath    string
	proverURL    string
	logLevel     string
	logJSON      bool
	debugModules string
	otelEndpoint string
	otelInsecure bool

	shutdownTracing func(context.Context) error
}

func main() {
	g := &globalFlags{}
	var rootCmd = &cobra.Command{
		Use:   "noteclient",
		Short: "Local-first client for the note ledger",
		Long: `noteclient keeps a verified local copy of the accounts and notes you track,
builds and proves transactions locally and submits them to a node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.logJSON {
				log.InitJSONLogger(g.logLevel)
			} else {
				log.InitLogger(g.logLevel)
			}
			log.EnableModules(g.debugModules)
			if g.otelEndpoint != "" {
				shutdown, err := telemetry.InitTracing(cmd.Context(), g.otelEndpoint, "noteclient", g.otelInsecure)
				if err != nil {
					return err
				}
				g.shutdownTracing = shutdown
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.shutdownTracing != nil {
				g.shutdownTracing(context.Background())
			}
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "JSON config file (defaults apply to omitted fields)")
	pf.StringVar(&g.rpcURL, "rpc", client.DefaultRPCEndpoint, "Node JSON-RPC endpoint")
	pf.StringVar(&g.wsURL, "ws", "", "Node websocket head feed (polling only when empty)")
	pf.StringVar(&g.storePath, "store", client.DefaultStorePath, "Store directory (empty keeps it in memory)")
	pf.StringVar(&g.proverURL, "prover", "", "Remote prover endpoint (local proving when empty)")
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.BoolVar(&g.logJSON, "log-json", false, "Write logs as JSON lines")
	pf.StringVar(&g.debugModules, "debug", "", "Comma-separated modules to enable trace/debug output for")
	pf.StringVar(&g.otelEndpoint, "otel-endpoint", "", "OTLP/HTTP collector host:port for traces")
	pf.BoolVar(&g.otelInsecure, "otel-insecure", true, "Use plain HTTP for the OTLP exporter")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("noteclient %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(
		newInitCmd(g),
		newSyncCmd(g),
		newStatusCmd(g),
		newAccountCmd(g),
		newMintCmd(g),
		newSendCmd(g),
		newConsumeCmd(g),
		newSwapCmd(g),
		newImportCmd(g),
		newWatchCmd(g),
		newProverCmd(),
		newDevnodeCmd(),
		versionCmd,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error [%s]: %v\n", clienterrors.KindOf(err), err)
		stop()
		os.Exit(1)
	}
}

// config layers explicit flags over the config file over the defaults.
func (g *globalFlags) config(cmd *cobra.Command) (client.Config, error) {
	cfg := client.DefaultConfig()
	if g.configPath != "" {
		var err error
		if cfg, err = client.LoadConfig(g.configPath); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if g.configPath == "" || flags.Changed("rpc") {
		cfg.RPCEndpoint = g.rpcURL
	}
	if g.configPath == "" || flags.Changed("store") {
		cfg.StorePath = g.storePath
	}
	if flags.Changed("ws") {
		cfg.WSEndpoint = g.wsURL
	}
	if flags.Changed("prover") {
		cfg.ProverEndpoint = g.proverURL
	}
	return cfg, cfg.Validate()
}

func (g *globalFlags) open(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := g.config(cmd)
	if err != nil {
		return nil, err
	}
	return client.Open(cfg)
}
