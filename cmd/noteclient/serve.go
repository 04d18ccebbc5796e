package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/colorfulnotion/noteclient/chainsync"
	log "github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/prover"
	"github.com/colorfulnotion/noteclient/rpc"
	"github.com/colorfulnotion/noteclient/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// serve runs h on addr until ctx is done.
func serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry, promhttp.HandlerOpts{}))
	return mux
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the store synced, following new heads and serving metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := cmd.Context()
			if metricsAddr != "" {
				go func() {
					if err := serve(ctx, metricsAddr, metricsHandler()); err != nil {
						log.Error(log.ClientMonitoring, "Metrics server stopped", "addr", metricsAddr, "err", err)
					}
				}()
			}
			fmt.Printf("Watching %s (interval %s)\n", c.Config().RPCEndpoint, time.Duration(c.Config().SyncInterval))
			return c.Watch(ctx, func(s *chainsync.SyncSummary) {
				fmt.Printf("block %d/%d: %d new notes, %d consumed, %d committed, %d discarded, %d locked\n",
					s.To, s.ChainTip, len(s.NewNotes), len(s.ConsumedNotes),
					len(s.CommittedTransactions), len(s.DiscardedTransactions), len(s.LockedAccounts))
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "Address to serve /metrics on (empty disables)")
	return cmd
}

func newProverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prover",
		Short: "Proving service",
	}
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local prover over HTTP for remote clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info(log.ProverMonitoring, "Prover listening", "addr", addr)
			return serve(cmd.Context(), addr, prover.Handler(prover.NewLocalProver()))
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":50051", "Listen address")
	cmd.AddCommand(serveCmd)
	return cmd
}

func newDevnodeCmd() *cobra.Command {
	var (
		addr      string
		blockTime time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devnode",
		Short: "Run an in-memory development node that seals a block every interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			node := rpc.NewMockNode()
			ctx := cmd.Context()
			go func() {
				ticker := time.NewTicker(blockTime)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						h := node.ProduceBlock()
						log.Debug(log.RPCMonitoring, "Block sealed", "number", h.Number, "hash", h.Hash())
					}
				}
			}()
			genesis := node.Genesis()
			fmt.Printf("Dev node on %s, genesis %s, block time %s\n", addr, genesis.Hash(), blockTime)
			return serve(ctx, addr, rpc.NewServer(node, node))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":57291", "Listen address")
	cmd.Flags().DurationVar(&blockTime, "block-time", 3*time.Second, "Interval between blocks")
	return cmd
}
