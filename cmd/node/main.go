// Package main implements the subdb node, a process that hosts storage
// partitions for the cluster.
//
// The node is a worker: it registers with the coordinator, creates
// partitions when the coordinator asks, and answers partition calls from
// the index and from other nodes.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                      │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /info         - Partition occupancy  │
//	│    /metrics      - Prometheus           │
//	│    /partitions   - Create a partition   │
//	│    /p/{id}/rpc/* - Partition calls      │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    partition.Pool      - Hosted parts   │
//	│    transport.Directory - Remote parts   │
//	│    storage.Store       - Snapshots      │
//	└─────────────────────────────────────────┘
//
// Configuration comes from flags, SUBDB_* environment variables and an
// optional subdb-node config file:
//
//	subdb-node --node-id node-1 \
//	  --listen-addr :8081 \
//	  --public-addr http://localhost:8081 \
//	  --coordinator-addr http://localhost:8080 \
//	  --data-dir /var/lib/subdb
package main

import (
	"context"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/subdb/internal/config"
	"github.com/dreamware/subdb/internal/logger"
)

const saveInterval = 30 * time.Second

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var cfg config.Node
	cmd := &cobra.Command{
		Use:          "subdb-node",
		Short:        "Host subdb storage partitions",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load("subdb-node", cmd.Flags()); err != nil {
				return errors.WithMessage(err, "load config")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return logger.Init(cfg.Logging)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().AddFlagSet(cfg.FlagSet())
	return cmd
}

// serve runs the node until a signal arrives, ctx ends or a component
// fails. The HTTP server, registration, the periodic snapshot loop and the
// signal handler run as one group; the first to return stops the others.
func serve(ctx context.Context, cfg config.Node) error {
	if ctx == nil {
		ctx = context.Background()
	}
	node, err := NewNode(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			node.log.Error().Err(err).Msg("final snapshot failed")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           node.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var g run.Group
	g.Add(func() error {
		node.log.Info().Str("listen", cfg.ListenAddr).Str("public", cfg.PublicAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	regCtx, stopReg := context.WithCancel(ctx)
	g.Add(func() error {
		if err := node.register(regCtx); err != nil {
			return err
		}
		<-regCtx.Done()
		return nil
	}, func(error) { stopReg() })

	saveCtx, stopSave := context.WithCancel(ctx)
	g.Add(func() error {
		return saveLoop(saveCtx, node, saveInterval)
	}, func(error) { stopSave() })

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		node.log.Info().Str("signal", sig.Signal.String()).Msg("node stopping")
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// saveLoop snapshots the node's partitions every interval until ctx ends.
// Snapshot failures are logged and retried on the next tick.
func saveLoop(ctx context.Context, node *Node, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := node.save(); err != nil {
				node.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
