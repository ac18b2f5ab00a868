// Package main implements the subdb coordinator, the process that owns the
// index.
//
// The coordinator:
//   - keeps the outer reference registry and migrates sub-databases off
//     overflowed partitions
//   - registers nodes and decides which node hosts each new partition
//   - monitors node health and stops placing data on failing nodes
//   - answers nodes' directory lookups for outer relays
//
// Architecture:
//
//	┌───────────────────────────────────────────┐
//	│               Coordinator                  │
//	├───────────────────────────────────────────┤
//	│  HTTP API (msgpack):                      │
//	│    /register, /nodes    - membership      │
//	│    /partitions[/{id}]   - placement       │
//	│    /init, /owners       - authorization   │
//	│    /createSubDB, /insert, /get, /scan ... │
//	│    /upgrade, /stream, /integrity          │
//	│    /health, /metrics                      │
//	├───────────────────────────────────────────┤
//	│  Components:                              │
//	│    index.Index             - registry     │
//	│    coordinator.Placement   - node map     │
//	│    coordinator.Provisioner - new parts    │
//	│    coordinator.HealthMonitor              │
//	└───────────────────────────────────────────┘
//
// Example usage:
//
//	subdb-coordinator --listen-addr :8080 \
//	  --key-material "$INDEX_SECRET" \
//	  --owners "$ALICE_ID" \
//	  --data-dir /var/lib/subdb
//
// With --standalone the coordinator hosts its partitions itself and needs
// no nodes.
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
	var cfg config.Coordinator
	cmd := &cobra.Command{
		Use:          "subdb-coordinator",
		Short:        "Run the subdb index and cluster coordinator",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load("subdb-coordinator", cmd.Flags()); err != nil {
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

// serve runs the coordinator until a signal arrives, ctx ends or a
// component fails.
func serve(ctx context.Context, cfg config.Coordinator) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := newServer(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			s.log.Error().Err(err).Msg("final snapshot failed")
		}
	}()
	if err := s.autoInit(ctx); err != nil {
		return errors.WithMessage(err, "initialize index")
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var g run.Group
	g.Add(func() error {
		s.log.Info().Str("listen", cfg.ListenAddr).Bool("standalone", cfg.Standalone).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	})

	if !cfg.Standalone {
		healthCtx, stopHealth := context.WithCancel(ctx)
		g.Add(func() error {
			_ = s.health.Run(healthCtx, s.placement.Nodes)
			return nil
		}, func(error) { stopHealth() })
	}

	saveCtx, stopSave := context.WithCancel(ctx)
	g.Add(func() error {
		t := time.NewTicker(saveInterval)
		defer t.Stop()
		for {
			select {
			case <-saveCtx.Done():
				return nil
			case <-t.C:
				if err := s.save(); err != nil {
					s.log.Error().Err(err).Msg("snapshot failed")
				}
			}
		}
	}, func(error) { stopSave() })

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		s.log.Info().Str("signal", sig.Signal.String()).Msg("coordinator stopping")
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
