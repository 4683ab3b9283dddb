package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wisp-sync/wisp/internal/config"
	"github.com/wisp-sync/wisp/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wisp core as a long-lived process",
	Long: `serve opens the local and remote databases, rehydrates any
pending mutations left over from a previous run, and starts the Sync
Scheduler's drain loop and the Inspector socket. It runs until
interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := daemon.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer rt.Close()

	if err := rt.Rehydrate(ctx); err != nil {
		rt.Log.Warnf("rehydrate: %v", err)
	}

	rt.Log.Infof("wispd serving (socket=%s)", cfg.SocketPath)
	return rt.Run(ctx, cfg.SocketPath, cfg.DrainTick)
}
