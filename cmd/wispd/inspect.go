package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wisp-sync/wisp/internal/inspector"
)

var inspectSocketPath string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Stream live Snapshot frames from a running wispd's inspector socket",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectSocketPath, "socket", "wisp.sock", "Inspector unix socket path")
}

func runInspect(cmd *cobra.Command, args []string) error {
	conn, err := net.Dial("unix", inspectSocketPath)
	if err != nil {
		return fmt.Errorf("inspect: dial %s: %w", inspectSocketPath, err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	frames := make(chan inspector.Snapshot)
	go inspector.ReadLines(ctx, conn, frames)

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-frames:
			if !ok {
				return nil
			}
			if jsonOutput {
				data, _ := json.Marshal(snap)
				fmt.Println(string(data))
				continue
			}
			fmt.Printf("incantations=%d up=%d down=%d views=%d\n",
				len(snap.ActiveIncantations), snap.UpQueueDepth, snap.DownQueueDepth, snap.ProcessorViews)
		}
	}
}
