package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Run a headless session controlled over HTTP",
	Long: `Connect to the configured provider and expose the session over HTTP.

The viewer serves /api/logs, /api/state, /api/send, /api/mute, the /ws/logs
stream and Prometheus metrics on /metrics.`,
	RunE: runViewer,
}

func init() {
	viewerCmd.Flags().String("addr", "", "listen address (default from viewer.addr)")
	rootCmd.AddCommand(viewerCmd)
}

func runViewer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Viewer.Addr
	}
	recordTo, _ := cmd.Flags().GetString("record")

	rt, err := newRuntime(cfg, recordTo)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if err := rt.start(gctx, g, addr); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🌐 Viewer on http://%s, session %s\n", addr, rt.client.SessionID())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
