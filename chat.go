package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logger"
	"AIHubRealtime/internal/logstore"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive live session",
	Long: `Connect to the configured provider and chat from the terminal.

Commands:
  /mute, /unmute     toggle the microphone
  /video off         stop streaming frames
  /video on          resume the configured image source
  /logs              print protocol logs matching the configured filter
  /quit              disconnect and exit

Any other line is sent as a user turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().String("viewer", "", "also serve the log viewer on this address")
	chatCmd.Flags().BoolP("verbose", "v", false, "mirror protocol logs to stderr")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	recordTo, _ := cmd.Flags().GetString("record")
	viewerAddr, _ := cmd.Flags().GetString("viewer")
	if viewerAddr == "" && cfg.Viewer.Enabled {
		viewerAddr = cfg.Viewer.Addr
	}

	filter, err := logstore.ParseFilter(cfg.Logs.Filter)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, recordTo)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		stop := logger.MirrorStore(rt.store, filter)
		defer stop()
	}

	out := cmd.OutOrStdout()
	events := rt.client.Events()
	events.OnTurnComplete(func() {
		if text := rt.orch.Transcript(); text != "" {
			fmt.Fprintf(out, "🤖 %s\n", text)
		}
	})
	events.OnToolCall(func(call *genai.LiveServerToolCall) {
		for _, fc := range call.FunctionCalls {
			fmt.Fprintf(out, "🔧 tool call %s(%v)\n", fc.Name, fc.Args)
		}
	})
	events.OnClose(func(ev aiclient.CloseEvent) {
		fmt.Fprintf(out, "🔌 closed: %d %s\n", ev.Code, ev.Reason)
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if err := rt.start(gctx, g, viewerAddr); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	fmt.Fprintf(out, "✅ Connected to %s (%s), session %s\n", cfg.Provider, cfg.Model, rt.client.SessionID())

	g.Go(func() error {
		defer cancel()
		return readLoop(gctx, rt, cmd.InOrStdin(), out, filter)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readLoop 逐行读取终端输入，EOF 或 /quit 时结束
func readLoop(ctx context.Context, rt *runtime, in io.Reader, out io.Writer, filter logstore.FilterKind) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, rt, strings.TrimSpace(line), out, filter); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, rt *runtime, line string, out io.Writer, filter logstore.FilterKind) (quit bool) {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/mute":
		if err := rt.orch.SetMuted(true); err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
		}
	case "/unmute":
		if err := rt.orch.SetMuted(false); err != nil {
			fmt.Fprintf(out, "❌ microphone: %v\n", err)
		}
	case "/video off":
		if err := rt.orch.SetVideoSource(ctx, nil); err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
		}
	case "/video on":
		if rt.images == nil {
			fmt.Fprintln(out, "⚠️  no image source configured")
			return false
		}
		if err := rt.orch.SetVideoSource(ctx, rt.images); err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
		}
	case "/logs":
		for _, entry := range rt.store.Filtered(filter) {
			fmt.Fprintf(out, "%s %-8s %-22s %s\n",
				entry.Timestamp.Format("15:04:05"), entry.Source, entry.Type, logger.Format(entry.Message))
		}
	default:
		if !rt.orch.SendText(line) {
			fmt.Fprintln(out, "⚠️  not connected, message dropped")
		}
	}
	return false
}
