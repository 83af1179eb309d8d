package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AIHubRealtime/internal/logger"
	"AIHubRealtime/internal/session"
	"AIHubRealtime/internal/testserver"
)

// 命令行参数
var (
	addr       = flag.String("addr", "127.0.0.1:8765", "监听地址")
	dialect    = flag.String("dialect", testserver.DialectGemini, "线上格式: gemini | openai")
	replayPath = flag.String("replay", "", "录制文件，setup完成后回放其中的服务端帧")
	speed      = flag.Float64("speed", float64(session.SpeedNormal), "回放速度倍数，0 表示不等待")
	replyAudio = flag.Bool("reply-audio", false, "回显时附带一段PCM音频")
	requireKey = flag.String("require-key", "", "非空时校验API密钥")
	setupDelay = flag.Duration("setup-delay", 0, "回复setup确认前的延迟")
)

func main() {
	flag.Parse()
	logger.InitLogger()

	fmt.Println("🎭 Mock live server")
	fmt.Println("===================")

	cfg := testserver.DefaultServerConfig(*addr)
	cfg.Dialect = *dialect
	cfg.ReplyAudio = *replyAudio
	cfg.RequireKey = *requireKey
	cfg.SetupDelay = *setupDelay

	if *replayPath != "" {
		recorded, err := session.LoadSession(*replayPath)
		if err != nil {
			log.Fatalf("❌ 加载录制文件失败: %v", err)
		}
		fmt.Printf("📼 Replaying %d inbound frames from session %s\n", len(recorded.Inbound()), recorded.ID)

		cfg.EchoText = false
		cfg.OnSetup = func(connID string, send func(raw []byte) error) {
			replayer := session.NewReplayer(recorded, session.ReplaySpeed(*speed))
			stats, err := replayer.Play(context.Background(), func(f *session.Frame) error {
				return send(f.Raw)
			})
			if err != nil {
				log.Printf("Replay to %s stopped: %v", connID, err)
			}
			if stats != nil {
				log.Printf("Replay to %s done: %d/%d frames in %v", connID, stats.Replayed, stats.Total, stats.Duration)
			}
		}
	}

	server := testserver.New(cfg)
	if err := server.Start(); err != nil {
		log.Fatalf("❌ 启动失败: %v", err)
	}
	fmt.Printf("✅ Listening on %s (%s dialect)\n", server.URL(), cfg.Dialect)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\n🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
