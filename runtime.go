package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/config"
	"AIHubRealtime/internal/database"
	"AIHubRealtime/internal/httpserver"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/media"
	"AIHubRealtime/internal/media/mic"
	"AIHubRealtime/internal/metrics"
	"AIHubRealtime/internal/orchestrator"
	"AIHubRealtime/internal/session"
)

// runtime 一次会话所需的全部组件
type runtime struct {
	cfg      *config.Config
	store    *logstore.Store
	metrics  *metrics.Collector
	recorder *session.Recorder
	client   aiclient.AIClient
	orch     *orchestrator.Orchestrator
	images   media.VideoSource
	recordTo string
}

// loadConfig 读取配置并应用命令行覆盖
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	manager := config.NewManager(
		config.WithConfigPath(path),
		config.WithWatchEnabled(true),
		config.WithOnChange(func(c *config.Config) {
			log.Printf("Config changed, takes effect on next connect: %v", c.Summary())
		}),
	)

	cfg, err := manager.Get()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.Provider, _ = flags.GetString("provider")
	}
	if flags.Changed("url") {
		cfg.URL, _ = flags.GetString("url")
	}
	if flags.Changed("model") {
		cfg.Model, _ = flags.GetString("model")
	}
	if flags.Changed("audio") {
		cfg.Audio.Source, _ = flags.GetString("audio")
	}
	if flags.Changed("images") {
		cfg.Video.Images, _ = flags.GetStringSlice("images")
	}
	if flags.Changed("muted") {
		cfg.Audio.StartMuted, _ = flags.GetBool("muted")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRuntime(cfg *config.Config, recordTo string) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		store:    logstore.New(logstore.WithMaxEntries(cfg.Logs.MaxEntries)),
		metrics:  metrics.New(nil),
		recordTo: recordTo,
	}

	opts := append(cfg.ClientOptions(), aiclient.WithMetrics(rt.metrics))
	if recordTo != "" {
		rt.recorder = session.NewRecorder()
		opts = append(opts, aiclient.WithFrameObserver(rt.recorder))
	}

	client, err := aiclient.New(cfg.Connection(), rt.store, opts...)
	if err != nil {
		return nil, err
	}
	rt.client = client

	var audio media.AudioSource
	switch cfg.Audio.Source {
	case media.KindMicrophone:
		if !mic.Available {
			log.Printf("Microphone support not compiled in, rebuild with -tags portaudio")
		}
		audio = mic.New(cfg.Audio.SampleRate, 0)
	case media.KindTone:
		audio = media.NewToneSource(cfg.Audio.SampleRate, 440, 0.2)
	}

	if len(cfg.Video.Images) > 0 {
		images, err := media.LoadImageSequence(media.KindScreen, cfg.Video.Images...)
		if err != nil {
			return nil, err
		}
		rt.images = images
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Client:      client,
		Store:       rt.store,
		AudioSource: audio,
		Audio:       cfg.AudioPipeline(),
		Frames:      cfg.FramePipeline(),
		Metrics:     rt.metrics,
		StartMuted:  cfg.Audio.StartMuted,
	})
	if err != nil {
		return nil, err
	}
	rt.orch = orch
	return rt, nil
}

// start 启动可选的查看服务与归档，然后建立会话
func (rt *runtime) start(ctx context.Context, g *errgroup.Group, viewerAddr string) error {
	if viewerAddr != "" {
		api := httpserver.NewAPIServer(viewerAddr, rt.store, rt.orch, rt.metrics)
		g.Go(api.Start)
		g.Go(func() error {
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return api.Stop(stopCtx)
		})
	}

	if rt.cfg.Archive.Enabled {
		pool, err := database.Connect(ctx, database.DefaultPoolConfig(rt.cfg.Archive.DSN))
		if err != nil {
			return err
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return err
		}
		archive := database.NewArchive(pool, database.ArchiveOptions{
			BatchSize:     rt.cfg.Archive.BatchSize,
			FlushInterval: rt.cfg.Archive.FlushInterval,
			SessionID:     rt.client.SessionID,
		})
		detach := archive.Attach(rt.store)
		g.Go(func() error {
			archive.Run(ctx)
			detach()
			pool.Close()
			return nil
		})
	}

	if rt.images != nil {
		if err := rt.orch.SetVideoSource(ctx, rt.images); err != nil {
			log.Printf("Video source unavailable: %v", err)
		}
	}

	err := rt.orch.Connect(ctx, rt.cfg.Session())
	if errors.Is(err, aiclient.ErrDevice) {
		log.Printf("Microphone unavailable, continuing with text only: %v", err)
		return nil
	}
	return err
}

// shutdown 关闭会话并保存录制
func (rt *runtime) shutdown() {
	if err := rt.orch.Close(); err != nil {
		log.Printf("Close session failed: %v", err)
	}
	if rt.recorder == nil {
		return
	}
	paths, err := rt.recorder.SaveAll(rt.recordTo)
	if err != nil {
		log.Printf("Save recording failed: %v", err)
	}
	for _, p := range paths {
		fmt.Printf("📹 Recorded session: %s\n", p)
	}
}
