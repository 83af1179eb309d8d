package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/metrics"
	"AIHubRealtime/internal/protocol"
)

const (
	// DefaultFrameInterval 抽帧间隔，0.5 帧每秒
	DefaultFrameInterval = 2 * time.Second
	// DefaultFrameScale 缩放比例
	DefaultFrameScale = 0.25
	// DefaultJPEGQuality JPEG质量
	DefaultJPEGQuality = 100
)

// FrameConfig 抽帧配置
type FrameConfig struct {
	Interval    time.Duration
	Scale       float64
	JPEGQuality int
}

// DefaultFrameConfig 返回默认配置
func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		Interval:    DefaultFrameInterval,
		Scale:       DefaultFrameScale,
		JPEGQuality: DefaultJPEGQuality,
	}
}

// FramePipeline 在连接打开且有视频源时按固定间隔抽帧
type FramePipeline struct {
	cfg     FrameConfig
	sink    func(chunk aiclient.Chunk)
	store   *logstore.Store
	metrics *metrics.Collector

	mu        sync.Mutex
	source    VideoSource
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFramePipeline 创建抽帧管线，sink 接收编码好的帧
func NewFramePipeline(cfg FrameConfig, sink func(chunk aiclient.Chunk), store *logstore.Store, m *metrics.Collector) *FramePipeline {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFrameInterval
	}
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		cfg.Scale = DefaultFrameScale
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	return &FramePipeline{
		cfg:     cfg,
		sink:    sink,
		store:   store,
		metrics: m,
	}
}

// Source 当前视频源
func (p *FramePipeline) Source() VideoSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// Capturing 是否正在抽帧
func (p *FramePipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// SetSource 切换视频源，先停止旧源再启动新源；nil 表示关闭视频
func (p *FramePipeline) SetSource(ctx context.Context, src VideoSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLoop()
	if p.source != nil {
		if err := p.source.Stop(); err != nil {
			log.Printf("Stop video source %s failed: %v", p.source.Kind(), err)
		}
		deviceLog(p.store, protocol.LogVideo, p.source.Kind()+" stopped")
		p.source = nil
	}

	if src == nil {
		return nil
	}

	if err := src.Start(ctx); err != nil {
		derr := &DeviceError{Device: src.Kind(), Err: err}
		deviceLog(p.store, protocol.LogVideo, derr.Error())
		return derr
	}
	p.source = src
	deviceLog(p.store, protocol.LogVideo, src.Kind()+" started")

	p.reconcile()
	return nil
}

// SetConnected 连接状态变化时调用
func (p *FramePipeline) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connected = connected
	p.reconcile()
}

// Close 停止抽帧并释放视频源
func (p *FramePipeline) Close() error {
	return p.SetSource(context.Background(), nil)
}

// reconcile 调用方需持有 mu
func (p *FramePipeline) reconcile() {
	want := p.connected && p.source != nil
	switch {
	case want && p.done == nil:
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.captureLoop(ctx, p.source, p.done)
	case !want && p.done != nil:
		p.stopLoop()
	}
}

// stopLoop 等待抽帧协程退出，调用方需持有 mu
func (p *FramePipeline) stopLoop() {
	if p.done == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
}

func (p *FramePipeline) captureLoop(ctx context.Context, src VideoSource, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.captureOnce(ctx, src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.captureOnce(ctx, src)
		}
	}
}

func (p *FramePipeline) captureOnce(ctx context.Context, src VideoSource) {
	img, err := src.Frame(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		deviceLog(p.store, protocol.LogVideo, fmt.Sprintf("%s frame failed: %v", src.Kind(), err))
		return
	}

	chunk, err := EncodeFrame(img, p.cfg.Scale, p.cfg.JPEGQuality)
	if err != nil {
		log.Printf("Encode frame failed: %v", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	p.metrics.ChunkProduced("video")
	if p.sink != nil {
		p.sink(chunk)
	}
}

// EncodeFrame 按比例缩放后编码为 JPEG 分片
func EncodeFrame(img image.Image, scale float64, quality int) (aiclient.Chunk, error) {
	scaled := Downscale(img, scale)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return aiclient.Chunk{}, fmt.Errorf("encode jpeg: %w", err)
	}

	return aiclient.Chunk{
		MIMEType: protocol.MIMETypeJPEG,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Downscale 按比例缩放，宽高至少为 1
func Downscale(img image.Image, scale float64) image.Image {
	bounds := img.Bounds()
	w := max(1, int(float64(bounds.Dx())*scale))
	h := max(1, int(float64(bounds.Dy())*scale))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
