// Package orchestrator 把客户端、音频管线、抽帧管线与日志组合成一次会话
package orchestrator

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/media"
	"AIHubRealtime/internal/metrics"
	"AIHubRealtime/internal/protocol"
)

// Options 会话编排配置
type Options struct {
	Client      aiclient.AIClient
	Store       *logstore.Store
	AudioSource media.AudioSource
	Audio       media.AudioConfig
	Frames      media.FrameConfig
	Metrics     *metrics.Collector
	// StartMuted 为真时连接后不启动麦克风
	StartMuted bool
}

// Orchestrator 会话编排
//
// 维持以下关系：
// 同一时刻至多一个视频源；麦克风采集当且仅当已连接且未静音；
// 抽帧当且仅当已连接且设置了视频源；未连接时发送文本被拒绝。
type Orchestrator struct {
	client aiclient.AIClient
	store  *logstore.Store
	audio  *media.AudioPipeline
	frames *media.FramePipeline

	mu      sync.Mutex
	muted   bool
	baseCtx context.Context

	reconcileMu sync.Mutex
	pending     *pendingTracker
	closed      atomic.Bool

	volume atomic.Uint64

	transcriptMu sync.Mutex
	transcript   strings.Builder
	turnDone     bool

	listeners map[aiclient.EventType]aiclient.ListenerID
}

// New 创建会话编排器，AudioSource 可为空表示无麦克风
func New(opts Options) (*Orchestrator, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.Store == nil {
		opts.Store = logstore.New()
	}

	o := &Orchestrator{
		client:    opts.Client,
		store:     opts.Store,
		muted:     opts.StartMuted,
		baseCtx:   context.Background(),
		pending:   newPendingTracker(),
		listeners: make(map[aiclient.EventType]aiclient.ListenerID),
	}

	o.frames = media.NewFramePipeline(opts.Frames, o.sendChunk, opts.Store, opts.Metrics)
	if opts.AudioSource != nil {
		o.audio = media.NewAudioPipeline(opts.AudioSource, opts.Audio, opts.Store, opts.Metrics)
		o.audio.OnData(o.sendChunk)
		o.audio.OnVolume(o.setVolume)
	}

	ev := o.client.Events()
	o.listeners[aiclient.EventStateChange] = ev.OnStateChange(o.onStateChange)
	o.listeners[aiclient.EventContent] = ev.OnContent(o.onContent)
	o.listeners[aiclient.EventTurnComplete] = ev.OnTurnComplete(o.onTurnComplete)

	return o, nil
}

// Client 底层客户端
func (o *Orchestrator) Client() aiclient.AIClient { return o.client }

// Store 会话日志
func (o *Orchestrator) Store() *logstore.Store { return o.store }

// Connect 清空日志后建立会话，并按当前静音与视频源状态启动采集
//
// 连接成功但麦克风不可用时返回 DeviceError，会话保持打开。
func (o *Orchestrator) Connect(ctx context.Context, cfg aiclient.Config) error {
	if o.closed.Load() {
		return errors.New("orchestrator closed")
	}

	o.store.Reset()
	o.resetTranscript()

	if err := o.client.Connect(ctx, cfg); err != nil {
		return err
	}
	return o.reconcile()
}

// Disconnect 先停止采集再关闭连接
func (o *Orchestrator) Disconnect() error {
	o.reconcileMu.Lock()
	o.frames.SetConnected(false)
	if o.audio != nil {
		if err := o.audio.Stop(); err != nil {
			log.Printf("Stop audio capture failed: %v", err)
		}
	}
	o.reconcileMu.Unlock()

	err := o.client.Disconnect()
	o.pending.wait()
	o.setVolume(0)
	return err
}

// Close 断开连接、释放全部设备并注销监听
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := o.Disconnect()
	if ferr := o.frames.Close(); ferr != nil && err == nil {
		err = ferr
	}

	ev := o.client.Events()
	for event, id := range o.listeners {
		ev.Off(event, id)
	}
	return err
}

// SetMuted 切换静音；已连接时取消静音会启动麦克风
func (o *Orchestrator) SetMuted(muted bool) error {
	o.mu.Lock()
	o.muted = muted
	o.mu.Unlock()
	return o.reconcile()
}

// Muted 是否静音
func (o *Orchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

// SetVideoSource 切换视频源，nil 关闭视频
func (o *Orchestrator) SetVideoSource(ctx context.Context, src media.VideoSource) error {
	return o.frames.SetSource(ctx, src)
}

// VideoSource 当前视频源
func (o *Orchestrator) VideoSource() media.VideoSource {
	return o.frames.Source()
}

// CanSend 是否允许发送文本
func (o *Orchestrator) CanSend() bool {
	return o.client.State() == aiclient.StateOpen
}

// SendText 发送一轮用户文本；未连接或空白文本时返回 false，不报错也不发帧
func (o *Orchestrator) SendText(text string) bool {
	if strings.TrimSpace(text) == "" || !o.CanSend() {
		return false
	}

	o.resetTranscript()
	if err := o.client.Send([]*genai.Part{genai.NewPartFromText(text)}, true); err != nil {
		log.Printf("Send text failed: %v", err)
		return false
	}
	return true
}

// Volume 最近一次麦克风音量
func (o *Orchestrator) Volume() float64 {
	return math.Float64frombits(o.volume.Load())
}

// Transcript 当前轮次的模型文本
func (o *Orchestrator) Transcript() string {
	o.transcriptMu.Lock()
	defer o.transcriptMu.Unlock()
	return o.transcript.String()
}

// AudioActive 麦克风是否在采集
func (o *Orchestrator) AudioActive() bool {
	return o.audio != nil && o.audio.Running()
}

// FramesActive 是否在抽帧
func (o *Orchestrator) FramesActive() bool {
	return o.frames.Capturing()
}

// Wait 等待异步状态同步完成
func (o *Orchestrator) Wait() {
	o.pending.wait()
}

// reconcile 按连接与静音状态启停采集
func (o *Orchestrator) reconcile() error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	connected := o.client.State() == aiclient.StateOpen
	o.frames.SetConnected(connected)

	if o.audio == nil {
		return nil
	}

	if connected && !o.Muted() {
		return o.audio.Start(o.baseCtx)
	}
	if err := o.audio.Stop(); err != nil {
		log.Printf("Stop audio capture failed: %v", err)
	}
	o.setVolume(0)
	return nil
}

// onStateChange 状态回调可能发生在写协程内，采集启停放到独立协程
func (o *Orchestrator) onStateChange(change aiclient.StateChange) {
	if change.New == aiclient.StateConnecting {
		return
	}
	o.pending.add()
	go func() {
		defer o.pending.done()
		if err := o.reconcile(); err != nil {
			log.Printf("Reconcile capture failed: %v", err)
		}
	}()
}

func (o *Orchestrator) onContent(content *genai.LiveServerContent) {
	if content == nil || content.ModelTurn == nil {
		return
	}
	text := protocol.PartsText(content.ModelTurn.Parts)
	if text == "" {
		return
	}

	o.transcriptMu.Lock()
	defer o.transcriptMu.Unlock()
	if o.turnDone {
		o.transcript.Reset()
		o.turnDone = false
	}
	o.transcript.WriteString(text)
}

func (o *Orchestrator) onTurnComplete() {
	o.transcriptMu.Lock()
	o.turnDone = true
	o.transcriptMu.Unlock()
}

func (o *Orchestrator) resetTranscript() {
	o.transcriptMu.Lock()
	o.transcript.Reset()
	o.turnDone = false
	o.transcriptMu.Unlock()
}

func (o *Orchestrator) sendChunk(chunk aiclient.Chunk) {
	o.client.SendRealtimeInput([]aiclient.Chunk{chunk})
}

func (o *Orchestrator) setVolume(v float64) {
	o.volume.Store(math.Float64bits(v))
}
