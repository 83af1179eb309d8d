package media

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/metrics"
	"AIHubRealtime/internal/protocol"
)

const (
	// TargetSampleRate 上行音频采样率
	TargetSampleRate = 16000
	// DefaultChunkSamples 每个分片的样本数，16kHz 下为 128ms
	DefaultChunkSamples = 2048
)

// AudioConfig 音频管线配置
type AudioConfig struct {
	SampleRate   int
	ChunkSamples int
}

// DefaultAudioConfig 返回默认配置
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:   TargetSampleRate,
		ChunkSamples: DefaultChunkSamples,
	}
}

// AudioPipeline 把音频源切成固定大小的 PCM16 分片，并给出音量
type AudioPipeline struct {
	source  AudioSource
	cfg     AudioConfig
	store   *logstore.Store
	metrics *metrics.Collector

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	listenersMu sync.RWMutex
	onData      []func(chunk aiclient.Chunk)
	onVolume    []func(volume float64)
}

// NewAudioPipeline 创建音频管线，store 与 m 可为空
func NewAudioPipeline(source AudioSource, cfg AudioConfig, store *logstore.Store, m *metrics.Collector) *AudioPipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = TargetSampleRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	return &AudioPipeline{
		source:  source,
		cfg:     cfg,
		store:   store,
		metrics: m,
	}
}

// OnData 注册分片回调，回调中不得调用 Stop
func (p *AudioPipeline) OnData(fn func(chunk aiclient.Chunk)) {
	p.listenersMu.Lock()
	p.onData = append(p.onData, fn)
	p.listenersMu.Unlock()
}

// OnVolume 注册音量回调，取值范围 [0,1]
func (p *AudioPipeline) OnVolume(fn func(volume float64)) {
	p.listenersMu.Lock()
	p.onVolume = append(p.onVolume, fn)
	p.listenersMu.Unlock()
}

// Running 是否正在采集
func (p *AudioPipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start 获取设备并开始采集，重复调用无副作用
func (p *AudioPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := p.source.Start(ctx); err != nil {
		derr := &DeviceError{Device: p.source.Kind(), Err: err}
		deviceLog(p.store, protocol.LogDevice, derr.Error())
		return derr
	}

	var rs resampling.Resampler
	if rate := p.source.SampleRate(); rate != p.cfg.SampleRate {
		var err error
		rs, err = resampling.New(&resampling.Config{
			InputRate:  float64(rate),
			OutputRate: float64(p.cfg.SampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			p.source.Stop()
			return fmt.Errorf("create resampler failed: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	deviceLog(p.store, protocol.LogDevice, fmt.Sprintf("%s started (%d Hz)", p.source.Kind(), p.source.SampleRate()))

	go p.captureLoop(loopCtx, p.done, rs)
	return nil
}

// Stop 释放设备并等待采集协程退出，返回后不再产生分片
func (p *AudioPipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.cancel()

	err := p.source.Stop()
	<-p.done
	p.cancel = nil
	p.done = nil

	deviceLog(p.store, protocol.LogDevice, p.source.Kind()+" stopped")
	return err
}

func (p *AudioPipeline) captureLoop(ctx context.Context, done chan struct{}, rs resampling.Resampler) {
	err := p.capture(ctx, rs)
	close(done)
	if err != nil {
		p.fail(done, err)
	}
}

// capture 读取并切片，Stop 引起的退出返回 nil，设备出错或提前结束时返回错误
func (p *AudioPipeline) capture(ctx context.Context, rs resampling.Resampler) error {
	buf := make([]int16, p.cfg.ChunkSamples)
	pending := make([]int16, 0, p.cfg.ChunkSamples*2)

	for {
		n, err := p.source.Read(ctx, buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		samples := buf[:n]
		if rs != nil {
			samples, err = resample(rs, samples)
			if err != nil {
				log.Printf("Audio resample failed: %v", err)
				continue
			}
		}

		pending = append(pending, samples...)
		for len(pending) >= p.cfg.ChunkSamples {
			if ctx.Err() != nil {
				return nil
			}
			p.emit(pending[:p.cfg.ChunkSamples])
			pending = append(pending[:0], pending[p.cfg.ChunkSamples:]...)
		}
	}
}

// fail 采集协程异常退出后释放设备并复位状态，之后 Start 可以重新采集
func (p *AudioPipeline) fail(done chan struct{}, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != done {
		return
	}
	p.running = false
	p.cancel()
	p.cancel = nil
	p.done = nil

	if serr := p.source.Stop(); serr != nil {
		log.Printf("Release %s after failure: %v", p.source.Kind(), serr)
	}

	if errors.Is(err, io.EOF) {
		err = errors.New("stream ended")
	}
	derr := &DeviceError{Device: p.source.Kind(), Err: err}
	log.Printf("Audio capture stopped: %v", derr)
	deviceLog(p.store, protocol.LogDevice, derr.Error())
}

func (p *AudioPipeline) emit(samples []int16) {
	chunk := aiclient.Chunk{
		MIMEType: protocol.MIMETypePCM16,
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
	}
	volume := Volume(samples)

	p.metrics.ChunkProduced("audio")
	p.metrics.Volume(volume)

	p.listenersMu.RLock()
	onData := p.onData
	onVolume := p.onVolume
	p.listenersMu.RUnlock()

	for _, fn := range onData {
		fn(chunk)
	}
	for _, fn := range onVolume {
		fn(volume)
	}
}

// EncodePCM16 小端序 PCM16
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Volume 均方根音量，归一化到 [0,1]
func Volume(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return math.Min(1, math.Max(0, rms))
}

// resample 转换到目标采样率
func resample(rs resampling.Resampler, samples []int16) ([]int16, error) {
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}

	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	out := make([]int16, len(output))
	for i, v := range output {
		switch {
		case v > 1.0:
			out[i] = math.MaxInt16
		case v < -1.0:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v * 32767.0)
		}
	}
	return out, nil
}
