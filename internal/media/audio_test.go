package media

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/protocol"
)

type chunkRecorder struct {
	mu      sync.Mutex
	chunks  []aiclient.Chunk
	volumes []float64
}

func (r *chunkRecorder) onData(c aiclient.Chunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
}

func (r *chunkRecorder) onVolume(v float64) {
	r.mu.Lock()
	r.volumes = append(r.volumes, v)
	r.mu.Unlock()
}

func (r *chunkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *chunkRecorder) snapshot() ([]aiclient.Chunk, []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]aiclient.Chunk(nil), r.chunks...), append([]float64(nil), r.volumes...)
}

// failingSource 模拟权限被拒绝的设备
type failingSource struct{}

func (failingSource) Kind() string                               { return KindMicrophone }
func (failingSource) SampleRate() int                            { return TargetSampleRate }
func (failingSource) Active() bool                               { return false }
func (failingSource) Start(context.Context) error                { return errors.New("permission denied") }
func (failingSource) Stop() error                                { return nil }
func (failingSource) Read(context.Context, []int16) (int, error) { return 0, io.EOF }

func newTestPipeline(src AudioSource, store *logstore.Store) (*AudioPipeline, *chunkRecorder) {
	p := NewAudioPipeline(src, AudioConfig{SampleRate: TargetSampleRate, ChunkSamples: 160}, store, nil)
	rec := &chunkRecorder{}
	p.OnData(rec.onData)
	p.OnVolume(rec.onVolume)
	return p, rec
}

// TestAudioPipelineProducesChunks 测试分片大小、MIME类型与音量
func TestAudioPipelineProducesChunks(t *testing.T) {
	src := NewToneSource(TargetSampleRate, 440, 0.5)
	p, rec := newTestPipeline(src, nil)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())

	chunks, volumes := rec.snapshot()
	require.Len(t, volumes, len(chunks))
	for _, c := range chunks {
		assert.Equal(t, protocol.MIMETypePCM16, c.MIMEType)
		raw, err := base64.StdEncoding.DecodeString(c.Data)
		require.NoError(t, err)
		assert.Len(t, raw, 320)
	}
	// 正弦波均方根约为振幅除以根号二
	assert.InDelta(t, 0.3536, volumes[len(volumes)-1], 0.03)

	t.Logf("✅ 收到 %d 个音频分片", len(chunks))
}

// TestAudioStartThenStopImmediately 启动后立即停止不产生任何分片并释放设备
func TestAudioStartThenStopImmediately(t *testing.T) {
	src := NewToneSource(TargetSampleRate, 440, 0.5)
	p := NewAudioPipeline(src, DefaultAudioConfig(), nil, nil)
	rec := &chunkRecorder{}
	p.OnData(rec.onData)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.False(t, src.Active())
	assert.False(t, p.Running())
}

// TestAudioNoDataAfterStop 测试停止返回后不再有数据
func TestAudioNoDataAfterStop(t *testing.T) {
	src := NewToneSource(TargetSampleRate, 440, 0.5)
	p, rec := newTestPipeline(src, nil)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	stopped := rec.count()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, stopped, rec.count())
}

// TestAudioDeviceError 测试设备获取失败
func TestAudioDeviceError(t *testing.T) {
	store := logstore.New()
	p, _ := newTestPipeline(failingSource{}, store)

	err := p.Start(context.Background())
	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindMicrophone, derr.Device)
	assert.ErrorIs(t, err, aiclient.ErrDevice)
	assert.False(t, p.Running())

	logs := store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, protocol.LogDevice, logs[0].Type)
	assert.Equal(t, protocol.SourceDevice, logs[0].Source)
}

// unpluggedSource 第一次读取返回设备拔出错误，之后恢复正常
type unpluggedSource struct {
	*ToneSource
	mu     sync.Mutex
	failed bool
}

func (s *unpluggedSource) Read(ctx context.Context, buf []int16) (int, error) {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.mu.Unlock()
		return 0, errors.New("device unplugged")
	}
	s.mu.Unlock()
	return s.ToneSource.Read(ctx, buf)
}

// TestAudioReadErrorAllowsRestart 读取出错后管线复位，再次 Start 可以恢复采集
func TestAudioReadErrorAllowsRestart(t *testing.T) {
	store := logstore.New()
	src := &unpluggedSource{ToneSource: NewToneSource(TargetSampleRate, 440, 0.5)}
	p, rec := newTestPipeline(src, store)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return !p.Running() }, time.Second, 5*time.Millisecond,
		"读取失败后不应再报告采集中")
	assert.Equal(t, 0, rec.count())
	assert.False(t, src.Active(), "失败后应释放设备")

	var failure *logstore.StreamingLog
	for _, entry := range store.Logs() {
		if msg, ok := entry.Message.(string); ok && strings.Contains(msg, "device unplugged") {
			entry := entry
			failure = &entry
		}
	}
	require.NotNil(t, failure, "失败应记录为设备错误日志")
	assert.Equal(t, protocol.LogDevice, failure.Type)
	assert.Contains(t, failure.Message, "device error: tone")

	require.NoError(t, p.Stop(), "循环已退出时 Stop 不应阻塞或报错")

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Running())
	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())
	assert.False(t, src.Active())
	t.Logf("✅ 设备恢复后收到 %d 个分片", rec.count())
}

// TestAudioResamplesTo16k 测试非16kHz音源重采样
func TestAudioResamplesTo16k(t *testing.T) {
	src := NewToneSource(48000, 440, 0.5)
	p, rec := newTestPipeline(src, nil)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.count() >= 2 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Stop())

	chunks, _ := rec.snapshot()
	raw, err := base64.StdEncoding.DecodeString(chunks[0].Data)
	require.NoError(t, err)
	assert.Len(t, raw, 320)
}

// TestVolumeAndEncoding 测试音量计算与PCM编码
func TestVolumeAndEncoding(t *testing.T) {
	assert.Equal(t, 0.0, Volume(nil))
	assert.Equal(t, 0.0, Volume([]int16{0, 0, 0}))
	assert.InDelta(t, 1.0, Volume([]int16{-32768, -32768}), 1e-9)

	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80}, EncodePCM16([]int16{1, -1, -32768}))
}
