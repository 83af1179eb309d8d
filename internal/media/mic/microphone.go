//go:build portaudio

// Package mic 基于 PortAudio 的麦克风音频源
package mic

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"

	"AIHubRealtime/internal/media"
)

// Available 当前构建是否带麦克风支持
const Available = true

// Microphone 默认输入设备，单声道 PCM16
type Microphone struct {
	rate   int
	frames int

	mu     sync.Mutex
	readMu sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	active bool
}

// New 创建麦克风源，framesPerBuffer 为每次读取的样本数
func New(rate, framesPerBuffer int) *Microphone {
	if rate <= 0 {
		rate = media.TargetSampleRate
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = rate / 10
	}
	return &Microphone{rate: rate, frames: framesPerBuffer}
}

func (m *Microphone) Kind() string    { return media.KindMicrophone }
func (m *Microphone) SampleRate() int { return m.rate }

func (m *Microphone) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start 打开默认输入设备
func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	buf := make([]int16, m.frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.rate), m.frames, buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	m.stream = stream
	m.buf = buf
	m.active = true
	return nil
}

// Stop 关闭输入流，最多等待一次读取完成
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	m.readMu.Lock()
	defer m.readMu.Unlock()

	var firstErr error
	if err := stream.Stop(); err != nil {
		firstErr = err
	}
	if err := stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Read 读取一个缓冲区的样本
func (m *Microphone) Read(ctx context.Context, out []int16) (int, error) {
	m.readMu.Lock()
	defer m.readMu.Unlock()

	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return 0, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := stream.Read(); err != nil {
		return 0, fmt.Errorf("read input stream: %w", err)
	}
	return copy(out, m.buf), nil
}

var _ media.AudioSource = (*Microphone)(nil)
