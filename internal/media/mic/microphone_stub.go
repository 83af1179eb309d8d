//go:build !portaudio

// Package mic 基于 PortAudio 的麦克风音频源
package mic

import (
	"context"
	"errors"
	"io"

	"AIHubRealtime/internal/media"
)

// Available 当前构建是否带麦克风支持
const Available = false

// ErrUnsupported 未使用 portaudio 构建标签编译
var ErrUnsupported = errors.New("microphone support not compiled in (build with -tags portaudio)")

// Microphone 占位实现，Start 总是失败
type Microphone struct {
	rate int
}

// New 创建麦克风源
func New(rate, framesPerBuffer int) *Microphone {
	if rate <= 0 {
		rate = media.TargetSampleRate
	}
	return &Microphone{rate: rate}
}

func (m *Microphone) Kind() string    { return media.KindMicrophone }
func (m *Microphone) SampleRate() int { return m.rate }
func (m *Microphone) Active() bool    { return false }

func (m *Microphone) Start(ctx context.Context) error { return ErrUnsupported }
func (m *Microphone) Stop() error                     { return nil }

func (m *Microphone) Read(ctx context.Context, out []int16) (int, error) {
	return 0, io.EOF
}

var _ media.AudioSource = (*Microphone)(nil)
