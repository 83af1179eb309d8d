package media

import (
	"context"
	"io"
	"math"
	"sync"
	"time"
)

// ToneSource 按实时节奏产生正弦波，无麦克风时用于演示和测试
type ToneSource struct {
	rate      int
	frequency float64
	amplitude float64

	mu      sync.Mutex
	active  bool
	stopped chan struct{}
	phase   float64
}

// NewToneSource 创建正弦波音频源，amplitude 取值 [0,1]
func NewToneSource(rate int, frequency, amplitude float64) *ToneSource {
	if rate <= 0 {
		rate = TargetSampleRate
	}
	return &ToneSource{
		rate:      rate,
		frequency: frequency,
		amplitude: math.Min(1, math.Max(0, amplitude)),
	}
}

func (s *ToneSource) Kind() string    { return KindTone }
func (s *ToneSource) SampleRate() int { return s.rate }

func (s *ToneSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	s.active = true
	s.stopped = make(chan struct{})
	return nil
}

func (s *ToneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	close(s.stopped)
	return nil
}

func (s *ToneSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Read 填满 buf 所需的时长过后返回
func (s *ToneSource) Read(ctx context.Context, buf []int16) (int, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0, io.EOF
	}
	stopped := s.stopped
	s.mu.Unlock()

	wait := time.Duration(len(buf)) * time.Second / time.Duration(s.rate)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-stopped:
		return 0, io.EOF
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	step := 2 * math.Pi * s.frequency / float64(s.rate)
	for i := range buf {
		buf[i] = int16(s.amplitude * 32767 * math.Sin(s.phase))
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return len(buf), nil
}
