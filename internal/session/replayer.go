package session

import (
	"context"
	"fmt"
	"time"
)

// ReplaySpeed 回放速度
type ReplaySpeed float64

const (
	SpeedSlow    ReplaySpeed = 0.5 // 慢速回放
	SpeedNormal  ReplaySpeed = 1.0 // 正常速度
	SpeedFast    ReplaySpeed = 2.0 // 快速回放
	SpeedInstant ReplaySpeed = 0.0 // 瞬间回放（无延迟）
)

// ReplayStats 回放统计
type ReplayStats struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Total     int           `json:"total"`
	Replayed  int           `json:"replayed"`
	Skipped   int           `json:"skipped"`
}

// ReplaySink 接收回放帧
type ReplaySink func(frame *Frame) error

// Replayer 按录制时的相对间隔重放入站帧，用于在模拟服务端复现一次会话
type Replayer struct {
	frames []*Frame
	speed  ReplaySpeed
	skip   map[string]bool
}

// NewReplayer 创建回放器，默认跳过 setup 确认帧
func NewReplayer(s *Session, speed ReplaySpeed) *Replayer {
	return &Replayer{
		frames: s.Inbound(),
		speed:  speed,
		skip: map[string]bool{
			"setupComplete":   true,
			"session.created": true,
			"session.updated": true,
		},
	}
}

// Play 逐帧回放直到结束、ctx 取消或 sink 返回错误
func (r *Replayer) Play(ctx context.Context, sink ReplaySink) (*ReplayStats, error) {
	stats := &ReplayStats{StartTime: time.Now(), Total: len(r.frames)}
	defer func() {
		stats.EndTime = time.Now()
		stats.Duration = stats.EndTime.Sub(stats.StartTime)
	}()

	var prev time.Time
	for _, f := range r.frames {
		if r.skip[f.Kind] || len(f.Raw) == 0 {
			stats.Skipped++
			continue
		}

		if delay := r.delay(prev, f.Timestamp); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return stats, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return stats, err
		}
		prev = f.Timestamp

		if err := sink(f); err != nil {
			return stats, fmt.Errorf("replay frame %d (%s): %w", stats.Replayed, f.Kind, err)
		}
		stats.Replayed++
	}
	return stats, nil
}

func (r *Replayer) delay(prev, at time.Time) time.Duration {
	if r.speed <= 0 || prev.IsZero() || !at.After(prev) {
		return 0
	}
	return time.Duration(float64(at.Sub(prev)) / float64(r.speed))
}
