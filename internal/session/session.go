// Package session 录制与回放线上原始帧
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// 帧方向
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Frame 一条线上帧
type Frame struct {
	Direction string          `json:"direction"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Size      int             `json:"size"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Stats 会话统计
type Stats struct {
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	FramesSent     int64         `json:"frames_sent"`
	FramesReceived int64         `json:"frames_received"`
	BytesSent      int64         `json:"bytes_sent"`
	BytesReceived  int64         `json:"bytes_received"`
	Turns          int           `json:"turns"`
	AverageLatency time.Duration `json:"average_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
}

// Session 一次会话的完整录制
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Frames    []*Frame  `json:"frames"`
	Stats     *Stats    `json:"stats"`
}

// Inbound 服务端发来的帧
func (s *Session) Inbound() []*Frame {
	out := make([]*Frame, 0, len(s.Frames))
	for _, f := range s.Frames {
		if f.Direction == DirectionIn {
			out = append(out, f)
		}
	}
	return out
}

// LoadSession 从文件读取录制
func LoadSession(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	return &s, nil
}
