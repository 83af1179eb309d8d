package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// 触发一轮模型回复的出站帧
var turnTriggers = map[string]bool{
	"clientContent":   true,
	"toolResponse":    true,
	"response.create": true,
}

// 模型回复的入站帧
var replyKinds = map[string]bool{
	"serverContent":                         true,
	"toolCall":                              true,
	"response.text.delta":                   true,
	"response.audio.delta":                  true,
	"response.audio_transcript.delta":       true,
	"response.function_call_arguments.done": true,
}

// Recorder 按会话录制线上帧，可作为客户端的帧观察者
type Recorder struct {
	mu        sync.RWMutex
	sessions  map[string]*recording
	order     []string
	keepRaw   bool
	maxFrames int
	now       func() time.Time
}

type recording struct {
	session   *Session
	turnStart time.Time
	latencies []time.Duration
}

// RecorderOption 录制选项
type RecorderOption func(*Recorder)

// WithoutRaw 只记录元数据，不保存帧内容
func WithoutRaw() RecorderOption {
	return func(r *Recorder) { r.keepRaw = false }
}

// WithMaxFrames 每个会话最多保留的帧数，超出后只更新统计
func WithMaxFrames(n int) RecorderOption {
	return func(r *Recorder) { r.maxFrames = n }
}

// NewRecorder 创建录制器
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sessions: make(map[string]*recording),
		keepRaw:  true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnFrame 记录一帧
func (r *Recorder) OnFrame(sessionID, direction string, raw []byte) {
	now := r.now()
	kind := FrameKind(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		rec = &recording{session: &Session{
			ID:        sessionID,
			StartTime: now,
			Stats:     &Stats{StartTime: now},
		}}
		r.sessions[sessionID] = rec
		r.order = append(r.order, sessionID)
	}

	s := rec.session
	s.EndTime = now
	stats := s.Stats
	stats.EndTime = now
	stats.Duration = now.Sub(stats.StartTime)

	switch direction {
	case DirectionOut:
		stats.FramesSent++
		stats.BytesSent += int64(len(raw))
		if turnTriggers[kind] {
			rec.turnStart = now
		}
	default:
		stats.FramesReceived++
		stats.BytesReceived += int64(len(raw))
		if replyKinds[kind] && !rec.turnStart.IsZero() {
			rec.latencies = append(rec.latencies, now.Sub(rec.turnStart))
			rec.turnStart = time.Time{}
			rec.updateLatency()
		}
	}

	if r.maxFrames > 0 && len(s.Frames) >= r.maxFrames {
		return
	}

	frame := &Frame{
		Direction: direction,
		Kind:      kind,
		Timestamp: now,
		Size:      len(raw),
	}
	if r.keepRaw && json.Valid(raw) {
		frame.Raw = append(json.RawMessage(nil), raw...)
	}
	s.Frames = append(s.Frames, frame)
}

func (rec *recording) updateLatency() {
	stats := rec.session.Stats
	stats.Turns = len(rec.latencies)

	var sum time.Duration
	stats.MinLatency, stats.MaxLatency = rec.latencies[0], rec.latencies[0]
	for _, l := range rec.latencies {
		sum += l
		stats.MinLatency = min(stats.MinLatency, l)
		stats.MaxLatency = max(stats.MaxLatency, l)
	}
	stats.AverageLatency = sum / time.Duration(len(rec.latencies))
}

// SessionIDs 按首次出现顺序返回会话标识
func (r *Recorder) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// GetSession 获取会话录制副本
func (r *Recorder) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	stats := *rec.session.Stats
	return &Session{
		ID:        rec.session.ID,
		StartTime: rec.session.StartTime,
		EndTime:   rec.session.EndTime,
		Frames:    append([]*Frame{}, rec.session.Frames...),
		Stats:     &stats,
	}, true
}

// ExportJSON 导出为JSON格式
func (r *Recorder) ExportJSON(id string) ([]byte, error) {
	s, ok := r.GetSession(id)
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return json.MarshalIndent(s, "", "  ")
}

// SaveAll 把全部会话写到目录，每个会话一个文件，返回写入的路径
func (r *Recorder) SaveAll(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	ids := r.SessionIDs()
	sort.Strings(ids)

	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		data, err := r.ExportJSON(id)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, "session_"+id+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// FrameKind 帧的类别：OpenAI 事件取 type 字段，Gemini 消息取顶层键
func FrameKind(raw []byte) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || len(top) == 0 {
		return "unknown"
	}

	if t, ok := top["type"]; ok {
		var s string
		if json.Unmarshal(t, &s) == nil && s != "" {
			return s
		}
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
