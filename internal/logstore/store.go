package logstore

import (
	"reflect"
	"sync"
	"time"
)

// StreamingLog 一条协议事件日志
type StreamingLog struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	Message   any       `json:"message"`
	Count     int       `json:"count,omitempty"`
}

// sameAs 判断两条日志是否结构相同（不比较时间和计数）
func (l StreamingLog) sameAs(other StreamingLog) bool {
	return l.Type == other.Type &&
		l.Source == other.Source &&
		reflect.DeepEqual(l.Message, other.Message)
}

// Subscriber 日志订阅回调，合并时收到更新计数后的条目
type Subscriber func(entry StreamingLog, coalesced bool)

// Option 存储选项
type Option func(*Store)

// WithMaxEntries 设置容量上限，超出后淘汰最旧条目，0 表示不限
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store 只追加的日志存储，连续相同条目合并计数
type Store struct {
	// appendMu 保证订阅者按追加顺序收到通知，回调中不得再调用 Append
	appendMu   sync.Mutex
	mu         sync.RWMutex
	entries    []StreamingLog
	maxEntries int
	evicted    int
	now        func() time.Time

	subMu   sync.RWMutex
	subs    map[uint64]Subscriber
	nextSub uint64
}

// New 创建日志存储
func New(opts ...Option) *Store {
	s := &Store{
		entries: make([]StreamingLog, 0, 256),
		now:     time.Now,
		subs:    make(map[uint64]Subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log 便捷追加
func (s *Store) Log(typ, source string, message any) StreamingLog {
	entry, _ := s.Append(StreamingLog{Type: typ, Source: source, Message: message})
	return entry
}

// Append 追加日志；与最新一条结构相同时只递增其计数
func (s *Store) Append(entry StreamingLog) (StreamingLog, bool) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	s.mu.Lock()
	var (
		stored    StreamingLog
		coalesced bool
	)
	if n := len(s.entries); n > 0 && s.entries[n-1].sameAs(entry) {
		s.entries[n-1].Count++
		stored = s.entries[n-1]
		coalesced = true
	} else {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = s.now()
		}
		if entry.Count <= 0 {
			entry.Count = 1
		}
		if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
			copy(s.entries, s.entries[1:])
			s.entries = s.entries[:len(s.entries)-1]
			s.evicted++
		}
		s.entries = append(s.entries, entry)
		stored = entry
	}
	s.mu.Unlock()

	s.notify(stored, coalesced)
	return stored, coalesced
}

// Logs 返回全部日志的有序副本
func (s *Store) Logs() []StreamingLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StreamingLog, len(s.entries))
	copy(out, s.entries)
	return out
}

// Filtered 返回按过滤类型筛选后的日志
func (s *Store) Filtered(kind FilterKind) []StreamingLog {
	keep := Filter(kind)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StreamingLog, 0, len(s.entries))
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len 当前条目数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Reset 清空日志，会话开始时调用
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.evicted = 0
	s.mu.Unlock()
}

// Subscribe 注册订阅者，返回取消函数
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// SubscribeFrom 原子地取得当前日志快照并注册订阅者，快照之后追加的条目都会通知到 fn
func (s *Store) SubscribeFrom(kind FilterKind, fn Subscriber) (snapshot []StreamingLog, unsubscribe func()) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	return s.Filtered(kind), s.Subscribe(fn)
}

func (s *Store) notify(entry StreamingLog, coalesced bool) {
	s.subMu.RLock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(entry, coalesced)
	}
}

// GetStats 获取统计信息
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.subMu.RLock()
	subscribers := len(s.subs)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"entries":     len(s.entries),
		"max_entries": s.maxEntries,
		"evicted":     s.evicted,
		"subscribers": subscribers,
	}
}
