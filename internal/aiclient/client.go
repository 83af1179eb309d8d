package aiclient

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/metrics"
)

// AIClient 实时多模态会话客户端，Gemini 与 OpenAI 共享同一事件契约
type AIClient interface {
	Provider() Provider
	State() ConnectionState
	SessionID() string

	// Connect 建立连接并发送setup，收到确认后返回
	Connect(ctx context.Context, cfg Config) error
	// Disconnect 任意状态下可调用，幂等
	Disconnect() error

	Send(parts []*genai.Part, turnComplete bool) error
	SendRealtimeInput(chunks []Chunk)
	SendToolResponse(responses []*genai.FunctionResponse) error

	Log(typ string, message any)
	On(event EventType, fn Listener) ListenerID
	Off(event EventType, id ListenerID)
	Events() *Emitter
}

// FrameObserver 观察线上原始帧，direction 为 "out" 或 "in"
type FrameObserver interface {
	OnFrame(sessionID, direction string, raw []byte)
}

// Options 客户端选项
type Options struct {
	Dialer       *websocket.Dialer
	SetupTimeout time.Duration
	WriteTimeout time.Duration
	DialRetries  int
	DialBackoff  time.Duration
	Observer     FrameObserver
	Metrics      *metrics.Collector
}

// DefaultOptions 返回默认选项
func DefaultOptions() Options {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	dialer.ReadBufferSize = 64 * 1024
	dialer.WriteBufferSize = 64 * 1024

	return Options{
		Dialer:       &dialer,
		SetupTimeout: 10 * time.Second,
		WriteTimeout: 5 * time.Second,
		DialRetries:  2,
		DialBackoff:  200 * time.Millisecond,
	}
}

// Option 函数式选项
type Option func(*Options)

// WithDialer 自定义拨号器
func WithDialer(d *websocket.Dialer) Option {
	return func(o *Options) {
		if d != nil {
			o.Dialer = d
		}
	}
}

// WithSetupTimeout 设置拨号加setup确认的总时限
func WithSetupTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SetupTimeout = d
		}
	}
}

// WithWriteTimeout 设置单次写入时限
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WriteTimeout = d
		}
	}
}

// WithDialRetries 设置拨号重试次数与初始退避
func WithDialRetries(n int, initial time.Duration) Option {
	return func(o *Options) {
		if n >= 0 {
			o.DialRetries = n
		}
		if initial > 0 {
			o.DialBackoff = initial
		}
	}
}

// WithFrameObserver 注册原始帧观察者
func WithFrameObserver(obs FrameObserver) Option {
	return func(o *Options) {
		o.Observer = obs
	}
}

// WithMetrics 注册指标采集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// New 按提供方创建客户端
func New(conn Connection, store *logstore.Store, opts ...Option) (AIClient, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	switch conn.Provider {
	case ProviderGemini:
		return NewGeminiClient(conn, store, opts...), nil
	case ProviderOpenAI:
		return NewOpenAIClient(conn, store, opts...), nil
	default:
		return nil, &ConfigError{Field: "provider", Reason: "unsupported provider " + string(conn.Provider)}
	}
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
