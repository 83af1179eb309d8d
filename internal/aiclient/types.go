package aiclient

import (
	"net/url"
	"time"

	"google.golang.org/genai"
)

// Provider 服务提供方，决定线上格式，不影响事件契约
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

// IsValid 检查提供方是否受支持
func (p Provider) IsValid() bool {
	switch p {
	case ProviderGemini, ProviderOpenAI:
		return true
	default:
		return false
	}
}

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// canConnect 允许发起连接的状态
func (s ConnectionState) canConnect() bool {
	return s == StateIdle || s == StateClosed || s == StateErrored
}

// Connection 连接参数
type Connection struct {
	URL      string
	APIKey   string
	Provider Provider
}

// Validate 校验连接参数，未指定URL时必须提供APIKey
func (c Connection) Validate() error {
	if !c.Provider.IsValid() {
		return &ConfigError{Field: "provider", Reason: "unsupported provider " + string(c.Provider)}
	}
	if c.URL == "" {
		if c.APIKey == "" {
			return &ConfigError{Field: "api_key", Reason: "required when using the default endpoint"}
		}
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &ConfigError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &ConfigError{Field: "url", Reason: "scheme must be ws or wss"}
	}
	return nil
}

// Config 会话配置
type Config struct {
	Model             string
	SystemInstruction *genai.Content
	GenerationConfig  *genai.GenerationConfig
	Tools             []*genai.Tool
	// Voice 仅 OpenAI 使用
	Voice string
}

// Validate 校验会话配置
func (c Config) Validate() error {
	if c.Model == "" {
		return &ConfigError{Field: "model", Reason: "missing"}
	}
	return nil
}

// Chunk 实时输入分片，Data 为 base64 文本
type Chunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// CloseEvent close 事件载荷
type CloseEvent struct {
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// StateChange statechange 事件载荷
type StateChange struct {
	Old ConnectionState
	New ConnectionState
	At  time.Time
}
