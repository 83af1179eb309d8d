package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// OpenAIRealtimeURL OpenAI Realtime 默认地址
const OpenAIRealtimeURL = "wss://api.openai.com/v1/realtime"

// OpenAI Realtime 客户端事件
const (
	OAISessionUpdate          = "session.update"
	OAIInputAudioBufferAppend = "input_audio_buffer.append"
	OAIConversationItemCreate = "conversation.item.create"
	OAIResponseCreate         = "response.create"
)

// OpenAI Realtime 服务端事件
const (
	OAIEventError                    = "error"
	OAISessionCreated                = "session.created"
	OAISessionUpdated                = "session.updated"
	OAIInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	OAIResponseTextDelta             = "response.text.delta"
	OAIResponseAudioTranscriptDelta  = "response.audio_transcript.delta"
	OAIResponseAudioDelta            = "response.audio.delta"
	OAIResponseDone                  = "response.done"
	OAIFunctionCallArgumentsDone     = "response.function_call_arguments.done"
	OAIRateLimitsUpdated             = "rate_limits.updated"
	OAIResponseCreated               = "response.created"
)

// OAISession session.update 中的会话配置
type OAISession struct {
	Modalities        []string  `json:"modalities,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Voice             string    `json:"voice,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format,omitempty"`
	OutputAudioFormat string    `json:"output_audio_format,omitempty"`
	Tools             []OAITool `json:"tools,omitempty"`
}

// OAITool 函数工具声明
type OAITool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// OAIContentPart 会话条目内容
type OAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// OAIItem 会话条目
type OAIItem struct {
	Type    string           `json:"type"`
	Role    string           `json:"role,omitempty"`
	Content []OAIContentPart `json:"content,omitempty"`
	CallID  string           `json:"call_id,omitempty"`
	Output  string           `json:"output,omitempty"`
}

// OAIClientEvent 客户端事件
type OAIClientEvent struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Session *OAISession `json:"session,omitempty"`
	Audio   string      `json:"audio,omitempty"`
	Item    *OAIItem    `json:"item,omitempty"`
}

// OAIError 服务端错误
type OAIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// OAIServerEvent 服务端事件，只解析客户端关心的字段
type OAIServerEvent struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	Delta      string    `json:"delta,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Error      *OAIError `json:"error,omitempty"`
}

// NewEventID 生成客户端事件ID
func NewEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// OpenAIURL 拼接带模型参数的连接地址
func OpenAIURL(base, model string) (string, error) {
	if base == "" {
		base = OpenAIRealtimeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url failed: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EncodeOpenAI 序列化客户端事件，缺省时补充事件ID
func EncodeOpenAI(ev *OAIClientEvent) ([]byte, error) {
	if ev == nil {
		return nil, ErrEmptyMessage
	}
	if ev.EventID == "" {
		ev.EventID = NewEventID()
	}
	return json.Marshal(ev)
}

// DecodeOpenAI 解析服务端事件
func DecodeOpenAI(raw []byte) (*OAIServerEvent, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(raw) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var ev OAIServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal server event failed: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("server event without type")
	}
	return &ev, nil
}

// ClassifyOpenAI 将服务端事件归入唯一分类
func ClassifyOpenAI(ev *OAIServerEvent) MessageKind {
	if ev == nil {
		return KindUnknown
	}
	switch ev.Type {
	case OAISessionUpdated:
		return KindSetupComplete
	case OAIResponseTextDelta, OAIResponseAudioTranscriptDelta:
		return KindContent
	case OAIResponseAudioDelta:
		return KindAudio
	case OAIResponseDone:
		return KindTurnComplete
	case OAIInputAudioBufferSpeechStarted:
		return KindInterrupted
	case OAIFunctionCallArgumentsDone:
		return KindToolCall
	case OAIEventError:
		return KindError
	case OAISessionCreated, OAIRateLimitsUpdated, OAIResponseCreated:
		return KindInformational
	default:
		return KindUnknown
	}
}
