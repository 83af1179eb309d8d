package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	// GeminiLiveURL Gemini Live 双向流默认地址
	GeminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	// MaxMessageSize 单条消息上限（防止内存攻击）
	MaxMessageSize = 16 * 1024 * 1024
)

var (
	ErrEmptyMessage    = errors.New("empty message")
	ErrMessageTooLarge = errors.New("message too large")
)

// GeminiModelName 规范化模型名称为 models/{model}
func GeminiModelName(model string) string {
	if strings.HasPrefix(model, "models/") || strings.HasPrefix(model, "projects/") {
		return model
	}
	return "models/" + model
}

// NewSetupMessage 构造 setup 帧
func NewSetupMessage(model string, systemInstruction *genai.Content, gen *genai.GenerationConfig, tools []*genai.Tool) *genai.LiveClientMessage {
	return &genai.LiveClientMessage{
		Setup: &genai.LiveClientSetup{
			Model:             GeminiModelName(model),
			GenerationConfig:  gen,
			SystemInstruction: systemInstruction,
			Tools:             tools,
		},
	}
}

// NewClientContentMessage 构造一个用户轮次
func NewClientContentMessage(parts []*genai.Part, turnComplete bool) *genai.LiveClientMessage {
	return &genai.LiveClientMessage{
		ClientContent: &genai.LiveClientContent{
			Turns:        []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
			TurnComplete: turnComplete,
		},
	}
}

// NewRealtimeInputMessage 构造实时输入帧，data 为 base64 文本
func NewRealtimeInputMessage(mimeTypes, data []string) (*genai.LiveClientMessage, error) {
	if len(mimeTypes) != len(data) {
		return nil, fmt.Errorf("mime types and data length mismatch: %d != %d", len(mimeTypes), len(data))
	}

	blobs := make([]*genai.Blob, 0, len(data))
	for i := range data {
		raw, err := base64.StdEncoding.DecodeString(data[i])
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d failed: %w", i, err)
		}
		blobs = append(blobs, &genai.Blob{MIMEType: mimeTypes[i], Data: raw})
	}

	return &genai.LiveClientMessage{
		RealtimeInput: &genai.LiveClientRealtimeInput{MediaChunks: blobs},
	}, nil
}

// NewToolResponseMessage 构造工具调用结果帧
func NewToolResponseMessage(responses []*genai.FunctionResponse) *genai.LiveClientMessage {
	return &genai.LiveClientMessage{
		ToolResponse: &genai.LiveClientToolResponse{FunctionResponses: responses},
	}
}

// EncodeGemini 序列化客户端消息
func EncodeGemini(msg *genai.LiveClientMessage) ([]byte, error) {
	if msg == nil {
		return nil, ErrEmptyMessage
	}
	return json.Marshal(msg)
}

// DecodeGemini 解析服务端消息
func DecodeGemini(raw []byte) (*genai.LiveServerMessage, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(raw) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var msg genai.LiveServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal server message failed: %w", err)
	}
	return &msg, nil
}

// ClassifyGemini 将服务端消息归入唯一分类
// serverContent 内按 interrupted、turnComplete、modelTurn 的顺序判定
func ClassifyGemini(msg *genai.LiveServerMessage) MessageKind {
	switch {
	case msg == nil:
		return KindUnknown
	case msg.SetupComplete != nil:
		return KindSetupComplete
	case msg.ToolCall != nil:
		return KindToolCall
	case msg.ToolCallCancellation != nil:
		return KindToolCallCancellation
	case msg.ServerContent != nil:
		sc := msg.ServerContent
		switch {
		case sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0:
			if len(SplitAudioParts(sc.ModelTurn.Parts)) == len(sc.ModelTurn.Parts) {
				return KindAudio
			}
			return KindContent
		case sc.Interrupted:
			return KindInterrupted
		case sc.TurnComplete:
			return KindTurnComplete
		case sc.InputTranscription != nil || sc.OutputTranscription != nil || sc.GenerationComplete:
			return KindInformational
		}
		return KindUnknown
	case msg.UsageMetadata != nil, msg.GoAway != nil, msg.SessionResumptionUpdate != nil:
		return KindInformational
	default:
		return KindUnknown
	}
}

// SplitAudioParts 返回 PCM 音频分片
func SplitAudioParts(parts []*genai.Part) []*genai.Part {
	var audio []*genai.Part
	for _, p := range parts {
		if IsAudioPart(p) {
			audio = append(audio, p)
		}
	}
	return audio
}

// OtherParts 返回非音频分片
func OtherParts(parts []*genai.Part) []*genai.Part {
	var other []*genai.Part
	for _, p := range parts {
		if !IsAudioPart(p) {
			other = append(other, p)
		}
	}
	return other
}

// IsAudioPart 判断分片是否为内联 PCM 音频
func IsAudioPart(p *genai.Part) bool {
	return p != nil && p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/pcm")
}

// PartsText 拼接文本分片
func PartsText(parts []*genai.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p != nil && p.Text != "" && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
