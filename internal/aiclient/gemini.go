package aiclient

import (
	"fmt"
	"net/http"
	"net/url"

	"google.golang.org/genai"

	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/protocol"
)

// GeminiClient Gemini Live 双向流客户端
type GeminiClient struct {
	*transport
}

// NewGeminiClient 创建 Gemini 客户端
func NewGeminiClient(conn Connection, store *logstore.Store, opts ...Option) *GeminiClient {
	c := &GeminiClient{}
	c.transport = newTransport(ProviderGemini, conn, store, opts, c)
	return c
}

func (c *GeminiClient) endpoint(cfg Config) (string, http.Header, error) {
	base := c.conn.URL
	if base == "" {
		base = protocol.GeminiLiveURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", nil, fmt.Errorf("parse url failed: %w", err)
	}
	if c.conn.APIKey != "" {
		q := u.Query()
		q.Set("key", c.conn.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil, nil
}

func (c *GeminiClient) setupFrame(cfg Config) ([]byte, any, error) {
	msg := protocol.NewSetupMessage(cfg.Model, cfg.SystemInstruction, cfg.GenerationConfig, cfg.Tools)
	raw, err := protocol.EncodeGemini(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encode setup failed: %w", err)
	}
	return raw, msg, nil
}

// handleFrame 每条服务端消息只归入一个分类
func (c *GeminiClient) handleFrame(s *liveSession, raw []byte) {
	msg, err := protocol.DecodeGemini(raw)
	if err != nil {
		c.opts.Metrics.FrameReceived(string(c.provider), protocol.KindUnknown.String(), len(raw))
		c.logFrom(protocol.LogServerUnknown, protocol.SourceServer, truncate(raw, 256))
		return
	}

	kind := protocol.ClassifyGemini(msg)
	c.opts.Metrics.FrameReceived(string(c.provider), kind.String(), len(raw))

	switch kind {
	case protocol.KindSetupComplete:
		c.logFrom(protocol.LogServerSend, protocol.SourceServer, "setupComplete")
		if c.compareAndSwapState(StateConnecting, StateOpen) {
			c.emit(s, EventSetupComplete, nil)
		}
		s.signalSetup()

	case protocol.KindToolCall:
		c.logFrom(protocol.LogToolUse, protocol.SourceServer, msg.ToolCall)
		c.emit(s, EventToolCall, msg.ToolCall)

	case protocol.KindToolCallCancellation:
		c.logFrom(protocol.LogToolUse, protocol.SourceServer, msg.ToolCallCancellation)
		c.emit(s, EventToolCallCancellation, msg.ToolCallCancellation)

	case protocol.KindInterrupted, protocol.KindTurnComplete:
		c.dispatchTurnSignals(s, msg.ServerContent)

	case protocol.KindAudio, protocol.KindContent:
		c.dispatchModelTurn(s, msg.ServerContent.ModelTurn)
		c.dispatchTurnSignals(s, msg.ServerContent)

	case protocol.KindInformational:
		c.logFrom(protocol.LogServerInfo, protocol.SourceServer, describeInfo(msg))

	default:
		c.logFrom(protocol.LogServerUnknown, protocol.SourceServer, truncate(raw, 256))
	}
}

// dispatchModelTurn 音频分片逐个发出 audio，其余分片合并为一个 content
func (c *GeminiClient) dispatchModelTurn(s *liveSession, turn *genai.Content) {
	for _, p := range protocol.SplitAudioParts(turn.Parts) {
		c.emit(s, EventAudio, p.InlineData.Data)
		c.logFrom(protocol.LogServerAudio, protocol.SourceServer, fmt.Sprintf("buffer (%d)", len(p.InlineData.Data)))
	}

	other := protocol.OtherParts(turn.Parts)
	if len(other) == 0 {
		return
	}

	content := &genai.LiveServerContent{
		ModelTurn: &genai.Content{Role: turn.Role, Parts: other},
	}
	c.logFrom(protocol.LogServerContent, protocol.SourceServer, &genai.LiveServerMessage{ServerContent: content})
	c.emit(s, EventContent, content)
}

// dispatchTurnSignals 同一帧内的模型内容先发出，随后依次发出 interrupted 与 turncomplete
func (c *GeminiClient) dispatchTurnSignals(s *liveSession, sc *genai.LiveServerContent) {
	if sc.Interrupted {
		c.logFrom(protocol.LogServerSend, protocol.SourceServer, "interrupted")
		c.emit(s, EventInterrupted, nil)
	}
	if sc.TurnComplete {
		c.logFrom(protocol.LogServerSend, protocol.SourceServer, "turnComplete")
		c.emit(s, EventTurnComplete, nil)
	}
}

func describeInfo(msg *genai.LiveServerMessage) any {
	switch {
	case msg.GoAway != nil:
		return fmt.Sprintf("goAway: time left %s", msg.GoAway.TimeLeft)
	case msg.UsageMetadata != nil:
		return msg.UsageMetadata
	case msg.SessionResumptionUpdate != nil:
		return msg.SessionResumptionUpdate
	case msg.ServerContent != nil && msg.ServerContent.GenerationComplete:
		return "generationComplete"
	case msg.ServerContent != nil && msg.ServerContent.InputTranscription != nil:
		return "input transcription: " + msg.ServerContent.InputTranscription.Text
	case msg.ServerContent != nil && msg.ServerContent.OutputTranscription != nil:
		return "output transcription: " + msg.ServerContent.OutputTranscription.Text
	default:
		return "informational"
	}
}

// Send 发送一个用户轮次
func (c *GeminiClient) Send(parts []*genai.Part, turnComplete bool) error {
	if err := c.requireOpen("send"); err != nil {
		return err
	}

	msg := protocol.NewClientContentMessage(parts, turnComplete)
	raw, err := protocol.EncodeGemini(msg)
	if err != nil {
		return fmt.Errorf("encode client content failed: %w", err)
	}
	if err := c.write("clientContent", raw); err != nil {
		return err
	}
	c.logFrom(protocol.LogClientSend, protocol.SourceClient, msg)
	return nil
}

// SendRealtimeInput 尽力发送实时输入，不等待确认
func (c *GeminiClient) SendRealtimeInput(chunks []Chunk) {
	if !c.isOpen() {
		c.dropRealtime(chunks)
		return
	}
	if len(chunks) == 0 {
		c.logFrom(protocol.LogClientRealtimeInput, protocol.SourceClient, "empty chunk list")
		return
	}

	mimeTypes := make([]string, len(chunks))
	data := make([]string, len(chunks))
	for i, ch := range chunks {
		mimeTypes[i] = ch.MIMEType
		data[i] = ch.Data
	}

	msg, err := protocol.NewRealtimeInputMessage(mimeTypes, data)
	if err != nil {
		c.logFrom(protocol.LogClientError, protocol.SourceClient, err.Error())
		return
	}
	raw, err := protocol.EncodeGemini(msg)
	if err != nil {
		c.logFrom(protocol.LogClientError, protocol.SourceClient, err.Error())
		return
	}
	if err := c.write("realtimeInput", raw); err != nil {
		c.dropRealtime(chunks)
		return
	}
	c.logFrom(protocol.LogClientRealtimeInput, protocol.SourceClient, describeChunks(chunks))
}

// SendToolResponse 回复工具调用
func (c *GeminiClient) SendToolResponse(responses []*genai.FunctionResponse) error {
	if err := c.requireOpen("toolResponse"); err != nil {
		return err
	}

	msg := protocol.NewToolResponseMessage(responses)
	raw, err := protocol.EncodeGemini(msg)
	if err != nil {
		return fmt.Errorf("encode tool response failed: %w", err)
	}
	if err := c.write("toolResponse", raw); err != nil {
		return err
	}
	c.logFrom(protocol.LogToolUse, protocol.SourceClient, msg.ToolResponse)
	return nil
}
