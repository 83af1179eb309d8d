package aiclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/protocol"
)

const pcm16Format = "pcm16"

// OpenAIClient OpenAI Realtime 客户端
type OpenAIClient struct {
	*transport
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(conn Connection, store *logstore.Store, opts ...Option) *OpenAIClient {
	c := &OpenAIClient{}
	c.transport = newTransport(ProviderOpenAI, conn, store, opts, c)
	return c
}

func (c *OpenAIClient) endpoint(cfg Config) (string, http.Header, error) {
	endpoint, err := protocol.OpenAIURL(c.conn.URL, cfg.Model)
	if err != nil {
		return "", nil, err
	}
	header := http.Header{}
	if c.conn.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.conn.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")
	return endpoint, header, nil
}

func (c *OpenAIClient) setupFrame(cfg Config) ([]byte, any, error) {
	session := &protocol.OAISession{
		Voice:             cfg.Voice,
		InputAudioFormat:  pcm16Format,
		OutputAudioFormat: pcm16Format,
	}
	if cfg.SystemInstruction != nil {
		session.Instructions = protocol.PartsText(cfg.SystemInstruction.Parts)
	}
	if cfg.GenerationConfig != nil {
		for _, m := range cfg.GenerationConfig.ResponseModalities {
			session.Modalities = append(session.Modalities, strings.ToLower(string(m)))
		}
	}
	for _, tool := range cfg.Tools {
		if tool == nil {
			continue
		}
		for _, fd := range tool.FunctionDeclarations {
			session.Tools = append(session.Tools, protocol.OAITool{
				Type:        "function",
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  functionParameters(fd),
			})
		}
	}

	ev := &protocol.OAIClientEvent{Type: protocol.OAISessionUpdate, Session: session}
	raw, err := protocol.EncodeOpenAI(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session.update failed: %w", err)
	}
	return raw, ev, nil
}

func functionParameters(fd *genai.FunctionDeclaration) any {
	if fd.ParametersJsonSchema != nil {
		return fd.ParametersJsonSchema
	}
	if fd.Parameters != nil {
		return fd.Parameters
	}
	return nil
}

func (c *OpenAIClient) handleFrame(s *liveSession, raw []byte) {
	ev, err := protocol.DecodeOpenAI(raw)
	if err != nil {
		c.opts.Metrics.FrameReceived(string(c.provider), protocol.KindUnknown.String(), len(raw))
		c.logFrom(protocol.LogServerUnknown, protocol.SourceServer, truncate(raw, 256))
		return
	}

	kind := protocol.ClassifyOpenAI(ev)
	c.opts.Metrics.FrameReceived(string(c.provider), kind.String(), len(raw))

	switch kind {
	case protocol.KindSetupComplete:
		c.logFrom(protocol.LogServerSend, protocol.SourceServer, "setupComplete")
		if c.compareAndSwapState(StateConnecting, StateOpen) {
			c.emit(s, EventSetupComplete, nil)
		}
		s.signalSetup()

	case protocol.KindContent:
		content := &genai.LiveServerContent{
			ModelTurn: genai.NewContentFromText(ev.Delta, genai.RoleModel),
		}
		c.logFrom(protocol.LogServerContent, protocol.SourceServer, &genai.LiveServerMessage{ServerContent: content})
		c.emit(s, EventContent, content)

	case protocol.KindAudio:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.logFrom(protocol.LogServerError, protocol.SourceServer, fmt.Sprintf("decode audio delta failed: %v", err))
			return
		}
		c.emit(s, EventAudio, pcm)
		c.logFrom(protocol.LogServerAudio, protocol.SourceServer, fmt.Sprintf("buffer (%d)", len(pcm)))

	case protocol.KindTurnComplete:
		c.logFrom(protocol.LogServerSend, protocol.SourceServer, "turnComplete")
		c.emit(s, EventTurnComplete, nil)

	case protocol.KindInterrupted:
		c.logFrom(protocol.LogServerSend, protocol.SourceServer, "interrupted")
		c.emit(s, EventInterrupted, nil)

	case protocol.KindToolCall:
		call := &genai.FunctionCall{ID: ev.CallID, Name: ev.Name}
		if ev.Arguments != "" {
			if err := json.Unmarshal([]byte(ev.Arguments), &call.Args); err != nil {
				c.logFrom(protocol.LogServerError, protocol.SourceServer, fmt.Sprintf("decode tool arguments failed: %v", err))
				return
			}
		}
		toolCall := &genai.LiveServerToolCall{FunctionCalls: []*genai.FunctionCall{call}}
		c.logFrom(protocol.LogToolUse, protocol.SourceServer, toolCall)
		c.emit(s, EventToolCall, toolCall)

	case protocol.KindError:
		msg := "unknown error"
		if ev.Error != nil {
			msg = fmt.Sprintf("%s: %s", ev.Error.Code, ev.Error.Message)
		}
		c.logFrom(protocol.LogServerError, protocol.SourceServer, msg)

	case protocol.KindInformational:
		c.logFrom(protocol.LogServerInfo, protocol.SourceServer, ev.Type)

	default:
		c.logFrom(protocol.LogServerUnknown, protocol.SourceServer, ev.Type)
	}
}

// Send 一个用户轮次对应 conversation.item.create，轮次结束时追加 response.create
func (c *OpenAIClient) Send(parts []*genai.Part, turnComplete bool) error {
	if err := c.requireOpen("send"); err != nil {
		return err
	}

	item := &protocol.OAIItem{Type: "message", Role: "user"}
	for _, p := range parts {
		if cp, ok := contentPart(p); ok {
			item.Content = append(item.Content, cp)
		}
	}

	if len(item.Content) > 0 {
		if err := c.writeEvent("clientContent", &protocol.OAIClientEvent{Type: protocol.OAIConversationItemCreate, Item: item}); err != nil {
			return err
		}
	}
	if turnComplete {
		if err := c.writeEvent("clientContent", &protocol.OAIClientEvent{Type: protocol.OAIResponseCreate}); err != nil {
			return err
		}
	}

	c.logFrom(protocol.LogClientSend, protocol.SourceClient, protocol.NewClientContentMessage(parts, turnComplete))
	return nil
}

func contentPart(p *genai.Part) (protocol.OAIContentPart, bool) {
	switch {
	case p == nil:
		return protocol.OAIContentPart{}, false
	case p.Text != "":
		return protocol.OAIContentPart{Type: "input_text", Text: p.Text}, true
	case p.InlineData != nil && isImageMIME(p.InlineData.MIMEType):
		return protocol.OAIContentPart{
			Type:     "input_image",
			ImageURL: dataURL(p.InlineData.MIMEType, base64.StdEncoding.EncodeToString(p.InlineData.Data)),
		}, true
	default:
		return protocol.OAIContentPart{}, false
	}
}

func dataURL(mimeType, b64 string) string {
	return "data:" + mimeType + ";base64," + b64
}

// SendRealtimeInput 音频追加到输入缓冲，图像作为会话条目
func (c *OpenAIClient) SendRealtimeInput(chunks []Chunk) {
	if !c.isOpen() {
		c.dropRealtime(chunks)
		return
	}
	if len(chunks) == 0 {
		c.logFrom(protocol.LogClientRealtimeInput, protocol.SourceClient, "empty chunk list")
		return
	}

	for i, ch := range chunks {
		var ev *protocol.OAIClientEvent
		switch {
		case isAudioMIME(ch.MIMEType):
			ev = &protocol.OAIClientEvent{Type: protocol.OAIInputAudioBufferAppend, Audio: ch.Data}
		case isImageMIME(ch.MIMEType):
			ev = &protocol.OAIClientEvent{
				Type: protocol.OAIConversationItemCreate,
				Item: &protocol.OAIItem{
					Type:    "message",
					Role:    "user",
					Content: []protocol.OAIContentPart{{Type: "input_image", ImageURL: dataURL(ch.MIMEType, ch.Data)}},
				},
			}
		default:
			c.logFrom(protocol.LogClientError, protocol.SourceClient, "unsupported realtime mime type "+ch.MIMEType)
			continue
		}
		if err := c.writeEvent("realtimeInput", ev); err != nil {
			c.dropRealtime(chunks[i:])
			return
		}
	}
	c.logFrom(protocol.LogClientRealtimeInput, protocol.SourceClient, describeChunks(chunks))
}

// SendToolResponse 每个结果一条 function_call_output，随后请求新的回复
func (c *OpenAIClient) SendToolResponse(responses []*genai.FunctionResponse) error {
	if err := c.requireOpen("toolResponse"); err != nil {
		return err
	}

	for _, r := range responses {
		if r == nil {
			continue
		}
		output, err := json.Marshal(r.Response)
		if err != nil {
			return fmt.Errorf("encode tool output failed: %w", err)
		}
		ev := &protocol.OAIClientEvent{
			Type: protocol.OAIConversationItemCreate,
			Item: &protocol.OAIItem{Type: "function_call_output", CallID: r.ID, Output: string(output)},
		}
		if err := c.writeEvent("toolResponse", ev); err != nil {
			return err
		}
	}
	if err := c.writeEvent("toolResponse", &protocol.OAIClientEvent{Type: protocol.OAIResponseCreate}); err != nil {
		return err
	}

	c.logFrom(protocol.LogToolUse, protocol.SourceClient, protocol.NewToolResponseMessage(responses).ToolResponse)
	return nil
}

func (c *OpenAIClient) writeEvent(kind string, ev *protocol.OAIClientEvent) error {
	raw, err := protocol.EncodeOpenAI(ev)
	if err != nil {
		return fmt.Errorf("encode %s failed: %w", ev.Type, err)
	}
	return c.write(kind, raw)
}
