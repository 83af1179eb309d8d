package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// TestGeminiModelName 测试模型名规范化
func TestGeminiModelName(t *testing.T) {
	assert.Equal(t, "models/gemini-live", GeminiModelName("gemini-live"))
	assert.Equal(t, "models/gemini-live", GeminiModelName("models/gemini-live"))
	assert.Equal(t, "projects/p/locations/l/models/m", GeminiModelName("projects/p/locations/l/models/m"))
}

// TestRealtimeInputWireShape 测试实时输入帧的线上格式
func TestRealtimeInputWireShape(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	msg, err := NewRealtimeInputMessage([]string{MIMETypePCM16}, []string{data})
	require.NoError(t, err)

	raw, err := EncodeGemini(msg)
	require.NoError(t, err)

	var wire map[string]map[string][]map[string]string
	require.NoError(t, json.Unmarshal(raw, &wire))

	chunks := wire["realtimeInput"]["mediaChunks"]
	require.Len(t, chunks, 1)
	assert.Equal(t, MIMETypePCM16, chunks[0]["mimeType"])
	assert.Equal(t, data, chunks[0]["data"], "base64 数据应原样出现在线上")
}

// TestRealtimeInputRejectsBadBase64 测试非法base64
func TestRealtimeInputRejectsBadBase64(t *testing.T) {
	_, err := NewRealtimeInputMessage([]string{MIMETypeJPEG}, []string{"***"})
	assert.Error(t, err)

	_, err = NewRealtimeInputMessage([]string{MIMETypeJPEG}, nil)
	assert.Error(t, err)
}

// TestClientContentWireShape 测试用户轮次帧
func TestClientContentWireShape(t *testing.T) {
	raw, err := EncodeGemini(NewClientContentMessage([]*genai.Part{genai.NewPartFromText("hi")}, true))
	require.NoError(t, err)

	var wire struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Len(t, wire.ClientContent.Turns, 1)
	assert.Equal(t, "user", wire.ClientContent.Turns[0].Role)
	assert.Equal(t, "hi", wire.ClientContent.Turns[0].Parts[0].Text)
	assert.True(t, wire.ClientContent.TurnComplete)
}

// TestSetupWireShape 测试setup帧
func TestSetupWireShape(t *testing.T) {
	msg := NewSetupMessage("gemini-live", genai.NewContentFromText("be brief", genai.RoleUser), nil, nil)
	raw, err := EncodeGemini(msg)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"setup":{"model":"models/gemini-live","systemInstruction":{"parts":[{"text":"be brief"}],"role":"user"}}}`,
		string(raw))
}

// TestClassifyGemini 测试服务端消息分类
func TestClassifyGemini(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want MessageKind
	}{
		{"setup", `{"setupComplete":{}}`, KindSetupComplete},
		{"text", `{"serverContent":{"modelTurn":{"parts":[{"text":"hello"}]}}}`, KindContent},
		{"audio", `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}}]}}}`, KindAudio},
		{"interrupted", `{"serverContent":{"interrupted":true}}`, KindInterrupted},
		{"turn complete", `{"serverContent":{"turnComplete":true}}`, KindTurnComplete},
		{"text with turn complete", `{"serverContent":{"modelTurn":{"parts":[{"text":"bye"}]},"turnComplete":true}}`, KindContent},
		{"text with interrupted", `{"serverContent":{"modelTurn":{"parts":[{"text":"cut"}]},"interrupted":true}}`, KindContent},
		{"empty model turn", `{"serverContent":{"modelTurn":{"parts":[]},"turnComplete":true}}`, KindTurnComplete},
		{"tool call", `{"toolCall":{"functionCalls":[{"id":"c1","name":"f"}]}}`, KindToolCall},
		{"cancellation", `{"toolCallCancellation":{"ids":["c1"]}}`, KindToolCallCancellation},
		{"usage", `{"usageMetadata":{"promptTokenCount":3}}`, KindInformational},
		{"unknown", `{"somethingNew":{}}`, KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeGemini([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ClassifyGemini(msg), tc.want.String())
		})
	}
}

// TestDecodeGeminiErrors 测试异常输入
func TestDecodeGeminiErrors(t *testing.T) {
	_, err := DecodeGemini(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = DecodeGemini([]byte("{not json"))
	assert.Error(t, err)
}

// TestSplitParts 测试音频分片拆分
func TestSplitParts(t *testing.T) {
	parts := []*genai.Part{
		genai.NewPartFromText("a"),
		genai.NewPartFromBytes([]byte{0, 1}, "audio/pcm;rate=24000"),
		genai.NewPartFromText("b"),
	}
	assert.Len(t, SplitAudioParts(parts), 1)
	assert.Len(t, OtherParts(parts), 2)
	assert.Equal(t, "ab", PartsText(parts))
}

// TestOpenAIEncodeDecode 测试OpenAI事件编解码
func TestOpenAIEncodeDecode(t *testing.T) {
	ev := &OAIClientEvent{Type: OAIInputAudioBufferAppend, Audio: "AAA="}
	raw, err := EncodeOpenAI(ev)
	require.NoError(t, err)
	assert.Regexp(t, `^evt_[0-9a-f]{12}$`, ev.EventID)
	assert.Contains(t, string(raw), `"type":"input_audio_buffer.append"`)

	srv, err := DecodeOpenAI([]byte(`{"type":"response.function_call_arguments.done","call_id":"c1","name":"lookup","arguments":"{\"q\":1}"}`))
	require.NoError(t, err)
	assert.Equal(t, KindToolCall, ClassifyOpenAI(srv))
	assert.Equal(t, "c1", srv.CallID)

	_, err = DecodeOpenAI([]byte(`{"event_id":"x"}`))
	assert.Error(t, err)
}

// TestOpenAIURL 测试连接地址拼接
func TestOpenAIURL(t *testing.T) {
	u, err := OpenAIURL("", "gpt-realtime")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-realtime", u)

	u, err = OpenAIURL("ws://127.0.0.1:9/rt?model=fixed", "other")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9/rt?model=fixed", u)
}

// TestClassifyOpenAI 测试OpenAI事件分类
func TestClassifyOpenAI(t *testing.T) {
	assert.Equal(t, KindSetupComplete, ClassifyOpenAI(&OAIServerEvent{Type: OAISessionUpdated}))
	assert.Equal(t, KindContent, ClassifyOpenAI(&OAIServerEvent{Type: OAIResponseTextDelta}))
	assert.Equal(t, KindAudio, ClassifyOpenAI(&OAIServerEvent{Type: OAIResponseAudioDelta}))
	assert.Equal(t, KindTurnComplete, ClassifyOpenAI(&OAIServerEvent{Type: OAIResponseDone}))
	assert.Equal(t, KindInterrupted, ClassifyOpenAI(&OAIServerEvent{Type: OAIInputAudioBufferSpeechStarted}))
	assert.Equal(t, KindUnknown, ClassifyOpenAI(&OAIServerEvent{Type: "conversation.item.created"}))
	assert.Equal(t, KindError, ClassifyOpenAI(&OAIServerEvent{Type: OAIEventError, Error: &OAIError{Message: "bad"}}))
	assert.False(t, KindInformational.IsEventKind())
}
