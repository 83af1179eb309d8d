package logstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"AIHubRealtime/internal/protocol"
)

// TestCoalesceIdentical 测试N条相同日志合并为一条且计数为N
func TestCoalesceIdentical(t *testing.T) {
	store := New()

	const n = 25
	for i := 0; i < n; i++ {
		store.Log(protocol.LogClientRealtimeInput, protocol.SourceClient, "audio")
	}

	logs := store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, n, logs[0].Count)
}

// TestCoalesceStructuralEquality 测试结构相等的消息也会合并
func TestCoalesceStructuralEquality(t *testing.T) {
	store := New()

	store.Log("server.toolCall", protocol.SourceServer, map[string]any{"id": "a", "args": []any{1.0}})
	store.Log("server.toolCall", protocol.SourceServer, map[string]any{"id": "a", "args": []any{1.0}})
	store.Log("server.toolCall", protocol.SourceServer, map[string]any{"id": "b"})

	logs := store.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].Count)
	assert.Equal(t, 1, logs[1].Count)
}

// TestNoCoalesceAcrossSourceOrInterleaving 测试来源不同或被打断时不合并
func TestNoCoalesceAcrossSourceOrInterleaving(t *testing.T) {
	store := New()

	store.Log("x", "client", "m")
	store.Log("x", "server", "m")
	store.Log("x", "client", "m")
	store.Log("y", "client", "m")
	store.Log("x", "client", "m")

	logs := store.Logs()
	require.Len(t, logs, 5)
	for _, l := range logs {
		assert.Equal(t, 1, l.Count)
	}
}

// TestHistoricalEntriesUnchanged 测试合并只修改最新条目的计数
func TestHistoricalEntriesUnchanged(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	store.Log("a", "client", "1")
	first := store.Logs()[0]
	store.Log("a", "client", "1")
	store.Log("b", "client", "2")

	logs := store.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, first.Timestamp, logs[0].Timestamp, "合并不应更新时间戳")
	assert.Equal(t, 2, logs[0].Count)
	assert.Equal(t, "b", logs[1].Type)
}

// TestMaxEntriesEvictsOldest 测试容量上限淘汰最旧条目
func TestMaxEntriesEvictsOldest(t *testing.T) {
	store := New(WithMaxEntries(3))
	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		store.Log(typ, "client", typ)
	}

	logs := store.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "c", logs[0].Type)
	assert.Equal(t, "e", logs[2].Type)
	assert.Equal(t, 2, store.GetStats()["evicted"])
}

// TestFilters 测试三种过滤类型
func TestFilters(t *testing.T) {
	store := New()

	userTurn := protocol.NewClientContentMessage([]*genai.Part{genai.NewPartFromText("hi")}, true)
	modelTurn := &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: genai.NewContentFromText("hello", genai.RoleModel),
	}}
	turnDone := &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}

	store.Log(protocol.LogClientSend, protocol.SourceClient, userTurn)
	store.Log(protocol.LogServerContent, protocol.SourceServer, modelTurn)
	store.Log(protocol.LogServerContent, protocol.SourceServer, turnDone)
	store.Log(protocol.LogToolUse, protocol.SourceServer, map[string]any{"name": "lookup"})
	store.Log(protocol.LogClientRealtimeInput, protocol.SourceClient, "audio")

	assert.Len(t, store.Filtered(FilterNone), 5)
	assert.Len(t, store.Filtered(FilterConversations), 2)

	tools := store.Filtered(FilterTools)
	require.Len(t, tools, 1)
	assert.Equal(t, protocol.LogToolUse, tools[0].Type)

	// 从导出文件还原的通用 map 也能识别
	assert.True(t, Filter(FilterConversations)(StreamingLog{
		Type:    protocol.LogServerContent,
		Message: map[string]any{"serverContent": map[string]any{"modelTurn": map[string]any{}}},
	}))
}

// TestParseFilter 测试过滤类型解析
func TestParseFilter(t *testing.T) {
	k, err := ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterNone, k)

	k, err = ParseFilter("tools")
	require.NoError(t, err)
	assert.Equal(t, FilterTools, k)

	_, err = ParseFilter("everything")
	assert.Error(t, err)
}

// TestSubscribeAndUnsubscribe 测试订阅与取消
func TestSubscribeAndUnsubscribe(t *testing.T) {
	store := New()

	var mu sync.Mutex
	var got []StreamingLog
	var coalescedCount int
	unsubscribe := store.Subscribe(func(e StreamingLog, coalesced bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		if coalesced {
			coalescedCount++
		}
	})

	store.Log("a", "client", "x")
	store.Log("a", "client", "x")
	unsubscribe()
	unsubscribe()
	store.Log("b", "client", "y")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[1].Count)
	assert.Equal(t, 1, coalescedCount)
}

// TestReset 测试会话重置
func TestReset(t *testing.T) {
	store := New()
	store.Log("a", "client", "x")
	store.Reset()
	assert.Equal(t, 0, store.Len())

	store.Log("a", "client", "x")
	assert.Equal(t, 1, store.Logs()[0].Count)
}

// TestExport 测试JSON与YAML导出
func TestExport(t *testing.T) {
	store := New()
	store.Log(protocol.LogClientSend, protocol.SourceClient,
		protocol.NewClientContentMessage([]*genai.Part{genai.NewPartFromText("hi")}, true))
	store.Log(protocol.LogToolUse, protocol.SourceServer, "lookup")

	var jsonBuf bytes.Buffer
	require.NoError(t, store.Export(&jsonBuf, FormatJSON, FilterNone))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(jsonBuf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, protocol.LogClientSend, decoded[0]["type"])

	var yamlBuf bytes.Buffer
	require.NoError(t, store.Export(&yamlBuf, FormatYAML, FilterTools))
	assert.Contains(t, yamlBuf.String(), "type: TOOL_USE")
	assert.NotContains(t, yamlBuf.String(), "client.send")

	assert.Error(t, store.Export(&bytes.Buffer{}, "csv", FilterNone))
}

// TestStreamDeliversFilteredEntries 测试日志流回放和实时推送
func TestStreamDeliversFilteredEntries(t *testing.T) {
	store := New()
	store.Log(protocol.LogToolUse, protocol.SourceServer, "before")

	stream := NewStream(store)
	go stream.Run()
	defer stream.Stop()

	srv := httptest.NewServer(stream)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?filter=tools"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first StreamingLog
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "before", first.Message)

	require.Eventually(t, func() bool { return stream.Viewers() == 1 }, 2*time.Second, 10*time.Millisecond)

	store.Log(protocol.LogClientRealtimeInput, protocol.SourceClient, "audio")
	store.Log(protocol.LogToolUse, protocol.SourceServer, "after")

	var second StreamingLog
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "after", second.Message, "过滤掉的条目不应推送")
}

// TestSubscribeFromHasNoGap 并发追加时快照加订阅恰好覆盖每个条目一次
func TestSubscribeFromHasNoGap(t *testing.T) {
	store := New()
	const total = 2000

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if i == total/4 {
				close(started)
			}
			store.Log(protocol.LogServerContent, protocol.SourceServer, fmt.Sprintf("m%d", i))
		}
	}()

	<-started
	var mu sync.Mutex
	var live []StreamingLog
	snapshot, unsubscribe := store.SubscribeFrom(FilterNone, func(entry StreamingLog, _ bool) {
		mu.Lock()
		live = append(live, entry)
		mu.Unlock()
	})
	defer unsubscribe()
	<-done

	mu.Lock()
	defer mu.Unlock()
	all := append(append([]StreamingLog(nil), snapshot...), live...)
	require.Len(t, all, total)
	for i, entry := range all {
		assert.Equal(t, fmt.Sprintf("m%d", i), entry.Message)
	}
	t.Logf("✅ snapshot=%d live=%d", len(snapshot), len(live))
}

// TestStreamDeliversEntriesLoggedDuringConnect 连接建立前后紧接着写入的条目都能收到
func TestStreamDeliversEntriesLoggedDuringConnect(t *testing.T) {
	store := New()
	stream := NewStream(store)
	go stream.Run()
	defer stream.Stop()

	srv := httptest.NewServer(stream)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		store.Log(protocol.LogServerContent, protocol.SourceServer, fmt.Sprintf("e%d", i))
	}

	for i := 0; i < 5; i++ {
		var entry StreamingLog
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&entry))
		assert.Equal(t, fmt.Sprintf("e%d", i), entry.Message)
	}
}
