package testutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
)

// TestAssertions 测试断言助手
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions 创建测试断言助手
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertState 断言当前连接状态
func (ta *TestAssertions) AssertState(client *TestClient, expected aiclient.ConnectionState) {
	require.Equal(ta.t, expected, client.State(), "Unexpected connection state")
	ta.t.Logf("✅ State assertion passed: %s", expected)
}

// AssertStateSequence 断言状态迁移路径
func (ta *TestAssertions) AssertStateSequence(client *TestClient, expected ...aiclient.ConnectionState) {
	changes := client.GetStateChanges()

	actual := make([]aiclient.ConnectionState, 0, len(changes)+1)
	if len(changes) > 0 {
		actual = append(actual, changes[0].Old)
	}
	for i, change := range changes {
		if i > 0 {
			assert.Equal(ta.t, changes[i-1].New, change.Old, "State changes are not contiguous at %d", i)
		}
		actual = append(actual, change.New)
	}

	assert.Equal(ta.t, expected, actual, "Unexpected state sequence")
	ta.t.Logf("✅ State sequence assertion passed: %v", actual)
}

// AssertEventCount 断言事件次数
func (ta *TestAssertions) AssertEventCount(client *TestClient, event aiclient.EventType, expected int) {
	events := client.GetEvents(event)
	assert.Len(ta.t, events, expected, "Unexpected %s event count", event)
	ta.t.Logf("✅ Event count assertion passed: %s x%d", event, expected)
}

// AssertEventBefore 断言事件先后顺序
func (ta *TestAssertions) AssertEventBefore(client *TestClient, first, second aiclient.EventType) {
	types := client.GetEventTypes()
	firstIdx, secondIdx := -1, -1
	for i, typ := range types {
		if typ == first && firstIdx < 0 {
			firstIdx = i
		}
		if typ == second && secondIdx < 0 {
			secondIdx = i
		}
	}

	require.GreaterOrEqual(ta.t, firstIdx, 0, "Event %s not observed", first)
	require.GreaterOrEqual(ta.t, secondIdx, 0, "Event %s not observed", second)
	assert.Less(ta.t, firstIdx, secondIdx, "%s should precede %s", first, second)
	ta.t.Logf("✅ Event order assertion passed: %s before %s", first, second)
}

// AssertLogged 断言日志中存在指定类型的条目
func (ta *TestAssertions) AssertLogged(store *logstore.Store, typ string) logstore.StreamingLog {
	for _, entry := range store.Logs() {
		if entry.Type == typ {
			ta.t.Logf("✅ Log assertion passed: %s", typ)
			return entry
		}
	}
	ta.t.Fatalf("no %s entry in log store", typ)
	return logstore.StreamingLog{}
}

// AssertFrameKey 断言线上帧包含指定顶层字段
func (ta *TestAssertions) AssertFrameKey(raw string, key string) map[string]json.RawMessage {
	var frame map[string]json.RawMessage
	require.NoError(ta.t, json.Unmarshal([]byte(raw), &frame), "Frame is not a JSON object")
	require.Contains(ta.t, frame, key, "Frame lacks %s: %s", key, raw)
	return frame
}
