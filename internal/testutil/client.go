package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
)

// TestClient 测试客户端包装器，记录全部事件
type TestClient struct {
	aiclient.AIClient
	Store *logstore.Store
	t     *testing.T

	mu           sync.RWMutex
	events       []RecordedEvent
	stateChanges []aiclient.StateChange
	notify       chan struct{}
}

// RecordedEvent 记录到的事件
type RecordedEvent struct {
	Type      aiclient.EventType
	Payload   any
	Timestamp time.Time
}

var recordedEvents = []aiclient.EventType{
	aiclient.EventOpen,
	aiclient.EventClose,
	aiclient.EventAudio,
	aiclient.EventContent,
	aiclient.EventInterrupted,
	aiclient.EventSetupComplete,
	aiclient.EventTurnComplete,
	aiclient.EventToolCall,
	aiclient.EventToolCallCancellation,
}

// NewTestClient 创建连接到模拟服务器的客户端
func NewTestClient(t *testing.T, serverURL string, provider aiclient.Provider, opts ...aiclient.Option) *TestClient {
	store := logstore.New()

	opts = append([]aiclient.Option{aiclient.WithSetupTimeout(3 * time.Second)}, opts...)
	client, err := aiclient.New(aiclient.Connection{
		URL:      serverURL,
		APIKey:   "test-key",
		Provider: provider,
	}, store, opts...)
	if err != nil {
		t.Fatalf("create client failed: %v", err)
	}

	tc := &TestClient{
		AIClient: client,
		Store:    store,
		t:        t,
		notify:   make(chan struct{}, 1),
	}
	tc.setupHandlers()
	t.Cleanup(tc.Cleanup)

	return tc
}

// setupHandlers 注册事件记录
func (tc *TestClient) setupHandlers() {
	for _, event := range recordedEvents {
		event := event
		tc.On(event, func(payload any) {
			tc.record(event, payload)
		})
	}

	tc.Events().OnStateChange(func(change aiclient.StateChange) {
		tc.mu.Lock()
		tc.stateChanges = append(tc.stateChanges, change)
		tc.mu.Unlock()
		tc.t.Logf("🔄 State change: %s -> %s", change.Old, change.New)
	})
}

func (tc *TestClient) record(event aiclient.EventType, payload any) {
	tc.mu.Lock()
	tc.events = append(tc.events, RecordedEvent{Type: event, Payload: payload, Timestamp: time.Now()})
	tc.mu.Unlock()

	select {
	case tc.notify <- struct{}{}:
	default:
	}
}

// ConnectModel 使用指定模型连接
func (tc *TestClient) ConnectModel(model string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tc.Connect(ctx, aiclient.Config{Model: model})
	if err != nil {
		tc.t.Logf("❌ Client connection failed: %v", err)
		return err
	}

	tc.t.Logf("✅ Client connected successfully")
	return nil
}

// WaitForEvents 等待某类事件达到指定数量
func (tc *TestClient) WaitForEvents(event aiclient.EventType, expectedCount int, timeout time.Duration) ([]RecordedEvent, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		events := tc.GetEvents(event)
		if len(events) >= expectedCount {
			return events, nil
		}
		select {
		case <-tc.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return nil, fmt.Errorf("timeout waiting for %s events: expected %d, got %d",
				event, expectedCount, len(tc.GetEvents(event)))
		}
	}
}

// GetEvents 返回某类事件，event 为空时返回全部
func (tc *TestClient) GetEvents(event aiclient.EventType) []RecordedEvent {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var out []RecordedEvent
	for _, e := range tc.events {
		if event == "" || e.Type == event {
			out = append(out, e)
		}
	}
	return out
}

// GetEventTypes 按到达顺序返回事件类型
func (tc *TestClient) GetEventTypes() []aiclient.EventType {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	out := make([]aiclient.EventType, len(tc.events))
	for i, e := range tc.events {
		out[i] = e.Type
	}
	return out
}

// GetStateChanges 获取状态变化
func (tc *TestClient) GetStateChanges() []aiclient.StateChange {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	changes := make([]aiclient.StateChange, len(tc.stateChanges))
	copy(changes, tc.stateChanges)
	return changes
}

// WaitForState 等待进入指定状态
func (tc *TestClient) WaitForState(state aiclient.ConnectionState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tc.State() == state {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for state %s, current %s", state, tc.State())
}

// ClearStats 清除记录
func (tc *TestClient) ClearStats() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.events = tc.events[:0]
	tc.stateChanges = tc.stateChanges[:0]
}

// Cleanup 清理资源
func (tc *TestClient) Cleanup() {
	if tc.AIClient != nil {
		tc.Disconnect()
		tc.t.Logf("🧹 Client cleanup completed")
	}
}
