package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"AIHubRealtime/internal/testserver"
)

// TestServer 模拟服务器包装器
type TestServer struct {
	*testserver.Server
	t *testing.T
}

// NewTestServer 创建使用随机端口的模拟服务器
func NewTestServer(t *testing.T) *TestServer {
	return NewTestServerWithConfig(t, nil)
}

// NewTestServerWithConfig 使用自定义配置创建模拟服务器
func NewTestServerWithConfig(t *testing.T, customizer func(*testserver.ServerConfig)) *TestServer {
	serverConfig := testserver.DefaultServerConfig("")
	if customizer != nil {
		customizer(serverConfig)
	}

	return &TestServer{
		Server: testserver.New(serverConfig),
		t:      t,
	}
}

// Start 启动服务器，测试结束时自动关闭
func (ts *TestServer) Start() {
	err := ts.Server.Start()
	require.NoError(ts.t, err, "Failed to start mock live server")
	ts.t.Cleanup(ts.Stop)

	ts.t.Logf("✅ Mock live server started on %s", ts.Addr())
}

// Stop 停止服务器
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts.Server.Shutdown(ctx)
	ts.t.Logf("🛑 Mock live server stopped")
}

// GetWebSocketURL 获取WebSocket URL
func (ts *TestServer) GetWebSocketURL() string {
	return ts.URL()
}

// GetHTTPURL 获取HTTP URL
func (ts *TestServer) GetHTTPURL() string {
	return fmt.Sprintf("http://%s", ts.Addr())
}

// WaitForPayloads 等待至少 n 帧并返回其文本内容
func (ts *TestServer) WaitForPayloads(n int, timeout time.Duration) []string {
	frames, ok := ts.WaitForFrames(n, timeout)
	require.True(ts.t, ok, "timeout waiting for %d frames, got %d", n, len(frames))

	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f.Raw)
	}
	return out
}
