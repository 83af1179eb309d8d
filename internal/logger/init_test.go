package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/protocol"
)

// TestMirrorStore 测试协议日志镜像与过滤
func TestMirrorStore(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	store := logstore.New()
	stop := MirrorStore(store, logstore.FilterTools)

	store.Log(protocol.LogClientSend, protocol.SourceClient, "hello")
	store.Log(protocol.LogToolUse, protocol.SourceServer, map[string]any{"name": "lookup"})
	store.Log(protocol.LogToolUse, protocol.SourceServer, map[string]any{"name": "lookup"})
	stop()
	store.Log(protocol.LogToolUse, protocol.SourceServer, "after stop")

	out := buf.String()
	assert.NotContains(t, out, "hello")
	assert.Equal(t, 1, strings.Count(out, `{"name":"lookup"}`))
	assert.NotContains(t, out, "after stop")
}

// TestFormat 测试消息格式化
func TestFormat(t *testing.T) {
	assert.Equal(t, "", Format(nil))
	assert.Equal(t, "text", Format("text"))
	assert.Equal(t, `{"a":1}`, Format(map[string]int{"a": 1}))
	assert.True(t, strings.HasSuffix(Format(strings.Repeat("x", 600)), "x"))
	assert.True(t, strings.HasSuffix(Format([]string{strings.Repeat("x", 600)}), "..."))
}
