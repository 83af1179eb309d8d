package logstore

import (
	"fmt"

	"google.golang.org/genai"

	"AIHubRealtime/internal/protocol"
)

// FilterKind 日志视图过滤类型
type FilterKind string

const (
	FilterConversations FilterKind = "conversations"
	FilterTools         FilterKind = "tools"
	FilterNone          FilterKind = "none"
)

// IsValid 检查过滤类型是否有效
func (k FilterKind) IsValid() bool {
	switch k {
	case FilterConversations, FilterTools, FilterNone:
		return true
	default:
		return false
	}
}

// ParseFilter 解析过滤类型，空串视为 none
func ParseFilter(s string) (FilterKind, error) {
	if s == "" {
		return FilterNone, nil
	}
	k := FilterKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown log filter: %q", s)
	}
	return k, nil
}

var filters = map[FilterKind]func(StreamingLog) bool{
	FilterConversations: isConversation,
	FilterTools: func(l StreamingLog) bool {
		return l.Type == protocol.LogToolUse
	},
	FilterNone: func(StreamingLog) bool { return true },
}

// Filter 返回过滤函数，未知类型按 none 处理
func Filter(kind FilterKind) func(StreamingLog) bool {
	if fn, ok := filters[kind]; ok {
		return fn
	}
	return filters[FilterNone]
}

// isConversation 只保留用户发送的轮次和模型回复
func isConversation(l StreamingLog) bool {
	switch l.Type {
	case protocol.LogClientSend:
		switch m := l.Message.(type) {
		case *genai.LiveClientMessage:
			return m != nil && m.ClientContent != nil
		case map[string]any:
			return m["clientContent"] != nil
		}
	case protocol.LogServerContent:
		switch m := l.Message.(type) {
		case *genai.LiveServerMessage:
			return m != nil && m.ServerContent != nil && m.ServerContent.ModelTurn != nil
		case map[string]any:
			sc, ok := m["serverContent"].(map[string]any)
			return ok && sc["modelTurn"] != nil
		}
	}
	return false
}
