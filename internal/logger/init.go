// Package logger 进程日志初始化与协议日志镜像
package logger

import (
	"encoding/json"
	"fmt"
	"log"

	"AIHubRealtime/internal/logstore"
)

// InitLogger 初始化日志器
func InitLogger() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[aihub] ")
	log.Printf("Logger initialized")
}

// MirrorStore 把协议日志按过滤条件输出到进程日志，返回取消函数
func MirrorStore(store *logstore.Store, kind logstore.FilterKind) (stop func()) {
	match := logstore.Filter(kind)
	return store.Subscribe(func(entry logstore.StreamingLog, coalesced bool) {
		if coalesced || !match(entry) {
			return
		}
		log.Printf("%s %-22s %s", entry.Source, entry.Type, Format(entry.Message))
	})
}

// Format 把日志消息转成单行文本
func Format(message any) string {
	switch m := message.(type) {
	case nil:
		return ""
	case string:
		return m
	case fmt.Stringer:
		return m.String()
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Sprintf("%v", message)
	}
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
