package logstore

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// 导出格式
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// plainLog 导出用的通用结构，Message 统一转为 JSON 兼容值
type plainLog struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Type      string `json:"type" yaml:"type"`
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`
	Message   any    `json:"message" yaml:"message"`
	Count     int    `json:"count,omitempty" yaml:"count,omitempty"`
}

// Export 按格式导出日志
func (s *Store) Export(w io.Writer, format string, kind FilterKind) error {
	entries := s.Filtered(kind)

	plain := make([]plainLog, 0, len(entries))
	for _, e := range entries {
		msg, err := toPlain(e.Message)
		if err != nil {
			return fmt.Errorf("convert log message failed: %w", err)
		}
		plain = append(plain, plainLog{
			Timestamp: e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			Type:      e.Type,
			Source:    e.Source,
			Message:   msg,
			Count:     e.Count,
		})
	}

	switch format {
	case "", FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plain)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		enc.SetIndent(2)
		return enc.Encode(plain)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// toPlain 将结构化消息转为 map/slice/标量
func toPlain(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, int, int64, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
