package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/media"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "aihub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestLoadDefaults 测试默认值
func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "api_key: k\n")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, string(aiclient.ProviderGemini), cfg.Provider)
	assert.Equal(t, 10*time.Second, cfg.Network.SetupTimeout)
	assert.Equal(t, 2, cfg.Network.DialRetries)
	assert.Equal(t, media.TargetSampleRate, cfg.Audio.SampleRate)
	assert.Equal(t, media.DefaultFrameInterval, cfg.Video.Interval)
	assert.Equal(t, media.DefaultFrameScale, cfg.Video.Scale)

	frames := cfg.FramePipeline()
	assert.Equal(t, media.DefaultJPEGQuality, frames.JPEGQuality)
	assert.Len(t, cfg.ClientOptions(), 3)
	assert.Nil(t, cfg.Session().SystemInstruction)
}

// TestLoadFileAndEnv 测试文件与环境变量覆盖
func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
provider: openai
model: gpt-4o-realtime-preview
system_instruction: 你是一个助手
network:
  setup_timeout: 3s
video:
  interval: 500ms
  scale: 0.5
`)
	t.Setenv("AIHUB_API_KEY", "env-key")
	t.Setenv("AIHUB_NETWORK_DIAL_RETRIES", "5")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, 5, cfg.Network.DialRetries)
	assert.Equal(t, 3*time.Second, cfg.Network.SetupTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Video.Interval)

	conn := cfg.Connection()
	assert.Equal(t, aiclient.ProviderOpenAI, conn.Provider)

	session := cfg.Session()
	require.NotNil(t, session.SystemInstruction)
	assert.Equal(t, "你是一个助手", session.SystemInstruction.Parts[0].Text)
	assert.NotContains(t, cfg.Summary(), "api_key")
}

// TestProviderKeyFallback 测试服务商密钥环境变量
func TestProviderKeyFallback(t *testing.T) {
	path := writeConfig(t, "provider: gemini\n")
	t.Setenv("GEMINI_API_KEY", "gemini-key")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini-key", cfg.APIKey)
}

// TestValidate 测试配置校验
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key", func(c *Config) { c.APIKey = "" }},
		{"unknown provider", func(c *Config) { c.Provider = "other" }},
		{"missing model", func(c *Config) { c.Model = "" }},
		{"bad scale", func(c *Config) { c.Video.Scale = 2 }},
		{"bad quality", func(c *Config) { c.Video.JPEGQuality = 0 }},
		{"bad audio source", func(c *Config) { c.Audio.Source = "webcam" }},
		{"archive without dsn", func(c *Config) { c.Archive.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := Load(writeConfig(t, "api_key: k\n"))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestMissingExplicitFile 显式指定的文件不存在时报错
func TestMissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// TestManagerReload 测试配置热更新
func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "api_key: k\nmodel: first\n")

	changed := make(chan *Config, 4)
	m := NewManager(
		WithConfigPath(path),
		WithWatchEnabled(true),
		WithOnChange(func(c *Config) { changed <- c }),
	)

	cfg, err := m.Get()
	require.NoError(t, err)
	assert.Equal(t, "first", cfg.Model)

	require.NoError(t, os.WriteFile(path, []byte("api_key: k\nmodel: second\n"), 0o644))

	select {
	case c := <-changed:
		assert.Equal(t, "second", c.Model)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}

	cfg, err = m.Get()
	require.NoError(t, err)
	assert.Equal(t, "second", cfg.Model)
}
