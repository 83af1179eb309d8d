package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/genai"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/media"
)

// EnvPrefix 环境变量前缀，例如 AIHUB_API_KEY、AIHUB_NETWORK_SETUP_TIMEOUT
const EnvPrefix = "AIHUB"

// NetworkConfig 网络配置
type NetworkConfig struct {
	SetupTimeout time.Duration `yaml:"setup_timeout" mapstructure:"setup_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	DialRetries  int           `yaml:"dial_retries" mapstructure:"dial_retries"`
	DialBackoff  time.Duration `yaml:"dial_backoff" mapstructure:"dial_backoff"`
}

// AudioConfig 麦克风配置
type AudioConfig struct {
	Source       string `yaml:"source" mapstructure:"source"` // microphone | tone | none
	SampleRate   int    `yaml:"sample_rate" mapstructure:"sample_rate"`
	ChunkSamples int    `yaml:"chunk_samples" mapstructure:"chunk_samples"`
	StartMuted   bool   `yaml:"start_muted" mapstructure:"start_muted"`
}

// VideoConfig 抽帧配置
type VideoConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	Scale       float64       `yaml:"scale" mapstructure:"scale"`
	JPEGQuality int           `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
	Images      []string      `yaml:"images" mapstructure:"images"`
}

// LogsConfig 日志存储配置
type LogsConfig struct {
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
	Filter     string `yaml:"filter" mapstructure:"filter"`
}

// ViewerConfig 日志查看服务配置
type ViewerConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// ArchiveConfig 日志归档配置
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	DSN           string        `yaml:"dsn" mapstructure:"dsn"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

// Config 客户端完整配置
type Config struct {
	Provider          string        `yaml:"provider" mapstructure:"provider"`
	URL               string        `yaml:"url" mapstructure:"url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	Model             string        `yaml:"model" mapstructure:"model"`
	SystemInstruction string        `yaml:"system_instruction" mapstructure:"system_instruction"`
	Voice             string        `yaml:"voice" mapstructure:"voice"`
	Network           NetworkConfig `yaml:"network" mapstructure:"network"`
	Audio             AudioConfig   `yaml:"audio" mapstructure:"audio"`
	Video             VideoConfig   `yaml:"video" mapstructure:"video"`
	Logs              LogsConfig    `yaml:"logs" mapstructure:"logs"`
	Viewer            ViewerConfig  `yaml:"viewer" mapstructure:"viewer"`
	Archive           ArchiveConfig `yaml:"archive" mapstructure:"archive"`
}

// Load 读取配置文件与环境变量，path 为空时按默认路径搜索 aihub.yaml
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aihub")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("..")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = providerKeyFromEnv(cfg.Provider)
	}
	return &cfg, nil
}

// providerKeyFromEnv 兼容各服务商 SDK 的环境变量
func providerKeyFromEnv(provider string) string {
	var names []string
	switch aiclient.Provider(provider) {
	case aiclient.ProviderOpenAI:
		names = []string{"OPENAI_API_KEY"}
	default:
		names = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	}
	for _, name := range names {
		if key := os.Getenv(name); key != "" {
			return key
		}
	}
	return ""
}

func setDefaultValues(v *viper.Viper) {
	v.SetDefault("provider", string(aiclient.ProviderGemini))
	v.SetDefault("url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("model", "models/gemini-2.0-flash-exp")
	v.SetDefault("system_instruction", "")
	v.SetDefault("voice", "alloy")

	v.SetDefault("network.setup_timeout", "10s")
	v.SetDefault("network.write_timeout", "5s")
	v.SetDefault("network.dial_retries", 2)
	v.SetDefault("network.dial_backoff", "200ms")

	v.SetDefault("audio.source", media.KindMicrophone)
	v.SetDefault("audio.sample_rate", media.TargetSampleRate)
	v.SetDefault("audio.chunk_samples", media.DefaultChunkSamples)
	v.SetDefault("audio.start_muted", false)

	v.SetDefault("video.interval", media.DefaultFrameInterval.String())
	v.SetDefault("video.scale", media.DefaultFrameScale)
	v.SetDefault("video.jpeg_quality", media.DefaultJPEGQuality)
	v.SetDefault("video.images", []string{})

	v.SetDefault("logs.max_entries", 0)
	v.SetDefault("logs.filter", "none")

	v.SetDefault("viewer.enabled", false)
	v.SetDefault("viewer.addr", "127.0.0.1:8088")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.batch_size", 100)
	v.SetDefault("archive.flush_interval", "2s")
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := c.Connection().Validate(); err != nil {
		return fmt.Errorf("连接配置无效: %w", err)
	}
	if c.Model == "" {
		return &aiclient.ConfigError{Field: "model", Reason: "missing"}
	}
	if c.Network.SetupTimeout <= 0 {
		return fmt.Errorf("无效的setup超时: %v", c.Network.SetupTimeout)
	}
	if c.Network.DialRetries < 0 {
		return fmt.Errorf("无效的拨号重试次数: %d", c.Network.DialRetries)
	}
	switch c.Audio.Source {
	case media.KindMicrophone, media.KindTone, "none", "":
	default:
		return fmt.Errorf("无效的音频源: %s", c.Audio.Source)
	}
	if c.Video.Scale <= 0 || c.Video.Scale > 1 {
		return fmt.Errorf("无效的缩放比例: %f (必须在0到1之间)", c.Video.Scale)
	}
	if c.Video.JPEGQuality < 1 || c.Video.JPEGQuality > 100 {
		return fmt.Errorf("无效的JPEG质量: %d", c.Video.JPEGQuality)
	}
	if c.Logs.MaxEntries < 0 {
		return fmt.Errorf("无效的日志上限: %d", c.Logs.MaxEntries)
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return fmt.Errorf("启用归档时必须配置 archive.dsn")
	}
	return nil
}

// Connection 连接参数
func (c *Config) Connection() aiclient.Connection {
	return aiclient.Connection{
		Provider: aiclient.Provider(c.Provider),
		URL:      c.URL,
		APIKey:   c.APIKey,
	}
}

// Session 会话参数
func (c *Config) Session() aiclient.Config {
	cfg := aiclient.Config{
		Model: c.Model,
		Voice: c.Voice,
	}
	if c.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(c.SystemInstruction, genai.RoleUser)
	}
	return cfg
}

// ClientOptions 客户端选项
func (c *Config) ClientOptions() []aiclient.Option {
	return []aiclient.Option{
		aiclient.WithSetupTimeout(c.Network.SetupTimeout),
		aiclient.WithWriteTimeout(c.Network.WriteTimeout),
		aiclient.WithDialRetries(c.Network.DialRetries, c.Network.DialBackoff),
	}
}

// AudioPipeline 音频管线参数
func (c *Config) AudioPipeline() media.AudioConfig {
	return media.AudioConfig{
		SampleRate:   c.Audio.SampleRate,
		ChunkSamples: c.Audio.ChunkSamples,
	}
}

// FramePipeline 抽帧管线参数
func (c *Config) FramePipeline() media.FrameConfig {
	return media.FrameConfig{
		Interval:    c.Video.Interval,
		Scale:       c.Video.Scale,
		JPEGQuality: c.Video.JPEGQuality,
	}
}

// Summary 配置摘要，不包含密钥
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"provider":       c.Provider,
		"url":            c.URL,
		"model":          c.Model,
		"api_key_set":    c.APIKey != "",
		"audio_source":   c.Audio.Source,
		"video_interval": c.Video.Interval.String(),
		"viewer":         c.Viewer.Addr,
		"archive":        c.Archive.Enabled,
	}
}
