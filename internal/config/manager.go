// Package config 基于 viper 的配置加载与热更新
package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 配置管理器
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	onChange     []func(*Config)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// WithOnChange 配置文件变化且校验通过后回调
func WithOnChange(fn func(*Config)) ManagerOption {
	return func(m *Manager) {
		m.onChange = append(m.onChange, fn)
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	cfg, v, err := Load(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	m.config = cfg
	m.viper = v

	if m.watchEnabled {
		m.watch()
	}
	return cfg, nil
}

// Get 获取配置（如果未加载则自动加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// Viper 底层 viper 实例，用于绑定命令行参数
func (m *Manager) Viper() *viper.Viper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viper
}

// Reload 重新解析配置，校验失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		return fmt.Errorf("配置尚未加载")
	}

	cfg, err := decode(m.viper)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}

	m.config = cfg
	callbacks := m.onChange
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// watch 调用方需持有 mu
func (m *Manager) watch() {
	if m.viper.ConfigFileUsed() == "" {
		return
	}

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := m.Reload(); err != nil {
			log.Printf("Config reload failed: %v", err)
			return
		}
		log.Printf("Config reloaded from %s", e.Name)
	})
	m.viper.WatchConfig()
}
