package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 配置管理器，支持文件变更热加载
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	subscribers  []func(*Config)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径，为空时按默认路径搜索
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

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置，已加载时直接返回
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	cfg, v, err := load(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	m.config = cfg
	m.viper = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			m.handleChange(e)
		})
		v.WatchConfig()
	}
	return cfg, nil
}

// Get 返回当前配置，未加载时返回 nil
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ConfigFileUsed 实际读取的配置文件路径
func (m *Manager) ConfigFileUsed() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}

// Subscribe 注册配置变更回调，回调在重新加载成功后调用
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Reload 重新读取配置文件；校验失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		return fmt.Errorf("config not loaded")
	}
	if err := m.viper.ReadInConfig(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("重新读取配置失败: %w", err)
	}
	cfg, err := decode(m.viper)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.config = cfg
	subs := append([]func(*Config){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

func (m *Manager) handleChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	if err := m.Reload(); err != nil {
		slog.Warn("config reload rejected", "file", e.Name, "error", err)
		return
	}
	slog.Info("config reloaded", "file", e.Name)
}
