// Package config loads the gateway configuration: a YAML file with IMGW_
// environment overrides. Dynamic sections (tenant entries and gateway
// defaults) hot-reload on file change; static sections (listeners, broker
// addresses) require a restart.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

type Config struct {
	Node     NodeConfig
	HTTP     HTTPConfig
	Redis    RedisConfig
	AMQP     AMQPConfig
	Cluster  ClusterConfig
	WS       WSConfig
	Dispatch DispatchConfig
	Mailbox  MailboxConfig
	Defaults DefaultsConfig
	Tenants  []TenantEntry
}

type NodeConfig struct {
	ID       string // unique per node; hostname works
	Endpoint string // advertised gRPC address, as peers should dial it
}

type HTTPConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	PoolSize int
}

type AMQPConfig struct {
	URI string
}

type ClusterConfig struct {
	BindAddr string // gRPC listener for peer traffic
	Secret   string // shared secret for the peer auth interceptor
}

type WSConfig struct {
	JWTSecret     string
	MaxFrameBytes int64
	WriteTimeout  time.Duration
}

type DispatchConfig struct {
	QueueSize           int
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	FallbackQueueSize   int
	FallbackMaxAttempts int
	FallbackBackoff     time.Duration
}

type MailboxConfig struct {
	MaxFramesPerUser int
	MaxBytesPerUser  int
}

// DefaultsConfig mirrors model.Defaults in file-friendly form.
type DefaultsConfig struct {
	HeartbeatTimeout      time.Duration
	MaxTenantConnections  int64
	MaxUserConnections    int64
	HookMaxConcurrency    int
	HookQueueTimeout      time.Duration
	HookTimeout           time.Duration
	HookFailureThreshold  int
	HookOpenDuration      time.Duration
	MaxBodyBytes          int
	MessageRate           float64
	MessageBurst          int
	GroupMembersMaxUsers  int
	GroupOfflineWritesMax int
}

// TenantEntry is the statically-provisioned part of a tenant: where its
// hooks live and the shared HMAC secret. Optional overrides win over the
// gateway defaults; the auth hook response wins over both.
type TenantEntry struct {
	ID          string
	HookBaseURL string
	Secret      string

	MaxTenantConnections int64
	MaxUserConnections   int64
	HeartbeatTimeout     time.Duration
	MaxBodyBytes         int
	MessageRate          float64
	MessageBurst         int
	PreferPullOffline    bool
}

// Manager owns the live configuration. Static sections are read once;
// Defaults and Tenant hand out the current dynamic snapshot.
type Manager struct {
	v       *viper.Viper
	logger  *slog.Logger
	current atomic.Pointer[Config]
}

func Load(path string, logger *slog.Logger) (*Manager, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("IMGW")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Env-only operation is allowed; a missing file is not fatal.
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}

	m := &Manager{v: v, logger: logger}
	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)

	v.OnConfigChange(func(in fsnotify.Event) {
		fresh, err := m.unmarshal()
		if err != nil {
			logger.Error("config reload rejected", slog.String("file", in.Name), slog.Any("err", err))
			return
		}
		m.current.Store(fresh)
		logger.Info("config reloaded", slog.String("file", in.Name))
	})
	v.WatchConfig()

	return m, nil
}

func (m *Manager) unmarshal() (*Config, error) {
	cfg := new(Config)
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Config returns the current snapshot. Callers must not mutate it.
func (m *Manager) Config() *Config { return m.current.Load() }

// Defaults converts the dynamic defaults section for the session engine.
func (m *Manager) Defaults() model.Defaults {
	d := m.Config().Defaults
	return model.Defaults{
		HeartbeatTimeout:      d.HeartbeatTimeout,
		MaxTenantConnections:  d.MaxTenantConnections,
		MaxUserConnections:    d.MaxUserConnections,
		HookMaxConcurrency:    d.HookMaxConcurrency,
		HookQueueTimeout:      d.HookQueueTimeout,
		HookTimeout:           d.HookTimeout,
		HookFailureThreshold:  d.HookFailureThreshold,
		HookOpenDuration:      d.HookOpenDuration,
		MaxBodyBytes:          d.MaxBodyBytes,
		MessageRate:           d.MessageRate,
		MessageBurst:          d.MessageBurst,
		GroupMembersMaxUsers:  d.GroupMembersMaxUsers,
		GroupOfflineWritesMax: d.GroupOfflineWritesMax,
	}
}

// Tenant resolves a statically-provisioned tenant entry.
func (m *Manager) Tenant(id string) (model.TenantConfig, bool) {
	for _, t := range m.Config().Tenants {
		if t.ID == id {
			return model.TenantConfig{
				Tenant:               t.ID,
				HookBaseURL:          t.HookBaseURL,
				Secret:               t.Secret,
				MaxTenantConnections: t.MaxTenantConnections,
				MaxUserConnections:   t.MaxUserConnections,
				HeartbeatTimeout:     t.HeartbeatTimeout,
				MaxBodyBytes:         t.MaxBodyBytes,
				MessageRate:          t.MessageRate,
				MessageBurst:         t.MessageBurst,
				PreferPullOffline:    t.PreferPullOffline,
			}, true
		}
	}
	return model.TenantConfig{}, false
}
