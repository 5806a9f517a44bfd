// Package config defines the hub's configuration model. Loading happens
// in two stages: the embedded YAML file produces the base AppConfig, and
// UpdateConfigWithEnvOverrides applies environment variables and final
// validation.
package config

import "time"

// Relay transport selectors.
const (
	RelayNone   = "none"
	RelayPubSub = "pubsub"
	RelayRedis  = "redis"
)

type YamlHubConfig struct {
	InstanceID            string `yaml:"instance_id"`
	MaxConnections        int    `yaml:"max_connections"`
	OutboundQueueCapacity int    `yaml:"outbound_queue_capacity"`
	HeartbeatTimeoutSec   int    `yaml:"heartbeat_timeout_seconds"`
	SweepIntervalSec      int    `yaml:"sweep_interval_seconds"`
}

type YamlPresenceConfig struct {
	GracePeriodSec  int `yaml:"grace_period_seconds"`
	TypingExpirySec int `yaml:"typing_expiry_seconds"`
}

type YamlPubSubRelayConfig struct {
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
	NumWorkers     int    `yaml:"num_workers"`
}

type YamlRedisRelayConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// YamlRelayConfig selects and parameterizes the broker relay transport.
type YamlRelayConfig struct {
	Type         string                `yaml:"type"` // "none", "pubsub" or "redis"
	DedupeWindow int                   `yaml:"dedupe_window"`
	PubSub       YamlPubSubRelayConfig `yaml:"pubsub"`
	Redis        YamlRedisRelayConfig  `yaml:"redis"`
}

type YamlAuthConfig struct {
	Header             string `yaml:"header"`
	AllowQueryFallback bool   `yaml:"allow_query_fallback"`
	AllowAnonymous     bool   `yaml:"allow_anonymous"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID string             `yaml:"project_id"`
	RunMode   string             `yaml:"run_mode"`
	HTTPPort  string             `yaml:"http_port"`
	Hub       YamlHubConfig      `yaml:"hub"`
	Presence  YamlPresenceConfig `yaml:"presence"`
	Relay     YamlRelayConfig    `yaml:"relay"`
	Auth      YamlAuthConfig     `yaml:"auth"`
}

// AppConfig is the canonical, validated configuration object used
// throughout the application. Durations are converted from the YAML
// second counts; zero values fall back to the defaults below.
type AppConfig struct {
	ProjectID string
	RunMode   string
	HTTPPort  string

	InstanceID            string
	MaxConnections        int
	OutboundQueueCapacity int
	HeartbeatTimeout      time.Duration
	SweepInterval         time.Duration

	GracePeriod  time.Duration
	TypingExpiry time.Duration

	Relay YamlRelayConfig
	Auth  YamlAuthConfig
}

// Defaults applied by NewAppConfigFromYaml when the YAML leaves a
// tunable unset.
const (
	DefaultHTTPPort              = "8082"
	DefaultOutboundQueueCapacity = 256
	DefaultHeartbeatTimeout      = 90 * time.Second
	DefaultSweepInterval         = 15 * time.Second
	DefaultGracePeriod           = 30 * time.Second
	DefaultTypingExpiry          = 6 * time.Second
	DefaultAuthHeader            = "X-Principal"
)

// NewAppConfigFromYaml completes "Stage 1" of configuration loading:
// mapping the parsed YAML onto the canonical config and filling defaults.
func NewAppConfigFromYaml(y *YamlConfig) *AppConfig {
	cfg := &AppConfig{
		ProjectID:             y.ProjectID,
		RunMode:               y.RunMode,
		HTTPPort:              y.HTTPPort,
		InstanceID:            y.Hub.InstanceID,
		MaxConnections:        y.Hub.MaxConnections,
		OutboundQueueCapacity: y.Hub.OutboundQueueCapacity,
		HeartbeatTimeout:      time.Duration(y.Hub.HeartbeatTimeoutSec) * time.Second,
		SweepInterval:         time.Duration(y.Hub.SweepIntervalSec) * time.Second,
		GracePeriod:           time.Duration(y.Presence.GracePeriodSec) * time.Second,
		TypingExpiry:          time.Duration(y.Presence.TypingExpirySec) * time.Second,
		Relay:                 y.Relay,
		Auth:                  y.Auth,
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = DefaultHTTPPort
	}
	if cfg.OutboundQueueCapacity <= 0 {
		cfg.OutboundQueueCapacity = DefaultOutboundQueueCapacity
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = DefaultTypingExpiry
	}
	if cfg.Relay.Type == "" {
		cfg.Relay.Type = RelayNone
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = DefaultAuthHeader
	}
	return cfg
}
