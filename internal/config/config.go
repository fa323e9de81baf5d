package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/yeelightd/internal/yeelight"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig        `yaml:"log"`
	Discovery       DiscoveryConfig  `yaml:"discovery"`
	Connection      ConnectionConfig `yaml:"connection"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	API             APIConfig        `yaml:"api"`
	EventBus        EventBusConfig   `yaml:"eventbus"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string        `yaml:"level"`
	Colors bool          `yaml:"colors"`
	JSON   bool          `yaml:"json"` // Structured output instead of the console writer
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig contains rotating log file settings. Empty path disables the file.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// DiscoveryConfig contains LAN discovery settings
type DiscoveryConfig struct {
	Enabled        *bool          `yaml:"enabled"` // nil = enabled
	MulticastAddr  string         `yaml:"multicast_addr"`
	SearchInterval Duration       `yaml:"search_interval"`
	Devices        []StaticDevice `yaml:"devices"` // Lamps registered without discovery
}

// IsEnabled returns whether discovery is enabled (default: true)
func (c *DiscoveryConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StaticDevice is a lamp known by address
type StaticDevice struct {
	ID         string            `yaml:"id"`
	Address    string            `yaml:"address"`
	Attributes map[string]string `yaml:"attributes"` // Seed attributes, e.g. model and support
}

// ConnectionConfig contains per-lamp connection settings
type ConnectionConfig struct {
	MinBackoff        Duration `yaml:"min_backoff"`        // Minimum delay between reconnects (default: 1s)
	MaxBackoff        Duration `yaml:"max_backoff"`        // Maximum delay between reconnects (default: 30s)
	BackoffMultiplier float64  `yaml:"backoff_multiplier"` // Backoff multiplier (default: 2.0)
	DialTimeout       Duration `yaml:"dial_timeout"`
	KeepAlive         Duration `yaml:"keep_alive"`
	CommandTimeout    Duration `yaml:"command_timeout"` // Max wait for an acknowledgment (default: 5s)
	Effect            string   `yaml:"effect"`          // smooth or sudden
	EffectDuration    Duration `yaml:"effect_duration"`
	CommandsPerMinute *int     `yaml:"commands_per_minute"` // nil = 60, 0 = unlimited
}

// Yeelight converts the section into connection settings
func (c *ConnectionConfig) Yeelight() yeelight.ConnectionConfig {
	return yeelight.ConnectionConfig{
		MinBackoff:        c.MinBackoff.Duration(),
		MaxBackoff:        c.MaxBackoff.Duration(),
		Multiplier:        c.BackoffMultiplier,
		DialTimeout:       c.DialTimeout.Duration(),
		KeepAlive:         c.KeepAlive.Duration(),
		CommandTimeout:    c.CommandTimeout.Duration(),
		Effect:            c.EffectSettings(),
		CommandsPerMinute: c.GetCommandsPerMinute(),
	}
}

// GetCommandsPerMinute returns the per-lamp command rate (default: 60, 0 = unlimited)
func (c *ConnectionConfig) GetCommandsPerMinute() int {
	if c.CommandsPerMinute == nil {
		return yeelight.DefaultConnectionConfig().CommandsPerMinute
	}
	return *c.CommandsPerMinute
}

// EffectSettings returns the transition used for commands
func (c *ConnectionConfig) EffectSettings() yeelight.Effect {
	return yeelight.Effect{Name: c.Effect, Duration: c.EffectDuration.Duration()}
}

// MQTTConfig contains MQTT exporter settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      *bool  `yaml:"retain"` // nil = retained
}

// IsRetained returns whether state topics are retained (default: true)
func (c *MQTTConfig) IsRetained() bool {
	return c.Retain == nil || *c.Retain
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the listen address
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File.MaxSizeMB == 0 {
		cfg.Log.File.MaxSizeMB = 10
	}
	if cfg.Log.File.MaxBackups == 0 {
		cfg.Log.File.MaxBackups = 3
	}

	// Discovery defaults
	if cfg.Discovery.MulticastAddr == "" {
		cfg.Discovery.MulticastAddr = yeelight.DefaultMulticastAddr
	}
	if cfg.Discovery.SearchInterval == 0 {
		cfg.Discovery.SearchInterval = Duration(60 * time.Second)
	}

	// Connection defaults
	defaults := yeelight.DefaultConnectionConfig()
	if cfg.Connection.MinBackoff == 0 {
		cfg.Connection.MinBackoff = Duration(defaults.MinBackoff)
	}
	if cfg.Connection.MaxBackoff == 0 {
		cfg.Connection.MaxBackoff = Duration(defaults.MaxBackoff)
	}
	if cfg.Connection.BackoffMultiplier == 0 {
		cfg.Connection.BackoffMultiplier = defaults.Multiplier
	}
	if cfg.Connection.DialTimeout == 0 {
		cfg.Connection.DialTimeout = Duration(defaults.DialTimeout)
	}
	if cfg.Connection.KeepAlive == 0 {
		cfg.Connection.KeepAlive = Duration(defaults.KeepAlive)
	}
	if cfg.Connection.CommandTimeout == 0 {
		cfg.Connection.CommandTimeout = Duration(defaults.CommandTimeout)
	}
	if cfg.Connection.Effect == "" {
		cfg.Connection.Effect = defaults.Effect.Name
	}
	if cfg.Connection.EffectDuration == 0 {
		cfg.Connection.EffectDuration = Duration(defaults.Effect.Duration)
	}

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "yeelightd-" + uuid.NewString()
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "yeelight"
	}
	cfg.MQTT.TopicPrefix = strings.TrimSuffix(cfg.MQTT.TopicPrefix, "/")

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks settings that have no sensible fallback
func (cfg *Config) Validate() error {
	switch cfg.Connection.Effect {
	case "smooth", "sudden":
	default:
		return fmt.Errorf("connection.effect must be smooth or sudden, got %q", cfg.Connection.Effect)
	}
	if cfg.Connection.MaxBackoff < cfg.Connection.MinBackoff {
		return fmt.Errorf("connection.max_backoff (%s) is below min_backoff (%s)",
			cfg.Connection.MaxBackoff.Duration(), cfg.Connection.MinBackoff.Duration())
	}
	if n := cfg.Connection.GetCommandsPerMinute(); n < 0 {
		return fmt.Errorf("connection.commands_per_minute must not be negative, got %d", n)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	for i, d := range cfg.Discovery.Devices {
		if d.ID == "" || d.Address == "" {
			return fmt.Errorf("discovery.devices[%d]: id and address are required", i)
		}
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
