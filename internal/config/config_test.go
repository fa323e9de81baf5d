package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Discovery.IsEnabled())
	assert.Equal(t, "239.255.255.250:1982", cfg.Discovery.MulticastAddr)
	assert.Equal(t, time.Second, cfg.Connection.MinBackoff.Duration())
	assert.Equal(t, 30*time.Second, cfg.Connection.MaxBackoff.Duration())
	assert.Equal(t, 2.0, cfg.Connection.BackoffMultiplier)
	assert.Equal(t, 5*time.Second, cfg.Connection.CommandTimeout.Duration())
	assert.Equal(t, "smooth", cfg.Connection.Effect)
	assert.Equal(t, 500*time.Millisecond, cfg.Connection.EffectDuration.Duration())
	assert.Equal(t, "yeelight", cfg.MQTT.TopicPrefix)
	assert.True(t, strings.HasPrefix(cfg.MQTT.ClientID, "yeelightd-"))
	assert.True(t, cfg.MQTT.IsRetained())
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Addr())
	assert.Equal(t, 1, cfg.EventBus.GetWorkers())
	assert.Equal(t, 256, cfg.EventBus.GetQueueSize())
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  file:
    path: /tmp/yeelightd.log
discovery:
  enabled: false
  search_interval: 2m
  devices:
    - id: "0x1"
      address: 10.0.0.5:55443
      attributes:
        model: color
        support: set_power set_bright
connection:
  min_backoff: 500ms
  max_backoff: 10s
  effect: sudden
  commands_per_minute: 30
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic_prefix: home/lights/
  retain: false
api:
  enabled: true
  port: 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/yeelightd.log", cfg.Log.File.Path)
	assert.Equal(t, 10, cfg.Log.File.MaxSizeMB)
	assert.False(t, cfg.Discovery.IsEnabled())
	assert.Equal(t, 2*time.Minute, cfg.Discovery.SearchInterval.Duration())
	require.Len(t, cfg.Discovery.Devices, 1)
	assert.Equal(t, "color", cfg.Discovery.Devices[0].Attributes["model"])

	yc := cfg.Connection.Yeelight()
	assert.Equal(t, 500*time.Millisecond, yc.MinBackoff)
	assert.Equal(t, 10*time.Second, yc.MaxBackoff)
	assert.Equal(t, "sudden", yc.Effect.Name)
	assert.Equal(t, 30, yc.CommandsPerMinute)

	assert.Equal(t, "home/lights", cfg.MQTT.TopicPrefix)
	assert.False(t, cfg.MQTT.IsRetained())
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Addr())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad_duration", content: "connection:\n  min_backoff: soon\n"},
		{name: "bad_effect", content: "connection:\n  effect: fade\n"},
		{name: "inverted_backoff", content: "connection:\n  min_backoff: 1m\n  max_backoff: 1s\n"},
		{name: "bad_qos", content: "mqtt:\n  qos: 3\n"},
		{name: "negative_rate", content: "connection:\n  commands_per_minute: -1\n"},
		{name: "static_without_address", content: "discovery:\n  devices:\n    - id: \"0x1\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_UnlimitedCommandRate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "connection:\n  commands_per_minute: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Connection.Yeelight().CommandsPerMinute)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Connection.Yeelight().CommandsPerMinute)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("YEELIGHTD_TEST_BROKER", "tcp://env:1883")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set", input: "broker: ${YEELIGHTD_TEST_BROKER}", want: "broker: tcp://env:1883"},
		{name: "set_with_default", input: "${YEELIGHTD_TEST_BROKER:tcp://x}", want: "tcp://env:1883"},
		{name: "unset_default", input: "${YEELIGHTD_TEST_UNSET:fallback}", want: "fallback"},
		{name: "unset_empty", input: "[${YEELIGHTD_TEST_UNSET}]", want: "[]"},
		{name: "plain", input: "no vars", want: "no vars"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("YEELIGHTD_TEST_PORT", "9191")
	cfg, err := Load(writeConfig(t, "api:\n  port: ${YEELIGHTD_TEST_PORT:8080}\n"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.API.Port)
}
