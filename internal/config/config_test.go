package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load("../../configs/example.yaml")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "redis", cfg.Delivery.Backend)
	assert.Equal(t, time.Second, cfg.Delivery.BackoffUnit)
	assert.Equal(t, 4, cfg.Delivery.Workers)
	assert.True(t, cfg.Delivery.Breaker.Enabled)
	assert.EqualValues(t, 10, cfg.Delivery.Breaker.MinRequests)
	assert.InDelta(t, 0.6, cfg.Delivery.Breaker.FailureRatio, 1e-9)
	assert.Equal(t, "iot/devices/+/messages", cfg.MQTT.Topic)
	assert.EqualValues(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, "configs/groups.yaml", cfg.Routing.GroupsSeedPath)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("IOT_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "iot-router", cfg.App.Name)
	assert.Equal(t, 200*time.Millisecond, cfg.Delivery.PollInterval)
	assert.Equal(t, 200, cfg.Inbox.MaxPollSize)
	assert.False(t, cfg.Inbox.IncludeDelivered)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("IOT_DELIVERY_WORKERS", "9")
	t.Setenv("IOT_DELIVERY_BACKEND", "pg")
	path := writeConfig(t, "delivery:\n  workers: 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Delivery.Workers)
	assert.Equal(t, "pg", cfg.Delivery.Backend)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: \":9999\"\n")
	t.Setenv("IOT_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"unknown backend":        "delivery:\n  backend: kafka\n",
		"redis backend disabled": "redis:\n  enabled: false\ndelivery:\n  backend: redis\n",
		"zero workers":           "delivery:\n  workers: 0\n",
		"zero backoff":           "delivery:\n  backoffUnit: 0s\n",
		"mqtt topic no wildcard": "mqtt:\n  enabled: true\n  topic: iot/devices/messages\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "http: [::"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
