package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Minute, cfg.DispatchDeadline)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFileThenEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
dispatch_deadline: 45s
kafka_brokers: ["k1:9092", "k2:9092"]
typing_ttl: 3s
log_level: DEBUG
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DISPATCH_DEADLINE", "90s")
	t.Setenv("KAFKA_EVENTS_TOPIC", "events")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 90*time.Second, cfg.DispatchDeadline, "env wins over file")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
	assert.Equal(t, "events", cfg.KafkaEventsTopic)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "garage-presence", cfg.KafkaGarageTopic, "defaults survive the overlay")
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DISPATCH_DEADLINE", "soon")
	t.Setenv("GARAGE_LIMIT", "many")
	t.Setenv("TYPING_TTL", "0s")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid DISPATCH_DEADLINE")
	assert.ErrorContains(t, err, "invalid GARAGE_LIMIT")
	assert.ErrorContains(t, err, "TYPING_TTL must be > 0")
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := LoadServerConfig()
	assert.ErrorContains(t, err, "read config")
}
