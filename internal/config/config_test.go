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
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(body), 0o644)
	require.NoError(t, err)
	return dir
}

func TestLoadFullConfig(t *testing.T) {
	dir := writeConfig(t, `
running:
  port: 4010
mysql:
  dsn: "root:pw@tcp(127.0.0.1:3306)/taskmanager?parseTime=true"
redis:
  addrs: ["127.0.0.1:6379"]
  password: "secret"
kafka:
  brokers: ["127.0.0.1:9092"]
  topic: "task-change-events"
auth:
  secret: "dev-secret"
collab:
  heartbeatTtlSeconds: 45
  lockTtlSeconds: 600
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4010, cfg.Running.Port)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "task-change-events", cfg.Kafka.Topic)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTTL())
	assert.Equal(t, 10*time.Minute, cfg.LockTTL())
	// lockSweepSeconds omitted, default applies
	assert.Equal(t, 30*time.Second, cfg.LockSweepInterval())
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `
mysql:
  dsn: "dsn"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3003, cfg.Running.Port)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTTL())
	assert.Equal(t, 5*time.Minute, cfg.LockTTL())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}
