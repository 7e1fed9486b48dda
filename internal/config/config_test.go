package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_ParsesDurationsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := []byte(`
server:
  port: 8081
postgres:
  dsn: "host=localhost"
queue:
  poll_interval: 250ms
  lease_timeout: 45s
retention:
  operation_age: 720h
`)
	assert.NoError(t, ioutil.WriteFile(path, doc, 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.Queue.LeaseTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Retention.OperationAge)

	// unset values fall back to defaults
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, time.Hour, cfg.Queue.BackoffMax)
	assert.Equal(t, 5, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.SafetyFloor)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.JobAge)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	assert.NoError(t, ioutil.WriteFile(path, []byte("queue:\n  poll_interval: soon\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
