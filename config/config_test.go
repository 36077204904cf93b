package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efecan0/binaryrpc-framework/qos"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "none", cfg.Reliable.Level)
	assert.Equal(t, 15*time.Minute, cfg.Session.TTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  addr: ":7777"
reliable:
  level: at_least_once
  base_retry: 50ms
  max_retry: 5
  backoff: linear
session:
  ttl: 1m
  max_queue_per_session: 10
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "at_least_once", cfg.Reliable.Level)
	assert.Equal(t, 50*time.Millisecond, cfg.Reliable.BaseRetry)
	assert.Equal(t, uint32(5), cfg.Reliable.MaxRetry)
	assert.Equal(t, time.Minute, cfg.Session.TTL)
	assert.Equal(t, 10, cfg.Session.MaxQueuePerSession)
	// Unset keys keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Session.MessageTTL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Reliable.Level = "twice"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBackoff(t *testing.T) {
	cfg := Default()
	cfg.Reliable.Backoff = "random"
	assert.Error(t, cfg.Validate())
}

func TestReliableOptionsMapping(t *testing.T) {
	cfg := Default()
	cfg.Reliable.Level = "exactly_once"
	cfg.Reliable.Backoff = "linear"
	cfg.Reliable.BaseRetry = 10 * time.Millisecond
	cfg.Reliable.MaxBackoff = 50 * time.Millisecond

	opts := cfg.ReliableOptions()
	assert.Equal(t, qos.ExactlyOnce, opts.Level)
	require.NotNil(t, opts.Backoff)
	assert.Equal(t, 30*time.Millisecond, opts.Backoff.NextDelay(3))
}

func TestSessionOptionsMapping(t *testing.T) {
	cfg := Default()
	cfg.Session.TTL = time.Minute

	o := cfg.SessionOptions()
	assert.Equal(t, time.Minute, o.SessionTTL)
	assert.Equal(t, cfg.Reliable.DuplicateTTL, o.DuplicateTTL)
}
