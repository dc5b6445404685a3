package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, uint32(5), p.MaxAttempts)
	assert.Equal(t, uint32(5), p.BaseIntervalSecs)
	assert.Equal(t, uint32(2), p.BackoffMultiplier)
	assert.Equal(t, uint32(60), p.MaxIntervalSecs)
	assert.Equal(t, uint32(3), p.ConsecutiveFailuresThreshold)
	assert.Equal(t, uint64(60), p.HealthCheckIntervalSecs)
	assert.Empty(t, p.HealthCheckEndpoint)
}

func TestPolicyValidateReportsField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ReconnectionPolicy)
		field  string
	}{
		{"zero attempts", func(p *ReconnectionPolicy) { p.MaxAttempts = 0 }, "max_attempts"},
		{"too many attempts", func(p *ReconnectionPolicy) { p.MaxAttempts = 21 }, "max_attempts"},
		{"zero base", func(p *ReconnectionPolicy) { p.BaseIntervalSecs = 0 }, "base_interval_secs"},
		{"base too large", func(p *ReconnectionPolicy) { p.BaseIntervalSecs = 301; p.MaxIntervalSecs = 400 }, "base_interval_secs"},
		{"multiplier", func(p *ReconnectionPolicy) { p.BackoffMultiplier = 11 }, "backoff_multiplier"},
		{"max below base", func(p *ReconnectionPolicy) { p.BaseIntervalSecs = 30; p.MaxIntervalSecs = 10 }, "max_interval_secs"},
		{"threshold", func(p *ReconnectionPolicy) { p.ConsecutiveFailuresThreshold = 0 }, "consecutive_failures_threshold"},
		{"interval", func(p *ReconnectionPolicy) { p.HealthCheckIntervalSecs = 5 }, "health_check_interval_secs"},
		{"endpoint scheme", func(p *ReconnectionPolicy) { p.HealthCheckEndpoint = "ftp://example.com" }, "health_check_endpoint"},
		{"stability timeout", func(p *ReconnectionPolicy) { p.StabilityTimeoutSecs = 1 }, "stability_timeout_secs"},
		{"stability recheck", func(p *ReconnectionPolicy) { p.StabilityRecheckSecs = 0 }, "stability_recheck_secs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)

			err := p.Validate()
			require.Error(t, err)
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestPolicyAcceptsBoundaries(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 20
	p.BaseIntervalSecs = 300
	p.MaxIntervalSecs = 300
	p.BackoffMultiplier = 1
	p.HealthCheckIntervalSecs = 3600
	p.HealthCheckEndpoint = "https://vpn.example.com/health"
	assert.NoError(t, p.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
tunnel:
  server: vpn.example.com
  user: alice
reconnection:
  max_attempts: 8
  health_check_endpoint: https://intranet.example.com/
monitor:
  backend: netlink
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vpn.example.com", cfg.Tunnel.Server)
	assert.Equal(t, "openconnect", cfg.Tunnel.Command)
	assert.Equal(t, uint32(8), cfg.Reconnection.MaxAttempts)
	assert.Equal(t, uint32(5), cfg.Reconnection.BaseIntervalSecs)
	assert.Equal(t, BackendNetlink, cfg.Monitor.Backend)
	assert.Equal(t, "openconnect", cfg.Tunnel.Process())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnection:\n  max_attempts: 50\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnection:\n  retries: 3\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "retries"))
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
