package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDurationSeconds(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want time.Duration
		ok   bool
	}{
		{"unset", "", 0, false},
		{"valid", "5", 5 * time.Second, true},
		{"fractional", "0.5", 500 * time.Millisecond, true},
		{"zero falls back to default", "0", DefaultReconcileInterval, true},
		{"negative falls back to default", "-3", DefaultReconcileInterval, true},
		{"non-numeric falls back to default", "banana", DefaultReconcileInterval, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseDurationSeconds(tc.raw, DefaultReconcileInterval)
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CI_CONFIG_FILE", "/nonexistent/ciforge-config.yaml")
	t.Setenv("CI_DB_PATH", "")
	t.Setenv("CI_RECONCILE_INTERVAL", "")

	cfg := Load()
	assert.Equal(t, defaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, DefaultSandboxRetention, cfg.SandboxRetention)
	assert.Equal(t, defaultContainerPrefix, cfg.ContainerPrefix)
}

func TestLoadSandboxRetentionOverride(t *testing.T) {
	t.Setenv("CI_CONFIG_FILE", "/nonexistent/ciforge-config.yaml")
	t.Setenv("CI_SANDBOX_RETENTION", "30")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.SandboxRetention)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CI_CONFIG_FILE", "/nonexistent/ciforge-config.yaml")
	t.Setenv("CI_DB_PATH", "/var/lib/ciforge/data")
	t.Setenv("CI_RECONCILE_INTERVAL", "-1")
	t.Setenv("CI_CONTAINER_PREFIX", "a_")

	cfg := Load()
	assert.Equal(t, "/var/lib/ciforge/data", cfg.DBPath)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, "a_", cfg.ContainerPrefix)
}
