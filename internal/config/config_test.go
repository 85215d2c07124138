// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Defaults, env overrides, YAML files and separator rules

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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "mcp-router", cfg.Server.Name)
	assert.Equal(t, ":", cfg.Server.Separator)
	assert.True(t, cfg.Database.RunMigrations)
	assert.Equal(t, 30*time.Second, cfg.Health.PingInterval)
	assert.Equal(t, 3, cfg.Health.MaxPingFailures)
	assert.Equal(t, 5*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.ReconcileInterval)
	assert.Equal(t, time.Hour, cfg.Sync.CleanupInterval)
	assert.Equal(t, 24, cfg.Sync.EventRetentionHours)
	assert.True(t, cfg.Audit.EnableEventLog)
	assert.False(t, cfg.Audit.EnableAuditLog)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUTER_PORT", "5555")
	t.Setenv("ROUTER_NAME", "edge-router")
	t.Setenv("TOOL_NAME_SEPARATOR", "::")
	t.Setenv("PING_INTERVAL_MS", "1000")
	t.Setenv("MAX_PING_FAILURES", "2")
	t.Setenv("SYNC_POLL_INTERVAL_MS", "250")
	t.Setenv("ENABLE_AUDIT_LOG", "true")
	t.Setenv("INSTANCE_ID", "instance-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5555, cfg.Server.Port)
	assert.Equal(t, "edge-router", cfg.Server.Name)
	assert.Equal(t, "::", cfg.Server.Separator)
	assert.Equal(t, time.Second, cfg.Health.PingInterval)
	assert.Equal(t, 2, cfg.Health.MaxPingFailures)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.PollInterval)
	assert.True(t, cfg.Audit.EnableAuditLog)
	assert.Equal(t, "instance-test", cfg.Sync.InstanceID)
}

func TestYAMLFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/router-test.db")

	path := filepath.Join(t.TempDir(), "router.yaml")
	content := `
server:
  port: 4100
  name: yaml-router
database:
  path: ${TEST_DB_PATH}
health:
  ping_interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "yaml-router", cfg.Server.Name)
	assert.Equal(t, "/tmp/router-test.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Health.PingInterval)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
}

func TestValidate_SeparatorMustNotBeNameCharacter(t *testing.T) {
	t.Setenv("TOOL_NAME_SEPARATOR", "_")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "separator")
}

func TestValidate_AuthNeedsSecret(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestValidate_CreditsNeedAdminKey(t *testing.T) {
	t.Setenv("USER_MANAGEMENT_API", "http://users.internal")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_api_key")

	t.Setenv("USER_MANAGEMENT_API_KEY", "admin-key")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://users.internal", cfg.Credits.UserManagementAPI)
}

func TestValidServerName(t *testing.T) {
	assert.True(t, ValidServerName("calc"))
	assert.True(t, ValidServerName("my-server_2"))
	assert.False(t, ValidServerName(""))
	assert.False(t, ValidServerName("bad name"))
	assert.False(t, ValidServerName("a:b"))
	assert.False(t, ValidServerName("x/y"))
}
