package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.False(t, cfg.Server.IsProduction())
	assert.Equal(t, 500, cfg.Webhook.DedupeRingSize)
	assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "us-east-1", cfg.Org.DefaultRegion)
	assert.True(t, cfg.Connector.GenericExecutorEnabled)
	assert.False(t, cfg.Queue.DevIgnoreQueue)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENABLE_DEV_IGNORE_QUEUE", "true")
	t.Setenv("DEFAULT_ORGANIZATION_REGION", "eu-central-1")
	t.Setenv("GENERIC_EXECUTOR_ENABLED", "false")
	t.Setenv("GIT_SHA", "abc1234")
	t.Setenv("WEBHOOK_DEDUPE_RING_SIZE", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Queue.DevIgnoreQueue)
	assert.Equal(t, "eu-central-1", cfg.Org.DefaultRegion)
	assert.False(t, cfg.Connector.GenericExecutorEnabled)
	assert.Equal(t, "abc1234", cfg.Server.GitSHA)
	assert.Equal(t, 100, cfg.Webhook.DedupeRingSize)
}

func TestAppsScriptFlags(t *testing.T) {
	t.Setenv("APPS_SCRIPT_CONNECTOR_SHEETS", "true")
	t.Setenv("APPS_SCRIPT_CONNECTOR_DOCS", "false")
	t.Setenv("APPS_SCRIPT_CONNECTOR_BROKEN", "not-a-bool")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Connector.AppsScriptFlags["sheets"])
	assert.False(t, cfg.Connector.AppsScriptFlags["docs"])
	_, present := cfg.Connector.AppsScriptFlags["broken"]
	assert.False(t, present)
}

func TestProductionRequiresMasterKey(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("CREDENTIAL_MASTER_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREDENTIAL_MASTER_KEY")
}

func TestDatabaseConnectionString(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "d", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=d sslmode=require", cfg.ConnectionString())
}
