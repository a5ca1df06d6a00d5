package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "be-budget-transfers", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9999, cfg.Engine.ArchivedThreshold)
	assert.Equal(t, 3, cfg.Engine.TransactionPrefixLen)
	assert.Equal(t, "approve", cfg.Engine.OperationAbilities["list_pending"])
	assert.Equal(t, "approvals.budget", cfg.NATS.SubjectPrefix)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BT__SERVER__PORT", "9090")
	t.Setenv("BT__ENGINE__TRANSACTION_PREFIX_LEN", "4")
	t.Setenv("BT__DATABASE__HOST", "db.internal")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Engine.TransactionPrefixLen)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("BT__SERVER__PORT", "-1")
	_, err := Load("")
	require.Error(t, err)
}
