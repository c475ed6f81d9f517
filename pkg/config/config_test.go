package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "pbs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadFromYAMLWithDefaults(t *testing.T) {
	path := writeYAML(t, `
pbs_journal_bucket_name: journals
pbs_partition_name: p1
pbs_budget_key_table_name: budget_keys
pbs_partition_lock_table_name: locks
pbs_auth_endpoint: https://auth.example.com
pbs_remote_coordinator_endpoint: https://coord.example.com
pbs_remote_coordinator_claimed_identity: pbs-service
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "journals", cfg.JournalBucketName)
	require.Equal(t, 20, cfg.FlushIntervalMs)
	require.Equal(t, 10, cfg.PartitionLeaseDurationS)
	require.Equal(t, 100000, cfg.TMCapacity)
	require.False(t, cfg.HealthEnableMemStorageCheck)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, `
pbs_journal_bucket_name: journals
pbs_partition_name: p1
pbs_budget_key_table_name: budget_keys
pbs_partition_lock_table_name: locks
pbs_auth_endpoint: https://auth.example.com
pbs_remote_coordinator_endpoint: https://coord.example.com
pbs_remote_coordinator_claimed_identity: pbs-service
pbs_flush_interval_ms: 20
`)
	t.Setenv("PBS_FLUSH_INTERVAL_MS", "50")
	t.Setenv("PBS_HEALTH_ENABLE_MEM_STORAGE_CHECK", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.FlushIntervalMs)
	require.True(t, cfg.HealthEnableMemStorageCheck)
}
