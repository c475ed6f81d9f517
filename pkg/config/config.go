// Package config loads the service's configuration surface (spec §6):
// a YAML file overlaid with PBS_-prefixed environment variables, the
// latter taking precedence so deployments can override individual keys
// without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the flat set of recognized keys from spec §6.
type Config struct {
	JournalBucketName                string `yaml:"pbs_journal_bucket_name"`
	PartitionName                    string `yaml:"pbs_partition_name"`
	FlushIntervalMs                  int    `yaml:"pbs_flush_interval_ms"`
	PartitionLeaseDurationS          int    `yaml:"pbs_partition_lease_duration_s"`
	TMCapacity                       int    `yaml:"pbs_tm_capacity"`
	BudgetKeyTableName               string `yaml:"pbs_budget_key_table_name"`
	PartitionLockTableName           string `yaml:"pbs_partition_lock_table_name"`
	HealthEnableMemStorageCheck      bool   `yaml:"pbs_health_enable_mem_storage_check"`
	AuthEndpoint                     string `yaml:"pbs_auth_endpoint"`
	RemoteCoordinatorEndpoint        string `yaml:"pbs_remote_coordinator_endpoint"`
	RemoteCoordinatorClaimedIdentity string `yaml:"pbs_remote_coordinator_claimed_identity"`
}

func defaults() Config {
	return Config{
		FlushIntervalMs:         20,
		PartitionLeaseDurationS: 10,
		TMCapacity:              100000,
	}
}

// required lists the keys spec §6 marks "required" with no default.
var required = []string{
	"pbs_journal_bucket_name",
	"pbs_partition_name",
	"pbs_budget_key_table_name",
	"pbs_partition_lock_table_name",
	"pbs_auth_endpoint",
	"pbs_remote_coordinator_endpoint",
	"pbs_remote_coordinator_claimed_identity",
}

// Load reads path (if non-empty) as YAML into the defaulted Config,
// then overlays any PBS_* environment variable matching a recognized
// key, and validates that every required key ended up non-empty.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := overlayEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) error {
	if v, ok := lookupEnv("pbs_journal_bucket_name"); ok {
		cfg.JournalBucketName = v
	}
	if v, ok := lookupEnv("pbs_partition_name"); ok {
		cfg.PartitionName = v
	}
	if v, ok := lookupEnv("pbs_flush_interval_ms"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PBS_FLUSH_INTERVAL_MS: %w", err)
		}
		cfg.FlushIntervalMs = n
	}
	if v, ok := lookupEnv("pbs_partition_lease_duration_s"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PBS_PARTITION_LEASE_DURATION_S: %w", err)
		}
		cfg.PartitionLeaseDurationS = n
	}
	if v, ok := lookupEnv("pbs_tm_capacity"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PBS_TM_CAPACITY: %w", err)
		}
		cfg.TMCapacity = n
	}
	if v, ok := lookupEnv("pbs_budget_key_table_name"); ok {
		cfg.BudgetKeyTableName = v
	}
	if v, ok := lookupEnv("pbs_partition_lock_table_name"); ok {
		cfg.PartitionLockTableName = v
	}
	if v, ok := lookupEnv("pbs_health_enable_mem_storage_check"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: PBS_HEALTH_ENABLE_MEM_STORAGE_CHECK: %w", err)
		}
		cfg.HealthEnableMemStorageCheck = b
	}
	if v, ok := lookupEnv("pbs_auth_endpoint"); ok {
		cfg.AuthEndpoint = v
	}
	if v, ok := lookupEnv("pbs_remote_coordinator_endpoint"); ok {
		cfg.RemoteCoordinatorEndpoint = v
	}
	if v, ok := lookupEnv("pbs_remote_coordinator_claimed_identity"); ok {
		cfg.RemoteCoordinatorClaimedIdentity = v
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv("PBS_" + strings.ToUpper(strings.TrimPrefix(key, "pbs_")))
}

func validate(cfg Config) error {
	values := map[string]string{
		"pbs_journal_bucket_name":                 cfg.JournalBucketName,
		"pbs_partition_name":                      cfg.PartitionName,
		"pbs_budget_key_table_name":                cfg.BudgetKeyTableName,
		"pbs_partition_lock_table_name":            cfg.PartitionLockTableName,
		"pbs_auth_endpoint":                        cfg.AuthEndpoint,
		"pbs_remote_coordinator_endpoint":           cfg.RemoteCoordinatorEndpoint,
		"pbs_remote_coordinator_claimed_identity":   cfg.RemoteCoordinatorClaimedIdentity,
	}
	var missing []string
	for _, key := range required {
		if values[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}
