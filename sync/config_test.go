package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig_Default(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 16, cfg.PartitionCount)
	require.Equal(t, 128, cfg.WriteBatchItems)
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero partitions", func(c *Config) { c.PartitionCount = 0 }},
		{"too many partitions", func(c *Config) { c.PartitionCount = 257 }},
		{"zero storage accounts", func(c *Config) { c.MaxStorageAccounts = 0 }},
		{"zero code batch", func(c *Config) { c.MaxCodeBatch = 0 }},
		{"negative backlog", func(c *Config) { c.StorageBacklog = -1 }},
		{"negative expired threshold", func(c *Config) { c.ExpiredPivotThreshold = -1 }},
		{"zero code cache", func(c *Config) { c.CodeCacheSize = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative rate", func(c *Config) { c.RequestRate = -1 }},
		{"rate without burst", func(c *Config) { c.RequestRate = 10; c.RequestBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_PartitionBoundsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartitionCount = 300
	require.ErrorIs(t, cfg.Validate(), ErrInvalidPartitions)

	_, err := New(cfg, nil, nil)
	require.ErrorIs(t, err, ErrInvalidPartitions)
}
