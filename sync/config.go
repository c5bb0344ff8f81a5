package sync

import (
	"fmt"
	"time"
)

// Partition count bounds.
const (
	MinPartitions = 1
	MaxPartitions = 256
)

// Config holds the tuning knobs of the state sync engine.
type Config struct {
	// PartitionCount is the number of account key space partitions, which
	// also bounds the number of concurrent account range requests.
	PartitionCount int

	// ResponseBytes is the soft byte limit asked of peers per response.
	ResponseBytes uint64

	// MaxStorageAccounts caps the accounts batched into one storage request.
	MaxStorageAccounts int

	// MaxCodeBatch caps the code hashes batched into one bytecode request.
	MaxCodeBatch int

	// StorageBacklog is the queued storage task count above which storage
	// requests are preferred over new account ranges.
	StorageBacklog int

	// MaxPivotDistance is how far the finalized head may run ahead of the
	// pivot before the pivot is reported stale.
	MaxPivotDistance uint64

	// ExpiredPivotThreshold is the number of consecutive expired-root
	// responses after which the pivot is force-advanced. Zero disables.
	ExpiredPivotThreshold int

	// CodeCacheSize is the size of the seen-code-hash LRU.
	CodeCacheSize int

	// WriteBatchItems is the item threshold of the write pacer. Values of
	// one or less write straight through.
	WriteBatchItems int

	// Workers is the number of concurrent dispatch workers used by Run.
	Workers int

	// RequestRate and RequestBurst pace dispatches in Run. A zero rate
	// disables pacing.
	RequestRate  float64
	RequestBurst int

	// IdleWait is how long a worker backs off when no request is ready.
	IdleWait time.Duration

	// ReportInterval is the period of progress log lines in Run.
	ReportInterval time.Duration

	// PivotCheckInterval is the period of the stale pivot watcher in Run.
	PivotCheckInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PartitionCount:        16,
		ResponseBytes:         512 * 1024,
		MaxStorageAccounts:    8,
		MaxCodeBatch:          64,
		StorageBacklog:        1024,
		MaxPivotDistance:      128,
		ExpiredPivotThreshold: 8,
		CodeCacheSize:         16384,
		WriteBatchItems:       128,
		Workers:               16,
		RequestRate:           0,
		RequestBurst:          1,
		IdleWait:              20 * time.Millisecond,
		ReportInterval:        8 * time.Second,
		PivotCheckInterval:    4 * time.Second,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.PartitionCount < MinPartitions || c.PartitionCount > MaxPartitions {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPartitions, c.PartitionCount, MinPartitions, MaxPartitions)
	}
	if c.MaxStorageAccounts <= 0 {
		return fmt.Errorf("config: invalid max storage accounts: %d", c.MaxStorageAccounts)
	}
	if c.MaxCodeBatch <= 0 {
		return fmt.Errorf("config: invalid max code batch: %d", c.MaxCodeBatch)
	}
	if c.StorageBacklog < 0 {
		return fmt.Errorf("config: invalid storage backlog: %d", c.StorageBacklog)
	}
	if c.ExpiredPivotThreshold < 0 {
		return fmt.Errorf("config: invalid expired pivot threshold: %d", c.ExpiredPivotThreshold)
	}
	if c.CodeCacheSize <= 0 {
		return fmt.Errorf("config: invalid code cache size: %d", c.CodeCacheSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: invalid workers: %d", c.Workers)
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("config: invalid request rate: %v", c.RequestRate)
	}
	if c.RequestRate > 0 && c.RequestBurst <= 0 {
		return fmt.Errorf("config: invalid request burst: %d", c.RequestBurst)
	}
	return nil
}
