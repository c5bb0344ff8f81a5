package rawdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
)

// SyncProgress is the durable part of the state sync progress. Only the
// binary finished fact is authoritative; partition cursors are not stored
// because the storage and code follow-ups they spawned live in memory.
type SyncProgress struct {
	Version     uint64
	Finished    bool
	PivotNumber uint64
	PivotRoot   common.Hash
}

// ReadSyncProgress retrieves the persisted progress record. It returns nil
// without error when no record exists or the record has an unknown
// version.
func ReadSyncProgress(db ethdb.KeyValueReader) (*SyncProgress, error) {
	has, err := db.Has(syncProgressKey)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	blob, err := db.Get(syncProgressKey)
	if err != nil {
		return nil, err
	}
	var progress SyncProgress
	if err := rlp.DecodeBytes(blob, &progress); err != nil {
		return nil, fmt.Errorf("rawdb: decode sync progress: %w", err)
	}
	if progress.Version != SyncProgressVersion {
		return nil, nil
	}
	return &progress, nil
}

// WriteSyncProgress stores the progress record, stamping the current
// encoding version.
func WriteSyncProgress(db ethdb.KeyValueWriter, progress *SyncProgress) error {
	progress.Version = SyncProgressVersion
	blob, err := rlp.EncodeToBytes(progress)
	if err != nil {
		return fmt.Errorf("rawdb: encode sync progress: %w", err)
	}
	return db.Put(syncProgressKey, blob)
}

// DeleteSyncProgress removes the progress record, forcing the next run to
// start the bulk phase from scratch.
func DeleteSyncProgress(db ethdb.KeyValueWriter) error {
	return db.Delete(syncProgressKey)
}
