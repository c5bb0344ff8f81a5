package rawdb

// Key layout for state sync bookkeeping. Snapshot leaves and contract code
// use go-ethereum's schema (see the accessors in core/rawdb of go-ethereum);
// only the progress record lives under a key owned by this package.
var (
	// syncProgressKey tracks the bulk-phase progress record of state sync.
	syncProgressKey = []byte("StateSyncProgress")
)

// SyncProgressVersion is the current encoding version of SyncProgress.
// Records with a different version are ignored at startup.
const SyncProgressVersion = 1
