package offload

import (
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// Backend persists bundles to external media keyed by a monotonically
// increasing storage ID. Implementations must survive agent restarts;
// what was offloaded before must restore after.
type Backend interface {
	// Configure sets one backend option before Start. Unrecognized keys
	// return ErrInvalidArgument.
	Configure(key, value string) error
	// Start prepares the backend for traffic.
	Start() error
	// Stop flushes and releases backend resources.
	Stop() error
	// Offload persists a bundle, returning its storage ID.
	Offload(pblk *mpool.Block) (types.StorageID, error)
	// Restore reconstructs a previously offloaded bundle in the pool.
	Restore(sid types.StorageID) (*mpool.Block, error)
	// Release discards the stored copy.
	Release(sid types.StorageID) error
}

// Recognized Configure keys.
const (
	// KeyBaseDirectory locates the file backend's storage root.
	KeyBaseDirectory = "base-directory"
	// KeyDatabasePath locates the bolt backend's database file.
	KeyDatabasePath = "database-path"
)
