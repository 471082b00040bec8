package offload

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

var bucketBundles = []byte("bundles")

// BoltBackend keeps offload records in a single bbolt database file —
// the right shape when the platform offers a filesystem but fsync per
// tiny file is too expensive.
type BoltBackend struct {
	pool *mpool.Pool

	mu     sync.Mutex
	path   string
	db     *bolt.DB
	logger zerolog.Logger
}

// NewBoltBackend creates an unconfigured bolt backend over the pool.
func NewBoltBackend(pool *mpool.Pool) *BoltBackend {
	return &BoltBackend{
		pool:   pool,
		logger: log.WithComponent("offload-bolt"),
	}
}

// Configure accepts the database-path key.
func (b *BoltBackend) Configure(key, value string) error {
	switch key {
	case KeyDatabasePath:
		b.mu.Lock()
		b.path = value
		b.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: offload key %q", types.ErrInvalidArgument, key)
	}
}

// Start opens the database and ensures the bucket exists.
func (b *BoltBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.path == "" {
		return fmt.Errorf("%w: database path not configured", types.ErrInvalidArgument)
	}
	db, err := bolt.Open(b.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("failed to open offload database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBundles)
		return err
	})
	if err != nil {
		db.Close()
		return err
	}
	b.db = db
	b.logger.Info().Str("path", b.path).Msg("bolt offload started")
	return nil
}

// Stop closes the database.
func (b *BoltBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func sidKey(sid types.StorageID) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(sid))
	return key[:]
}

// Offload persists the bundle record under the bucket's next sequence
// number.
func (b *BoltBackend) Offload(pblk *mpool.Block) (types.StorageID, error) {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()
	if db == nil {
		return 0, types.ErrInvalidArgument
	}
	record, err := buildRecord(b.pool, pblk)
	if err != nil {
		return 0, err
	}
	var sid types.StorageID
	err = db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBundles)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		sid = types.StorageID(seq)
		return bkt.Put(sidKey(sid), record)
	})
	if err != nil {
		return 0, err
	}
	return sid, nil
}

// Restore reads a record back into pool blocks.
func (b *BoltBackend) Restore(sid types.StorageID) (*mpool.Block, error) {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()
	if db == nil {
		return nil, types.ErrInvalidArgument
	}
	var record []byte
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundles).Get(sidKey(sid))
		if data == nil {
			return types.ErrNotFound
		}
		record = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parseRecord(b.pool, record)
}

// Release deletes the stored copy.
func (b *BoltBackend) Release(sid types.StorageID) error {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()
	if db == nil {
		return types.ErrInvalidArgument
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).Delete(sidKey(sid))
	})
}

var _ Backend = (*BoltBackend)(nil)
