package offload

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// FileBackend stores one record per file under a three-level directory
// fan-out derived from the storage ID.
type FileBackend struct {
	pool *mpool.Pool

	mu      sync.Mutex
	baseDir string
	nextSid types.StorageID
	started bool

	logger zerolog.Logger
}

// NewFileBackend creates an unconfigured file backend over the pool.
func NewFileBackend(pool *mpool.Pool) *FileBackend {
	return &FileBackend{
		pool:    pool,
		nextSid: 1,
		logger:  log.WithComponent("offload-file"),
	}
}

// Configure accepts the base-directory key.
func (f *FileBackend) Configure(key, value string) error {
	switch key {
	case KeyBaseDirectory:
		f.mu.Lock()
		f.baseDir = value
		f.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: offload key %q", types.ErrInvalidArgument, key)
	}
}

// Start creates the base directory and resumes the storage ID sequence
// past anything already on media.
func (f *FileBackend) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.baseDir == "" {
		return fmt.Errorf("%w: base directory not configured", types.ErrInvalidArgument)
	}
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return err
	}
	maxSid := f.scanMaxSid()
	if maxSid >= f.nextSid {
		f.nextSid = maxSid + 1
	}
	f.started = true
	f.logger.Info().Str("dir", f.baseDir).Uint64("next_sid", uint64(f.nextSid)).Msg("file offload started")
	return nil
}

// Stop marks the backend down; files stay where they are.
func (f *FileBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

// sidPath maps a storage ID to its file:
// <base>/<sid[7:0]>/<sid[15:8]>/<sid[31:16]>.dat
func (f *FileBackend) sidPath(sid types.StorageID) string {
	return filepath.Join(f.baseDir,
		fmt.Sprintf("%02x", uint8(sid)),
		fmt.Sprintf("%02x", uint8(sid>>8)),
		fmt.Sprintf("%04x.dat", uint16(sid>>16)))
}

// scanMaxSid walks the fan-out to find the highest committed ID, so the
// sequence stays monotonic across restarts.
func (f *FileBackend) scanMaxSid() types.StorageID {
	var max types.StorageID
	filepath.Walk(f.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".dat") {
			return nil
		}
		rel, err := filepath.Rel(f.baseDir, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 {
			return nil
		}
		lo, err1 := strconv.ParseUint(parts[0], 16, 8)
		mid, err2 := strconv.ParseUint(parts[1], 16, 8)
		hi, err3 := strconv.ParseUint(strings.TrimSuffix(parts[2], ".dat"), 16, 16)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil
		}
		sid := types.StorageID(lo | mid<<8 | hi<<16)
		if sid > max {
			max = sid
		}
		return nil
	})
	return max
}

// Offload writes the bundle's record and returns its new storage ID.
func (f *FileBackend) Offload(pblk *mpool.Block) (types.StorageID, error) {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return 0, types.ErrInvalidArgument
	}
	sid := f.nextSid
	f.nextSid++
	path := f.sidPath(sid)
	f.mu.Unlock()

	record, err := buildRecord(f.pool, pblk)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, record, 0o644); err != nil {
		return 0, err
	}
	return sid, nil
}

// Restore reads a record back into pool blocks. A CRC or framing failure
// returns ErrFormat with nothing allocated.
func (f *FileBackend) Restore(sid types.StorageID) (*mpool.Block, error) {
	f.mu.Lock()
	path := f.sidPath(sid)
	started := f.started
	f.mu.Unlock()
	if !started {
		return nil, types.ErrInvalidArgument
	}
	record, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return parseRecord(f.pool, record)
}

// Release removes the stored copy.
func (f *FileBackend) Release(sid types.StorageID) error {
	f.mu.Lock()
	path := f.sidPath(sid)
	f.mu.Unlock()
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return types.ErrNotFound
	}
	return err
}

var _ Backend = (*FileBackend)(nil)
