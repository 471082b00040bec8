package offload

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/codec"
	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

func sampleBundle(t *testing.T, pool *mpool.Pool) *mpool.Block {
	t.Helper()
	logical := bpv7.PrimaryBlock{
		Version:      bpv7.Version,
		ControlFlags: bpv7.BundleControlFlags{MustNotFragment: true},
		CrcType:      crc.Type16,
		Destination:  bpv7.EndpointID{Node: 200, Service: 1},
		Source:       bpv7.EndpointID{Node: 100, Service: 1},
		ReportTo:     bpv7.EndpointID{Node: 100, Service: 1},
		CreationTimestamp: bpv7.CreationTimestamp{
			Time:     types.DtnTime(755533838904),
			Sequence: 0,
		},
		Lifetime: 3600000,
	}
	pblk, err := codec.NewPrimary(pool, &logical, mpool.PriorityLow)
	require.NoError(t, err)
	payload := bpv7.CanonicalBlock{
		BlockType: bpv7.BlockTypePayload, BlockNum: 1, CrcType: crc.Type16,
	}
	_, err = codec.AppendCanonical(pool, pblk, &payload, bytes.Repeat([]byte{0xAA}, 20), mpool.PriorityLow)
	require.NoError(t, err)
	return pblk
}

func wireOf(t *testing.T, pool *mpool.Pool, pblk *mpool.Block) []byte {
	t.Helper()
	size, err := codec.ComputeFullBundleSize(pool, pblk)
	require.NoError(t, err)
	buf := make([]byte, size)
	n, err := codec.CopyFullBundleOut(pool, pblk, buf)
	require.NoError(t, err)
	return buf[:n]
}

func startFileBackend(t *testing.T, pool *mpool.Pool) *FileBackend {
	t.Helper()
	b := NewFileBackend(pool)
	require.NoError(t, b.Configure(KeyBaseDirectory, t.TempDir()))
	require.NoError(t, b.Start())
	return b
}

// TestOffloadRestoreRoundTrip is the S6 law: the restored bundle encodes
// byte-identically to the original.
func TestOffloadRestoreRoundTrip(t *testing.T) {
	pool := mpool.New(128)
	b := startFileBackend(t, pool)

	src := sampleBundle(t, pool)
	want := wireOf(t, pool, src)

	sid, err := b.Offload(src)
	require.NoError(t, err)
	require.NotZero(t, sid)

	restored, err := b.Restore(sid)
	require.NoError(t, err)
	assert.Equal(t, want, wireOf(t, pool, restored))
}

func TestConfigureRejectsUnknownKey(t *testing.T) {
	pool := mpool.New(32)
	b := NewFileBackend(pool)
	err := b.Configure("no-such-key", "x")
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestFilePathFanOut(t *testing.T) {
	pool := mpool.New(32)
	b := NewFileBackend(pool)
	require.NoError(t, b.Configure(KeyBaseDirectory, "/data"))
	assert.Equal(t, filepath.Join("/data", "2a", "01", "0003.dat"), b.sidPath(0x0003012a))
}

func TestRestoreMissingSid(t *testing.T) {
	pool := mpool.New(64)
	b := startFileBackend(t, pool)
	_, err := b.Restore(42)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRestoreDetectsCorruption(t *testing.T) {
	pool := mpool.New(128)
	b := startFileBackend(t, pool)
	src := sampleBundle(t, pool)
	sid, err := b.Offload(src)
	require.NoError(t, err)

	path := b.sidPath(sid)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[recordHeaderLen+20] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	free := pool.FreeCount()
	_, err = b.Restore(sid)
	require.ErrorIs(t, err, types.ErrFormat)
	for pool.Maintain() > 0 {
	}
	assert.Equal(t, free, pool.FreeCount(), "failed restore leaks nothing")
}

func TestReleaseRemovesRecord(t *testing.T) {
	pool := mpool.New(128)
	b := startFileBackend(t, pool)
	src := sampleBundle(t, pool)
	sid, err := b.Offload(src)
	require.NoError(t, err)

	require.NoError(t, b.Release(sid))
	_, err = b.Restore(sid)
	require.ErrorIs(t, err, types.ErrNotFound)
	require.ErrorIs(t, b.Release(sid), types.ErrNotFound)
}

func TestSidSequenceResumesAfterRestart(t *testing.T) {
	pool := mpool.New(128)
	dir := t.TempDir()
	b := NewFileBackend(pool)
	require.NoError(t, b.Configure(KeyBaseDirectory, dir))
	require.NoError(t, b.Start())

	src := sampleBundle(t, pool)
	sid1, err := b.Offload(src)
	require.NoError(t, err)
	require.NoError(t, b.Stop())

	b2 := NewFileBackend(pool)
	require.NoError(t, b2.Configure(KeyBaseDirectory, dir))
	require.NoError(t, b2.Start())
	sid2, err := b2.Offload(src)
	require.NoError(t, err)
	assert.Greater(t, sid2, sid1)
}

func TestRecordHeaderLayout(t *testing.T) {
	pool := mpool.New(128)
	src := sampleBundle(t, pool)
	record, err := buildRecord(pool, src)
	require.NoError(t, err)

	assert.Equal(t, RecordMagic, binary.LittleEndian.Uint32(record[0:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(record[4:]), "primary plus payload")
	body := record[recordHeaderLen:]
	assert.Equal(t, uint32(len(body)), binary.LittleEndian.Uint32(record[8:]))
	assert.Equal(t, crc.Checksum(crc.Type32C, body), binary.LittleEndian.Uint32(record[12:]))
}

func TestBoltBackendRoundTrip(t *testing.T) {
	pool := mpool.New(128)
	b := NewBoltBackend(pool)
	require.NoError(t, b.Configure(KeyDatabasePath, filepath.Join(t.TempDir(), "offload.db")))
	require.NoError(t, b.Start())
	defer b.Stop()

	src := sampleBundle(t, pool)
	want := wireOf(t, pool, src)
	sid, err := b.Offload(src)
	require.NoError(t, err)

	restored, err := b.Restore(sid)
	require.NoError(t, err)
	assert.Equal(t, want, wireOf(t, pool, restored))

	require.NoError(t, b.Release(sid))
	_, err = b.Restore(sid)
	require.ErrorIs(t, err, types.ErrNotFound)
}
