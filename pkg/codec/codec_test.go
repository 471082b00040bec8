package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

func testBundle(t *testing.T, pool *mpool.Pool) *mpool.Block {
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
	pblk, err := NewPrimary(pool, &logical, mpool.PriorityLow)
	require.NoError(t, err)

	payload := bpv7.CanonicalBlock{
		BlockType: bpv7.BlockTypePayload,
		BlockNum:  1,
		CrcType:   crc.Type16,
	}
	_, err = AppendCanonical(pool, pblk, &payload, bytes.Repeat([]byte{0xAA}, 20), mpool.PriorityLow)
	require.NoError(t, err)
	return pblk
}

// TestEncodeWireVector checks the normative encode: wire prefix, total
// length, closing break, and both block CRCs.
func TestEncodeWireVector(t *testing.T) {
	pool := mpool.New(64)
	pblk := testBundle(t, pool)

	size, err := ComputeFullBundleSize(pool, pblk)
	require.NoError(t, err)
	assert.Equal(t, 72, size)

	buf := make([]byte, size)
	n, err := CopyFullBundleOut(pool, pblk, buf)
	require.NoError(t, err)
	require.Equal(t, 72, n)

	wantPrefix := []byte{
		0x9f, 0x89, 0x07, 0x04, 0x01,
		0x82, 0x02, 0x82, 0x18, 0xc8, 0x01,
		0x82, 0x02, 0x82, 0x18, 0x64, 0x01,
		0x82, 0x02, 0x82, 0x18, 0x64, 0x01,
		0x82,
	}
	assert.Equal(t, wantPrefix, buf[:len(wantPrefix)])
	assert.Equal(t, byte(0xff), buf[71])

	// primary block occupies bytes [1,42); its CRC is the final two bytes
	priCrc := binary.BigEndian.Uint16(buf[40:42])
	assert.Equal(t, uint16(0x0B19), priCrc)
	// payload block occupies [42,71); CRC again trails
	payCrc := binary.BigEndian.Uint16(buf[69:71])
	assert.Equal(t, uint16(0xC68F), payCrc)
}

// TestDecodeEncodeIdentity is the wire identity law: decoding a
// well-formed bundle and re-emitting it yields the identical bytes.
func TestDecodeEncodeIdentity(t *testing.T) {
	pool := mpool.New(64)
	src := testBundle(t, pool)
	wire := make([]byte, 72)
	_, err := CopyFullBundleOut(pool, src, wire)
	require.NoError(t, err)

	pblk, err := CopyFullBundleIn(pool, wire)
	require.NoError(t, err)

	out := make([]byte, 72)
	n, err := CopyFullBundleOut(pool, pblk, out)
	require.NoError(t, err)
	assert.Equal(t, wire, out[:n])

	pd := pblk.Primary()
	assert.Equal(t, uint64(200), pd.Logical.Destination.Node)
	assert.Equal(t, uint32(0x0B19), pd.Logical.CrcValue)
}

func TestDecodeRejectsMissingOpener(t *testing.T) {
	pool := mpool.New(64)
	_, err := CopyFullBundleIn(pool, []byte{0x89, 0x07})
	require.ErrorIs(t, err, types.ErrFormat)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	pool := mpool.New(64)
	src := testBundle(t, pool)
	wire := make([]byte, 72)
	_, err := CopyFullBundleOut(pool, src, wire)
	require.NoError(t, err)

	wire[2] = 0x06 // version field
	free := pool.FreeCount()
	_, err = CopyFullBundleIn(pool, wire)
	require.ErrorIs(t, err, types.ErrFormat)
	// nothing may leak from the failed decode
	for pool.Maintain() > 0 {
	}
	assert.Equal(t, free, pool.FreeCount())
}

func TestDecodeDiscardsOnCanonicalError(t *testing.T) {
	pool := mpool.New(64)
	src := testBundle(t, pool)
	wire := make([]byte, 72)
	_, err := CopyFullBundleOut(pool, src, wire)
	require.NoError(t, err)

	// corrupt a payload content byte; the canonical CRC check fails after
	// the primary block was already allocated
	wire[50] ^= 0xFF
	free := pool.FreeCount()
	_, err = CopyFullBundleIn(pool, wire)
	require.ErrorIs(t, err, types.ErrFormat)
	for pool.Maintain() > 0 {
	}
	assert.Equal(t, free, pool.FreeCount())
}

func TestAdminRecordPromotion(t *testing.T) {
	pool := mpool.New(64)
	logical := bpv7.PrimaryBlock{
		Version:      bpv7.Version,
		ControlFlags: bpv7.BundleControlFlags{IsAdminRecord: true, MustNotFragment: true},
		CrcType:      crc.Type16,
		Destination:  bpv7.EndpointID{Node: 5, Service: 64},
		Source:       bpv7.EndpointID{Node: 2, Service: 64},
		ReportTo:     bpv7.EndpointID{Node: 2, Service: 64},
		CreationTimestamp: bpv7.CreationTimestamp{
			Time: types.DtnTime(1000), Sequence: 9,
		},
		Lifetime: 86400000,
	}
	pblk, err := NewPrimary(pool, &logical, mpool.PriorityLow)
	require.NoError(t, err)
	record := &bpv7.AdminRecord{
		RecordType: bpv7.AdminRecordTypeCustodyAck,
		CustodyAccept: bpv7.CustodyAcceptPayload{
			FlowSource: bpv7.EndpointID{Node: 3, Service: 10},
			Sequences:  []uint64{4, 5, 6},
		},
	}
	payload := bpv7.CanonicalBlock{
		BlockType: bpv7.BlockTypeCustodyAcceptPayload,
		BlockNum:  1,
		CrcType:   crc.Type16,
		Ext:       record,
	}
	_, err = AppendCanonical(pool, pblk, &payload, nil, mpool.PriorityLow)
	require.NoError(t, err)

	size, err := ComputeFullBundleSize(pool, pblk)
	require.NoError(t, err)
	wire := make([]byte, size)
	_, err = CopyFullBundleOut(pool, pblk, wire)
	require.NoError(t, err)

	// on the wire the payload block must carry the RFC type 1
	decoded, err := CopyFullBundleIn(pool, wire)
	require.NoError(t, err)
	pd := decoded.Primary()
	cblk := pd.FindCanonical(bpv7.BlockTypeCustodyAcceptPayload)
	require.NotNil(t, cblk, "decoded payload must be promoted back to the custody-accept type")
	got := cblk.Canonical().Logical.Ext.(*bpv7.AdminRecord)
	assert.Equal(t, record.CustodyAccept, got.CustodyAccept)
}

func TestExtractContent(t *testing.T) {
	pool := mpool.New(64)
	pblk := testBundle(t, pool)
	pd := pblk.Primary()
	cblk := pd.FindCanonical(bpv7.BlockTypePayload)
	require.NotNil(t, cblk)

	buf := make([]byte, 64)
	n, err := ExtractContent(cblk, buf)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 20), buf[:n])
}

func TestCustodyRewriteReencodes(t *testing.T) {
	pool := mpool.New(64)
	pblk := testBundle(t, pool)
	ct := bpv7.CanonicalBlock{
		BlockType: bpv7.BlockTypeCustodyTracking,
		BlockNum:  2,
		CrcType:   crc.Type16,
		Ext:       &bpv7.CustodyTrackingBlock{CurrentCustodian: bpv7.EndpointID{Node: 2, Service: 64}},
	}
	cblk, err := AppendCanonical(pool, pblk, &ct, nil, mpool.PriorityLow)
	require.NoError(t, err)
	size1, err := ComputeFullBundleSize(pool, pblk)
	require.NoError(t, err)

	// rewrite the custodian and re-encode; decode must observe the change
	cblk.Canonical().Logical.Ext.(*bpv7.CustodyTrackingBlock).CurrentCustodian = bpv7.EndpointID{Node: 9, Service: 64}
	require.NoError(t, EncodeCanonical(pool, cblk, nil))

	size2, err := ComputeFullBundleSize(pool, pblk)
	require.NoError(t, err)
	wire := make([]byte, size2)
	_, err = CopyFullBundleOut(pool, pblk, wire)
	require.NoError(t, err)
	_ = size1

	decoded, err := CopyFullBundleIn(pool, wire)
	require.NoError(t, err)
	found := decoded.Primary().FindCanonical(bpv7.BlockTypeCustodyTracking)
	require.NotNil(t, found)
	got := found.Canonical().Logical.Ext.(*bpv7.CustodyTrackingBlock)
	assert.Equal(t, uint64(9), got.CurrentCustodian.Node)
}
