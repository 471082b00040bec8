package bpv7

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/types"
)

func TestBundleControlFlagsRoundTrip(t *testing.T) {
	f := BundleControlFlags{
		IsFragment:      true,
		IsAdminRecord:   true,
		MustNotFragment: true,
		ReportDelivery:  true,
	}
	v := f.Encode()
	assert.Equal(t, uint64(0x020007), v)
	assert.Equal(t, f, DecodeBundleControlFlags(v))

	// unassigned bits are ignored
	assert.Equal(t, BundleControlFlags{IsFragment: true}, DecodeBundleControlFlags(0x800001))
}

func TestBlockProcessingFlagsRoundTrip(t *testing.T) {
	f := BlockProcessingFlags{MustReplicate: true, DiscardBlockOnFail: true}
	v := f.Encode()
	assert.Equal(t, uint64(0x11), v)
	assert.Equal(t, f, DecodeBlockProcessingFlags(v))
}

func TestEndpointIDRoundTrip(t *testing.T) {
	e := EndpointID{Node: 200, Service: 1}
	buf := new(bytes.Buffer)
	require.NoError(t, e.MarshalCbor(buf))
	assert.Equal(t, []byte{0x82, 0x02, 0x82, 0x18, 0xc8, 0x01}, buf.Bytes())

	var out EndpointID
	require.NoError(t, out.UnmarshalCbor(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, e, out)
}

func TestEndpointIDRejectsUnknownScheme(t *testing.T) {
	// [1, [200, 1]] — dtn scheme is not implemented
	data := []byte{0x82, 0x01, 0x82, 0x18, 0xc8, 0x01}
	var out EndpointID
	err := out.UnmarshalCbor(bytes.NewReader(data))
	require.ErrorIs(t, err, types.ErrFormat)
}

func makePrimary() PrimaryBlock {
	return PrimaryBlock{
		Version:      Version,
		ControlFlags: BundleControlFlags{MustNotFragment: true},
		CrcType:      crc.Type16,
		Destination:  EndpointID{Node: 200, Service: 1},
		Source:       EndpointID{Node: 100, Service: 1},
		ReportTo:     EndpointID{Node: 100, Service: 1},
		CreationTimestamp: CreationTimestamp{
			Time:     types.DtnTime(755533838904),
			Sequence: 0,
		},
		Lifetime: 3600000,
	}
}

func TestPrimaryBlockRoundTrip(t *testing.T) {
	pb := makePrimary()
	buf := new(bytes.Buffer)
	require.NoError(t, pb.MarshalCbor(buf))

	var out PrimaryBlock
	require.NoError(t, out.UnmarshalCbor(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, pb.ControlFlags, out.ControlFlags)
	assert.Equal(t, pb.Destination, out.Destination)
	assert.Equal(t, pb.CreationTimestamp, out.CreationTimestamp)
	assert.Equal(t, pb.Lifetime, out.Lifetime)
	assert.Equal(t, pb.CrcValue, out.CrcValue)
}

func TestPrimaryBlockFragmentFields(t *testing.T) {
	pb := makePrimary()
	pb.ControlFlags.IsFragment = true
	pb.FragmentOffset = 512
	pb.TotalADULength = 4096
	buf := new(bytes.Buffer)
	require.NoError(t, pb.MarshalCbor(buf))

	var out PrimaryBlock
	require.NoError(t, out.UnmarshalCbor(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, uint64(512), out.FragmentOffset)
	assert.Equal(t, uint64(4096), out.TotalADULength)
}

func TestPrimaryBlockRejectsWrongVersion(t *testing.T) {
	pb := makePrimary()
	buf := new(bytes.Buffer)
	require.NoError(t, pb.MarshalCbor(buf))

	// corrupt the version field (the byte right after the array header)
	data := buf.Bytes()
	require.Equal(t, byte(0x07), data[1])
	data[1] = 0x06
	var out PrimaryBlock
	err := out.UnmarshalCbor(bytes.NewReader(data))
	require.ErrorIs(t, err, types.ErrFormat)
}

func TestPrimaryBlockDetectsCorruption(t *testing.T) {
	pb := makePrimary()
	buf := new(bytes.Buffer)
	require.NoError(t, pb.MarshalCbor(buf))

	data := buf.Bytes()
	require.Equal(t, byte(0xc8), data[8])
	data[8] ^= 0x01 // destination node 200 -> 201, CRC now stale
	var out PrimaryBlock
	err := out.UnmarshalCbor(bytes.NewReader(data))
	require.ErrorIs(t, err, types.ErrFormat)
}

func TestCanonicalBlockRoundTrip(t *testing.T) {
	cb := CanonicalBlock{
		BlockType: BlockTypePayload,
		BlockNum:  1,
		CrcType:   crc.Type16,
	}
	content := bytes.Repeat([]byte{0xAA}, 20)
	buf := new(bytes.Buffer)
	offset, err := cb.MarshalCbor(buf, content)
	require.NoError(t, err)

	// array(6), four small uints, byte string header
	assert.Equal(t, 6, offset)
	assert.Equal(t, 29, buf.Len())

	var out CanonicalBlock
	got, err := out.UnmarshalCbor(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, cb.BlockType, out.BlockType)
	assert.Equal(t, cb.CrcValue, out.CrcValue)
}

func TestExtensionBlocks(t *testing.T) {
	cases := []struct {
		bt  BlockType
		ext ExtensionData
	}{
		{BlockTypeBundleAge, &BundleAgeBlock{AgeMS: 12345}},
		{BlockTypePreviousNode, &PreviousNodeBlock{Node: EndpointID{Node: 7, Service: 0}}},
		{BlockTypeHopCount, &HopCountBlock{Limit: 32, Count: 3}},
		{BlockTypeCustodyTracking, &CustodyTrackingBlock{CurrentCustodian: EndpointID{Node: 2, Service: 64}}},
	}
	for _, tc := range cases {
		cb := CanonicalBlock{BlockType: tc.bt, BlockNum: 2, CrcType: crc.Type32C, Ext: tc.ext}
		content, err := cb.EncodeExtension()
		require.NoError(t, err)

		buf := new(bytes.Buffer)
		_, err = cb.MarshalCbor(buf, content)
		require.NoError(t, err)

		var out CanonicalBlock
		got, err := out.UnmarshalCbor(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.NoError(t, out.DecodeExtension(got))
		assert.Equal(t, tc.ext, out.Ext, "block type %d", tc.bt)
	}
}

func TestAdminRecordRoundTrip(t *testing.T) {
	ar := AdminRecord{
		RecordType: AdminRecordTypeCustodyAck,
		CustodyAccept: CustodyAcceptPayload{
			FlowSource: EndpointID{Node: 3, Service: 10},
			Sequences:  []uint64{1, 2, 3, 500},
		},
	}
	buf := new(bytes.Buffer)
	require.NoError(t, ar.MarshalCbor(buf))

	var out AdminRecord
	require.NoError(t, out.UnmarshalCbor(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, ar, out)
	assert.Equal(t, BlockTypeCustodyAcceptPayload, out.PayloadBlockType())
}

func TestAdminRecordRejectsUnknownType(t *testing.T) {
	buf := new(bytes.Buffer)
	// [9, ...] — unknown record type
	buf.Write([]byte{0x82, 0x09, 0x00})
	var out AdminRecord
	err := out.UnmarshalCbor(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, types.ErrFormat)
}

func TestBlockTypeDemotion(t *testing.T) {
	assert.Equal(t, BlockTypePayload, BlockTypeCustodyAcceptPayload.WireType())
	assert.Equal(t, BlockTypeHopCount, BlockTypeHopCount.WireType())
	assert.True(t, BlockTypeCustodyAcceptPayload.IsPayload())
	assert.False(t, BlockTypeHopCount.IsPayload())
}
