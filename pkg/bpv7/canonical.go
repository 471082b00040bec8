package bpv7

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/types"
)

// BlockType identifies a canonical block. Values below 100 are wire types
// (RFC 9171 registry plus the custody-tracking extension); values from 100
// up are internal promotions that are demoted back to the payload type
// when encoded.
type BlockType uint64

const (
	BlockTypeUndefined              BlockType = 0
	BlockTypePayload                BlockType = 1
	BlockTypePayloadIntegrity       BlockType = 3
	BlockTypePayloadConfidentiality BlockType = 4
	BlockTypePreviousNode           BlockType = 6
	BlockTypeBundleAge              BlockType = 7
	BlockTypeHopCount               BlockType = 10
	BlockTypeCustodyTracking        BlockType = 11

	// BlockTypeCustodyAcceptPayload marks a payload block whose content is
	// a custody-acknowledgement admin record. Never appears on the wire.
	BlockTypeCustodyAcceptPayload BlockType = 101
)

// WireType demotes internal promotions to their on-wire representation.
func (t BlockType) WireType() BlockType {
	if t >= 100 {
		return BlockTypePayload
	}
	return t
}

// IsPayload reports whether the block occupies the payload slot (block
// number 1) regardless of promotion.
func (t BlockType) IsPayload() bool {
	return t == BlockTypePayload || t >= 100
}

// ExtensionData is the decoded structured content of an extension block.
// Opaque payloads have no ExtensionData.
type ExtensionData interface {
	MarshalCbor(w io.Writer) error
	UnmarshalCbor(r io.Reader) error
}

// BundleAgeBlock carries the bundle's age in milliseconds (RFC 9171
// section 4.4.2).
type BundleAgeBlock struct {
	AgeMS uint64
}

func (b *BundleAgeBlock) MarshalCbor(w io.Writer) error {
	return cboring.WriteUInt(b.AgeMS, w)
}

func (b *BundleAgeBlock) UnmarshalCbor(r io.Reader) error {
	v, err := cboring.ReadUInt(r)
	b.AgeMS = v
	return err
}

// PreviousNodeBlock names the forwarding node the bundle most recently
// visited (RFC 9171 section 4.4.1).
type PreviousNodeBlock struct {
	Node EndpointID
}

func (b *PreviousNodeBlock) MarshalCbor(w io.Writer) error {
	return b.Node.MarshalCbor(w)
}

func (b *PreviousNodeBlock) UnmarshalCbor(r io.Reader) error {
	return b.Node.UnmarshalCbor(r)
}

// HopCountBlock carries the hop limit/count pair (RFC 9171 section 4.4.3).
type HopCountBlock struct {
	Limit uint64
	Count uint64
}

func (b *HopCountBlock) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(b.Limit, w); err != nil {
		return err
	}
	return cboring.WriteUInt(b.Count, w)
}

func (b *HopCountBlock) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: hop count array of %d elements", types.ErrFormat, n)
	}
	var err error
	if b.Limit, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	b.Count, err = cboring.ReadUInt(r)
	return err
}

// CustodyTrackingBlock names the current custodian of a custody-tracked
// bundle. Rewritten by each accepting node.
type CustodyTrackingBlock struct {
	CurrentCustodian EndpointID
}

func (b *CustodyTrackingBlock) MarshalCbor(w io.Writer) error {
	return b.CurrentCustodian.MarshalCbor(w)
}

func (b *CustodyTrackingBlock) UnmarshalCbor(r io.Reader) error {
	return b.CurrentCustodian.UnmarshalCbor(r)
}

// CanonicalBlock is the decoded logical form of any non-primary block.
// Ext is populated for recognized extension types; opaque payload bytes
// stay in the encoded chunk list and are not duplicated here.
type CanonicalBlock struct {
	BlockType BlockType
	BlockNum  uint64
	Flags     BlockProcessingFlags
	CrcType   crc.Type
	Ext       ExtensionData

	CrcValue uint32
}

func (cb *CanonicalBlock) fieldCount() uint64 {
	if cb.CrcType != crc.TypeNone {
		return 6
	}
	return 5
}

// countWriter tracks how many bytes have passed through.
type countWriter struct {
	w io.Writer
	n int
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

// MarshalCbor writes the canonical block with the given content bytes as
// its byte-string field. Internal block types are demoted to their wire
// representation. Returns the byte offset of the content within the
// encoded block, for later extraction without re-decoding.
func (cb *CanonicalBlock) MarshalCbor(w io.Writer, content []byte) (int, error) {
	if !cb.CrcType.Valid() {
		return 0, fmt.Errorf("%w: CRC type %d", types.ErrInvalidArgument, cb.CrcType)
	}

	digest := crc.NewDigest(cb.CrcType)
	cw := &countWriter{w: w}
	var mw io.Writer = cw
	if cb.CrcType != crc.TypeNone {
		mw = io.MultiWriter(cw, digest)
	}

	if err := cboring.WriteArrayLength(cb.fieldCount(), mw); err != nil {
		return 0, err
	}
	fields := []uint64{uint64(cb.BlockType.WireType()), cb.BlockNum, cb.Flags.Encode(), uint64(cb.CrcType)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, mw); err != nil {
			return 0, err
		}
	}
	if err := writeMajorType(mw, majorByteString, uint64(len(content))); err != nil {
		return 0, err
	}
	contentOffset := cw.n
	if _, err := mw.Write(content); err != nil {
		return 0, err
	}

	if cb.CrcType != crc.TypeNone {
		sum, err := writeCrcField(cw, digest, cb.CrcType)
		if err != nil {
			return 0, err
		}
		cb.CrcValue = sum
	}
	return contentOffset, nil
}

// UnmarshalCbor reads a canonical block, returning the raw content bytes
// for the caller to store or further decode.
func (cb *CanonicalBlock) UnmarshalCbor(r io.Reader) ([]byte, error) {
	crcBuff := new(bytes.Buffer)
	tr := io.TeeReader(r, crcBuff)

	blockLen, err := cboring.ReadArrayLength(tr)
	if err != nil {
		return nil, err
	}
	if blockLen != 5 && blockLen != 6 {
		return nil, fmt.Errorf("%w: canonical block of %d fields", types.ErrFormat, blockLen)
	}

	bt, err := cboring.ReadUInt(tr)
	if err != nil {
		return nil, err
	}
	cb.BlockType = BlockType(bt)
	if cb.BlockNum, err = cboring.ReadUInt(tr); err != nil {
		return nil, err
	}
	flags, err := cboring.ReadUInt(tr)
	if err != nil {
		return nil, err
	}
	cb.Flags = DecodeBlockProcessingFlags(flags)
	crcT, err := cboring.ReadUInt(tr)
	if err != nil {
		return nil, err
	}
	cb.CrcType = crc.Type(crcT)
	if !cb.CrcType.Valid() {
		return nil, fmt.Errorf("%w: CRC type %d", types.ErrFormat, crcT)
	}
	if (blockLen == 6) != (cb.CrcType != crc.TypeNone) {
		return nil, fmt.Errorf("%w: CRC field does not match CRC type", types.ErrFormat)
	}

	content, err := cboring.ReadByteString(tr)
	if err != nil {
		return nil, err
	}

	if cb.CrcType != crc.TypeNone {
		precrc := append([]byte(nil), crcBuff.Bytes()...)
		sum, err := readCrcField(r, precrc, cb.CrcType)
		if err != nil {
			return nil, err
		}
		cb.CrcValue = sum
	}

	cb.Ext = nil
	return content, nil
}

// DecodeExtension parses the content byte string of a recognized
// extension block into cb.Ext. Unrecognized types are left opaque with a
// nil Ext and no error.
func (cb *CanonicalBlock) DecodeExtension(content []byte) error {
	var ext ExtensionData
	switch cb.BlockType {
	case BlockTypeBundleAge:
		ext = &BundleAgeBlock{}
	case BlockTypePreviousNode:
		ext = &PreviousNodeBlock{}
	case BlockTypeHopCount:
		ext = &HopCountBlock{}
	case BlockTypeCustodyTracking:
		ext = &CustodyTrackingBlock{}
	default:
		return nil
	}
	if err := ext.UnmarshalCbor(bytes.NewReader(content)); err != nil {
		return fmt.Errorf("%w: extension block %d: %v", types.ErrFormat, cb.BlockType, err)
	}
	cb.Ext = ext
	return nil
}

// EncodeExtension produces the content byte string for a block whose
// structured data lives in Ext. Returns nil for opaque blocks.
func (cb *CanonicalBlock) EncodeExtension() ([]byte, error) {
	if cb.Ext == nil {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := cb.Ext.MarshalCbor(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
