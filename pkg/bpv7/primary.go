package bpv7

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/types"
)

// Version is the bundle protocol version this agent speaks.
const Version uint64 = 7

// PrimaryBlock is the decoded logical BPv7 primary block (RFC 9171
// section 4.3.1).
type PrimaryBlock struct {
	Version           uint64
	ControlFlags      BundleControlFlags
	CrcType           crc.Type
	Destination       EndpointID
	Source            EndpointID
	ReportTo          EndpointID
	CreationTimestamp CreationTimestamp
	Lifetime          uint64
	FragmentOffset    uint64
	TotalADULength    uint64

	// CrcValue holds the checksum computed by the last Marshal or
	// validated by the last Unmarshal.
	CrcValue uint32
}

// ExpireTime returns the DTN time at which this bundle's lifetime ends.
func (pb *PrimaryBlock) ExpireTime() types.DtnTime {
	return pb.CreationTimestamp.Time.Add(pb.Lifetime)
}

// fieldCount computes the definite array length: 8 fixed fields, plus the
// two fragment fields, plus the CRC field.
func (pb *PrimaryBlock) fieldCount() uint64 {
	n := uint64(8)
	if pb.ControlFlags.IsFragment {
		n += 2
	}
	if pb.CrcType != crc.TypeNone {
		n++
	}
	return n
}

// writeCrcField emits the CBOR byte string carrying the finalized digest
// value. The digest is fed the byte-string markup and width zero bytes
// first, so the checksum covers its own field with the value zeroed.
func writeCrcField(w io.Writer, digest *crc.Digest, t crc.Type) (uint32, error) {
	width := t.Width()
	markup := make([]byte, 1+width)
	markup[0] = 0x40 | byte(width)
	if _, err := digest.Write(markup); err != nil {
		return 0, err
	}
	sum := digest.Sum()
	buf := make([]byte, width)
	if width == 2 {
		binary.BigEndian.PutUint16(buf, uint16(sum))
	} else {
		binary.BigEndian.PutUint32(buf, sum)
	}
	return sum, cboring.WriteByteString(buf, w)
}

// readCrcField validates the trailing CRC byte string against the digest
// of everything already consumed.
func readCrcField(r io.Reader, precrc []byte, t crc.Type) (uint32, error) {
	width := t.Width()
	digest := crc.NewDigest(t)
	digest.Write(precrc)
	markup := make([]byte, 1+width)
	markup[0] = 0x40 | byte(width)
	digest.Write(markup)
	expect := digest.Sum()

	val, err := cboring.ReadByteString(r)
	if err != nil {
		return 0, err
	}
	if len(val) != width {
		return 0, fmt.Errorf("%w: CRC field of %d bytes, want %d", types.ErrFormat, len(val), width)
	}
	var got uint32
	if width == 2 {
		got = uint32(binary.BigEndian.Uint16(val))
	} else {
		got = binary.BigEndian.Uint32(val)
	}
	if got != expect {
		return 0, fmt.Errorf("%w: CRC mismatch, got %#x want %#x", types.ErrFormat, got, expect)
	}
	return got, nil
}

// MarshalCbor writes the primary block as a definite-length CBOR array,
// computing the trailing CRC over the block's own bytes with the CRC value
// zeroed.
func (pb *PrimaryBlock) MarshalCbor(w io.Writer) error {
	if !pb.CrcType.Valid() {
		return fmt.Errorf("%w: CRC type %d", types.ErrInvalidArgument, pb.CrcType)
	}

	digest := crc.NewDigest(pb.CrcType)
	mw := w
	if pb.CrcType != crc.TypeNone {
		mw = io.MultiWriter(w, digest)
	}

	if err := cboring.WriteArrayLength(pb.fieldCount(), mw); err != nil {
		return err
	}
	fields := []uint64{Version, pb.ControlFlags.Encode(), uint64(pb.CrcType)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, mw); err != nil {
			return err
		}
	}
	for _, eid := range []*EndpointID{&pb.Destination, &pb.Source, &pb.ReportTo} {
		if err := eid.MarshalCbor(mw); err != nil {
			return fmt.Errorf("primary EID: %w", err)
		}
	}
	if err := pb.CreationTimestamp.MarshalCbor(mw); err != nil {
		return fmt.Errorf("primary timestamp: %w", err)
	}
	if err := cboring.WriteUInt(pb.Lifetime, mw); err != nil {
		return err
	}
	if pb.ControlFlags.IsFragment {
		if err := cboring.WriteUInt(pb.FragmentOffset, mw); err != nil {
			return err
		}
		if err := cboring.WriteUInt(pb.TotalADULength, mw); err != nil {
			return err
		}
	}

	if pb.CrcType != crc.TypeNone {
		sum, err := writeCrcField(w, digest, pb.CrcType)
		if err != nil {
			return err
		}
		pb.CrcValue = sum
	}
	return nil
}

// UnmarshalCbor reads and validates a primary block. A version other than
// 7 fails before any further field is decoded.
func (pb *PrimaryBlock) UnmarshalCbor(r io.Reader) error {
	crcBuff := new(bytes.Buffer)
	tr := io.TeeReader(r, crcBuff)

	blockLen, err := cboring.ReadArrayLength(tr)
	if err != nil {
		return err
	}
	if blockLen < 8 || blockLen > 11 {
		return fmt.Errorf("%w: primary block of %d fields", types.ErrFormat, blockLen)
	}

	version, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	if version != Version {
		return fmt.Errorf("%w: bundle protocol version %d", types.ErrFormat, version)
	}
	pb.Version = version

	flags, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	pb.ControlFlags = DecodeBundleControlFlags(flags)

	crcT, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	pb.CrcType = crc.Type(crcT)
	if !pb.CrcType.Valid() {
		return fmt.Errorf("%w: CRC type %d", types.ErrFormat, crcT)
	}

	for _, eid := range []*EndpointID{&pb.Destination, &pb.Source, &pb.ReportTo} {
		if err := eid.UnmarshalCbor(tr); err != nil {
			return fmt.Errorf("primary EID: %w", err)
		}
	}
	if err := pb.CreationTimestamp.UnmarshalCbor(tr); err != nil {
		return fmt.Errorf("primary timestamp: %w", err)
	}
	if pb.Lifetime, err = cboring.ReadUInt(tr); err != nil {
		return err
	}

	hasFragment := blockLen == 10 || blockLen == 11
	hasCrc := blockLen == 9 || blockLen == 11
	if hasFragment != pb.ControlFlags.IsFragment {
		return fmt.Errorf("%w: fragment fields do not match control flags", types.ErrFormat)
	}
	if hasCrc != (pb.CrcType != crc.TypeNone) {
		return fmt.Errorf("%w: CRC field does not match CRC type", types.ErrFormat)
	}

	if hasFragment {
		if pb.FragmentOffset, err = cboring.ReadUInt(tr); err != nil {
			return err
		}
		if pb.TotalADULength, err = cboring.ReadUInt(tr); err != nil {
			return err
		}
	}

	if hasCrc {
		precrc := append([]byte(nil), crcBuff.Bytes()...)
		sum, err := readCrcField(r, precrc, pb.CrcType)
		if err != nil {
			return err
		}
		pb.CrcValue = sum
	}
	return nil
}
