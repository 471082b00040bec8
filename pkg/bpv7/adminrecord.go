package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/cuemby/caravan/pkg/types"
)

// AdminRecordTypeCustodyAck is the record-type discriminant of a custody
// acknowledgement. The only admin record type this agent implements.
const AdminRecordTypeCustodyAck uint64 = 4

// CustodyAcceptPayload is the payload of a custody acknowledgement: the
// flow source endpoint being acknowledged, plus the creation-timestamp
// sequence numbers accepted, in order of receipt.
type CustodyAcceptPayload struct {
	FlowSource EndpointID
	Sequences  []uint64
}

// MarshalCbor writes [flow-source, indefinite array of sequences].
func (p *CustodyAcceptPayload) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := p.FlowSource.MarshalCbor(w); err != nil {
		return err
	}
	if _, err := w.Write([]byte{IndefiniteArrayStart}); err != nil {
		return err
	}
	for _, seq := range p.Sequences {
		if err := cboring.WriteUInt(seq, w); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{BreakCode})
	return err
}

// UnmarshalCbor reads a custody acceptance payload.
func (p *CustodyAcceptPayload) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: custody accept payload of %d elements", types.ErrFormat, n)
	}
	if err := p.FlowSource.UnmarshalCbor(r); err != nil {
		return err
	}
	first, err := readByte(r)
	if err != nil {
		return err
	}
	if first != IndefiniteArrayStart {
		return fmt.Errorf("%w: custody sequence list must be indefinite", types.ErrFormat)
	}
	p.Sequences = nil
	for {
		b, err := readByte(r)
		if err != nil {
			return err
		}
		if b == BreakCode {
			return nil
		}
		major, val, err := readMajorType(r, b)
		if err != nil {
			return err
		}
		if major != majorUnsigned {
			return fmt.Errorf("%w: custody sequence of CBOR major type %d", types.ErrFormat, major)
		}
		p.Sequences = append(p.Sequences, val)
	}
}

// AdminRecord is an administrative record: a type discriminant followed by
// the type-specific payload.
type AdminRecord struct {
	RecordType    uint64
	CustodyAccept CustodyAcceptPayload
}

// MarshalCbor writes the admin record array.
func (ar *AdminRecord) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ar.RecordType, w); err != nil {
		return err
	}
	switch ar.RecordType {
	case AdminRecordTypeCustodyAck:
		return ar.CustodyAccept.MarshalCbor(w)
	default:
		return fmt.Errorf("%w: admin record type %d", types.ErrInvalidArgument, ar.RecordType)
	}
}

// UnmarshalCbor reads an admin record. Unknown record types fail decode;
// the caller discards the bundle.
func (ar *AdminRecord) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: admin record of %d elements", types.ErrFormat, n)
	}
	var err error
	if ar.RecordType, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	switch ar.RecordType {
	case AdminRecordTypeCustodyAck:
		return ar.CustodyAccept.UnmarshalCbor(r)
	default:
		return fmt.Errorf("%w: admin record type %d", types.ErrFormat, ar.RecordType)
	}
}

// PayloadBlockType maps a decoded admin record onto the internal promoted
// block type for the payload block carrying it.
func (ar *AdminRecord) PayloadBlockType() BlockType {
	if ar.RecordType == AdminRecordTypeCustodyAck {
		return BlockTypeCustodyAcceptPayload
	}
	return BlockTypePayload
}
