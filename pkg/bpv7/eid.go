package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/cuemby/caravan/pkg/types"
)

// SchemeIPN is the URI scheme code for ipn endpoints (RFC 9171
// section 4.2.5.1.2). It is the only scheme this agent encodes or decodes.
const SchemeIPN uint64 = 2

// EndpointID is an ipn-scheme endpoint: a node number plus a service
// number. The zero value (ipn:0.0) acts as the null endpoint.
type EndpointID struct {
	Node    uint64
	Service uint64
}

// IsNull reports whether this is the null endpoint.
func (e EndpointID) IsNull() bool {
	return e.Node == 0 && e.Service == 0
}

// Addr converts to the shared address representation.
func (e EndpointID) Addr() types.IPNAddress {
	return types.IPNAddress{Node: e.Node, Service: e.Service}
}

// EndpointIDFromAddr builds an EndpointID from an address.
func EndpointIDFromAddr(a types.IPNAddress) EndpointID {
	return EndpointID{Node: a.Node, Service: a.Service}
}

func (e EndpointID) String() string {
	return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
}

// MarshalCbor writes the EID as [scheme, [node, service]].
func (e *EndpointID) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(SchemeIPN, w); err != nil {
		return err
	}
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(e.Node, w); err != nil {
		return err
	}
	return cboring.WriteUInt(e.Service, w)
}

// UnmarshalCbor reads an EID, rejecting any scheme other than ipn.
func (e *EndpointID) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: EID array of %d elements", types.ErrFormat, n)
	}
	scheme, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if scheme != SchemeIPN {
		return fmt.Errorf("%w: unsupported EID scheme %d", types.ErrFormat, scheme)
	}
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: ipn SSP array of %d elements", types.ErrFormat, n)
	}
	if e.Node, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	e.Service, err = cboring.ReadUInt(r)
	return err
}

// CreationTimestamp is the {DTN time, sequence} pair of the primary block.
type CreationTimestamp struct {
	Time     types.DtnTime
	Sequence uint64
}

// MarshalCbor writes the timestamp as a 2-element array.
func (ct *CreationTimestamp) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ct.Time), w); err != nil {
		return err
	}
	return cboring.WriteUInt(ct.Sequence, w)
}

// UnmarshalCbor reads a 2-element timestamp array.
func (ct *CreationTimestamp) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: timestamp array of %d elements", types.ErrFormat, n)
	}
	t, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	ct.Time = types.DtnTime(t)
	ct.Sequence, err = cboring.ReadUInt(r)
	return err
}
