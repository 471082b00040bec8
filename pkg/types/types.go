package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Status errors returned by the core. Every recoverable failure maps to one
// of these sentinels; callers test with errors.Is. A Fatal error indicates a
// broken data-structure invariant and should be treated as a programmer bug.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTimeout           = errors.New("timeout")
	ErrDuplicate         = errors.New("duplicate")
	ErrFormat            = errors.New("format error")
	ErrUnroutable        = errors.New("unroutable")
	ErrNotFound          = errors.New("not found")
	ErrFatal             = errors.New("fatal: invariant violated")
)

// Handle identifies a registered interface or similar table slot. The low
// bits carry the slot serial and the high bits a base that distinguishes
// handle classes, so a stale handle never aliases a reused slot.
type Handle uint32

// InvalidHandle is the zero handle; it never refers to a live object.
const InvalidHandle Handle = 0

// Handle bases for the different object classes.
const (
	HandleBaseIntf    Handle = 0x1000000
	HandleBaseSocket  Handle = 0x2000000
	HandleBaseStorage Handle = 0x3000000
)

// IsValid reports whether the handle could refer to a live object.
func (h Handle) IsValid() bool {
	return h != InvalidHandle
}

// Serial extracts the 24-bit serial relative to a base.
func (h Handle) Serial(base Handle) int {
	return int(h - base)
}

// HandleFromSerial builds a handle from a 24-bit serial and a class base.
func HandleFromSerial(serial int, base Handle) Handle {
	return Handle(serial) + base
}

func (h Handle) String() string {
	return fmt.Sprintf("hdl:%08x", uint32(h))
}

// IPNAddress is a node/service pair in the ipn EID scheme.
type IPNAddress struct {
	Node    uint64
	Service uint64
}

func (a IPNAddress) String() string {
	return fmt.Sprintf("ipn:%d.%d", a.Node, a.Service)
}

// DeliveryPolicy selects how much acknowledgement a sender requires before
// the agent may discard its local copy of a bundle.
type DeliveryPolicy uint8

const (
	// DeliveryNone releases the bundle as soon as it leaves the egress CLA.
	DeliveryNone DeliveryPolicy = iota
	// DeliveryLocalAck retains the bundle until the local CLA confirms it.
	DeliveryLocalAck
	// DeliveryCustodyTracking retains the bundle until a downstream
	// custodian acknowledges custody via a DACS.
	DeliveryCustodyTracking
)

// DtnTime is a DTN timestamp: milliseconds since the DTN epoch
// (2000-01-01T00:00:00 UTC), per RFC 9171.
type DtnTime uint64

// DtnTimeInfinite sorts after every reachable timestamp; used for timers
// that are not currently armed.
const DtnTimeInfinite DtnTime = math.MaxUint64

// dtnEpoch is the RFC 9171 epoch offset from the Unix epoch.
var dtnEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DtnTimeNow returns the current time on the DTN clock.
func DtnTimeNow() DtnTime {
	return DtnTimeFromTime(time.Now())
}

// DtnTimeFromTime converts a wall-clock time to DTN milliseconds. Times
// before the DTN epoch clamp to zero.
func DtnTimeFromTime(t time.Time) DtnTime {
	d := t.Sub(dtnEpoch)
	if d < 0 {
		return 0
	}
	return DtnTime(d / time.Millisecond)
}

// Time converts back to a wall-clock time.
func (t DtnTime) Time() time.Time {
	return dtnEpoch.Add(time.Duration(t) * time.Millisecond)
}

// Add returns t shifted by d milliseconds, saturating at infinity.
func (t DtnTime) Add(d uint64) DtnTime {
	if t == DtnTimeInfinite || d > uint64(DtnTimeInfinite-t) {
		return DtnTimeInfinite
	}
	return t + DtnTime(d)
}

// StorageID identifies a bundle committed to an offload backend. Zero means
// not committed.
type StorageID uint64
