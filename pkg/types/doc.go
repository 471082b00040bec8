/*
Package types defines the data structures shared by every Caravan
package: status error sentinels, generational handles, DTN timestamps,
ipn addresses, delivery policies, and storage IDs.

# Error Model

Every recoverable failure in the core maps onto one of the exported
sentinels (ErrTimeout, ErrResourceExhausted, ErrFormat, ...). Packages
wrap them with context via fmt.Errorf("...: %w", err); callers branch
with errors.Is. ErrFatal is reserved for broken data-structure
invariants — a programmer bug, never an environmental condition.

# Handles

A Handle is a 32-bit generational identifier: a class base in the high
bits plus a 24-bit serial. Lookup paths verify the serial against the
owning slot, so a handle held across an unregister/re-register cycle is
detected as stale instead of silently aliasing the new occupant.

# DTN Time

DtnTime counts milliseconds since 2000-01-01T00:00:00 UTC (RFC 9171
section 4.2.6). DtnTimeInfinite marks disarmed timers; Add saturates
rather than wrapping.
*/
package types
