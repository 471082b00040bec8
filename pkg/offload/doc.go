/*
Package offload persists bundles to external media so the pool can be
smaller than the backlog.

A Backend is keyed by monotonically increasing storage IDs. Records
share one layout regardless of medium: a little-endian header {magic
0xDB5E774E, block count, body length, CRC-32/C of the body} followed by
one framed record per block carrying its fixed fields and encoded bytes.
Restore validates the CRC before any pool allocation and reconstructs
the bundle byte-identically.

Two backends ship: FileBackend (one file per record under a three-level
hex fan-out, sequence resumed by scanning on start) and BoltBackend
(records in a bbolt bucket, IDs from the bucket sequence).
*/
package offload
