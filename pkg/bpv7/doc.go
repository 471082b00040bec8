/*
Package bpv7 holds the logical form of the RFC 9171 wire structures and
their CBOR codecs: endpoint IDs (ipn scheme), creation timestamps, the
two flag bitmaps, the primary block, canonical blocks with their
recognized extension types, and administrative records.

Marshalling follows the dtn7 cboring style: every structure reads and
writes an io.Reader/io.Writer, so the same code runs against a flat
buffer, a network connection, or the pool's chunked stream.

CRC handling is circular per RFC 9171: the checksum covers the entire
encoded block including the CBOR byte-string markup of the CRC field,
with the value bytes treated as zeros. Marshal tees output into a
streaming digest and feeds it the zeroed field before finalizing;
Unmarshal mirrors the procedure and rejects mismatches with ErrFormat.

Only the logical layer lives here. Assembling whole bundles out of pool
blocks, chunk-list management, and the promotion of admin-record
payloads on decode are the codec package's job; the demotion back to the
wire payload type happens here, in CanonicalBlock.MarshalCbor.
*/
package bpv7
