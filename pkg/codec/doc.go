/*
Package codec assembles and disassembles whole bundles over pool memory.

The logical wire structures and their CBOR forms live in pkg/bpv7; this
package supplies the pool plumbing around them: encoding blocks into
chunk lists with cached sizes, flattening a bundle into a CLA buffer
(CopyFullBundleOut), and decoding a received buffer into a primary block
with its canonical blocks attached (CopyFullBundleIn).

Decoded bundles keep their original wire bytes chunk-for-chunk, so a
bundle that transits the agent without modification is re-emitted
byte-identically. A decode failure part way through a bundle discards
every block allocated during that call before returning.

Admin-record payloads are promoted on decode — a payload block inside a
bundle flagged as an admin record becomes the specific internal type
(custody-accept) with its record decoded — and demoted back to the
RFC-mandated payload type when encoded.
*/
package codec
