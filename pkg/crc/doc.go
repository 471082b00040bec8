/*
Package crc implements the block checksums defined by RFC 9171: CRC-16/X-25
and CRC-32/Castagnoli, plus the "none" placeholder.

Both real algorithms are table-driven and input-reflected. The X-25 table
comes from github.com/howeyc/crc16 (the reversed CCITT table) and the
Castagnoli table from the standard library's hash/crc32; this package adds
the X-25 init/final-xor framing and a streaming Digest so the codec can
checksum CBOR output as it is produced.

Digest implements io.Writer, so it can sit behind an io.MultiWriter or
io.TeeReader while a block is encoded or decoded:

	d := crc.NewDigest(crc.Type16)
	w := io.MultiWriter(out, d)
	// ... emit the block through w, with the CRC field bytes as zeros ...
	value := d.Sum()

Test vectors: Checksum(Type16, nil) == 0x0000,
Checksum(Type16, []byte("123456789")) == 0x906E,
Checksum(Type32C, []byte("123456789")) == 0xE3069283.
*/
package crc
