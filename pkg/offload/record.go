package offload

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/codec"
	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// RecordMagic marks an offloaded bundle record on external media.
const RecordMagic uint32 = 0xDB5E774E

// recordHeaderLen is the fixed little-endian header: magic, block count,
// body byte count, CRC-32/C of the body.
const recordHeaderLen = 16

// blockKind discriminates per-block records inside the body.
const (
	blockKindPrimary   uint32 = 0
	blockKindCanonical uint32 = 1
)

// buildRecord serializes a bundle into the offload record layout: the
// header, then one record per block carrying its fixed fields and encoded
// bytes.
func buildRecord(pool *mpool.Pool, pblk *mpool.Block) ([]byte, error) {
	pd := pblk.Primary()
	if pd == nil {
		return nil, types.ErrInvalidArgument
	}
	if _, err := codec.ComputeFullBundleSize(pool, pblk); err != nil {
		return nil, err
	}

	body := new(bytes.Buffer)
	numBlocks := uint32(0)

	writeBlock := func(kind uint32, encoded []byte, contentOff, contentLen int) {
		var fixed [16]byte
		binary.LittleEndian.PutUint32(fixed[0:], kind)
		binary.LittleEndian.PutUint32(fixed[4:], uint32(len(encoded)))
		binary.LittleEndian.PutUint32(fixed[8:], uint32(contentOff))
		binary.LittleEndian.PutUint32(fixed[12:], uint32(contentLen))
		body.Write(fixed[:])
		body.Write(encoded)
		numBlocks++
	}

	buf := make([]byte, pd.BlockEncodeSize)
	mpool.ExportChunks(&pd.ChunkList, buf, 0, pd.BlockEncodeSize)
	writeBlock(blockKindPrimary, buf, 0, 0)

	for cur := pd.CblockList.Next(); cur != &pd.CblockList; cur = cur.Next() {
		cd := cur.Base().Canonical()
		if cd == nil {
			continue
		}
		cbuf := make([]byte, cd.BlockEncodeSize)
		mpool.ExportChunks(&cd.ChunkList, cbuf, 0, cd.BlockEncodeSize)
		writeBlock(blockKindCanonical, cbuf, cd.EncodedContentOffset, cd.EncodedContentLength)
	}

	record := make([]byte, recordHeaderLen+body.Len())
	binary.LittleEndian.PutUint32(record[0:], RecordMagic)
	binary.LittleEndian.PutUint32(record[4:], numBlocks)
	binary.LittleEndian.PutUint32(record[8:], uint32(body.Len()))
	binary.LittleEndian.PutUint32(record[12:], crc.Checksum(crc.Type32C, body.Bytes()))
	copy(record[recordHeaderLen:], body.Bytes())
	return record, nil
}

// parseRecord validates a record and reconstructs the bundle in the pool.
// Any failure recycles every intermediate allocation and returns nil.
func parseRecord(pool *mpool.Pool, record []byte) (*mpool.Block, error) {
	if len(record) < recordHeaderLen {
		return nil, fmt.Errorf("%w: offload record truncated", types.ErrFormat)
	}
	if binary.LittleEndian.Uint32(record[0:]) != RecordMagic {
		return nil, fmt.Errorf("%w: offload record magic mismatch", types.ErrFormat)
	}
	numBlocks := binary.LittleEndian.Uint32(record[4:])
	numBytes := binary.LittleEndian.Uint32(record[8:])
	wantCrc := binary.LittleEndian.Uint32(record[12:])
	body := record[recordHeaderLen:]
	if uint32(len(body)) != numBytes {
		return nil, fmt.Errorf("%w: offload record body length mismatch", types.ErrFormat)
	}
	if crc.Checksum(crc.Type32C, body) != wantCrc {
		log.Report(log.SeverityError, log.EventRestoreCorrupt,
			"offload record CRC mismatch over %d bytes", len(body))
		return nil, fmt.Errorf("%w: offload record CRC mismatch", types.ErrFormat)
	}

	// reassemble the wire bundle and let the codec rebuild the blocks;
	// the per-block framing bounds each encoded slice
	wire := new(bytes.Buffer)
	wire.WriteByte(bpv7.IndefiniteArrayStart)
	seen := uint32(0)
	for off := 0; off < len(body); {
		if off+16 > len(body) {
			return nil, fmt.Errorf("%w: offload block record truncated", types.ErrFormat)
		}
		encLen := int(binary.LittleEndian.Uint32(body[off+4:]))
		off += 16
		if off+encLen > len(body) {
			return nil, fmt.Errorf("%w: offload block bytes truncated", types.ErrFormat)
		}
		wire.Write(body[off : off+encLen])
		off += encLen
		seen++
	}
	if seen != numBlocks {
		return nil, fmt.Errorf("%w: offload record block count mismatch", types.ErrFormat)
	}
	wire.WriteByte(bpv7.BreakCode)

	pblk, err := codec.CopyFullBundleIn(pool, wire.Bytes())
	if err != nil {
		return nil, err
	}
	return pblk, nil
}
