package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// NewPrimary allocates a primary block and installs the logical fields.
// The block is not yet encoded; encoding happens lazily when a size or
// wire copy is requested.
func NewPrimary(pool *mpool.Pool, logical *bpv7.PrimaryBlock, pri mpool.Priority) (*mpool.Block, error) {
	blk, err := pool.AllocPrimary(pri)
	if err != nil {
		return nil, err
	}
	blk.Primary().Logical = *logical
	return blk, nil
}

// AppendCanonical allocates a canonical block, encodes it with the given
// content bytes (nil for blocks whose content comes from Ext), and
// attaches it to the primary block.
func AppendCanonical(pool *mpool.Pool, pblk *mpool.Block, logical *bpv7.CanonicalBlock, content []byte, pri mpool.Priority) (*mpool.Block, error) {
	cblk, err := pool.AllocCanonical(pri)
	if err != nil {
		return nil, err
	}
	cd := cblk.Canonical()
	cd.Logical = *logical
	if err := EncodeCanonical(pool, cblk, content); err != nil {
		pool.Recycle(cblk)
		return nil, err
	}
	pblk.Primary().AppendCanonical(cblk)
	return cblk, nil
}

// EncodePrimary renders the primary block's logical fields into its chunk
// list, replacing any previous encoding, and refreshes the size cache.
func EncodePrimary(pool *mpool.Pool, pblk *mpool.Block) error {
	pd := pblk.Primary()
	if pd == nil {
		return types.ErrInvalidArgument
	}
	dropChunks(pool, &pd.ChunkList)
	pd.BlockEncodeSize = 0
	pd.BundleEncodeSize = 0

	s := pool.NewWriteStream()
	if err := pd.Logical.MarshalCbor(s); err != nil {
		s.Close()
		return fmt.Errorf("encode primary block: %w", err)
	}
	pd.BlockEncodeSize = s.TakeList(&pd.ChunkList)
	return nil
}

// EncodeCanonical renders a canonical block into its chunk list. content
// supplies the byte-string interior for opaque payloads; when nil, the
// block's structured Ext data is marshalled instead (CBOR-in-CBOR).
func EncodeCanonical(pool *mpool.Pool, cblk *mpool.Block, content []byte) error {
	cd := cblk.Canonical()
	if cd == nil {
		return types.ErrInvalidArgument
	}
	if content == nil {
		ext, err := cd.Logical.EncodeExtension()
		if err != nil {
			return fmt.Errorf("encode extension content: %w", err)
		}
		content = ext
	}
	dropChunks(pool, &cd.ChunkList)
	cd.BlockEncodeSize = 0

	s := pool.NewWriteStream()
	offset, err := cd.Logical.MarshalCbor(s, content)
	if err != nil {
		s.Close()
		return fmt.Errorf("encode canonical block %d: %w", cd.Logical.BlockType, err)
	}
	cd.EncodedContentOffset = offset
	cd.EncodedContentLength = len(content)
	cd.BlockEncodeSize = s.TakeList(&cd.ChunkList)

	if pd := parentPrimary(cd); pd != nil {
		pd.BundleEncodeSize = 0
	}
	return nil
}

func parentPrimary(cd *mpool.CanonicalBlockData) *mpool.PrimaryBlockData {
	if cd.BundleRef == nil {
		return nil
	}
	return cd.BundleRef.Primary()
}

func dropChunks(pool *mpool.Pool, list *mpool.Link) {
	for {
		l := list.Next()
		if l == list {
			return
		}
		l.Extract()
		if b := l.Base(); b != nil {
			pool.Recycle(b)
		}
	}
}

// ComputeFullBundleSize encodes any not-yet-encoded blocks and returns the
// total wire size of the bundle, including the indefinite-array wrapper.
// The result is cached on the primary block.
func ComputeFullBundleSize(pool *mpool.Pool, pblk *mpool.Block) (int, error) {
	pd := pblk.Primary()
	if pd == nil {
		return 0, types.ErrInvalidArgument
	}
	if pd.BundleEncodeSize > 0 {
		return pd.BundleEncodeSize, nil
	}
	if pd.BlockEncodeSize == 0 {
		if err := EncodePrimary(pool, pblk); err != nil {
			return 0, err
		}
	}
	total := 2 + pd.BlockEncodeSize // 0x9F ... 0xFF
	for cur := pd.CblockList.Next(); cur != &pd.CblockList; cur = cur.Next() {
		cd := cur.Base().Canonical()
		if cd == nil {
			continue
		}
		if cd.BlockEncodeSize == 0 {
			if err := EncodeCanonical(pool, cur.Base(), nil); err != nil {
				return 0, err
			}
		}
		total += cd.BlockEncodeSize
	}
	pd.BundleEncodeSize = total
	return total, nil
}

// CopyFullBundleOut writes the complete wire form of the bundle into buf:
// the indefinite-array opener, the primary block, every canonical block,
// and the break code. Returns the byte count, or ErrResourceExhausted when
// buf is too small.
func CopyFullBundleOut(pool *mpool.Pool, pblk *mpool.Block, buf []byte) (int, error) {
	size, err := ComputeFullBundleSize(pool, pblk)
	if err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, fmt.Errorf("%w: bundle is %d bytes, buffer %d", types.ErrResourceExhausted, size, len(buf))
	}
	pd := pblk.Primary()

	n := 0
	buf[n] = bpv7.IndefiniteArrayStart
	n++
	n += mpool.ExportChunks(&pd.ChunkList, buf[n:], 0, pd.BlockEncodeSize)
	for cur := pd.CblockList.Next(); cur != &pd.CblockList; cur = cur.Next() {
		cd := cur.Base().Canonical()
		if cd == nil {
			continue
		}
		n += mpool.ExportChunks(&cd.ChunkList, buf[n:], 0, cd.BlockEncodeSize)
	}
	buf[n] = bpv7.BreakCode
	n++
	if n != size {
		return n, fmt.Errorf("%w: bundle encode produced %d bytes, expected %d", types.ErrFatal, n, size)
	}
	return n, nil
}

// countReader counts consumed bytes so decoded wire bytes can be copied
// verbatim into chunk lists.
type countReader struct {
	r *bytes.Reader
	n int
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countReader) peekByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, c.r.UnreadByte()
}

func (c *countReader) readByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// storeBytes copies an encoded byte range into a block chunk list.
func storeBytes(pool *mpool.Pool, list *mpool.Link, data []byte) (int, error) {
	s := pool.NewWriteStream()
	if _, err := s.Write(data); err != nil {
		s.Close()
		return 0, err
	}
	return s.TakeList(list), nil
}

// CopyFullBundleIn decodes a complete wire bundle into pool blocks:
// primary block first, then canonical blocks until the break code. The
// consumed wire bytes are retained chunk-for-chunk so the bundle can be
// re-emitted byte-identically. On any error every block allocated during
// this call is discarded and a nil block is returned.
func CopyFullBundleIn(pool *mpool.Pool, data []byte) (*mpool.Block, error) {
	cr := &countReader{r: bytes.NewReader(data)}

	opener, err := cr.readByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty bundle", types.ErrFormat)
	}
	if opener != bpv7.IndefiniteArrayStart {
		return nil, fmt.Errorf("%w: bundle must open with the indefinite array marker", types.ErrFormat)
	}

	var logical bpv7.PrimaryBlock
	priStart := cr.n
	if err := logical.UnmarshalCbor(cr); err != nil {
		return nil, fmt.Errorf("decode primary block: %w", err)
	}
	priBytes := data[priStart:cr.n]

	pblk, err := pool.AllocPrimary(mpool.PriorityLow)
	if err != nil {
		return nil, err
	}
	pd := pblk.Primary()
	pd.Logical = logical
	if pd.BlockEncodeSize, err = storeBytes(pool, &pd.ChunkList, priBytes); err != nil {
		pool.Recycle(pblk)
		return nil, err
	}

	if err := decodeCanonicals(pool, pblk, cr, data); err != nil {
		// discard everything allocated during this call
		pool.Recycle(pblk)
		return nil, err
	}
	pd.BundleEncodeSize = cr.n
	return pblk, nil
}

func decodeCanonicals(pool *mpool.Pool, pblk *mpool.Block, cr *countReader, data []byte) error {
	pd := pblk.Primary()
	var result error
	for {
		next, err := cr.peekByte()
		if err != nil {
			return fmt.Errorf("%w: bundle truncated before break code", types.ErrFormat)
		}
		if next == bpv7.BreakCode {
			cr.readByte()
			return nil
		}

		var cb bpv7.CanonicalBlock
		blockStart := cr.n
		content, err := cb.UnmarshalCbor(cr)
		if err != nil {
			result = multierror.Append(result, err)
			return fmt.Errorf("decode canonical block: %w", result)
		}
		blockBytes := data[blockStart:cr.n]

		// promote admin-record payloads to their specific internal type
		if cb.BlockType == bpv7.BlockTypePayload && pd.Logical.ControlFlags.IsAdminRecord {
			ar := &bpv7.AdminRecord{}
			if err := ar.UnmarshalCbor(bytes.NewReader(content)); err != nil {
				result = multierror.Append(result, err)
				return fmt.Errorf("decode admin record: %w", result)
			}
			cb.BlockType = ar.PayloadBlockType()
			cb.Ext = ar
		} else if err := cb.DecodeExtension(content); err != nil {
			result = multierror.Append(result, err)
			return fmt.Errorf("decode extension: %w", result)
		}

		cblk, err := pool.AllocCanonical(mpool.PriorityLow)
		if err != nil {
			return err
		}
		cd := cblk.Canonical()
		cd.Logical = cb
		if cd.BlockEncodeSize, err = storeBytes(pool, &cd.ChunkList, blockBytes); err != nil {
			pool.Recycle(cblk)
			return err
		}
		crcFieldLen := 0
		if cb.CrcType != crc.TypeNone {
			crcFieldLen = 1 + cb.CrcType.Width()
		}
		cd.EncodedContentLength = len(content)
		cd.EncodedContentOffset = len(blockBytes) - crcFieldLen - len(content)
		pd.AppendCanonical(cblk)
	}
}

// ExtractContent copies a canonical block's content byte-string interior
// (the payload proper) into buf, returning the byte count.
func ExtractContent(cblk *mpool.Block, buf []byte) (int, error) {
	cd := cblk.Canonical()
	if cd == nil {
		return 0, types.ErrInvalidArgument
	}
	if len(buf) < cd.EncodedContentLength {
		return 0, fmt.Errorf("%w: content is %d bytes, buffer %d", types.ErrResourceExhausted, cd.EncodedContentLength, len(buf))
	}
	n := mpool.ExportChunks(&cd.ChunkList, buf, cd.EncodedContentOffset, cd.EncodedContentLength)
	return n, nil
}

var _ io.Reader = (*countReader)(nil)
