package mpool

import (
	"io"

	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/types"
)

// StreamDir selects the direction of a chunk stream.
type StreamDir int

const (
	StreamRead StreamDir = iota
	StreamWrite
)

// Stream is a chunked byte stream over CBOR-data pool blocks. A write
// stream allocates chunks on demand into an in-progress list; a read
// stream iterates an existing chunk list in place. The optional CRC digest
// observes bytes in the order they pass through Write or Read, so
// sequential producers and consumers can validate wire checksums online.
type Stream struct {
	pool *Pool
	dir  StreamDir

	head Link  // in-progress list for write streams
	list *Link // external list for read streams

	cur    *Link
	curOff int
	pos    int
	size   int

	crc *crc.Digest
}

// NewWriteStream opens a stream that accumulates chunks from the pool.
// Abandoning the stream via Close recycles everything written so far;
// completing it via TakeList hands the chunks to their final owner.
func (p *Pool) NewWriteStream() *Stream {
	s := &Stream{pool: p, dir: StreamWrite}
	s.head.InitHead()
	s.cur = &s.head
	return s
}

// NewReadStream opens a stream over an existing chunk list (for example a
// primary block's encoded chunks). The list is not modified.
func (p *Pool) NewReadStream(list *Link) *Stream {
	s := &Stream{pool: p, dir: StreamRead, list: list}
	s.cur = list.Next()
	for cur := list.Next(); cur != list; cur = cur.Next() {
		if c := cur.Base().Chunk(); c != nil {
			s.size += c.Fill
		}
	}
	return s
}

// AttachCRC starts a running digest over subsequent stream traffic.
func (s *Stream) AttachCRC(t crc.Type) {
	s.crc = crc.NewDigest(t)
}

// Crc reads out the current digest value; zero when no digest attached.
func (s *Stream) Crc() uint32 {
	if s.crc == nil {
		return 0
	}
	return s.crc.Sum()
}

// Position returns the current stream offset.
func (s *Stream) Position() int {
	return s.pos
}

// Size returns the total bytes in the stream.
func (s *Stream) Size() int {
	return s.size
}

func (s *Stream) endLink() *Link {
	if s.dir == StreamRead {
		return s.list
	}
	return &s.head
}

// Write appends bytes, allocating chunks as needed. Chunk allocation runs
// at high priority: refusing to encode an already-admitted bundle wastes
// more than it saves. Returns ErrResourceExhausted when the pool is truly
// out.
func (s *Stream) Write(p []byte) (int, error) {
	if s.dir != StreamWrite {
		return 0, types.ErrInvalidArgument
	}
	written := 0
	for len(p) > 0 {
		if s.cur == &s.head || s.curOff == ChunkSize {
			next := s.cur.Next()
			if next == &s.head {
				blk, err := s.pool.AllocBlock(BlockTypeCBORData, 0, nil, PriorityHigh)
				if err != nil {
					return written, err
				}
				blk.Link().InsertBefore(&s.head)
				next = blk.Link()
			}
			s.cur = next
			s.curOff = 0
		}
		c := s.cur.Base().Chunk()
		n := copy(c.Data[s.curOff:], p)
		s.curOff += n
		s.pos += n
		if s.curOff > c.Fill {
			c.Fill = s.curOff
		}
		if s.pos > s.size {
			s.size = s.pos
		}
		if s.crc != nil {
			s.crc.Write(p[:n])
		}
		p = p[n:]
		written += n
	}
	return written, nil
}

// Read copies bytes from the current position, returning io.EOF at the
// end of the chunk list.
func (s *Stream) Read(p []byte) (int, error) {
	end := s.endLink()
	read := 0
	for len(p) > 0 && s.cur != end {
		c := s.cur.Base().Chunk()
		if c == nil {
			s.cur = s.cur.Next()
			s.curOff = 0
			continue
		}
		if s.curOff >= c.Fill {
			if c.Fill < ChunkSize {
				// short chunk terminates the stream
				break
			}
			s.cur = s.cur.Next()
			s.curOff = 0
			continue
		}
		n := copy(p, c.Data[s.curOff:c.Fill])
		s.curOff += n
		s.pos += n
		if s.crc != nil {
			s.crc.Write(p[:n])
		}
		p = p[n:]
		read += n
	}
	if read == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return read, nil
}

// Seek repositions the stream. On a write stream, seeking forward
// zero-fills and seeking backward trims: chunks past the new end are
// recycled and the write resumes from the target. The running CRC is not
// rewound; attach a fresh digest when checksumming after a seek.
func (s *Stream) Seek(target int) error {
	if target < 0 {
		return types.ErrInvalidArgument
	}
	if s.dir == StreamWrite {
		if target > s.size {
			var zeros [64]byte
			for target > s.pos {
				n := target - s.pos
				if n > len(zeros) {
					n = len(zeros)
				}
				if _, err := s.Write(zeros[:n]); err != nil {
					return err
				}
			}
			return nil
		}
		// backward: locate the containing chunk, trim the tail
		s.pool.mu.Lock()
		defer s.pool.mu.Unlock()
		if target == 0 {
			s.pool.recycleAllLocked(&s.head)
			s.cur = &s.head
			s.curOff = 0
			s.pos = 0
			s.size = 0
			return nil
		}
		remaining := target
		cur := s.head.Next()
		for remaining > ChunkSize {
			cur = cur.Next()
			remaining -= ChunkSize
		}
		for cur.Next() != &s.head {
			drop := cur.Next()
			drop.Extract()
			if b := drop.Base(); b != nil {
				s.pool.recycleLocked(b)
			}
		}
		cur.Base().Chunk().Fill = remaining
		s.cur = cur
		s.curOff = remaining
		s.pos = target
		s.size = target
		return nil
	}

	// read stream: rewalk from the front
	if target > s.size {
		return types.ErrInvalidArgument
	}
	s.cur = s.list.Next()
	s.curOff = 0
	s.pos = 0
	for s.pos+ChunkSize <= target && s.cur != s.list {
		c := s.cur.Base().Chunk()
		if c.Fill < ChunkSize {
			break
		}
		s.pos += c.Fill
		s.cur = s.cur.Next()
	}
	s.curOff = target - s.pos
	s.pos = target
	return nil
}

// TakeList completes a write stream, splicing its chunks onto dst (for
// example a block's chunk list). Returns the stream size.
func (s *Stream) TakeList(dst *Link) int {
	n := s.size
	spliceAppend(dst, &s.head)
	s.cur = &s.head
	s.curOff = 0
	s.pos = 0
	s.size = 0
	return n
}

// Close abandons the stream. An unfinished write recycles every pending
// chunk — the transactional abort path. Closing a read stream is a no-op.
func (s *Stream) Close() error {
	if s.dir == StreamWrite {
		s.pool.mu.Lock()
		s.pool.recycleAllLocked(&s.head)
		s.pool.mu.Unlock()
		s.cur = &s.head
		s.curOff = 0
		s.pos = 0
		s.size = 0
	}
	return nil
}

// ExportChunks copies a sub-range of an encoded chunk list into a
// contiguous buffer: skip bytes are passed over, then up to max bytes (or
// the buffer length) are copied. Returns the byte count copied. Used when
// a CLA needs the flat wire form.
func ExportChunks(list *Link, out []byte, skip, max int) int {
	if max > len(out) || max < 0 {
		max = len(out)
	}
	copied := 0
	for cur := list.Next(); cur != list && copied < max; cur = cur.Next() {
		c := cur.Base().Chunk()
		if c == nil {
			continue
		}
		data := c.Data[:c.Fill]
		if skip >= len(data) {
			skip -= len(data)
			continue
		}
		data = data[skip:]
		skip = 0
		n := copy(out[copied:max], data)
		copied += n
	}
	return copied
}
