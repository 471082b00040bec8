package bpv7

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/caravan/pkg/types"
)

// CBOR major types and framing bytes used directly by this package.
// cboring covers the definite-length primitives; the indefinite bundle
// array and the sequence list inside a custody acknowledgement need raw
// item headers.
const (
	majorUnsigned   = 0
	majorByteString = 2

	// IndefiniteArrayStart opens the outermost bundle array.
	IndefiniteArrayStart byte = 0x9F
	// BreakCode closes an indefinite-length item.
	BreakCode byte = 0xFF
)

// writeMajorType emits a CBOR item header with minimal-width encoding.
func writeMajorType(w io.Writer, major byte, n uint64) error {
	var buf [9]byte
	mt := major << 5
	switch {
	case n < 24:
		buf[0] = mt | byte(n)
		_, err := w.Write(buf[:1])
		return err
	case n <= 0xFF:
		buf[0] = mt | 24
		buf[1] = byte(n)
		_, err := w.Write(buf[:2])
		return err
	case n <= 0xFFFF:
		buf[0] = mt | 25
		binary.BigEndian.PutUint16(buf[1:], uint16(n))
		_, err := w.Write(buf[:3])
		return err
	case n <= 0xFFFFFFFF:
		buf[0] = mt | 26
		binary.BigEndian.PutUint32(buf[1:], uint32(n))
		_, err := w.Write(buf[:5])
		return err
	default:
		buf[0] = mt | 27
		binary.BigEndian.PutUint64(buf[1:], n)
		_, err := w.Write(buf[:9])
		return err
	}
}

// readByte pulls a single byte from r.
func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readMajorType parses one item header, returning the major type and its
// argument. Additional info 28–31, which includes the break code 0xFF, is
// rejected with ErrFormat; callers watching for a break compare the byte
// they got from readByte before calling this.
func readMajorType(r io.Reader, first byte) (byte, uint64, error) {
	major := first >> 5
	info := first & 0x1F
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		b, err := readByte(r)
		return major, uint64(b), err
	case info == 25:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint16(buf[:])), nil
	case info == 26:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint32(buf[:])), nil
	case info == 27:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, 0, err
		}
		return major, binary.BigEndian.Uint64(buf[:]), nil
	default:
		return 0, 0, fmt.Errorf("%w: reserved CBOR additional info %d", types.ErrFormat, info)
	}
}
