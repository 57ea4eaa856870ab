package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/text/unicode/norm"
)

// ErrShort is reported when a read runs past the end of the buffer.
var ErrShort = errors.New("wire: short buffer")

// Reader decodes little-endian fields. The first failing read records an
// error and every later read returns zero values, so callers check Err once
// after a group of reads.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShort, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// ReadC reads 1 unsigned byte.
func (r *Reader) ReadC() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadH reads 2 bytes as little-endian uint16.
func (r *Reader) ReadH() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadD reads 4 bytes as little-endian uint32.
func (r *Reader) ReadD() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadQ reads 8 bytes as little-endian uint64.
func (r *Reader) ReadQ() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadF() float64 { return math.Float64frombits(r.ReadQ()) }

func (r *Reader) ReadBool() bool { return r.ReadC() != 0 }

// ReadS reads a uint16 length-prefixed UTF-8 string in NFC form.
func (r *Reader) ReadS() string {
	n := int(r.ReadH())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return norm.NFC.String(string(b))
}

// ReadBytes reads a uint32 length-prefixed byte slice. The result aliases the
// underlying buffer.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadD()
	if uint64(n) > uint64(r.Remaining()) {
		r.take(int(min(uint64(n), math.MaxInt32)))
		return nil
	}
	return r.take(int(n))
}

// ReadRaw reads n raw bytes.
func (r *Reader) ReadRaw(n int) []byte { return r.take(n) }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) Offset() int { return r.off }

func (r *Reader) Err() error { return r.err }
