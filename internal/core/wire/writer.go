// Package wire is the little-endian field codec shared by world snapshots and
// the observer stream.
package wire

import (
	"encoding/binary"
	"math"

	"golang.org/x/text/unicode/norm"
)

// Writer builds a little-endian byte stream.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// WriteC writes 1 byte.
func (w *Writer) WriteC(v byte) {
	w.buf = append(w.buf, v)
}

// WriteH writes 2 bytes little-endian.
func (w *Writer) WriteH(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteD writes 4 bytes little-endian.
func (w *Writer) WriteD(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteQ writes 8 bytes little-endian.
func (w *Writer) WriteQ(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteF(v float64) { w.WriteQ(math.Float64bits(v)) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteC(1)
		return
	}
	w.WriteC(0)
}

// WriteS writes s in NFC form with a uint16 length prefix. Longer strings are
// truncated at a rune boundary.
func (w *Writer) WriteS(s string) {
	s = norm.NFC.String(s)
	if len(s) > math.MaxUint16 {
		cut := math.MaxUint16
		for cut > 0 && s[cut]&0xC0 == 0x80 {
			cut--
		}
		s = s[:cut]
	}
	w.WriteH(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes b with a uint32 length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteD(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteRaw writes raw bytes.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the current length.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Reset() { w.buf = w.buf[:0] }
