package net

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrame is the largest payload a frame can carry.
const MaxFrame = 1<<24 - 1

// ReadFrame reads one observer frame from r.
// Wire format: [3 bytes LE: payload length][payload].
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if n == 0 {
		return nil, fmt.Errorf("invalid frame length: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", n, err)
	}
	return payload, nil
}

// WriteFrame writes data as one frame with a single Write call, so message
// oriented transports carry one frame per message.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > MaxFrame {
		return fmt.Errorf("invalid frame length: %d", len(data))
	}
	buf := make([]byte, 3+len(data))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(data)))
	copy(buf, n[:3])
	copy(buf[3:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
