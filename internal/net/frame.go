package net

import (
	"errors"
	"fmt"
	"time"

	"github.com/hmcore/worldsim/internal/core/wire"
	"github.com/hmcore/worldsim/internal/world"
)

// Opcodes are the first payload byte of every frame.
const (
	OpHello           byte = 1 // server -> client: protocol version, world name
	OpStats           byte = 2 // server -> client: per-frame world stats
	OpSnapshot        byte = 3 // server -> client: serialized world
	OpRequestSnapshot byte = 4 // client -> server
)

const ProtocolVersion = 1

var ErrUnknownOpcode = errors.New("unknown opcode")

func EncodeHello(worldName string) []byte {
	w := wire.NewWriter()
	w.WriteC(OpHello)
	w.WriteH(ProtocolVersion)
	w.WriteS(worldName)
	return w.Bytes()
}

// DecodeHello returns the protocol version and world name of a hello frame.
func DecodeHello(data []byte) (uint16, string, error) {
	r := wire.NewReader(data)
	if op := r.ReadC(); op != OpHello {
		return 0, "", fmt.Errorf("hello: %w 0x%02X", ErrUnknownOpcode, op)
	}
	v := r.ReadH()
	name := r.ReadS()
	return v, name, r.Err()
}

func EncodeStats(s world.Stats) []byte {
	w := wire.NewWriter()
	w.WriteC(OpStats)
	w.WriteS(s.Name)
	w.WriteQ(s.Frame)
	w.WriteBool(s.Simulating)
	w.WriteQ(uint64(s.Elapsed))
	w.WriteQ(uint64(s.LastFrame))
	w.WriteD(uint32(s.Objects))
	w.WriteD(uint32(s.DynamicObjects))
	w.WriteD(uint32(s.Components))
	w.WriteD(uint32(s.DeadObjects))
	w.WriteD(uint32(s.DeadComponents))
	w.WriteH(uint16(s.Levels))
	w.WriteD(uint32(s.InitPending))
	w.WriteQ(uint64(s.MessagesDelivered))
	w.WriteQ(uint64(s.MessagesRefused))
	w.WriteQ(uint64(s.UpdateErrors))
	return w.Bytes()
}

func DecodeStats(data []byte) (world.Stats, error) {
	r := wire.NewReader(data)
	if op := r.ReadC(); op != OpStats {
		return world.Stats{}, fmt.Errorf("stats: %w 0x%02X", ErrUnknownOpcode, op)
	}
	var s world.Stats
	s.Name = r.ReadS()
	s.Frame = r.ReadQ()
	s.Simulating = r.ReadBool()
	s.Elapsed = time.Duration(r.ReadQ())
	s.LastFrame = time.Duration(r.ReadQ())
	s.Objects = int(r.ReadD())
	s.DynamicObjects = int(r.ReadD())
	s.Components = int(r.ReadD())
	s.DeadObjects = int(r.ReadD())
	s.DeadComponents = int(r.ReadD())
	s.Levels = int(r.ReadH())
	s.InitPending = int(r.ReadD())
	s.MessagesDelivered = int64(r.ReadQ())
	s.MessagesRefused = int64(r.ReadQ())
	s.UpdateErrors = int64(r.ReadQ())
	return s, r.Err()
}

func EncodeSnapshot(frame uint64, data []byte) []byte {
	w := wire.NewWriter()
	w.WriteC(OpSnapshot)
	w.WriteQ(frame)
	w.WriteBytes(data)
	return w.Bytes()
}

func DecodeSnapshot(data []byte) (uint64, []byte, error) {
	r := wire.NewReader(data)
	if op := r.ReadC(); op != OpSnapshot {
		return 0, nil, fmt.Errorf("snapshot: %w 0x%02X", ErrUnknownOpcode, op)
	}
	frame := r.ReadQ()
	body := r.ReadBytes()
	return frame, body, r.Err()
}
