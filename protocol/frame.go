// Package protocol defines the wire-exact request/response frame exchanged
// between the trap engine and a device model, and the small set of error
// kinds that cross that boundary.
package protocol

import "encoding/binary"

// Command identifies the operation a frame carries.
type Command uint32

const (
	CmdRead      Command = 1
	CmdWrite     Command = 2
	CmdInterrupt Command = 3
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "READ"
	case CmdWrite:
		return "WRITE"
	case CmdInterrupt:
		return "INTERRUPT"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome field of a response frame.
type Result uint32

const (
	ResultSuccess      Result = 0
	ResultModelError   Result = 1
	ResultTruncated    Result = 2
	ResultUnavailable  Result = 3
	DataSize                  = 64
	FrameSize                 = 4 + 4 + 8 + 4 + DataSize + 4 // 88 bytes
)

// Frame is the packed little-endian wire layout described in spec.md section
// 6. Offsets are fixed and must not be changed without updating Marshal and
// Unmarshal in lockstep, since the layout is the contract with out-of-process
// models that may not be written in Go.
type Frame struct {
	DeviceID uint32
	Command  Command
	Address  uint64
	Length   uint32
	Data     [DataSize]byte
	Result   Result
}

// Marshal writes f in the 88-byte wire layout.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.Command))
	binary.LittleEndian.PutUint64(buf[8:16], f.Address)
	binary.LittleEndian.PutUint32(buf[16:20], f.Length)
	copy(buf[20:20+DataSize], f.Data[:])
	binary.LittleEndian.PutUint32(buf[84:88], uint32(f.Result))
	return buf
}

// Unmarshal populates f from an 88-byte buffer. It returns false if buf is
// short; transport answers a short frame with its fallback responder.
func (f *Frame) Unmarshal(buf []byte) bool {
	if len(buf) < FrameSize {
		return false
	}
	f.DeviceID = binary.LittleEndian.Uint32(buf[0:4])
	f.Command = Command(binary.LittleEndian.Uint32(buf[4:8]))
	f.Address = binary.LittleEndian.Uint64(buf[8:16])
	f.Length = binary.LittleEndian.Uint32(buf[16:20])
	copy(f.Data[:], buf[20:20+DataSize])
	f.Result = Result(binary.LittleEndian.Uint32(buf[84:88]))
	return true
}

// PutValue copies the low n bytes of v into Data, little-endian. n must be
// one of 1, 2, 4, 8.
func (f *Frame) PutValue(v uint64, n uint32) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(f.Data[:n], tmp[:n])
}

// Value reads the low n bytes of Data as a little-endian unsigned integer.
func (f *Frame) Value(n uint32) uint64 {
	var tmp [8]byte
	copy(tmp[:n], f.Data[:n])
	return binary.LittleEndian.Uint64(tmp[:])
}
