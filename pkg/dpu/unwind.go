package dpu

import (
	"encoding/binary"
	"fmt"
)

const (
	// StackPointerRegister holds the canonical frame address of the
	// innermost frame.
	StackPointerRegister = 22

	// outermostCFA is the frame address saved by the runtime in the
	// outermost frame.
	outermostCFA = 0xdb9

	defaultMaxFrames = 64
)

// Frame is one frame of a thread's call stack.
type Frame struct {
	// CFA is the canonical frame address, a WRAM address.
	CFA uint32
	// PC is the IRAM address of the frame.
	PC uint32
}

// WRAMReader reads fast data memory. Core implements it, and so does a
// loaded core dump.
type WRAMReader interface {
	ReadWRAM(offset uint32, buf []byte) error
}

// Unwind walks the call stack starting from the frame at cfa with
// instruction index pc. Every frame saves the return instruction index at
// cfa-8 and the caller's frame address at cfa-4. At most max frames are
// returned; max <= 0 selects a default.
func Unwind(mem WRAMReader, cfa uint32, pc uint16, max int) ([]Frame, error) {
	if max <= 0 {
		max = defaultMaxFrames
	}
	frames := []Frame{{CFA: cfa, PC: IRAMAddress(uint32(pc))}}
	buf := make([]byte, 2*WordSize)
	for len(frames) < max {
		prev := frames[len(frames)-1].CFA
		if prev < uint32(len(buf)) {
			return frames, fmt.Errorf("frame address %#x below stack bottom", prev)
		}
		if err := mem.ReadWRAM(prev-uint32(len(buf)), buf); err != nil {
			return frames, err
		}
		ret := binary.LittleEndian.Uint32(buf[0:])
		next := binary.LittleEndian.Uint32(buf[WordSize:])
		if next == outermostCFA {
			break
		}
		frames = append(frames, Frame{CFA: next, PC: IRAMAddress(ret - 1)})
	}
	return frames, nil
}

// Frames returns the call stack of thread from the context snapshot and
// the device WRAM.
func (c *Core) Frames(thread, max int) ([]Frame, error) {
	if err := c.checkThread(thread); err != nil {
		return nil, err
	}
	if StackPointerRegister >= c.ctx.NrRegisters {
		return nil, &RangeError{What: "register", Value: StackPointerRegister, Limit: uint64(c.ctx.NrRegisters)}
	}
	return Unwind(c, c.ctx.ThreadRegisters(thread)[StackPointerRegister], c.ThreadPC(thread), max)
}
