package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/upmem/dpudbg/pkg/dpu"
)

// Opcode is the operation of a simulated instruction, held in the top byte
// of the instruction word.
type Opcode uint8

const (
	OpNop Opcode = iota
	// OpMove sets rd to the immediate.
	OpMove
	// OpAdd adds the immediate to rd, updating the zero and carry flags.
	OpAdd
	// OpJump continues at the instruction index held in the immediate.
	OpJump
	// OpLoad loads the WRAM word at the immediate byte address into rd.
	OpLoad
	// OpStore stores rs to the WRAM word at the immediate byte address.
	OpStore
	// OpDMA copies one word from MRAM at the byte address held in rs to
	// WRAM at the immediate byte address.
	OpDMA
	// OpStop stops the executing thread.
	OpStop
	// OpBoot schedules the thread numbered by the immediate at pc 0.
	OpBoot
)

var opNames = [...]string{"nop", "move", "add", "jump", "load", "store", "dma", "stop", "boot"}

func (op Opcode) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op%#x", uint8(op))
}

// Instruction encodes an instruction word: opcode, destination register,
// source register and a 32 bit immediate.
func Instruction(op Opcode, rd, rs uint8, imm uint32) uint64 {
	return uint64(op)<<56 | uint64(rd)<<48 | uint64(rs)<<40 | uint64(imm)
}

func decode(in uint64) (op Opcode, rd, rs int, imm uint32) {
	return Opcode(in >> 56), int(uint8(in >> 48)), int(uint8(in >> 40)), uint32(in)
}

// Program encodes instructions into an IRAM image.
func Program(instrs ...uint64) []byte {
	buf := make([]byte, len(instrs)*dpu.InstructionSize)
	for i, in := range instrs {
		binary.LittleEndian.PutUint64(buf[i*dpu.InstructionSize:], in)
	}
	return buf
}

// Disassemble returns a textual form of an instruction word.
func Disassemble(in uint64) string {
	if in == dpu.BreakpointInstruction {
		return "bkp"
	}
	op, rd, rs, imm := decode(in)
	switch op {
	case OpNop, OpStop:
		return op.String()
	case OpMove, OpAdd, OpLoad:
		return fmt.Sprintf("%s r%d, %#x", op, rd, imm)
	case OpStore:
		return fmt.Sprintf("%s %#x, r%d", op, imm, rs)
	case OpDMA:
		return fmt.Sprintf("%s %#x, r%d", op, imm, rs)
	case OpJump, OpBoot:
		return fmt.Sprintf("%s %d", op, imm)
	}
	return fmt.Sprintf(".quad %#x", in)
}

// execute runs one instruction of thread t. It returns false when the
// instruction faulted; the faulting thread does not move.
func (c *core) execute(t int) bool {
	pc := int(c.pcs[t])
	if pc >= len(c.iram) {
		c.memFault(t)
		return false
	}
	in := c.iram[pc]
	if in == dpu.BreakpointInstruction {
		c.bkp, c.bkpThread = true, uint32(t)
		return false
	}

	op, rd, rs, imm := decode(in)
	regs := c.threadRegisters(t)
	if rd >= len(regs) || rs >= len(regs) {
		c.memFault(t)
		return false
	}
	next := uint16(pc + 1)
	switch op {
	case OpNop:
	case OpMove:
		regs[rd] = imm
	case OpAdd:
		sum := uint64(regs[rd]) + uint64(imm)
		regs[rd] = uint32(sum)
		c.carry[t] = sum>>32 != 0
		c.zero[t] = regs[rd] == 0
	case OpJump:
		next = uint16(imm)
	case OpLoad:
		if !c.wramWord(imm) {
			c.memFault(t)
			return false
		}
		regs[rd] = c.wram[imm/dpu.WordSize]
	case OpStore:
		if !c.wramWord(imm) {
			c.memFault(t)
			return false
		}
		c.wram[imm/dpu.WordSize] = regs[rs]
	case OpDMA:
		src := uint64(regs[rs])
		if !c.wramWord(imm) || src%dpu.WordSize != 0 || src+dpu.WordSize > uint64(len(c.mram)) {
			c.dma, c.dmaThread = true, uint32(t)
			return false
		}
		c.wram[imm/dpu.WordSize] = binary.LittleEndian.Uint32(c.mram[src:])
	case OpStop:
		c.scheduling[t] = dpu.SchedulingNone
	case OpBoot:
		if int(imm) >= len(c.pcs) {
			c.memFault(t)
			return false
		}
		c.launch(int(imm))
	default:
		c.memFault(t)
		return false
	}
	c.pcs[t] = next
	return true
}

func (c *core) memFault(t int) {
	c.mem, c.memThread = true, uint32(t)
}

func (c *core) wramWord(addr uint32) bool {
	return addr%dpu.WordSize == 0 && int(addr/dpu.WordSize) < len(c.wram)
}
