package dpu

import "encoding/binary"

const (
	// InstructionSize is the size of an IRAM instruction, in bytes.
	InstructionSize = 8
	// WordSize is the size of a WRAM word, in bytes.
	WordSize = 4
)

// Base addresses of the memory regions in the address space of a core.
const (
	WRAMBase uint32 = 0x00000000
	MRAMBase uint32 = 0x08000000
	IRAMBase uint32 = 0x80000000
)

// IRAMAddress returns the address of the instruction at index pc.
func IRAMAddress(pc uint32) uint32 {
	return IRAMBase | pc*InstructionSize
}

// Region is one of the memories of a core.
type Region uint8

const (
	RegionIRAM Region = iota
	RegionWRAM
	RegionMRAM
)

func (r Region) String() string {
	switch r {
	case RegionIRAM:
		return "iram"
	case RegionWRAM:
		return "wram"
	case RegionMRAM:
		return "mram"
	}
	return "unknown"
}

// Granularity returns the addressing granularity of r, in bytes.
func (r Region) Granularity() int {
	switch r {
	case RegionIRAM:
		return InstructionSize
	case RegionWRAM:
		return WordSize
	}
	return 1
}

// RegionSize returns the size of region r in bytes.
func (d Description) RegionSize(r Region) uint64 {
	switch r {
	case RegionIRAM:
		return uint64(d.IRAMSize) * InstructionSize
	case RegionWRAM:
		return uint64(d.WRAMSize) * WordSize
	case RegionMRAM:
		return uint64(d.MRAMSize)
	}
	return 0
}

func (c *Core) checkAccess(r Region, offset uint32, length int) error {
	g := r.Granularity()
	if int(offset)%g != 0 || length%g != 0 {
		return &AlignmentError{Region: r, Offset: offset, Length: length, Granularity: g}
	}
	size := c.rank.desc.RegionSize(r)
	if end := uint64(offset) + uint64(length); end > size {
		return &RangeError{What: r.String() + " access end", Value: end, Limit: size}
	}
	return nil
}

// ReadIRAM reads len(buf) bytes of instruction memory at offset. Offset and
// length must be multiples of InstructionSize.
func (c *Core) ReadIRAM(offset uint32, buf []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	return c.readIRAM(offset, buf)
}

func (c *Core) readIRAM(offset uint32, buf []byte) error {
	if err := c.checkAccess(RegionIRAM, offset, len(buf)); err != nil || len(buf) == 0 {
		return err
	}
	instrs := make([]uint64, len(buf)/InstructionSize)
	if err := c.drv.ReadIRAM(offset/InstructionSize, instrs); err != nil {
		return driverError("read iram", err)
	}
	for i, in := range instrs {
		binary.LittleEndian.PutUint64(buf[i*InstructionSize:], in)
	}
	return nil
}

// WriteIRAM writes buf to instruction memory at offset. Offset and length
// must be multiples of InstructionSize.
func (c *Core) WriteIRAM(offset uint32, buf []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	return c.writeIRAM(offset, buf)
}

func (c *Core) writeIRAM(offset uint32, buf []byte) error {
	if err := c.checkAccess(RegionIRAM, offset, len(buf)); err != nil || len(buf) == 0 {
		return err
	}
	return driverError("write iram", c.drv.WriteIRAM(offset/InstructionSize, decodeInstructions(buf)))
}

// ReadWRAM reads len(buf) bytes of fast data memory at offset. Offset and
// length must be multiples of WordSize.
func (c *Core) ReadWRAM(offset uint32, buf []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	return c.readWRAM(offset, buf)
}

func (c *Core) readWRAM(offset uint32, buf []byte) error {
	if err := c.checkAccess(RegionWRAM, offset, len(buf)); err != nil || len(buf) == 0 {
		return err
	}
	words := make([]uint32, len(buf)/WordSize)
	if err := c.drv.ReadWRAM(offset/WordSize, words); err != nil {
		return driverError("read wram", err)
	}
	encodeWords(buf, words)
	return nil
}

// WriteWRAM writes buf to fast data memory at offset. Offset and length
// must be multiples of WordSize.
func (c *Core) WriteWRAM(offset uint32, buf []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	return c.writeWRAM(offset, buf)
}

func (c *Core) writeWRAM(offset uint32, buf []byte) error {
	if err := c.checkAccess(RegionWRAM, offset, len(buf)); err != nil || len(buf) == 0 {
		return err
	}
	words := make([]uint32, len(buf)/WordSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*WordSize:])
	}
	return driverError("write wram", c.drv.WriteWRAM(offset/WordSize, words))
}

// ReadMRAM reads len(buf) bytes of backing memory at offset.
func (c *Core) ReadMRAM(offset uint32, buf []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	if err := c.checkAccess(RegionMRAM, offset, len(buf)); err != nil || len(buf) == 0 {
		return err
	}
	return driverError("read mram", c.drv.ReadMRAM(offset, buf))
}

// WriteMRAM writes buf to backing memory at offset.
func (c *Core) WriteMRAM(offset uint32, buf []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	if err := c.checkAccess(RegionMRAM, offset, len(buf)); err != nil || len(buf) == 0 {
		return err
	}
	return driverError("write mram", c.drv.WriteMRAM(offset, buf))
}

func encodeInstructions(instrs []uint64) []byte {
	buf := make([]byte, len(instrs)*InstructionSize)
	for i, in := range instrs {
		binary.LittleEndian.PutUint64(buf[i*InstructionSize:], in)
	}
	return buf
}

func decodeInstructions(buf []byte) []uint64 {
	instrs := make([]uint64, len(buf)/InstructionSize)
	for i := range instrs {
		instrs[i] = binary.LittleEndian.Uint64(buf[i*InstructionSize:])
	}
	return instrs
}

func encodeWords(buf []byte, words []uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*WordSize:], w)
	}
}
