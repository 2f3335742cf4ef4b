package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/upmem/dpudbg/pkg/dpu"
)

// core models one DPU: its memories, the state of its hardware threads and
// its fault indicators.
type core struct {
	slice, member int
	nrRegisters   int
	quantum       int

	iram []uint64
	wram []uint32
	mram []byte

	regs       []uint32
	pcs        []uint16
	zero       []bool
	carry      []bool
	scheduling []uint8

	bkp, dma, mem                   bool
	bkpThread, dmaThread, memThread uint32

	// halted is set between the start and the end of fault processing.
	halted     bool
	next       int
	sliceSaved bool
	pending    *dpu.Context
}

func newCore(desc dpu.Description, slice, member, quantum int) *core {
	c := &core{
		slice:       slice,
		member:      member,
		nrRegisters: desc.NrRegisters,
		quantum:     quantum,
		iram:        make([]uint64, desc.IRAMSize),
		wram:        make([]uint32, desc.WRAMSize),
		mram:        make([]byte, desc.MRAMSize),
		regs:        make([]uint32, desc.NrThreads*desc.NrRegisters),
		pcs:         make([]uint16, desc.NrThreads),
		zero:        make([]bool, desc.NrThreads),
		carry:       make([]bool, desc.NrThreads),
		scheduling:  make([]uint8, desc.NrThreads),
	}
	c.reset()
	return c
}

func (c *core) String() string {
	return fmt.Sprintf("%d.%d", c.slice, c.member)
}

// reset returns the threads to their power-on state. Memories are kept.
func (c *core) reset() {
	for i := range c.regs {
		c.regs[i] = 0
	}
	for t := range c.pcs {
		c.pcs[t] = 0
		c.zero[t] = false
		c.carry[t] = false
		c.scheduling[t] = dpu.SchedulingNone
	}
	c.clearFaults()
	c.halted = false
	c.next = 0
	c.sliceSaved = false
	c.pending = nil
}

func (c *core) clearFaults() {
	c.bkp, c.dma, c.mem = false, false, false
	c.bkpThread, c.dmaThread, c.memThread = 0, 0, 0
}

func (c *core) faulted() bool {
	return c.bkp || c.dma || c.mem
}

func (c *core) threadRegisters(t int) []uint32 {
	return c.regs[t*c.nrRegisters : (t+1)*c.nrRegisters]
}

func (c *core) launch(t int) {
	c.scheduling[t] = 0
	c.pcs[t] = 0
}

func (c *core) nrRunning() uint32 {
	var n uint32
	for _, s := range c.scheduling {
		if s != dpu.SchedulingNone {
			n++
		}
	}
	return n
}

// run executes up to quantum instructions, one per scheduled thread in
// turn, until a fault or until no thread is scheduled anymore.
func (c *core) run() {
	for i := 0; i < c.quantum && !c.faulted(); i++ {
		t, ok := c.nextThread()
		if !ok {
			return
		}
		c.execute(t)
	}
}

func (c *core) nextThread() (int, bool) {
	n := len(c.scheduling)
	for i := 0; i < n; i++ {
		t := (c.next + i) % n
		if c.scheduling[t] != dpu.SchedulingNone {
			c.next = (t + 1) % n
			return t, true
		}
	}
	return 0, false
}

func checkRange(what string, start, n, size int) error {
	if start < 0 || n < 0 || start+n > size {
		return fmt.Errorf("%s access [%d, %d) out of bounds (size %d)", what, start, start+n, size)
	}
	return nil
}

func (c *core) ReadIRAM(index uint32, dst []uint64) error {
	if err := checkRange("iram", int(index), len(dst), len(c.iram)); err != nil {
		return err
	}
	copy(dst, c.iram[index:])
	return nil
}

func (c *core) WriteIRAM(index uint32, src []uint64) error {
	if err := checkRange("iram", int(index), len(src), len(c.iram)); err != nil {
		return err
	}
	copy(c.iram[index:], src)
	return nil
}

func (c *core) ReadWRAM(index uint32, dst []uint32) error {
	if err := checkRange("wram", int(index), len(dst), len(c.wram)); err != nil {
		return err
	}
	copy(dst, c.wram[index:])
	return nil
}

func (c *core) WriteWRAM(index uint32, src []uint32) error {
	if err := checkRange("wram", int(index), len(src), len(c.wram)); err != nil {
		return err
	}
	copy(c.wram[index:], src)
	return nil
}

func (c *core) ReadMRAM(offset uint32, dst []byte) error {
	if err := checkRange("mram", int(offset), len(dst), len(c.mram)); err != nil {
		return err
	}
	copy(dst, c.mram[offset:])
	return nil
}

func (c *core) WriteMRAM(offset uint32, src []byte) error {
	if err := checkRange("mram", int(offset), len(src), len(c.mram)); err != nil {
		return err
	}
	copy(c.mram[offset:], src)
	return nil
}

func (c *core) checkContext(ctx *dpu.Context) error {
	if ctx.NrThreads != len(c.pcs) || ctx.NrRegisters != c.nrRegisters {
		return fmt.Errorf("context of %d threads of %d registers does not fit core %s", ctx.NrThreads, ctx.NrRegisters, c)
	}
	return nil
}

func (c *core) ExtractContext(ctx *dpu.Context) error {
	if err := c.checkContext(ctx); err != nil {
		return err
	}
	copy(ctx.Registers, c.regs)
	copy(ctx.PCs, c.pcs)
	copy(ctx.ZeroFlags, c.zero)
	copy(ctx.CarryFlags, c.carry)
	copy(ctx.Scheduling, c.scheduling)
	ctx.NrRunningThreads = c.nrRunning()
	ctx.BkpFault, ctx.BkpFaultThread = c.bkp, c.bkpThread
	ctx.DMAFault, ctx.DMAFaultThread = c.dma, c.dmaThread
	ctx.MemFault, ctx.MemFaultThread = c.mem, c.memThread
	return nil
}

func (c *core) RestoreContext(ctx *dpu.Context) error {
	if err := c.checkContext(ctx); err != nil {
		return err
	}
	copy(c.regs, ctx.Registers)
	copy(c.pcs, ctx.PCs)
	copy(c.zero, ctx.ZeroFlags)
	copy(c.carry, ctx.CarryFlags)
	return nil
}

func (c *core) InitializeFaultProcess(ctx *dpu.Context) error {
	c.halted = true
	return nil
}

func (c *core) FinalizeFaultProcess(ctx *dpu.Context) error {
	if ctx.DMAFault || ctx.MemFault {
		return fmt.Errorf("core %s cannot resume from an unrecoverable fault", c)
	}
	c.bkp = ctx.BkpFault
	c.halted = false
	return nil
}

func (c *core) PreExecution() error {
	for t := range c.scheduling {
		c.scheduling[t] = dpu.SchedulingNone
	}
	c.clearFaults()
	c.halted = false
	c.next = 0
	return nil
}

func (c *core) LaunchThread(thread int) error {
	if thread < 0 || thread >= len(c.pcs) {
		return fmt.Errorf("no thread %d on core %s", thread, c)
	}
	c.launch(thread)
	return nil
}

func (c *core) Poll() (bool, bool, error) {
	if !c.halted && !c.faulted() {
		c.run()
	}
	return c.nrRunning() > 0, c.faulted(), nil
}

func (c *core) StepThread(thread int, ctx *dpu.Context) error {
	if thread < 0 || thread >= len(c.pcs) {
		return fmt.Errorf("no thread %d on core %s", thread, c)
	}
	c.bkp = ctx.BkpFault
	if c.scheduling[thread] != dpu.SchedulingNone {
		c.execute(thread)
	}
	return nil
}

func (c *core) SaveSliceContext() error {
	c.sliceSaved = true
	return nil
}

func (c *core) RestoreSliceContext() error {
	if !c.sliceSaved {
		return fmt.Errorf("no slice context saved for core %s", c)
	}
	c.sliceSaved = false
	return nil
}

func (c *core) PendingContext() (*dpu.Context, error) {
	p := c.pending
	c.pending = nil
	return p, nil
}

func (c *core) loadImages(images dpu.Images) {
	for i := range c.iram {
		c.iram[i] = 0
	}
	for i := 0; i+dpu.InstructionSize <= len(images.IRAM); i += dpu.InstructionSize {
		c.iram[i/dpu.InstructionSize] = binary.LittleEndian.Uint64(images.IRAM[i:])
	}
	for i := range c.wram {
		c.wram[i] = 0
	}
	for i := 0; i+dpu.WordSize <= len(images.WRAM); i += dpu.WordSize {
		c.wram[i/dpu.WordSize] = binary.LittleEndian.Uint32(images.WRAM[i:])
	}
	n := copy(c.mram, images.MRAM)
	for i := n; i < len(c.mram); i++ {
		c.mram[i] = 0
	}
}

// restoreThreads puts the threads and fault indicators in the state
// recorded by ctx.
func (c *core) restoreThreads(ctx *dpu.Context) {
	copy(c.regs, ctx.Registers)
	copy(c.pcs, ctx.PCs)
	copy(c.zero, ctx.ZeroFlags)
	copy(c.carry, ctx.CarryFlags)
	copy(c.scheduling, ctx.Scheduling)
	c.bkp, c.bkpThread = ctx.BkpFault, ctx.BkpFaultThread
	c.dma, c.dmaThread = ctx.DMAFault, ctx.DMAFaultThread
	c.mem, c.memThread = ctx.MemFault, ctx.MemFaultThread
	c.halted = true
}
