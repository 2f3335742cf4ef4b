package dpu

import "fmt"

// SchedulingNone is the scheduling entry of a thread that is not scheduled
// to run.
const SchedulingNone = 0xff

// Context mirrors the runtime state of all hardware threads of a core.
// Its arrays are sized once by NewContext and never reallocated: drivers
// and CopyFrom fill them in place.
type Context struct {
	NrThreads   int
	NrRegisters int

	// Registers holds NrRegisters registers for each thread, thread after
	// thread.
	Registers  []uint32
	PCs        []uint16
	ZeroFlags  []bool
	CarryFlags []bool
	Scheduling []uint8

	NrRunningThreads uint32

	BkpFault       bool
	BkpFaultThread uint32
	DMAFault       bool
	DMAFaultThread uint32
	MemFault       bool
	MemFaultThread uint32
}

// NewContext returns a cleared context for nrThreads threads of nrRegisters
// registers each.
func NewContext(nrThreads, nrRegisters int) *Context {
	ctx := &Context{
		NrThreads:   nrThreads,
		NrRegisters: nrRegisters,
		Registers:   make([]uint32, nrThreads*nrRegisters),
		PCs:         make([]uint16, nrThreads),
		ZeroFlags:   make([]bool, nrThreads),
		CarryFlags:  make([]bool, nrThreads),
		Scheduling:  make([]uint8, nrThreads),
	}
	ctx.Clear()
	return ctx
}

// ThreadRegisters returns the register file of thread. The returned slice
// aliases ctx.
func (ctx *Context) ThreadRegisters(thread int) []uint32 {
	if thread < 0 || thread >= ctx.NrThreads {
		return nil
	}
	return ctx.Registers[thread*ctx.NrRegisters : (thread+1)*ctx.NrRegisters]
}

// Clear zeroes every field and unschedules every thread.
func (ctx *Context) Clear() {
	for i := range ctx.Registers {
		ctx.Registers[i] = 0
	}
	for i := 0; i < ctx.NrThreads; i++ {
		ctx.PCs[i] = 0
		ctx.ZeroFlags[i] = false
		ctx.CarryFlags[i] = false
		ctx.Scheduling[i] = SchedulingNone
	}
	ctx.NrRunningThreads = 0
	ctx.clearFaults()
	ctx.BkpFaultThread, ctx.DMAFaultThread, ctx.MemFaultThread = 0, 0, 0
}

// CopyFrom copies src into ctx without reallocating. Both contexts must
// have the same shape.
func (ctx *Context) CopyFrom(src *Context) error {
	if err := src.checkShape(ctx.NrThreads, ctx.NrRegisters); err != nil {
		return err
	}
	copy(ctx.Registers, src.Registers)
	copy(ctx.PCs, src.PCs)
	copy(ctx.ZeroFlags, src.ZeroFlags)
	copy(ctx.CarryFlags, src.CarryFlags)
	copy(ctx.Scheduling, src.Scheduling)
	ctx.NrRunningThreads = src.NrRunningThreads
	ctx.BkpFault, ctx.BkpFaultThread = src.BkpFault, src.BkpFaultThread
	ctx.DMAFault, ctx.DMAFaultThread = src.DMAFault, src.DMAFaultThread
	ctx.MemFault, ctx.MemFaultThread = src.MemFault, src.MemFaultThread
	return nil
}

// Clone returns a deep copy of ctx.
func (ctx *Context) Clone() *Context {
	r := NewContext(ctx.NrThreads, ctx.NrRegisters)
	r.CopyFrom(ctx)
	return r
}

func (ctx *Context) checkShape(nrThreads, nrRegisters int) error {
	if ctx.NrThreads != nrThreads || ctx.NrRegisters != nrRegisters ||
		len(ctx.Registers) != nrThreads*nrRegisters ||
		len(ctx.PCs) != nrThreads || len(ctx.ZeroFlags) != nrThreads ||
		len(ctx.CarryFlags) != nrThreads || len(ctx.Scheduling) != nrThreads {
		return fmt.Errorf("context shape mismatch: want %d threads of %d registers, got %d threads of %d registers", nrThreads, nrRegisters, ctx.NrThreads, ctx.NrRegisters)
	}
	return nil
}

// park unschedules every thread and clears the fault indicators, in
// preparation of a stop.
func (ctx *Context) park() {
	for i := range ctx.Scheduling {
		ctx.Scheduling[i] = SchedulingNone
	}
	ctx.NrRunningThreads = 0
	ctx.clearFaults()
}

func (ctx *Context) clearFaults() {
	ctx.BkpFault = false
	ctx.DMAFault = false
	ctx.MemFault = false
}

// resumable consumes a pending breakpoint fault and reports the
// unrecoverable faults that forbid resuming or stepping.
func (ctx *Context) resumable() error {
	ctx.BkpFault = false
	switch {
	case ctx.DMAFault:
		return &FaultError{Kind: FaultDMA, Thread: ctx.DMAFaultThread}
	case ctx.MemFault:
		return &FaultError{Kind: FaultMemory, Thread: ctx.MemFaultThread}
	}
	return nil
}
