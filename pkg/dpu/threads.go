package dpu

// The accessors below read the context snapshot of the core. They are only
// meaningful after Poll, Stop or Step synchronized the snapshot.

// NrThreads returns the number of hardware threads of the core.
func (c *Core) NrThreads() int {
	return c.ctx.NrThreads
}

// ThreadRegisters returns the register file of thread, or nil if thread is
// out of range. The slice aliases the snapshot: callers writing to it must
// call MarkRegistersDirty.
func (c *Core) ThreadRegisters(thread int) []uint32 {
	return c.ctx.ThreadRegisters(thread)
}

// ThreadPC returns the program counter of thread.
func (c *Core) ThreadPC(thread int) uint16 {
	if !c.validThread(thread) {
		return 0
	}
	return c.ctx.PCs[thread]
}

// ThreadZeroFlag returns the zero flag of thread.
func (c *Core) ThreadZeroFlag(thread int) bool {
	return c.validThread(thread) && c.ctx.ZeroFlags[thread]
}

// ThreadCarryFlag returns the carry flag of thread.
func (c *Core) ThreadCarryFlag(thread int) bool {
	return c.validThread(thread) && c.ctx.CarryFlags[thread]
}

// ThreadScheduled returns true if thread is scheduled to run.
func (c *Core) ThreadScheduled(thread int) bool {
	return c.validThread(thread) && c.ctx.Scheduling[thread] != SchedulingNone
}

func (c *Core) validThread(thread int) bool {
	return thread >= 0 && thread < c.ctx.NrThreads
}

func (c *Core) checkThread(thread int) error {
	if !c.validThread(thread) {
		return &RangeError{What: "thread", Value: uint64(thread), Limit: uint64(c.ctx.NrThreads)}
	}
	return nil
}

// SetThreadRegister sets register reg of thread in the snapshot.
func (c *Core) SetThreadRegister(thread, reg int, value uint32) error {
	if err := c.checkThread(thread); err != nil {
		return err
	}
	if reg < 0 || reg >= c.ctx.NrRegisters {
		return &RangeError{What: "register", Value: uint64(reg), Limit: uint64(c.ctx.NrRegisters)}
	}
	c.ctx.ThreadRegisters(thread)[reg] = value
	c.MarkRegistersDirty()
	return nil
}

// SetThreadPC sets the program counter of thread in the snapshot.
func (c *Core) SetThreadPC(thread int, pc uint16) error {
	if err := c.checkThread(thread); err != nil {
		return err
	}
	c.ctx.PCs[thread] = pc
	c.MarkRegistersDirty()
	return nil
}

// SetThreadFlags sets the zero and carry flags of thread in the snapshot.
func (c *Core) SetThreadFlags(thread int, zero, carry bool) error {
	if err := c.checkThread(thread); err != nil {
		return err
	}
	c.ctx.ZeroFlags[thread] = zero
	c.ctx.CarryFlags[thread] = carry
	c.MarkRegistersDirty()
	return nil
}

// ThreadState derives the state of thread reported to a debugger. The
// precedence is fixed: breakpoint fault, DMA fault, memory fault, then
// stepping information.
func (c *Core) ThreadState(thread int, stepping bool) (State, StopReason, string) {
	if !c.validThread(thread) {
		return StateInvalid, StopReasonNone, ""
	}
	return threadState(c.ctx, thread, stepping)
}

func threadState(ctx *Context, thread int, stepping bool) (State, StopReason, string) {
	t := uint32(thread)
	switch {
	case ctx.BkpFault && ctx.BkpFaultThread == t:
		return StateStopped, StopReasonBreakpoint, ""
	case ctx.DMAFault && ctx.DMAFaultThread == t:
		return StateCrashed, StopReasonException, string(FaultDMA)
	case ctx.MemFault && ctx.MemFaultThread == t:
		return StateCrashed, StopReasonException, string(FaultMemory)
	case stepping && ctx.Scheduling[thread] != SchedulingNone:
		return StateStopped, StopReasonTrace, "stepping"
	case stepping && ctx.PCs[thread] != 0:
		return StateStopped, StopReasonTrace, "stopped"
	}
	return StateStopped, StopReasonNone, ""
}

// ThreadStateOf derives the state of thread from a context that does not
// belong to a live core, such as the context of a core dump.
func ThreadStateOf(ctx *Context, thread int) (State, StopReason, string) {
	if thread < 0 || thread >= ctx.NrThreads {
		return StateInvalid, StopReasonNone, ""
	}
	return threadState(ctx, thread, false)
}
