package dpu

import (
	"context"

	"github.com/upmem/dpudbg/pkg/logflags"
)

// BreakpointInstruction is the instruction injected at the start of IRAM by
// the boot sequence.
const BreakpointInstruction uint64 = 0x00007e6320000000

// BootThread is the thread launched by the boot sequence.
const BootThread = 0

// Core is one compute unit of a rank.
type Core struct {
	rank   *Rank
	drv    CoreDriver
	slice  int
	member int
	index  int

	ctx *Context

	state    State
	running  bool
	attached bool

	// registersDirty is set by callers editing ctx and consumed by the
	// next Resume or Step. It is the only field written without the rank
	// lock.
	registersDirty bool
}

func newCore(r *Rank, drv CoreDriver, slice, member, index int) *Core {
	return &Core{
		rank:   r,
		drv:    drv,
		slice:  slice,
		member: member,
		index:  index,
		ctx:    NewContext(r.desc.NrThreads, r.desc.NrRegisters),
	}
}

// SliceID returns the slice coordinate of the core.
func (c *Core) SliceID() int { return c.slice }

// MemberID returns the member coordinate of the core.
func (c *Core) MemberID() int { return c.member }

// Index returns the linear index of the core in its rank.
func (c *Core) Index() int { return c.index }

// Rank returns the rank owning the core.
func (c *Core) Rank() *Rank { return c.rank }

// State returns the last state observed for the core.
func (c *Core) State() State {
	c.rank.mu.Lock()
	defer c.rank.mu.Unlock()
	return c.state
}

// Running returns true if the core may be polled.
func (c *Core) Running() bool {
	c.rank.mu.Lock()
	defer c.rank.mu.Unlock()
	return c.running
}

// Attached returns true if the core was found with a context saved by a
// previous session.
func (c *Core) Attached() bool {
	c.rank.mu.Lock()
	defer c.rank.mu.Unlock()
	return c.attached
}

// SetAttached marks the core as attached to a previous session.
func (c *Core) SetAttached() {
	c.rank.mu.Lock()
	c.attached = true
	c.rank.mu.Unlock()
}

// RegistersDirty returns true if the context snapshot holds edits that
// were not pushed to the device yet.
func (c *Core) RegistersDirty() bool {
	return c.registersDirty
}

// MarkRegistersDirty records that the context snapshot was edited through
// ThreadRegisters. The edit is pushed to the device by the next Resume or
// Step.
func (c *Core) MarkRegistersDirty() {
	c.registersDirty = true
}

func (c *Core) log() logflags.Logger {
	return logflags.DPULogger().WithFields(logflags.Fields{"slice": c.slice, "member": c.member})
}

func (c *Core) setState(s State) {
	if c.state != s && logflags.DPU() {
		c.log().Debugf("%s -> %s", c.state, s)
	}
	c.state = s
}

// reset forgets everything known about the core. Called with the rank
// lock held, after the rank has been reset.
func (c *Core) reset() {
	c.ctx.Clear()
	c.running = false
	c.attached = false
	c.registersDirty = false
	c.state = StateInvalid
}

// Load writes code at the start of IRAM and data at the start of WRAM.
// Both images are zero padded to their region granularity.
func (c *Core) Load(code, data []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()

	if err := c.writeIRAM(0, pad(code, InstructionSize)); err != nil {
		return err
	}
	return c.writeWRAM(0, pad(data, WordSize))
}

func pad(buf []byte, granularity int) []byte {
	if rem := len(buf) % granularity; rem != 0 {
		buf = append(buf[:len(buf):len(buf)], make([]byte, granularity-rem)...)
	}
	return buf
}

// Boot starts the core and parks it on its first instruction.
//
// If the driver holds a context saved by a previous session the context is
// adopted and the core is left ready to be resumed. Otherwise the first
// instruction is replaced by a breakpoint, the boot thread is launched and
// the core is polled until the breakpoint is hit, then the first
// instruction is put back. Polling stops with an error when ctx is done.
func (c *Core) Boot(ctx context.Context) error {
	adopted, err := c.adoptPendingContext()
	if err != nil || adopted {
		return err
	}

	first := make([]byte, InstructionSize)
	if err := c.ReadIRAM(0, first); err != nil {
		return err
	}
	if err := c.WriteIRAM(0, encodeInstructions([]uint64{BreakpointInstruction})); err != nil {
		return err
	}
	if err := c.launchBootThread(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return &BootError{State: StateRunning, Err: err}
		}
		res, err := c.Poll()
		switch res.State {
		case StateRunning:
		case StateStopped:
			return c.WriteIRAM(0, first)
		default:
			return &BootError{State: res.State, Err: err}
		}
	}
}

func (c *Core) adoptPendingContext() (bool, error) {
	if err := c.rank.lock(); err != nil {
		return false, err
	}
	defer c.rank.mu.Unlock()

	saved, err := c.drv.PendingContext()
	if err != nil {
		return false, driverError("pop pending context", err)
	}
	if saved == nil {
		return false, nil
	}
	if err := c.ctx.CopyFrom(saved); err != nil {
		return false, err
	}
	c.attached = true
	c.running = false
	c.registersDirty = false
	c.setState(StateStopped)
	c.log().Debug("adopted saved context")
	return true, nil
}

func (c *Core) launchBootThread() error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()

	if err := c.drv.PreExecution(); err != nil {
		return driverError("pre-execution", err)
	}
	if err := c.drv.LaunchThread(BootThread); err != nil {
		return driverError("launch boot thread", err)
	}
	c.running = true
	c.setState(StateRunning)
	return nil
}

// Poll queries a running core. When the core is found faulted or finished
// its context is synchronized and the core is stopped; the result is then
// StateStopped or StateExited with the exit status, or StateCrashed if the
// stop failed. Polling a core that is not running returns StateInvalid.
func (c *Core) Poll() (StateResult, error) {
	if err := c.rank.lock(); err != nil {
		return StateResult{State: StateCrashed}, err
	}
	defer c.rank.mu.Unlock()

	if !c.running {
		return StateResult{State: StateInvalid}, nil
	}

	running, fault, err := c.drv.Poll()
	if err != nil {
		c.running = false
		c.setState(StateCrashed)
		return StateResult{State: StateCrashed}, driverError("poll", err)
	}

	var next State
	switch {
	case fault:
		next = StateStopped
	case !running:
		next = StateExited
	default:
		return StateResult{State: StateRunning}, nil
	}

	if err := c.stopLocked(true); err != nil {
		c.running = false
		c.setState(StateCrashed)
		return StateResult{State: StateCrashed}, err
	}
	c.setState(next)
	return StateResult{State: next, ExitStatus: c.exitStatus()}, nil
}

func (c *Core) exitStatus() uint32 {
	return c.ctx.Registers[c.rank.exitStatusRegister]
}

// Stop halts the core and synchronizes its context snapshot. Unless force
// is set stopping a core that is not running does nothing.
func (c *Core) Stop(force bool) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	return c.stopLocked(force)
}

func (c *Core) stopLocked(force bool) error {
	if !c.running && !force {
		return nil
	}
	c.ctx.park()
	if err := c.drv.InitializeFaultProcess(c.ctx); err != nil {
		return driverError("initialize fault process", err)
	}
	if err := c.drv.ExtractContext(c.ctx); err != nil {
		return driverError("extract context", err)
	}
	c.running = false
	c.setState(StateStopped)
	return nil
}

// Resume restarts the core. A pending breakpoint fault is consumed; DMA and
// memory faults are unrecoverable and make Resume fail. Dirty registers are
// pushed to the device first. The core is marked running, and may then be
// polled, only if allowPolling is set or the driver cannot defer polling.
func (c *Core) Resume(allowPolling bool) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()

	if err := c.ctx.resumable(); err != nil {
		return err
	}
	if err := c.flushRegistersLocked(); err != nil {
		return err
	}
	if err := c.drv.FinalizeFaultProcess(c.ctx); err != nil {
		return driverError("finalize fault process", err)
	}
	c.setState(StateRunning)
	if allowPolling || c.rank.alwaysPolls {
		c.running = true
	}
	return nil
}

// EnablePolling marks a core resumed with Resume(false) as running.
func (c *Core) EnablePolling() error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	if c.state == StateRunning {
		c.running = true
	}
	return nil
}

func (c *Core) flushRegistersLocked() error {
	if !c.registersDirty {
		return nil
	}
	if err := c.drv.RestoreContext(c.ctx); err != nil {
		return driverError("restore context", err)
	}
	c.registersDirty = false
	return nil
}

// Step executes one instruction of thread. Stepping a thread that is not
// scheduled reports StateStopped without touching the device.
func (c *Core) Step(thread int) (StateResult, error) {
	if err := c.rank.lock(); err != nil {
		return StateResult{State: StateCrashed}, err
	}
	defer c.rank.mu.Unlock()

	if thread < 0 || thread >= c.ctx.NrThreads {
		return StateResult{State: c.state}, &RangeError{What: "thread", Value: uint64(thread), Limit: uint64(c.ctx.NrThreads)}
	}
	if err := c.ctx.resumable(); err != nil {
		return StateResult{State: StateCrashed}, err
	}
	if c.ctx.Scheduling[thread] == SchedulingNone {
		return StateResult{State: StateStopped}, nil
	}
	if err := c.flushRegistersLocked(); err != nil {
		c.setState(StateCrashed)
		return StateResult{State: StateCrashed}, err
	}
	if err := c.drv.StepThread(thread, c.ctx); err != nil {
		c.setState(StateCrashed)
		return StateResult{State: StateCrashed}, driverError("step thread", err)
	}
	if err := c.drv.ExtractContext(c.ctx); err != nil {
		c.setState(StateCrashed)
		return StateResult{State: StateCrashed}, driverError("extract context", err)
	}
	if c.ctx.NrRunningThreads == 0 {
		c.setState(StateExited)
		return StateResult{State: StateExited, ExitStatus: c.exitStatus()}, nil
	}
	c.setState(StateStopped)
	return StateResult{State: StateStopped}, nil
}

// SaveSliceContext saves the slice configuration of the core before
// another core reuses the slice, and records structure and target as the
// slice information of the rank.
func (c *Core) SaveSliceContext(structure, target uint64) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()

	if err := c.drv.SaveSliceContext(); err != nil {
		return driverError("save slice context", err)
	}
	return driverError("set slice info", c.rank.drv.SetSliceInfo(c.slice, structure, target))
}

// RestoreSliceContext restores the slice configuration saved by
// SaveSliceContext.
func (c *Core) RestoreSliceContext() error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()
	return driverError("restore slice context", c.drv.RestoreSliceContext())
}
