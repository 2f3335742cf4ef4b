package dpu

import "fmt"

// Description is the topology of a rank as reported by its driver.
type Description struct {
	// NrSlices is the number of control interfaces of the rank.
	NrSlices int
	// NrMembersPerSlice is the number of cores behind each control interface.
	NrMembersPerSlice int
	// NrThreads is the number of hardware threads of each core.
	NrThreads int
	// NrRegisters is the number of work registers of each thread.
	NrRegisters int

	// IRAMSize is the size of the instruction memory, in instructions.
	IRAMSize uint32
	// WRAMSize is the size of the fast data memory, in words.
	WRAMSize uint32
	// MRAMSize is the size of the backing memory, in bytes.
	MRAMSize uint32
}

// NrCores returns the number of cores of the rank.
func (d Description) NrCores() int {
	return d.NrSlices * d.NrMembersPerSlice
}

// Validate returns an error if d cannot describe a usable rank.
func (d Description) Validate() error {
	switch {
	case d.NrSlices <= 0 || d.NrMembersPerSlice <= 0:
		return fmt.Errorf("invalid rank topology %dx%d", d.NrSlices, d.NrMembersPerSlice)
	case d.NrThreads <= 0 || d.NrThreads >= SchedulingNone:
		return fmt.Errorf("invalid number of threads %d", d.NrThreads)
	case d.NrRegisters <= 0:
		return fmt.Errorf("invalid number of registers %d", d.NrRegisters)
	case d.IRAMSize == 0 || d.WRAMSize == 0:
		return fmt.Errorf("invalid memory sizes (iram %d, wram %d)", d.IRAMSize, d.WRAMSize)
	}
	return nil
}

// Images are the memory images of a core passed to a core dump writer.
// Drivers must not retain them after CreateCoreDump returns.
type Images struct {
	IRAM []byte
	WRAM []byte
	MRAM []byte
}

// Driver opens ranks.
type Driver interface {
	// OpenRank acquires the rank matching profile.
	OpenRank(profile string) (RankDriver, error)
}

// RankDriver is the driver side of an open rank.
type RankDriver interface {
	Description() Description
	// Core returns the driver of the core at the given coordinate.
	Core(slice, member int) (CoreDriver, error)
	// Reset returns every core of the rank to an un-booted state.
	Reset() error
	SetSliceInfo(slice int, structure, target uint64) error
	// CreateCoreDump writes a postmortem artifact for exePath to corePath.
	CreateCoreDump(exePath, corePath string, ctx *Context, images Images) error
	Close() error
}

// CoreDriver is the driver side of one core. IRAM and WRAM are addressed
// by instruction and word index respectively, MRAM by byte offset.
type CoreDriver interface {
	ReadIRAM(index uint32, dst []uint64) error
	WriteIRAM(index uint32, src []uint64) error
	ReadWRAM(index uint32, dst []uint32) error
	WriteWRAM(index uint32, src []uint32) error
	ReadMRAM(offset uint32, dst []byte) error
	WriteMRAM(offset uint32, src []byte) error

	// ExtractContext fills ctx with the state of the halted core.
	ExtractContext(ctx *Context) error
	// RestoreContext pushes ctx to the halted core.
	RestoreContext(ctx *Context) error
	// InitializeFaultProcess halts the core.
	InitializeFaultProcess(ctx *Context) error
	// FinalizeFaultProcess resumes the core from the state in ctx.
	FinalizeFaultProcess(ctx *Context) error

	// PreExecution prepares the core for a thread launch.
	PreExecution() error
	LaunchThread(thread int) error
	Poll() (running, fault bool, err error)
	// StepThread executes one instruction of thread on the halted core.
	StepThread(thread int, ctx *Context) error

	SaveSliceContext() error
	RestoreSliceContext() error

	// PendingContext returns the context attached to the core by a previous
	// session (for example a loaded core dump), or nil. The attached context
	// is consumed.
	PendingContext() (*Context, error)
}

// alwaysPoller is implemented by rank drivers that cannot defer polling
// of a resumed core.
type alwaysPoller interface {
	AlwaysPolls() bool
}
