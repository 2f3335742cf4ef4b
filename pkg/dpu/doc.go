// Package dpu implements execution control and state synchronization for
// the cores (DPUs) of a rank.
//
// A Rank groups the cores that sit behind one shared hardware bus. Every
// operation that reaches the device, or that reads or writes the context
// snapshot of a core, holds the rank lock for its whole duration: two cores
// of the same rank are never accessed concurrently, cores of different ranks
// may be.
//
// The package is written against the Driver, RankDriver and CoreDriver
// interfaces; concrete backends live under pkg/driver.
//
// Execution of a core goes through Boot, then any sequence of Poll, Step,
// Stop and Resume. The context snapshot of a core is only trusted after
// Poll, Stop or Step have synchronized it with the device. The thread
// accessors (ThreadRegisters, ThreadPC, the flag getters, ThreadState) and
// the Set* helpers (or MarkRegistersDirty) work on the snapshot without the
// rank lock, so callers must not use them concurrently with Poll, Stop,
// Step or Resume on the same core.
package dpu
