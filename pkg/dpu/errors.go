package dpu

import (
	"errors"
	"fmt"
)

var (
	// ErrRankClosed is returned by every operation on a closed rank.
	ErrRankClosed = errors.New("rank closed")

	// ErrTransferAlloc is returned when the buffers used to move a whole
	// memory region off the device cannot be allocated.
	ErrTransferAlloc = errors.New("could not allocate transfer buffers")
)

// DriverError is returned when a driver call fails. Driver calls are never
// retried.
type DriverError struct {
	Op  string
	Err error
}

func (err *DriverError) Error() string {
	return fmt.Sprintf("%s: %v", err.Op, err.Err)
}

func (err *DriverError) Unwrap() error {
	return err.Err
}

func driverError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Op: op, Err: err}
}

// AlignmentError is returned when a memory access does not respect the
// addressing granularity of its region.
type AlignmentError struct {
	Region      Region
	Offset      uint32
	Length      int
	Granularity int
}

func (err *AlignmentError) Error() string {
	return fmt.Sprintf("%s access at %#x of %d bytes is not aligned to %d bytes", err.Region, err.Offset, err.Length, err.Granularity)
}

// RangeError is returned when an index or an access falls outside of its
// bound.
type RangeError struct {
	What  string
	Value uint64
	Limit uint64
}

func (err *RangeError) Error() string {
	return fmt.Sprintf("%s %d out of range (limit %d)", err.What, err.Value, err.Limit)
}

// FaultKind is the kind of an unrecoverable device fault.
type FaultKind string

const (
	FaultDMA    FaultKind = "dma fault"
	FaultMemory FaultKind = "memory fault"
)

// FaultError is returned when resuming or stepping a core that holds an
// unrecoverable fault. The rank must be reset before the core is used
// again.
type FaultError struct {
	Kind   FaultKind
	Thread uint32
}

func (err *FaultError) Error() string {
	return fmt.Sprintf("%s on thread %d, rank reset required", err.Kind, err.Thread)
}

// BootError is returned when the boot sequence observes anything but the
// injected breakpoint.
type BootError struct {
	State State
	Err   error
}

func (err *BootError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("boot failed in state %s: %v", err.State, err.Err)
	}
	return fmt.Sprintf("boot failed in state %s", err.State)
}

func (err *BootError) Unwrap() error {
	return err.Err
}
