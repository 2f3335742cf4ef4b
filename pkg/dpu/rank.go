package dpu

import (
	"fmt"
	"sync"

	"github.com/upmem/dpudbg/pkg/logflags"
)

// OpenConfig configures Open.
type OpenConfig struct {
	// Profile selects the rank to acquire; its meaning is backend specific.
	Profile string
	// ExitStatusRegister is the register of thread 0 holding the exit
	// status of a core that stopped or exited.
	ExitStatusRegister int
}

// Rank is a set of cores sharing one hardware bus.
type Rank struct {
	// mu serializes every access to the driver and to the context
	// snapshots of the cores.
	mu sync.Mutex

	drv         RankDriver
	desc        Description
	profile     string
	closed      bool
	alwaysPolls bool

	exitStatusRegister int

	cores []*Core

	transfer sync.Pool
}

// Open acquires the rank matching cfg.Profile from drv and creates one Core
// for every coordinate of its topology. Either all cores are created or
// the rank is released and an error returned.
func Open(drv Driver, cfg OpenConfig) (*Rank, error) {
	rd, err := drv.OpenRank(cfg.Profile)
	if err != nil {
		return nil, driverError("open rank", err)
	}
	r, err := newRank(rd, cfg)
	if err != nil {
		rd.Close()
		return nil, err
	}
	logflags.DPULogger().WithField("profile", cfg.Profile).Debugf("rank opened with %d cores", len(r.cores))
	return r, nil
}

func newRank(rd RankDriver, cfg OpenConfig) (*Rank, error) {
	desc := rd.Description()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExitStatusRegister < 0 || cfg.ExitStatusRegister >= desc.NrRegisters {
		return nil, &RangeError{What: "exit status register", Value: uint64(cfg.ExitStatusRegister), Limit: uint64(desc.NrRegisters)}
	}

	r := &Rank{
		drv:                rd,
		desc:               desc,
		profile:            cfg.Profile,
		exitStatusRegister: cfg.ExitStatusRegister,
	}
	if p, ok := rd.(alwaysPoller); ok {
		r.alwaysPolls = p.AlwaysPolls()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nr := desc.NrCores()
	r.cores = make([]*Core, 0, nr)
	for id := 0; id < nr; id++ {
		slice := id / desc.NrMembersPerSlice
		member := id % desc.NrMembersPerSlice
		cd, err := rd.Core(slice, member)
		if err != nil {
			return nil, driverError(fmt.Sprintf("get core %d.%d", slice, member), err)
		}
		r.cores = append(r.cores, newCore(r, cd, slice, member, id))
	}
	return r, nil
}

// Profile returns the profile the rank was opened with.
func (r *Rank) Profile() string {
	return r.profile
}

// Description returns the topology of the rank.
func (r *Rank) Description() Description {
	return r.desc
}

// Valid returns true until the rank is closed.
func (r *Rank) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

// lock acquires the rank lock. On success the caller must release r.mu.
func (r *Rank) lock() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRankClosed
	}
	return nil
}

// Reset resets the whole rank. Every core returns to StateInvalid with a
// cleared context snapshot.
func (r *Rank) Reset() error {
	if err := r.lock(); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if err := r.drv.Reset(); err != nil {
		return driverError("reset rank", err)
	}
	for _, c := range r.cores {
		c.reset()
	}
	logflags.DPULogger().WithField("profile", r.profile).Debug("rank reset")
	return nil
}

// StopAll force-stops every core of the rank, stopping at the first
// failure.
func (r *Rank) StopAll() error {
	for _, c := range r.cores {
		if err := c.Stop(true); err != nil {
			return fmt.Errorf("core %d.%d: %w", c.slice, c.member, err)
		}
	}
	return nil
}

// ResumeAll resumes every core of the rank without enabling polling,
// stopping at the first failure.
func (r *Rank) ResumeAll() error {
	for _, c := range r.cores {
		if err := c.Resume(false); err != nil {
			return fmt.Errorf("core %d.%d: %w", c.slice, c.member, err)
		}
	}
	return nil
}

// Lookup returns the core at the given coordinate, or nil.
func (r *Rank) Lookup(slice, member int) *Core {
	if slice < 0 || slice >= r.desc.NrSlices || member < 0 || member >= r.desc.NrMembersPerSlice {
		return nil
	}
	return r.cores[slice*r.desc.NrMembersPerSlice+member]
}

// Core returns the core with the given linear index, or nil.
func (r *Rank) Core(index int) *Core {
	if index < 0 || index >= len(r.cores) {
		return nil
	}
	return r.cores[index]
}

// Cores returns all cores of the rank, in linear index order.
func (r *Rank) Cores() []*Core {
	return r.cores
}

// Close tears down the cores and releases the rank.
func (r *Rank) Close() error {
	if err := r.lock(); err != nil {
		return err
	}
	defer r.mu.Unlock()
	for _, c := range r.cores {
		c.drv = nil
	}
	r.closed = true
	return driverError("close rank", r.drv.Close())
}
