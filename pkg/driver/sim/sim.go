// Package sim is an in-process rank backend. It models the memories and
// hardware threads of every core of a rank and executes a small instruction
// set, so that every execution control path of package dpu can run without
// hardware.
//
// The modelled ranks belong to the Driver and outlive the RankDrivers
// opened on them, the way hardware outlives the sessions attached to it.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/upmem/dpudbg/pkg/coredump"
	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/logflags"
)

// ErrRankBusy is returned when opening a rank that is already open.
var ErrRankBusy = errors.New("rank busy")

// DefaultDescription is the topology of simulated ranks unless configured
// otherwise.
var DefaultDescription = dpu.Description{
	NrSlices:          8,
	NrMembersPerSlice: 8,
	NrThreads:         24,
	NrRegisters:       24,
	IRAMSize:          4096,
	WRAMSize:          16384,
	MRAMSize:          1 << 20,
}

const defaultQuantum = 256

// Config configures a Driver.
type Config struct {
	// Description is the topology of every simulated rank. The zero value
	// selects DefaultDescription.
	Description dpu.Description
	// LockDir, when set, is the directory holding the lock files that make
	// rank acquisition exclusive across processes.
	LockDir string
	// Quantum is the number of instructions a core executes per poll.
	Quantum int
}

// Driver simulates ranks, one per profile.
type Driver struct {
	cfg Config

	mu    sync.Mutex
	ranks map[string]*rank
}

// New returns a Driver simulating ranks described by cfg.
func New(cfg Config) (*Driver, error) {
	if cfg.Description == (dpu.Description{}) {
		cfg.Description = DefaultDescription
	}
	if err := cfg.Description.Validate(); err != nil {
		return nil, err
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = defaultQuantum
	}
	return &Driver{cfg: cfg, ranks: map[string]*rank{}}, nil
}

// rankLocked returns the model of the rank of profile, creating it on
// first use. Called with d.mu held.
func (d *Driver) rankLocked(profile string) *rank {
	r := d.ranks[profile]
	if r == nil {
		r = newRank(d.cfg.Description, profile, d.cfg.Quantum)
		d.ranks[profile] = r
	}
	return r
}

// OpenRank implements dpu.Driver.
func (d *Driver) OpenRank(profile string) (dpu.RankDriver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rankLocked(profile)
	if r.open {
		return nil, fmt.Errorf("%w: %q already open", ErrRankBusy, profile)
	}
	h := &rankHandle{drv: d, rank: r}
	if d.cfg.LockDir != "" {
		lock, err := lockRank(d.cfg.LockDir, profile)
		if err != nil {
			return nil, err
		}
		h.lock = lock
	}
	r.open = true
	logflags.SimLogger().WithField("profile", profile).Debug("rank acquired")
	return h, nil
}

// AttachDump restores the memories of the core at slice.member of the rank
// of profile from a core dump, and attaches the dumped context so that the
// next boot of the core adopts it. The rank must not be open.
func (d *Driver) AttachDump(profile string, slice, member int, dump *coredump.Dump) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rankLocked(profile)
	if r.open {
		return fmt.Errorf("%w: %q is open", ErrRankBusy, profile)
	}
	c, err := r.core(slice, member)
	if err != nil {
		return err
	}
	if dump.Context.NrThreads != len(c.pcs) || dump.Context.NrRegisters != c.nrRegisters {
		return fmt.Errorf("dumped context of %d threads of %d registers does not fit core %s", dump.Context.NrThreads, dump.Context.NrRegisters, c)
	}
	for _, m := range []struct {
		region dpu.Region
		image  []byte
	}{
		{dpu.RegionIRAM, dump.IRAM},
		{dpu.RegionWRAM, dump.WRAM},
		{dpu.RegionMRAM, dump.MRAM},
	} {
		if uint64(len(m.image)) > r.desc.RegionSize(m.region) {
			return fmt.Errorf("dumped %s image of %d bytes does not fit core %s", m.region, len(m.image), c)
		}
	}
	c.loadImages(dump.Images())
	c.restoreThreads(dump.Context)
	c.pending = dump.Context.Clone()
	logflags.SimLogger().WithField("profile", profile).Debugf("core dump of %s attached to core %s", dump.ExePath, c)
	return nil
}

// SliceInfo returns the slice information last recorded on the rank of
// profile for slice.
func (d *Driver) SliceInfo(profile string, slice int) (structure, target uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.rankLocked(profile).sliceInfo[slice]
	return info[0], info[1], ok
}

type rank struct {
	desc      dpu.Description
	profile   string
	cores     []*core
	sliceInfo map[int][2]uint64
	open      bool
}

func newRank(desc dpu.Description, profile string, quantum int) *rank {
	r := &rank{desc: desc, profile: profile, sliceInfo: map[int][2]uint64{}}
	for s := 0; s < desc.NrSlices; s++ {
		for m := 0; m < desc.NrMembersPerSlice; m++ {
			r.cores = append(r.cores, newCore(desc, s, m, quantum))
		}
	}
	return r
}

func (r *rank) core(slice, member int) (*core, error) {
	if slice < 0 || slice >= r.desc.NrSlices || member < 0 || member >= r.desc.NrMembersPerSlice {
		return nil, fmt.Errorf("no core %d.%d in rank %q", slice, member, r.profile)
	}
	return r.cores[slice*r.desc.NrMembersPerSlice+member], nil
}

// rankHandle is an open rank.
type rankHandle struct {
	drv  *Driver
	rank *rank
	lock *rankLock
}

func (h *rankHandle) Description() dpu.Description {
	return h.rank.desc
}

func (h *rankHandle) Core(slice, member int) (dpu.CoreDriver, error) {
	return h.rank.core(slice, member)
}

func (h *rankHandle) Reset() error {
	for _, c := range h.rank.cores {
		c.reset()
	}
	h.drv.mu.Lock()
	h.rank.sliceInfo = map[int][2]uint64{}
	h.drv.mu.Unlock()
	return nil
}

func (h *rankHandle) SetSliceInfo(slice int, structure, target uint64) error {
	if slice < 0 || slice >= h.rank.desc.NrSlices {
		return fmt.Errorf("no slice %d in rank %q", slice, h.rank.profile)
	}
	h.drv.mu.Lock()
	h.rank.sliceInfo[slice] = [2]uint64{structure, target}
	h.drv.mu.Unlock()
	return nil
}

func (h *rankHandle) CreateCoreDump(exePath, corePath string, ctx *dpu.Context, images dpu.Images) error {
	return coredump.WriteFile(corePath, exePath, h.rank.desc, ctx, images)
}

func (h *rankHandle) Close() error {
	h.drv.mu.Lock()
	defer h.drv.mu.Unlock()
	h.rank.open = false
	logflags.SimLogger().WithField("profile", h.rank.profile).Debug("rank released")
	if h.lock != nil {
		return h.lock.release()
	}
	return nil
}
