package dpu

import "github.com/upmem/dpudbg/pkg/logflags"

// maxTransferSize bounds the size of a whole-region transfer buffer.
const maxTransferSize = 1 << 30

// transferBuffers hold whole-region copies of WRAM and MRAM while a core
// dump is generated. They are pooled per rank since every core of a rank
// has the same memory sizes.
type transferBuffers struct {
	words []uint32
	wram  []byte
	mram  []byte
}

func (r *Rank) acquireTransfer() (*transferBuffers, error) {
	wramSize := r.desc.RegionSize(RegionWRAM)
	mramSize := r.desc.RegionSize(RegionMRAM)
	if wramSize == 0 || wramSize > maxTransferSize || mramSize > maxTransferSize {
		return nil, ErrTransferAlloc
	}
	if b, ok := r.transfer.Get().(*transferBuffers); ok {
		return b, nil
	}
	return &transferBuffers{
		words: make([]uint32, r.desc.WRAMSize),
		wram:  make([]byte, wramSize),
		mram:  make([]byte, mramSize),
	}, nil
}

func (r *Rank) releaseTransfer(b *transferBuffers) {
	r.transfer.Put(b)
}

// GenerateCoreDump reads the whole WRAM and MRAM of the core and writes a
// core dump of exePath to corePath through the rank driver, together with
// iram and the context snapshot. When iram is nil the instruction memory
// is read from the device as well.
func (c *Core) GenerateCoreDump(exePath, corePath string, iram []byte) error {
	if err := c.rank.lock(); err != nil {
		return err
	}
	defer c.rank.mu.Unlock()

	bufs, err := c.rank.acquireTransfer()
	if err != nil {
		return err
	}
	defer c.rank.releaseTransfer(bufs)

	if err := c.drv.ReadWRAM(0, bufs.words); err != nil {
		return driverError("read wram", err)
	}
	encodeWords(bufs.wram, bufs.words)
	if len(bufs.mram) > 0 {
		if err := c.drv.ReadMRAM(0, bufs.mram); err != nil {
			return driverError("read mram", err)
		}
	}
	if iram == nil {
		iram = make([]byte, c.rank.desc.RegionSize(RegionIRAM))
		if err := c.readIRAM(0, iram); err != nil {
			return err
		}
	}

	images := Images{IRAM: iram, WRAM: bufs.wram, MRAM: bufs.mram}
	if err := c.rank.drv.CreateCoreDump(exePath, corePath, c.ctx, images); err != nil {
		return driverError("create core dump", err)
	}
	logflags.CoredumpLogger().WithFields(logflags.Fields{"slice": c.slice, "member": c.member}).Debugf("core dump written to %s", corePath)
	return nil
}
