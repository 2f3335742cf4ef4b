// Package loader extracts the memory images of a DPU program from its ELF
// executable.
package loader

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/upmem/dpudbg/pkg/dpu"
)

// Program holds the initial contents of the memories of a core, each image
// starting at the base of its region.
type Program struct {
	Path  string
	Entry uint64
	IRAM  []byte
	WRAM  []byte
	MRAM  []byte
}

// Load reads the DPU executable at path.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer f.Close()
	p, err := load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Path = path
	return p, nil
}

// Read reads a DPU executable from r.
func Read(r io.ReaderAt) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	return load(f)
}

func load(f *elf.File) (*Program, error) {
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("not a little endian ELF file")
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("not an executable (type %v)", f.Type)
	}

	p := &Program{Entry: f.Entry}
	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD || phdr.Memsz == 0 {
			continue
		}
		region, off, err := locate(phdr.Vaddr, phdr.Memsz)
		if err != nil {
			return nil, err
		}
		if phdr.Filesz > phdr.Memsz {
			return nil, fmt.Errorf("segment at %#x: file size %d larger than memory size %d", phdr.Vaddr, phdr.Filesz, phdr.Memsz)
		}

		img := p.image(region)
		if end := off + phdr.Memsz; uint64(len(*img)) < end {
			*img = append(*img, make([]byte, end-uint64(len(*img)))...)
		}
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt((*img)[off:off+phdr.Filesz], 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at %#x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at %#x: got %d bytes, expected %d", phdr.Vaddr, n, phdr.Filesz)
			}
		}
	}
	if len(p.IRAM) == 0 {
		return nil, fmt.Errorf("no code segment")
	}
	return p, nil
}

// locate returns the region holding the size bytes at vaddr and the offset
// of vaddr in it.
func locate(vaddr, size uint64) (dpu.Region, uint64, error) {
	var (
		region dpu.Region
		base   uint64
		limit  uint64
	)
	switch {
	case vaddr >= uint64(dpu.IRAMBase):
		region, base, limit = dpu.RegionIRAM, uint64(dpu.IRAMBase), 1<<32
	case vaddr >= uint64(dpu.MRAMBase):
		region, base, limit = dpu.RegionMRAM, uint64(dpu.MRAMBase), uint64(dpu.IRAMBase)
	default:
		region, base, limit = dpu.RegionWRAM, uint64(dpu.WRAMBase), uint64(dpu.MRAMBase)
	}
	if vaddr+size > limit || vaddr+size < vaddr {
		return 0, 0, fmt.Errorf("segment [%#x, %#x) crosses the end of %s", vaddr, vaddr+size, region)
	}
	return region, vaddr - base, nil
}

func (p *Program) image(r dpu.Region) *[]byte {
	switch r {
	case dpu.RegionIRAM:
		return &p.IRAM
	case dpu.RegionWRAM:
		return &p.WRAM
	}
	return &p.MRAM
}

// Fits reports an error if an image of p exceeds the memories described by
// desc.
func (p *Program) Fits(desc dpu.Description) error {
	for _, r := range []dpu.Region{dpu.RegionIRAM, dpu.RegionWRAM, dpu.RegionMRAM} {
		if n, max := uint64(len(*p.image(r))), desc.RegionSize(r); n > max {
			return fmt.Errorf("%s image of %d bytes exceeds the %d bytes of the core", r, n, max)
		}
	}
	return nil
}

// LoadInto writes the images of p to the memories of c.
func (p *Program) LoadInto(c *dpu.Core) error {
	if err := p.Fits(c.Rank().Description()); err != nil {
		return err
	}
	if err := c.Load(p.IRAM, p.WRAM); err != nil {
		return err
	}
	if len(p.MRAM) == 0 {
		return nil
	}
	return c.WriteMRAM(0, p.MRAM)
}
