// Package coredump writes and reads the postmortem artifact of a core.
//
// A core dump is an ELF core file. A note segment holds a text header
// (tool version and executable path), the rank description and the context
// snapshot of the core; one loadable segment per memory region maps its
// image at the region's base address in the DPU address space.
package coredump

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/elfwriter"
	"github.com/upmem/dpudbg/pkg/logflags"
	"github.com/upmem/dpudbg/pkg/version"
)

const noteName = "DPU"

// ErrUnrecognizedFormat is returned when a file is not a dpudbg core dump.
var ErrUnrecognizedFormat = errors.New("unrecognized core format")

// Dump is a core dump loaded in memory.
type Dump struct {
	// Version is the version of the tool that wrote the dump.
	Version     string
	ExePath     string
	Description dpu.Description
	Context     *dpu.Context

	IRAM []byte
	WRAM []byte
	MRAM []byte

	mem splicedMemory
}

// Write writes a core dump to out and closes it.
func Write(out elfwriter.WriteCloserSeeker, exePath string, desc dpu.Description, ctx *dpu.Context, images dpu.Images) (err error) {
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("error writing output file: %v", cerr)
		}
	}()

	if ctx.NrThreads != desc.NrThreads || ctx.NrRegisters != desc.NrRegisters {
		return fmt.Errorf("context of %d threads of %d registers does not match the description", ctx.NrThreads, ctx.NrRegisters)
	}

	var fhdr elf.FileHeader
	fhdr.Class = elf.ELFCLASS64
	fhdr.Data = elf.ELFDATA2LSB
	fhdr.Version = elf.EV_CURRENT
	// There is no OSABI value for DPU programs.
	fhdr.OSABI = 0xff
	fhdr.Type = elf.ET_CORE
	fhdr.Machine = elf.EM_NONE

	w := elfwriter.New(out, &fhdr)

	notes := []elfwriter.Note{
		headerNote(version.DPUDbgVersion.Short(), exePath),
		descriptionNote(desc),
		contextNote(ctx),
	}
	w.Progs = append(w.Progs, w.WriteNotes(notes))

	for _, seg := range []struct {
		base  uint32
		data  []byte
		flags elf.ProgFlag
	}{
		{dpu.WRAMBase, images.WRAM, elf.PF_R | elf.PF_W},
		{dpu.MRAMBase, images.MRAM, elf.PF_R | elf.PF_W},
		{dpu.IRAMBase, images.IRAM, elf.PF_R | elf.PF_X},
	} {
		if len(seg.data) == 0 {
			continue
		}
		w.Progs = append(w.Progs, w.WriteSegment(uint64(seg.base), seg.data, seg.flags))
	}

	w.WriteProgramHeaders()
	if w.Err != nil {
		return fmt.Errorf("error writing to output file: %v", w.Err)
	}
	logflags.CoredumpLogger().Debugf("wrote core dump of %s: iram %d, wram %d, mram %d bytes", exePath, len(images.IRAM), len(images.WRAM), len(images.MRAM))
	return nil
}

// WriteFile writes a core dump to path.
func WriteFile(path, exePath string, desc dpu.Description, ctx *dpu.Context, images dpu.Images) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return Write(f, exePath, desc, ctx, images)
}

// Open reads the core dump at path.
func Open(path string) (*Dump, error) {
	f, err := elf.Open(path)
	if err != nil {
		if _, ok := err.(*elf.FormatError); ok {
			return nil, ErrUnrecognizedFormat
		}
		return nil, err
	}
	defer f.Close()
	return read(f)
}

func read(f *elf.File) (*Dump, error) {
	if f.Type != elf.ET_CORE || f.Class != elf.ELFCLASS64 {
		return nil, ErrUnrecognizedFormat
	}

	d := &Dump{}
	var haveHeader, haveDescription bool
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		notes, err := readNotes(prog.Open(), prog.Filesz)
		if err != nil {
			return nil, err
		}
		for _, n := range notes {
			if n.Name != noteName {
				continue
			}
			switch n.Type {
			case elfwriter.HeaderNoteType:
				parseHeader(d, n.Desc)
				haveHeader = true
			case elfwriter.DescriptionNoteType:
				if d.Description, err = parseDescription(n.Desc); err != nil {
					return nil, err
				}
				haveDescription = true
			case elfwriter.ContextNoteType:
				if err := parseContext(d, n.Desc); err != nil {
					return nil, err
				}
			}
		}
	}
	if !haveHeader || !haveDescription || d.Context == nil {
		return nil, ErrUnrecognizedFormat
	}
	if d.Context.NrThreads != d.Description.NrThreads || d.Context.NrRegisters != d.Description.NrRegisters {
		return nil, fmt.Errorf("context of %d threads of %d registers does not match the description", d.Context.NrThreads, d.Context.NrRegisters)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		var dst *[]byte
		var region dpu.Region
		switch uint32(prog.Vaddr) {
		case dpu.WRAMBase:
			dst, region = &d.WRAM, dpu.RegionWRAM
		case dpu.MRAMBase:
			dst, region = &d.MRAM, dpu.RegionMRAM
		case dpu.IRAMBase:
			dst, region = &d.IRAM, dpu.RegionIRAM
		default:
			return nil, fmt.Errorf("segment at unknown address %#x", prog.Vaddr)
		}
		if prog.Filesz > d.Description.RegionSize(region) {
			return nil, fmt.Errorf("%s segment of %d bytes larger than the region", region, prog.Filesz)
		}
		buf := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), buf); err != nil {
			return nil, fmt.Errorf("reading %s segment: %v", region, err)
		}
		*dst = buf
	}

	d.mapImages()
	logflags.CoredumpLogger().Debugf("loaded core dump of %s written by version %s", d.ExePath, d.Version)
	return d, nil
}

func (d *Dump) mapImages() {
	d.mem = splicedMemory{}
	for _, m := range []struct {
		base  uint32
		image []byte
	}{
		{dpu.WRAMBase, d.WRAM},
		{dpu.MRAMBase, d.MRAM},
		{dpu.IRAMBase, d.IRAM},
	} {
		r := &offsetReaderAt{reader: bytes.NewReader(m.image), offset: uint64(m.base)}
		d.mem.Add(r, uint64(m.base), uint64(len(m.image)))
	}
}

// Images returns the memory images of the dump.
func (d *Dump) Images() dpu.Images {
	return dpu.Images{IRAM: d.IRAM, WRAM: d.WRAM, MRAM: d.MRAM}
}

// ReadMemory reads the DPU address space of the dumped core.
func (d *Dump) ReadMemory(buf []byte, addr uint64) (int, error) {
	return d.mem.ReadMemory(buf, addr)
}

// ReadWRAM reads len(buf) bytes of the WRAM image at offset.
func (d *Dump) ReadWRAM(offset uint32, buf []byte) error {
	n, err := d.ReadMemory(buf, uint64(dpu.WRAMBase)+uint64(offset))
	if err == nil && n != len(buf) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ThreadState returns the state of thread at the time of the dump.
func (d *Dump) ThreadState(thread int) (dpu.State, dpu.StopReason, string) {
	return dpu.ThreadStateOf(d.Context, thread)
}

// Frames unwinds the call stack of thread from the dumped WRAM.
func (d *Dump) Frames(thread, max int) ([]dpu.Frame, error) {
	regs := d.Context.ThreadRegisters(thread)
	if regs == nil {
		return nil, &dpu.RangeError{What: "thread", Value: uint64(thread), Limit: uint64(d.Context.NrThreads)}
	}
	if dpu.StackPointerRegister >= len(regs) {
		return nil, &dpu.RangeError{What: "register", Value: dpu.StackPointerRegister, Limit: uint64(len(regs))}
	}
	return dpu.Unwind(d, regs[dpu.StackPointerRegister], d.Context.PCs[thread], max)
}
