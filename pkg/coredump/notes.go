package coredump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/elfwriter"
)

type note struct {
	Type uint32
	Name string
	Desc []byte
}

func headerNote(version, exePath string) elfwriter.Note {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%s\n", elfwriter.HeaderVersionPrefix, version)
	fmt.Fprintf(&buf, "%s%s\n", elfwriter.HeaderExecutablePrefix, exePath)
	return elfwriter.Note{Type: elfwriter.HeaderNoteType, Name: noteName, Data: buf.Bytes()}
}

func parseHeader(d *Dump, desc []byte) {
	s := bufio.NewScanner(bytes.NewReader(desc))
	for s.Scan() {
		line := s.Text()
		switch {
		case strings.HasPrefix(line, elfwriter.HeaderVersionPrefix):
			d.Version = strings.TrimPrefix(line, elfwriter.HeaderVersionPrefix)
		case strings.HasPrefix(line, elfwriter.HeaderExecutablePrefix):
			d.ExePath = strings.TrimPrefix(line, elfwriter.HeaderExecutablePrefix)
		}
	}
}

func descriptionNote(desc dpu.Description) elfwriter.Note {
	var buf bytes.Buffer
	for _, v := range []uint32{
		uint32(desc.NrSlices), uint32(desc.NrMembersPerSlice),
		uint32(desc.NrThreads), uint32(desc.NrRegisters),
		desc.IRAMSize, desc.WRAMSize, desc.MRAMSize,
	} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return elfwriter.Note{Type: elfwriter.DescriptionNoteType, Name: noteName, Data: buf.Bytes()}
}

func parseDescription(desc []byte) (dpu.Description, error) {
	var v [7]uint32
	if err := binary.Read(bytes.NewReader(desc), binary.LittleEndian, &v); err != nil {
		return dpu.Description{}, fmt.Errorf("malformed description note: %v", err)
	}
	return dpu.Description{
		NrSlices:          int(v[0]),
		NrMembersPerSlice: int(v[1]),
		NrThreads:         int(v[2]),
		NrRegisters:       int(v[3]),
		IRAMSize:          v[4],
		WRAMSize:          v[5],
		MRAMSize:          v[6],
	}, nil
}

// contextNote encodes the context snapshot: its shape, the per-thread
// arrays, then the running thread count and the fault indicators.
func contextNote(ctx *dpu.Context) elfwriter.Note {
	var buf bytes.Buffer
	write := func(v interface{}) {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	write(uint32(ctx.NrThreads))
	write(uint32(ctx.NrRegisters))
	write(ctx.Registers)
	write(ctx.PCs)
	write(ctx.ZeroFlags)
	write(ctx.CarryFlags)
	write(ctx.Scheduling)
	write(ctx.NrRunningThreads)
	write(ctx.BkpFault)
	write(ctx.BkpFaultThread)
	write(ctx.DMAFault)
	write(ctx.DMAFaultThread)
	write(ctx.MemFault)
	write(ctx.MemFaultThread)
	return elfwriter.Note{Type: elfwriter.ContextNoteType, Name: noteName, Data: buf.Bytes()}
}

func parseContext(d *Dump, desc []byte) error {
	body := bytes.NewReader(desc)
	var readerr error
	read := func(out interface{}) {
		if readerr != nil {
			return
		}
		readerr = binary.Read(body, binary.LittleEndian, out)
	}

	var nrThreads, nrRegisters uint32
	read(&nrThreads)
	read(&nrRegisters)
	if readerr != nil {
		return fmt.Errorf("malformed context note: %v", readerr)
	}
	if nrThreads == 0 || nrThreads >= dpu.SchedulingNone || uint64(nrThreads)*uint64(nrRegisters)*4 > uint64(len(desc)) {
		return fmt.Errorf("malformed context note: %d threads of %d registers", nrThreads, nrRegisters)
	}

	ctx := dpu.NewContext(int(nrThreads), int(nrRegisters))
	read(ctx.Registers)
	read(ctx.PCs)
	read(ctx.ZeroFlags)
	read(ctx.CarryFlags)
	read(ctx.Scheduling)
	read(&ctx.NrRunningThreads)
	read(&ctx.BkpFault)
	read(&ctx.BkpFaultThread)
	read(&ctx.DMAFault)
	read(&ctx.DMAFaultThread)
	read(&ctx.MemFault)
	read(&ctx.MemFaultThread)
	if readerr != nil {
		return fmt.Errorf("malformed context note: %v", readerr)
	}
	d.Context = ctx
	return nil
}

// readNotes reads the notes of a PT_NOTE segment of size bytes, laid out as
// described in the SysV ABI.
func readNotes(r io.ReadSeeker, size uint64) ([]note, error) {
	var notes []note
	for {
		var hdr struct {
			Namesz, Descsz, Type uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if err == io.EOF {
				return notes, nil
			}
			return nil, fmt.Errorf("reading note header: %v", err)
		}
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		var remaining uint64
		if uint64(pos) < size {
			remaining = size - uint64(pos)
		}
		if uint64(hdr.Namesz)+uint64(hdr.Descsz) > remaining {
			return nil, fmt.Errorf("note of %d+%d bytes overflows its segment (%d bytes left)", hdr.Namesz, hdr.Descsz, remaining)
		}
		name := make([]byte, hdr.Namesz)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("reading note name: %v", err)
		}
		if err := skipPadding(r, 4); err != nil {
			return nil, err
		}
		desc := make([]byte, hdr.Descsz)
		if _, err := io.ReadFull(r, desc); err != nil {
			return nil, fmt.Errorf("reading note desc: %v", err)
		}
		if err := skipPadding(r, 4); err != nil {
			return nil, err
		}
		notes = append(notes, note{Type: hdr.Type, Name: strings.TrimRight(string(name), "\x00"), Desc: desc})
	}
}

// skipPadding moves r to the next multiple of pad.
func skipPadding(r io.ReadSeeker, pad int64) error {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos%pad == 0 {
		return nil
	}
	_, err = r.Seek(pad-(pos%pad), io.SeekCurrent)
	return err
}
