package coredump

import (
	"fmt"
	"io"
)

// MemoryReader reads the DPU address space.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// A splicedMemory represents a memory space formed from multiple regions,
// each of which may override previously added regions. A dump maps each
// memory image of the core at the base address of its region; a region
// written twice keeps the last image.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader MemoryReader
}

// Add adds a new region to the splicedMemory, which may override existing regions.
func (r *splicedMemory) Add(reader MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			add(entry)
		case end < entry.offset:
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region.
		case entry.offset < off && entryEnd <= end:
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// The new region punches a hole in the entry.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("unhandled case: existing entry is %#x len %#x, new is %#x len %#x", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadMemory reads len(buf) bytes at addr, crossing region boundaries as
// long as the regions are contiguous.
func (r *splicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	started := false
	for _, entry := range r.readers {
		if entry.offset+entry.length <= addr {
			continue
		}
		if entry.offset > addr {
			if !started {
				break
			}
			return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", addr, n)
		}
		started = true

		pb := buf
		if addr+uint64(len(buf)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil {
			return n, fmt.Errorf("error while reading spliced memory at %#x: %v", addr, err)
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			return n, nil
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("address %#x did not match any regions", addr)
	}
	return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", addr, n)
}

// offsetReaderAt wraps a ReaderAt into a MemoryReader, subtracting a fixed
// offset from the address.
type offsetReaderAt struct {
	reader io.ReaderAt
	offset uint64
}

func (r *offsetReaderAt) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	return r.reader.ReadAt(buf, int64(addr-r.offset))
}
