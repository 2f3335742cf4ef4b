package dpu

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemoryAccessChecks(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)

	for _, tc := range []struct {
		name   string
		access func() error
		align  bool
	}{
		{"iram offset", func() error { return c.ReadIRAM(4, make([]byte, 8)) }, true},
		{"iram length", func() error { return c.WriteIRAM(0, make([]byte, 12)) }, true},
		{"wram offset", func() error { return c.ReadWRAM(2, make([]byte, 4)) }, true},
		{"wram length", func() error { return c.WriteWRAM(0, make([]byte, 3)) }, true},
		{"iram end", func() error { return c.ReadIRAM(63*8, make([]byte, 16)) }, false},
		{"wram end", func() error { return c.WriteWRAM(1024, make([]byte, 4)) }, false},
		{"mram end", func() error { return c.ReadMRAM(1020, make([]byte, 5)) }, false},
	} {
		err := tc.access()
		var aerr *AlignmentError
		var rerr *RangeError
		switch {
		case tc.align && !errors.As(err, &aerr):
			t.Errorf("%s: expected alignment error, got %v", tc.name, err)
		case !tc.align && !errors.As(err, &rerr):
			t.Errorf("%s: expected range error, got %v", tc.name, err)
		}
	}
	if got := ops(fr.log, "0.0"); len(got) != 0 {
		t.Fatalf("rejected accesses reached the device: %v", got)
	}

	if err := c.WriteMRAM(1023, []byte{9}); err != nil {
		t.Fatalf("unaligned mram access rejected: %v", err)
	}
	if err := c.ReadWRAM(0, nil); err != nil {
		t.Fatalf("empty access: %v", err)
	}
	if got := ops(fr.log, "0.0"); len(got) != 1 {
		t.Fatalf("expected a single device access, got %v", got)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	r, fr := openFake(t)
	c := r.Lookup(1, 3)
	fc := fakeCoreOf(fr, c)

	code := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := c.WriteIRAM(8, code); err != nil {
		t.Fatal(err)
	}
	if fc.iram[1] != 0x0807060504030201 || fc.iram[2] != 0x100f0e0d0c0b0a09 {
		t.Fatalf("instructions not little endian: %#x %#x", fc.iram[1], fc.iram[2])
	}
	buf := make([]byte, len(code))
	if err := c.ReadIRAM(8, buf); err != nil || !bytes.Equal(buf, code) {
		t.Fatalf("ReadIRAM = %v %v", buf, err)
	}

	if err := c.WriteWRAM(4, code[:8]); err != nil {
		t.Fatal(err)
	}
	if fc.wram[1] != 0x04030201 || fc.wram[2] != 0x08070605 {
		t.Fatalf("words not little endian: %#x %#x", fc.wram[1], fc.wram[2])
	}
	buf = make([]byte, 8)
	if err := c.ReadWRAM(4, buf); err != nil || !bytes.Equal(buf, code[:8]) {
		t.Fatalf("ReadWRAM = %v %v", buf, err)
	}

	if err := c.WriteMRAM(3, code[:5]); err != nil {
		t.Fatal(err)
	}
	buf = make([]byte, 5)
	if err := c.ReadMRAM(3, buf); err != nil || !bytes.Equal(buf, code[:5]) {
		t.Fatalf("ReadMRAM = %v %v", buf, err)
	}

	fc.fail["read-mram"] = true
	var derr *DriverError
	if err := c.ReadMRAM(0, buf); !errors.As(err, &derr) || derr.Op != "read mram" {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestIRAMAddress(t *testing.T) {
	for pc, want := range map[uint32]uint32{0: 0x80000000, 1: 0x80000008, 0x100: 0x80000800} {
		if got := IRAMAddress(pc); got != want {
			t.Errorf("IRAMAddress(%#x) = %#x, want %#x", pc, got, want)
		}
	}
}
