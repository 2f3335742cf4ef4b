package coredump

import (
	"bytes"
	"testing"
)

func region(base uint64, data string) (MemoryReader, uint64, uint64) {
	return &offsetReaderAt{reader: bytes.NewReader([]byte(data)), offset: base}, base, uint64(len(data))
}

func TestSplicedMemory(t *testing.T) {
	type addition struct {
		base uint64
		data string
	}
	tests := []struct {
		name   string
		adds   []addition
		addr   uint64
		size   int
		want   string
		failed bool
	}{
		{"single", []addition{{0x10, "abcd"}}, 0x11, 2, "bc", false},
		{"contiguous", []addition{{0x10, "abcd"}, {0x14, "efgh"}}, 0x12, 4, "cdef", false},
		{"overwrite middle", []addition{{0x10, "abcdefgh"}, {0x12, "XY"}}, 0x10, 8, "abXYefgh", false},
		{"overwrite start", []addition{{0x10, "abcdefgh"}, {0x0e, "WXYZ"}}, 0x0e, 10, "WXYZcdefgh", false},
		{"overwrite end", []addition{{0x10, "abcdefgh"}, {0x16, "XYZ"}}, 0x10, 9, "abcdefXYZ", false},
		{"overwrite whole", []addition{{0x10, "abcd"}, {0x10, "WXYZ"}}, 0x10, 4, "WXYZ", false},
		{"unmapped", []addition{{0x10, "abcd"}}, 0x20, 2, "", true},
		{"hole", []addition{{0x10, "abcd"}, {0x18, "efgh"}}, 0x12, 8, "", true},
		{"past the end", []addition{{0x10, "abcd"}}, 0x12, 4, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := &splicedMemory{}
			for _, a := range tc.adds {
				mem.Add(region(a.base, a.data))
			}
			buf := make([]byte, tc.size)
			n, err := mem.ReadMemory(buf, tc.addr)
			if tc.failed {
				if err == nil {
					t.Fatalf("expected error, read %q", buf[:n])
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := string(buf[:n]); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
