package link

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/upmem/dpudbg/pkg/coredump"
	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/driver/sim"
)

var testDescription = dpu.Description{
	NrSlices:          2,
	NrMembersPerSlice: 2,
	NrThreads:         4,
	NrRegisters:       24,
	IRAMSize:          64,
	WRAMSize:          256,
	MRAMSize:          1024,
}

// countingDriver counts the IRAM reads reaching the served driver.
type countingDriver struct {
	dpu.Driver
	iramReads int32
}

func (d *countingDriver) OpenRank(profile string) (dpu.RankDriver, error) {
	r, err := d.Driver.OpenRank(profile)
	if err != nil {
		return nil, err
	}
	return &countingRank{RankDriver: r, d: d}, nil
}

type countingRank struct {
	dpu.RankDriver
	d *countingDriver
}

func (r *countingRank) Core(slice, member int) (dpu.CoreDriver, error) {
	c, err := r.RankDriver.Core(slice, member)
	if err != nil {
		return nil, err
	}
	return &countingCore{CoreDriver: c, d: r.d}, nil
}

type countingCore struct {
	dpu.CoreDriver
	d *countingDriver
}

func (c *countingCore) ReadIRAM(index uint32, dst []uint64) error {
	atomic.AddInt32(&c.d.iramReads, 1)
	return c.CoreDriver.ReadIRAM(index, dst)
}

func newLink(t *testing.T, cacheSize int) (*Client, *countingDriver, *sim.Driver) {
	t.Helper()
	sd, err := sim.New(sim.Config{Description: testDescription, Quantum: 4})
	if err != nil {
		t.Fatal(err)
	}
	drv := &countingDriver{Driver: sd}
	srv := NewServer(drv, nil)
	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(serverConn)
		close(done)
	}()
	client := NewClientFromConn(clientConn, cacheSize)
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client, drv, sd
}

func pollUntil(t *testing.T, c *dpu.Core) dpu.StateResult {
	t.Helper()
	for i := 0; i < 1000; i++ {
		res, err := c.Poll()
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res.State != dpu.StateRunning {
			return res
		}
	}
	t.Fatal("core still running")
	return dpu.StateResult{}
}

func TestRemoteExecution(t *testing.T) {
	client, _, _ := newLink(t, 0)
	r, err := dpu.Open(client, dpu.OpenConfig{Profile: "remote"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Description() != testDescription {
		t.Fatalf("description %+v", r.Description())
	}

	c := r.Lookup(1, 1)
	code := sim.Program(
		sim.Instruction(sim.OpMove, 0, 0, 3),
		dpu.BreakpointInstruction,
		sim.Instruction(sim.OpStore, 0, 0, 4),
		sim.Instruction(sim.OpStop, 0, 0, 0),
	)
	if err := c.Load(code, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Boot(ctx); err != nil {
		t.Fatal(err)
	}

	// Remote cores are polled even when the resume asked to defer it.
	if err := c.Resume(false); err != nil {
		t.Fatal(err)
	}
	if !c.Running() {
		t.Fatal("remote core not marked running")
	}
	if res := pollUntil(t, c); res.State != dpu.StateStopped {
		t.Fatalf("got %s, want stopped at the breakpoint", res.State)
	}
	if _, reason, _ := c.ThreadState(0, false); reason != dpu.StopReasonBreakpoint {
		t.Fatalf("stop reason %s", reason)
	}

	if err := c.WriteIRAM(8, sim.Program(sim.Instruction(sim.OpNop, 0, 0, 0))); err != nil {
		t.Fatal(err)
	}
	c.SetThreadRegister(0, 0, 9)
	if err := c.Resume(true); err != nil {
		t.Fatal(err)
	}
	res := pollUntil(t, c)
	if res.State != dpu.StateExited || res.ExitStatus != 9 {
		t.Fatalf("got %+v, want exited with the edited r0", res)
	}
	buf := make([]byte, 8)
	if err := c.ReadWRAM(0, buf); err != nil || buf[0] != 1 || buf[4] != 9 {
		t.Fatalf("wram %v %v", buf, err)
	}
	if err := c.WriteMRAM(1, []byte("xyz")); err != nil {
		t.Fatal(err)
	}
	if err := c.ReadMRAM(0, buf[:4]); err != nil || string(buf[1:4]) != "xyz" {
		t.Fatalf("mram %q %v", buf[:4], err)
	}
}

func TestIRAMCache(t *testing.T) {
	client, drv, _ := newLink(t, 16)
	r, err := dpu.Open(client, dpu.OpenConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	c := r.Core(0)
	if err := c.WriteIRAM(0, sim.Program(1, 2, 3, 4)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4*dpu.InstructionSize)
	for i := 0; i < 3; i++ {
		if err := c.ReadIRAM(0, buf); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&drv.iramReads); n != 1 {
		t.Fatalf("%d reads reached the device, want 1", n)
	}

	// Writes invalidate the written instructions only.
	if err := c.WriteIRAM(8, sim.Program(7)); err != nil {
		t.Fatal(err)
	}
	if err := c.ReadIRAM(0, buf[:8]); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&drv.iramReads); n != 1 {
		t.Fatalf("untouched instruction not cached: %d reads", n)
	}
	if err := c.ReadIRAM(8, buf[:8]); err != nil || buf[0] != 7 {
		t.Fatalf("stale instruction %v %v", buf[:8], err)
	}
	if n := atomic.LoadInt32(&drv.iramReads); n != 2 {
		t.Fatalf("%d reads, want 2", n)
	}

	// Execution commands drop the cached instructions of the core.
	if err := c.Resume(true); err != nil {
		t.Fatal(err)
	}
	if err := c.ReadIRAM(0, buf[:8]); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&drv.iramReads); n != 3 {
		t.Fatalf("%d reads after resume, want 3", n)
	}
}

func TestRemoteErrors(t *testing.T) {
	client, _, sd := newLink(t, -1)
	r, err := dpu.Open(client, dpu.OpenConfig{Profile: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.OpenRank("p"); err == nil || !strings.Contains(err.Error(), sim.ErrRankBusy.Error()) {
		t.Fatalf("expected busy rank, got %v", err)
	}
	if err := r.Lookup(0, 1).RestoreSliceContext(); err == nil {
		t.Fatal("expected remote error")
	}
	var derr *dpu.DriverError
	if err := r.Lookup(0, 1).RestoreSliceContext(); !errors.As(err, &derr) {
		t.Fatalf("remote error not wrapped: %v", err)
	}
	if err := r.Lookup(0, 1).SaveSliceContext(5, 6); err != nil {
		t.Fatal(err)
	}
	if s, tg, ok := sd.SliceInfo("p", 0); !ok || s != 5 || tg != 6 {
		t.Fatalf("slice info %d %d %v", s, tg, ok)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	r2, err := client.OpenRank("p")
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	r2.Close()
}

func TestRemoteCoreDump(t *testing.T) {
	client, _, _ := newLink(t, 0)
	r, err := dpu.Open(client, dpu.OpenConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	c := r.Core(2)
	if err := c.WriteWRAM(0, []byte{0xaa, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "remote.core")
	if err := c.GenerateCoreDump("prog", path, nil); err != nil {
		t.Fatal(err)
	}
	d, err := coredump.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.WRAM[0] != 0xaa || d.Description != testDescription {
		t.Fatalf("bad remote dump")
	}
}

func TestServerReleasesRanks(t *testing.T) {
	sd, err := sim.New(sim.Config{Description: testDescription})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(sd, l)
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	client, err := Dial(l.Addr().String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.OpenRank("shared"); err != nil {
		t.Fatal(err)
	}
	client.Close()

	// The rank of the closed connection is released by the server.
	deadline := time.Now().Add(5 * time.Second)
	for {
		client, err := Dial(l.Addr().String(), 0)
		if err != nil {
			t.Fatal(err)
		}
		rd, err := client.OpenRank("shared")
		if err == nil {
			rd.Close()
			client.Close()
			break
		}
		client.Close()
		if time.Now().After(deadline) {
			t.Fatalf("rank never released: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
