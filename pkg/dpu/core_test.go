package dpu

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func fakeCoreOf(fr *fakeRank, c *Core) *fakeCore {
	return fr.cores[[2]int{c.SliceID(), c.MemberID()}]
}

func TestBootInjectsAndRestoresFirstInstruction(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)
	fc := fakeCoreOf(fr, c)

	const first = 0x1122334455667788
	code := encodeInstructions([]uint64{first, 2, 3})
	if err := c.Load(code, []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatal(err)
	}
	if fc.wram[1] != 5 {
		t.Fatalf("data not padded and written: %v", fc.wram[:2])
	}

	fc.polls = []pollResult{{running: true}, {running: true}, {running: true, fault: true}}
	fc.hw.BkpFault = true
	fc.hw.BkpFaultThread = BootThread
	fc.hw.Scheduling[BootThread] = 0
	fc.hw.NrRunningThreads = 1
	fr.log.reset()

	if err := c.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if fc.iram[0] != first {
		t.Fatalf("first instruction not restored: %#x", fc.iram[0])
	}
	want := []string{"read-iram", "write-iram", "pre-execution", "launch-0", "poll", "poll", "poll", "init-fault", "extract", "write-iram"}
	if got := ops(fr.log, "0.0"); !reflect.DeepEqual(got, want) {
		t.Fatalf("boot sequence:\n got %v\nwant %v", got, want)
	}
	if c.State() != StateStopped || c.Running() {
		t.Fatalf("after boot: state %s running %v", c.State(), c.Running())
	}
	if st, reason, _ := c.ThreadState(BootThread, false); st != StateStopped || reason != StopReasonBreakpoint {
		t.Fatalf("boot thread state %s %s", st, reason)
	}
}

func TestBootFailure(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)
	fc := fakeCoreOf(fr, c)
	fc.polls = []pollResult{{running: false}}
	err := c.Boot(context.Background())
	var berr *BootError
	if !errors.As(err, &berr) || berr.State != StateExited {
		t.Fatalf("expected boot error in exited state, got %v", err)
	}

	c = r.Core(1)
	fc = fakeCoreOf(fr, c)
	fc.fail["pre-execution"] = true
	if err := c.Boot(context.Background()); !errors.Is(err, errFake) {
		t.Fatalf("expected pre-execution failure, got %v", err)
	}
}

func TestBootHonoursContext(t *testing.T) {
	r, _ := openFake(t)
	c := r.Core(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Boot(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state %s, want running", c.State())
	}
}

func TestBootAdoptsPendingContext(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(2)
	fc := fakeCoreOf(fr, c)
	saved := NewContext(testDescription.NrThreads, testDescription.NrRegisters)
	saved.DMAFault = true
	saved.DMAFaultThread = 2
	saved.PCs[2] = 12
	fc.pending = saved
	fr.log.reset()

	if err := c.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ops(fr.log, "0.2"); len(got) != 0 {
		t.Fatalf("adopting a saved context must not touch the device: %v", got)
	}
	if !c.Attached() || c.ThreadPC(2) != 12 {
		t.Fatalf("saved context not adopted: attached=%v pc=%d", c.Attached(), c.ThreadPC(2))
	}
	if st, reason, desc := c.ThreadState(2, false); st != StateCrashed || reason != StopReasonException || desc != "dma fault" {
		t.Fatalf("thread state %s %s %q", st, reason, desc)
	}
}

func TestPoll(t *testing.T) {
	for _, tc := range []struct {
		name      string
		poll      pollResult
		failOp    string
		wantState State
		wantErr   bool
	}{
		{"running", pollResult{running: true}, "", StateRunning, false},
		{"fault", pollResult{running: true, fault: true}, "", StateStopped, false},
		{"exited", pollResult{running: false}, "", StateExited, false},
		{"stop failure", pollResult{running: false}, "extract", StateCrashed, true},
		{"poll failure", pollResult{}, "poll", StateCrashed, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, fr := openFake(t)
			c := r.Core(0)
			fc := fakeCoreOf(fr, c)
			fc.hw.Registers[0] = 42
			fc.polls = []pollResult{tc.poll}
			if tc.failOp != "" {
				fc.fail[tc.failOp] = true
			}
			if err := c.launchBootThread(); err != nil {
				t.Fatal(err)
			}
			res, err := c.Poll()
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if res.State != tc.wantState || c.State() != tc.wantState {
				t.Fatalf("state %s (core %s), want %s", res.State, c.State(), tc.wantState)
			}
			if tc.wantState == StateStopped || tc.wantState == StateExited {
				if res.ExitStatus != 42 {
					t.Errorf("exit status %d, want 42", res.ExitStatus)
				}
				if c.Running() {
					t.Error("core still running after stop")
				}
			}
			if tc.wantState == StateRunning && !c.Running() {
				t.Error("running core lost its running flag")
			}
			if tc.wantState == StateCrashed {
				if c.Running() {
					t.Fatal("crashed core still running")
				}
				delete(fc.fail, tc.failOp)
				fc.polls = []pollResult{{running: true}}
				fr.log.reset()
				res, err := c.Poll()
				if err != nil || res.State != StateInvalid || c.State() != StateCrashed {
					t.Fatalf("poll after crash = %s %v (core %s), want invalid", res.State, err, c.State())
				}
				if got := ops(fr.log, "0.0"); len(got) != 0 {
					t.Fatalf("poll after crash touched the device: %v", got)
				}
			}
		})
	}
}

func TestPollNotRunning(t *testing.T) {
	r, fr := openFake(t)
	res, err := r.Core(0).Poll()
	if err != nil || res.State != StateInvalid {
		t.Fatalf("Poll on idle core = %v %v", res, err)
	}
	if got := ops(fr.log, "0.0"); len(got) != 0 {
		t.Fatalf("idle poll touched the device: %v", got)
	}
}

func TestStopForceParksThreads(t *testing.T) {
	r, _ := openFake(t)
	c := r.Core(0)
	c.ctx.Scheduling[1] = 3
	c.ctx.NrRunningThreads = 2
	c.ctx.BkpFault, c.ctx.DMAFault, c.ctx.MemFault = true, true, true

	if err := c.Stop(true); err != nil {
		t.Fatal(err)
	}
	for i, s := range c.ctx.Scheduling {
		if s != SchedulingNone {
			t.Errorf("thread %d still scheduled (%#x)", i, s)
		}
	}
	if c.ctx.NrRunningThreads != 0 || c.ctx.BkpFault || c.ctx.DMAFault || c.ctx.MemFault {
		t.Fatalf("context not parked: %+v", c.ctx)
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)
	c.ctx.Scheduling[1] = 3
	c.ctx.BkpFault = true
	before := c.ctx.Clone()
	if err := c.Stop(false); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, c.ctx) {
		t.Fatal("Stop(false) on an idle core changed the snapshot")
	}
	if got := ops(fr.log, "0.0"); len(got) != 0 {
		t.Fatalf("Stop(false) on an idle core touched the device: %v", got)
	}
	if c.State() != StateInvalid {
		t.Fatalf("state changed to %s", c.State())
	}
}

func TestResumeRefusesUnrecoverableFaults(t *testing.T) {
	for _, kind := range []FaultKind{FaultDMA, FaultMemory} {
		r, fr := openFake(t)
		c := r.Core(0)
		c.ctx.BkpFault = true
		if kind == FaultDMA {
			c.ctx.DMAFault = true
		} else {
			c.ctx.MemFault = true
		}
		err := c.Resume(true)
		var ferr *FaultError
		if !errors.As(err, &ferr) || ferr.Kind != kind {
			t.Fatalf("%s: expected fault error, got %v", kind, err)
		}
		if c.Running() {
			t.Fatalf("%s: core running after refused resume", kind)
		}
		if c.ctx.BkpFault {
			t.Fatalf("%s: breakpoint fault not consumed", kind)
		}
		if got := ops(fr.log, "0.0"); len(got) != 0 {
			t.Fatalf("%s: refused resume touched the device: %v", kind, got)
		}
	}
}

func TestResumeFlushesDirtyRegisters(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)
	fc := fakeCoreOf(fr, c)
	if err := c.SetThreadRegister(1, 5, 0xdead); err != nil {
		t.Fatal(err)
	}
	if !c.RegistersDirty() {
		t.Fatal("register write did not mark registers dirty")
	}
	if err := c.Resume(true); err != nil {
		t.Fatal(err)
	}
	if got, want := ops(fr.log, "0.0"), []string{"restore", "finalize-fault"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if len(fc.restored) != 1 || fc.restored[0].ThreadRegisters(1)[5] != 0xdead {
		t.Fatal("restored context does not carry the edit")
	}
	if c.RegistersDirty() || !c.Running() || c.State() != StateRunning {
		t.Fatalf("after resume: dirty=%v running=%v state=%s", c.RegistersDirty(), c.Running(), c.State())
	}

	fr.log.reset()
	c.Stop(true)
	fr.log.reset()
	if err := c.Resume(true); err != nil {
		t.Fatal(err)
	}
	if got := ops(fr.log, "0.0"); !reflect.DeepEqual(got, []string{"finalize-fault"}) {
		t.Fatalf("clean resume restored the context: %v", got)
	}
}

func TestResumeDeferredPolling(t *testing.T) {
	r, _ := openFake(t)
	c := r.Core(0)
	if err := c.Resume(false); err != nil {
		t.Fatal(err)
	}
	if c.Running() {
		t.Fatal("Resume(false) marked the core running")
	}
	if err := c.EnablePolling(); err != nil || !c.Running() {
		t.Fatalf("EnablePolling: %v running=%v", err, c.Running())
	}

	drv := newFakeDriver(testDescription)
	r, err := newRank(alwaysPollingRank{drv.rank}, OpenConfig{})
	if err != nil {
		t.Fatal(err)
	}
	c = r.Core(0)
	if err := c.Resume(false); err != nil {
		t.Fatal(err)
	}
	if !c.Running() {
		t.Fatal("a driver that always polls must mark the core running")
	}
}

func TestStepUnscheduledThread(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)
	c.MarkRegistersDirty()
	res, err := c.Step(2)
	if err != nil || res.State != StateStopped {
		t.Fatalf("Step = %v %v", res, err)
	}
	if got := ops(fr.log, "0.0"); len(got) != 0 {
		t.Fatalf("stepping an unscheduled thread touched the device: %v", got)
	}
	if !c.RegistersDirty() {
		t.Fatal("dirty registers flushed without a step")
	}
}

func TestStep(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)
	fc := fakeCoreOf(fr, c)
	c.ctx.Scheduling[1] = 0
	fc.hw.Scheduling[1] = 0
	fc.hw.NrRunningThreads = 1
	fc.hw.PCs[1] = 4
	c.SetThreadPC(1, 3)

	res, err := c.Step(1)
	if err != nil || res.State != StateStopped {
		t.Fatalf("Step = %v %v", res, err)
	}
	if got, want := ops(fr.log, "0.0"), []string{"restore", "step-1", "extract"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if c.ThreadPC(1) != 4 || c.RegistersDirty() {
		t.Fatalf("pc %d dirty %v", c.ThreadPC(1), c.RegistersDirty())
	}
	if st, reason, desc := c.ThreadState(1, true); st != StateStopped || reason != StopReasonTrace || desc != "stepping" {
		t.Fatalf("thread state %s %s %q", st, reason, desc)
	}

	// The last running thread finishes.
	fc.stepHook = func(int) {
		fc.hw.Scheduling[1] = SchedulingNone
		fc.hw.NrRunningThreads = 0
		fc.hw.Registers[0] = 7
	}
	res, err = c.Step(1)
	if err != nil || res.State != StateExited || res.ExitStatus != 7 {
		t.Fatalf("Step = %+v %v, want exited with status 7", res, err)
	}

	fc.hw.Scheduling[1] = 0
	fc.hw.NrRunningThreads = 1
	c.ctx.Scheduling[1] = 0
	fc.fail["step-1"] = true
	if res, err := c.Step(1); !errors.Is(err, errFake) || res.State != StateCrashed {
		t.Fatalf("Step = %v %v, want crashed", res, err)
	}

	if _, err := c.Step(testDescription.NrThreads); err == nil {
		t.Fatal("expected error stepping an out of range thread")
	}
}

func TestStepExitStatusRegister(t *testing.T) {
	drv := newFakeDriver(testDescription)
	r, err := Open(drv, OpenConfig{ExitStatusRegister: 3})
	if err != nil {
		t.Fatal(err)
	}
	c := r.Core(0)
	fc := fakeCoreOf(drv.rank, c)
	c.ctx.Scheduling[0] = 0
	fc.hw.Registers[3] = 99
	res, err := c.Step(0)
	if err != nil || res.State != StateExited || res.ExitStatus != 99 {
		t.Fatalf("Step = %+v %v", res, err)
	}
}

func TestStepRefusesUnrecoverableFaults(t *testing.T) {
	r, fr := openFake(t)
	c := r.Core(0)
	c.ctx.Scheduling[0] = 0
	c.ctx.MemFault = true
	res, err := c.Step(0)
	var ferr *FaultError
	if !errors.As(err, &ferr) || res.State != StateCrashed {
		t.Fatalf("Step = %v %v", res, err)
	}
	if got := ops(fr.log, "0.0"); len(got) != 0 {
		t.Fatalf("refused step touched the device: %v", got)
	}
}

func TestThreadStatePrecedence(t *testing.T) {
	r, _ := openFake(t)
	c := r.Core(0)
	ctx := c.ctx

	ctx.BkpFault, ctx.BkpFaultThread = true, 1
	ctx.DMAFault, ctx.DMAFaultThread = true, 1
	ctx.MemFault, ctx.MemFaultThread = true, 1
	ctx.Scheduling[1] = 0
	if st, reason, _ := c.ThreadState(1, true); st != StateStopped || reason != StopReasonBreakpoint {
		t.Fatalf("breakpoint must win: %s %s", st, reason)
	}

	ctx.BkpFault = false
	if st, reason, desc := c.ThreadState(1, true); st != StateCrashed || reason != StopReasonException || desc != "dma fault" {
		t.Fatalf("dma must win over memory: %s %s %q", st, reason, desc)
	}

	ctx.DMAFault = false
	if st, _, desc := c.ThreadState(1, true); st != StateCrashed || desc != "memory fault" {
		t.Fatalf("memory fault: %s %q", st, desc)
	}

	ctx.MemFault = false
	if _, reason, desc := c.ThreadState(1, true); reason != StopReasonTrace || desc != "stepping" {
		t.Fatalf("scheduled stepping thread: %s %q", reason, desc)
	}

	ctx.Scheduling[1] = SchedulingNone
	ctx.PCs[1] = 8
	if _, reason, desc := c.ThreadState(1, true); reason != StopReasonTrace || desc != "stopped" {
		t.Fatalf("stepping thread with pc: %s %q", reason, desc)
	}
	if st, reason, desc := c.ThreadState(1, false); st != StateStopped || reason != StopReasonNone || desc != "" {
		t.Fatalf("default: %s %s %q", st, reason, desc)
	}

	// Faults of other threads do not leak.
	ctx.DMAFault, ctx.DMAFaultThread = true, 2
	if st, _, _ := c.ThreadState(1, false); st != StateStopped {
		t.Fatalf("fault of thread 2 reported on thread 1")
	}
	if st, _, _ := c.ThreadState(9, false); st != StateInvalid {
		t.Fatalf("out of range thread: %s", st)
	}
}

func TestSliceContext(t *testing.T) {
	r, fr := openFake(t)
	c := r.Lookup(1, 2)
	if err := c.SaveSliceContext(0xaa, 0xbb); err != nil {
		t.Fatal(err)
	}
	if fr.slices[1] != [2]uint64{0xaa, 0xbb} {
		t.Fatalf("slice info %v", fr.slices)
	}
	if err := c.RestoreSliceContext(); err != nil {
		t.Fatal(err)
	}
	if got, want := ops(fr.log, "1.2"), []string{"save-slice", "restore-slice"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	fakeCoreOf(fr, c).fail["save-slice"] = true
	delete(fr.slices, 1)
	if err := c.SaveSliceContext(1, 2); !errors.Is(err, errFake) {
		t.Fatalf("expected failure, got %v", err)
	}
	if _, ok := fr.slices[1]; ok {
		t.Fatal("slice info recorded after a failed save")
	}
}
