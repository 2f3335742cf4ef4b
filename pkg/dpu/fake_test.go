package dpu

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var errFake = errors.New("fake failure")

var testDescription = Description{
	NrSlices:          2,
	NrMembersPerSlice: 4,
	NrThreads:         4,
	NrRegisters:       24,
	IRAMSize:          64,
	WRAMSize:          256,
	MRAMSize:          1024,
}

// callLog records driver calls in the order they happen.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

type fakeDriver struct {
	rank    *fakeRank
	openErr error
}

func newFakeDriver(desc Description) *fakeDriver {
	r := &fakeRank{desc: desc, log: &callLog{}, cores: map[[2]int]*fakeCore{}}
	for s := 0; s < desc.NrSlices; s++ {
		for m := 0; m < desc.NrMembersPerSlice; m++ {
			r.cores[[2]int{s, m}] = &fakeCore{
				name: fmt.Sprintf("%d.%d", s, m),
				log:  r.log,
				iram: make([]uint64, desc.IRAMSize),
				wram: make([]uint32, desc.WRAMSize),
				mram: make([]byte, desc.MRAMSize),
				hw:   NewContext(desc.NrThreads, desc.NrRegisters),
				fail: map[string]bool{},
			}
		}
	}
	return &fakeDriver{rank: r}
}

func (d *fakeDriver) OpenRank(profile string) (RankDriver, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.rank, nil
}

type fakeDump struct {
	exe, core string
	ctx       *Context
	images    Images
}

type fakeRank struct {
	desc     Description
	log      *callLog
	cores    map[[2]int]*fakeCore
	coreErr  error
	resetErr error
	dumps    []fakeDump
	slices   map[int][2]uint64
	closed   bool
}

func (r *fakeRank) Description() Description { return r.desc }

func (r *fakeRank) Core(slice, member int) (CoreDriver, error) {
	if r.coreErr != nil && slice == r.desc.NrSlices-1 {
		return nil, r.coreErr
	}
	return r.cores[[2]int{slice, member}], nil
}

func (r *fakeRank) Reset() error {
	r.log.add("rank:reset")
	return r.resetErr
}

func (r *fakeRank) SetSliceInfo(slice int, structure, target uint64) error {
	r.log.add("rank:slice-info")
	if r.slices == nil {
		r.slices = map[int][2]uint64{}
	}
	r.slices[slice] = [2]uint64{structure, target}
	return nil
}

func (r *fakeRank) CreateCoreDump(exePath, corePath string, ctx *Context, images Images) error {
	r.log.add("rank:core-dump")
	r.dumps = append(r.dumps, fakeDump{exePath, corePath, ctx.Clone(), Images{
		IRAM: append([]byte(nil), images.IRAM...),
		WRAM: append([]byte(nil), images.WRAM...),
		MRAM: append([]byte(nil), images.MRAM...),
	}})
	return nil
}

func (r *fakeRank) Close() error {
	r.closed = true
	return nil
}

type alwaysPollingRank struct {
	*fakeRank
}

func (alwaysPollingRank) AlwaysPolls() bool { return true }

type pollResult struct {
	running, fault bool
}

// fakeCore is a scripted core: Poll replays polls, ExtractContext copies hw.
type fakeCore struct {
	name  string
	log   *callLog
	delay time.Duration
	fail  map[string]bool

	iram []uint64
	wram []uint32
	mram []byte

	hw       *Context
	polls    []pollResult
	pending  *Context
	restored []*Context
	stepHook func(thread int)
}

func (c *fakeCore) call(op string) error {
	c.log.add("begin " + c.name + ":" + op)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.log.add("end " + c.name + ":" + op)
	if c.fail[op] {
		return errFake
	}
	return nil
}

func (c *fakeCore) ReadIRAM(index uint32, dst []uint64) error {
	copy(dst, c.iram[index:])
	return c.call("read-iram")
}

func (c *fakeCore) WriteIRAM(index uint32, src []uint64) error {
	copy(c.iram[index:], src)
	return c.call("write-iram")
}

func (c *fakeCore) ReadWRAM(index uint32, dst []uint32) error {
	copy(dst, c.wram[index:])
	return c.call("read-wram")
}

func (c *fakeCore) WriteWRAM(index uint32, src []uint32) error {
	copy(c.wram[index:], src)
	return c.call("write-wram")
}

func (c *fakeCore) ReadMRAM(offset uint32, dst []byte) error {
	copy(dst, c.mram[offset:])
	return c.call("read-mram")
}

func (c *fakeCore) WriteMRAM(offset uint32, src []byte) error {
	copy(c.mram[offset:], src)
	return c.call("write-mram")
}

func (c *fakeCore) ExtractContext(ctx *Context) error {
	if err := c.call("extract"); err != nil {
		return err
	}
	return ctx.CopyFrom(c.hw)
}

func (c *fakeCore) RestoreContext(ctx *Context) error {
	c.restored = append(c.restored, ctx.Clone())
	return c.call("restore")
}

func (c *fakeCore) InitializeFaultProcess(ctx *Context) error {
	return c.call("init-fault")
}

func (c *fakeCore) FinalizeFaultProcess(ctx *Context) error {
	return c.call("finalize-fault")
}

func (c *fakeCore) PreExecution() error { return c.call("pre-execution") }

func (c *fakeCore) LaunchThread(thread int) error {
	return c.call(fmt.Sprintf("launch-%d", thread))
}

func (c *fakeCore) Poll() (bool, bool, error) {
	if err := c.call("poll"); err != nil {
		return false, false, err
	}
	if len(c.polls) == 0 {
		return true, false, nil
	}
	p := c.polls[0]
	c.polls = c.polls[1:]
	return p.running, p.fault, nil
}

func (c *fakeCore) StepThread(thread int, ctx *Context) error {
	if c.stepHook != nil {
		c.stepHook(thread)
	}
	return c.call(fmt.Sprintf("step-%d", thread))
}

func (c *fakeCore) SaveSliceContext() error    { return c.call("save-slice") }
func (c *fakeCore) RestoreSliceContext() error { return c.call("restore-slice") }

func (c *fakeCore) PendingContext() (*Context, error) {
	p := c.pending
	c.pending = nil
	return p, nil
}

// ops returns the operations of name recorded in log, without the
// begin/end markers.
func ops(log *callLog, name string) []string {
	var r []string
	for _, s := range log.get() {
		if op, ok := strings.CutPrefix(s, "end "+name+":"); ok {
			r = append(r, op)
		}
	}
	return r
}
