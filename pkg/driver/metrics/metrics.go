// Package metrics instruments a dpu.Driver with prometheus metrics.
//
// Every driver call is counted by operation and result and its latency is
// observed, so that a rank served over the link protocol can be monitored
// from the same endpoint as the server process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/upmem/dpudbg/pkg/dpu"
)

const namespace = "dpudbg"

// Metrics holds the collectors shared by every instrumented driver.
type Metrics struct {
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	openRank prometheus.Gauge
}

// New creates the driver collectors and registers them with reg. A nil reg
// selects the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "calls_total",
			Help:      "Driver calls by operation and result.",
		}, []string{"op", "result"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "call_duration_seconds",
			Help:      "Driver call latency by operation.",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"op"}),
		openRank: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "open_ranks",
			Help:      "Ranks currently held through the driver.",
		}),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(op, result).Inc()
}

// Wrap returns drv with every call of its ranks and cores instrumented.
func (m *Metrics) Wrap(drv dpu.Driver) dpu.Driver {
	return &driver{drv: drv, m: m}
}

type driver struct {
	drv dpu.Driver
	m   *Metrics
}

func (d *driver) OpenRank(profile string) (dpu.RankDriver, error) {
	start := time.Now()
	r, err := d.drv.OpenRank(profile)
	d.m.observe("open_rank", start, err)
	if err != nil {
		return nil, err
	}
	d.m.openRank.Inc()
	return &rank{drv: r, m: d.m}, nil
}

type rank struct {
	drv dpu.RankDriver
	m   *Metrics
}

// AlwaysPolls forwards the polling capability of the wrapped rank.
func (r *rank) AlwaysPolls() bool {
	p, ok := r.drv.(interface{ AlwaysPolls() bool })
	return ok && p.AlwaysPolls()
}

func (r *rank) Description() dpu.Description { return r.drv.Description() }

func (r *rank) Core(slice, member int) (dpu.CoreDriver, error) {
	c, err := r.drv.Core(slice, member)
	if err != nil {
		return nil, err
	}
	return &core{drv: c, m: r.m}, nil
}

func (r *rank) Reset() error {
	start := time.Now()
	err := r.drv.Reset()
	r.m.observe("reset", start, err)
	return err
}

func (r *rank) SetSliceInfo(slice int, structure, target uint64) error {
	start := time.Now()
	err := r.drv.SetSliceInfo(slice, structure, target)
	r.m.observe("set_slice_info", start, err)
	return err
}

func (r *rank) CreateCoreDump(exePath, corePath string, ctx *dpu.Context, images dpu.Images) error {
	start := time.Now()
	err := r.drv.CreateCoreDump(exePath, corePath, ctx, images)
	r.m.observe("create_core_dump", start, err)
	return err
}

func (r *rank) Close() error {
	start := time.Now()
	err := r.drv.Close()
	r.m.observe("close_rank", start, err)
	if err == nil {
		r.m.openRank.Dec()
	}
	return err
}

type core struct {
	drv dpu.CoreDriver
	m   *Metrics
}

func (c *core) track(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.m.observe(op, start, err)
	return err
}

func (c *core) ReadIRAM(index uint32, dst []uint64) error {
	return c.track("read_iram", func() error { return c.drv.ReadIRAM(index, dst) })
}

func (c *core) WriteIRAM(index uint32, src []uint64) error {
	return c.track("write_iram", func() error { return c.drv.WriteIRAM(index, src) })
}

func (c *core) ReadWRAM(index uint32, dst []uint32) error {
	return c.track("read_wram", func() error { return c.drv.ReadWRAM(index, dst) })
}

func (c *core) WriteWRAM(index uint32, src []uint32) error {
	return c.track("write_wram", func() error { return c.drv.WriteWRAM(index, src) })
}

func (c *core) ReadMRAM(offset uint32, dst []byte) error {
	return c.track("read_mram", func() error { return c.drv.ReadMRAM(offset, dst) })
}

func (c *core) WriteMRAM(offset uint32, src []byte) error {
	return c.track("write_mram", func() error { return c.drv.WriteMRAM(offset, src) })
}

func (c *core) ExtractContext(ctx *dpu.Context) error {
	return c.track("extract_context", func() error { return c.drv.ExtractContext(ctx) })
}

func (c *core) RestoreContext(ctx *dpu.Context) error {
	return c.track("restore_context", func() error { return c.drv.RestoreContext(ctx) })
}

func (c *core) InitializeFaultProcess(ctx *dpu.Context) error {
	return c.track("initialize_fault_process", func() error { return c.drv.InitializeFaultProcess(ctx) })
}

func (c *core) FinalizeFaultProcess(ctx *dpu.Context) error {
	return c.track("finalize_fault_process", func() error { return c.drv.FinalizeFaultProcess(ctx) })
}

func (c *core) PreExecution() error {
	return c.track("pre_execution", c.drv.PreExecution)
}

func (c *core) LaunchThread(thread int) error {
	return c.track("launch_thread", func() error { return c.drv.LaunchThread(thread) })
}

func (c *core) Poll() (running, fault bool, err error) {
	err = c.track("poll", func() error {
		var err error
		running, fault, err = c.drv.Poll()
		return err
	})
	return running, fault, err
}

func (c *core) StepThread(thread int, ctx *dpu.Context) error {
	return c.track("step_thread", func() error { return c.drv.StepThread(thread, ctx) })
}

func (c *core) SaveSliceContext() error {
	return c.track("save_slice_context", c.drv.SaveSliceContext)
}

func (c *core) RestoreSliceContext() error {
	return c.track("restore_slice_context", c.drv.RestoreSliceContext)
}

func (c *core) PendingContext() (ctx *dpu.Context, err error) {
	err = c.track("pending_context", func() error {
		var err error
		ctx, err = c.drv.PendingContext()
		return err
	})
	return ctx, err
}
