package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"
	"golang.org/x/sync/errgroup"

	"github.com/upmem/dpudbg/cmd/dpudbg/cmds/helphelpers"
	"github.com/upmem/dpudbg/pkg/config"
	"github.com/upmem/dpudbg/pkg/coredump"
	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/driver/link"
	"github.com/upmem/dpudbg/pkg/driver/metrics"
	"github.com/upmem/dpudbg/pkg/driver/sim"
	"github.com/upmem/dpudbg/pkg/loader"
	"github.com/upmem/dpudbg/pkg/logflags"
	"github.com/upmem/dpudbg/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// backend selection
	backend string
	// profile selects the rank to open.
	profile string
	// addr is the rank server address.
	addr string
	// metricsAddr is the prometheus endpoint address of the rank server.
	metricsAddr string

	// verbose is whether to print the build details with the version.
	verbose bool

	// slice and member select the core used by run and dump.
	slice, member int
	// runTimeout bounds the execution of the program, zero means forever.
	runTimeout time.Duration
	// coreDumpPath is where run writes a core dump when the core stops.
	coreDumpPath string
	// resumeDump is whether dump resumes the dumped core on a simulated rank.
	resumeDump bool

	conf *config.Config
)

// maxFrames bounds the frames printed for a thread.
const maxFrames = 16

// linkPollInterval spaces the polls of a remote core.
const linkPollInterval = time.Millisecond

const dpudbgCommandLongDesc = `dpudbg controls the cores of a DPU rank.

It loads programs on a core, boots and runs them to completion or to their
first fault, writes and inspects core dumps, and serves ranks to remote
clients over the link protocol.`

// exitError reports the exit status of a program run by dpudbg.
type exitError struct {
	status int
}

func (err *exitError) Error() string {
	return fmt.Sprintf("exit status %d", err.status)
}

// Execute runs root with args and returns the process exit code.
func Execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var eerr *exitError
	if errors.As(err, &eerr) {
		return eerr.status
	}
	fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	return 1
}

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main dpudbg root command.
	rootCommand := &cobra.Command{
		Use:               "dpudbg",
		Short:             "dpudbg controls the execution of DPU programs.",
		Long:              dpudbgCommandLongDesc,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dpudbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dpudbg help log').")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", conf.Backend, `Backend selection (see 'dpudbg help backend').`)
	rootCommand.PersistentFlags().StringVar(&profile, "profile", conf.Profile, "Profile of the rank to open.")
	rootCommand.PersistentFlags().StringVarP(&addr, "addr", "a", conf.LinkAddress, "Address of the rank server.")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics", conf.MetricsAddress, "Serve prometheus metrics on this address.")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "DPU debugger\n%s\n", version.DPUDbgVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	// 'serve' subcommand.
	serveCommand := &cobra.Command{
		Use:   "serve",
		Short: "Serve simulated ranks over the link protocol.",
		Long: `Serves simulated ranks to link clients until interrupted.

Clients select the rank to open with --profile. With --metrics, driver call
counts and latencies are exported for prometheus on the given address.`,
		Args: cobra.NoArgs,
		RunE: serveCmd,
	}
	rootCommand.AddCommand(serveCommand)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run <path/to/program>",
		Short: "Load, boot and run a program on a core.",
		Long: `Loads a DPU executable on a core, boots it and runs it until it exits.

The exit status of the program is the exit status of dpudbg. When the core
stops on a fault or the program runs longer than --timeout, the state of its
threads is printed, and a core dump is written if --core-dump is given.`,
		Args: cobra.ExactArgs(1),
		RunE: runCmd,
	}
	runCommand.Flags().DurationVar(&runTimeout, "timeout", 0, "Stop the program after this long.")
	runCommand.Flags().StringVar(&coreDumpPath, "core-dump", "", "Write a core dump to this path when the core stops.")
	runCommand.Flags().IntVar(&slice, "slice", 0, "Slice of the core.")
	runCommand.Flags().IntVar(&member, "member", 0, "Member of the core in its slice.")
	rootCommand.AddCommand(runCommand)

	// 'reset' subcommand.
	resetCommand := &cobra.Command{
		Use:   "reset [profile...]",
		Short: "Reset ranks.",
		Long:  "Resets the ranks of the given profiles, or the rank of --profile, in parallel.",
		RunE:  resetCmd,
	}
	rootCommand.AddCommand(resetCommand)

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump <path/to/core>",
		Short: "Print a core dump.",
		Long: `Prints the rank description and the state and call stack of every thread
recorded in a core dump.

With --resume the dump is attached to a simulated rank and the dumped core is
resumed from the recorded state.`,
		Args: cobra.ExactArgs(1),
		RunE: dumpCmd,
	}
	dumpCommand.Flags().BoolVar(&resumeDump, "resume", false, "Resume the dumped core on a simulated rank.")
	dumpCommand.Flags().IntVar(&slice, "slice", 0, "Slice of the simulated core.")
	dumpCommand.Flags().IntVar(&member, "member", 0, "Member of the simulated core in its slice.")
	dumpCommand.Flags().DurationVar(&runTimeout, "timeout", 0, "Stop the resumed program after this long.")
	rootCommand.AddCommand(dumpCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which rank driver should be used, possible values
are:

	sim	Ranks simulated in process (default).
	link	Ranks served by 'dpudbg serve' at --addr.

The default is read from the configuration file.
`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	dpu		Log state changes of the cores (default)
	link		Log link protocol calls
	sim		Log simulated rank operations
	coredump	Log core dump reading and writing

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	return rootCommand
}

func setup(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	conf.Backend = backend
	conf.Profile = profile
	conf.LinkAddress = addr
	conf.MetricsAddress = metricsAddr
	return conf.Validate()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT, sys.SIGTERM)
	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}

// openDriver returns the driver of the configured backend and a function
// releasing it.
func openDriver() (dpu.Driver, func(), error) {
	switch conf.Backend {
	case config.BackendSim:
		d, err := sim.New(conf.SimConfig())
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	case config.BackendLink:
		c, err := link.Dial(conf.LinkAddress, conf.CacheSize())
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", conf.Backend)
}

func serveCmd(cmd *cobra.Command, args []string) error {
	simDriver, err := sim.New(conf.SimConfig())
	if err != nil {
		return err
	}
	var drv dpu.Driver = simDriver

	var metricsListener net.Listener
	reg := prometheus.NewRegistry()
	if conf.MetricsAddress != "" {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		drv = metrics.New(reg).Wrap(drv)
		metricsListener, err = net.Listen("tcp", conf.MetricsAddress)
		if err != nil {
			return fmt.Errorf("couldn't start metrics listener: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "metrics on http://%s/metrics\n", metricsListener.Addr())
	}

	listener, err := net.Listen("tcp", conf.LinkAddress)
	if err != nil {
		if metricsListener != nil {
			metricsListener.Close()
		}
		return fmt.Errorf("couldn't start listener: %w", err)
	}
	server := link.NewServer(drv, listener)
	fmt.Fprintf(cmd.OutOrStdout(), "serving ranks on %s\n", listener.Addr())

	ctx, stop := signalContext(commandContext(cmd))
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)

	var httpServer *http.Server
	if metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpServer = &http.Server{Handler: mux}
		g.Go(func() error {
			if err := httpServer.Serve(metricsListener); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logflags.LinkLogger().WithError(err).Warn("metrics server shutdown")
			}
		}
		return server.Stop()
	})
	return g.Wait()
}

func runCmd(cmd *cobra.Command, args []string) error {
	prog, err := loader.Load(args[0])
	if err != nil {
		return err
	}
	drv, release, err := openDriver()
	if err != nil {
		return err
	}
	defer release()

	r, err := dpu.Open(drv, conf.OpenConfig())
	if err != nil {
		return err
	}
	defer r.Close()
	c := r.Lookup(slice, member)
	if c == nil {
		return fmt.Errorf("no core %d.%d on the rank", slice, member)
	}
	if err := prog.LoadInto(c); err != nil {
		return err
	}
	return execute(cmd, c, prog.Path, coreDumpPath)
}

// execute boots c, resumes it and polls it until it leaves the running
// state.
func execute(cmd *cobra.Command, c *dpu.Core, exePath, dumpPath string) error {
	out := cmd.OutOrStdout()
	ctx := commandContext(cmd)

	bootCtx, cancel := context.WithTimeout(ctx, conf.BootTimeout)
	err := c.Boot(bootCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := c.Resume(true); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if runTimeout > 0 {
		t := time.NewTimer(runTimeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case <-deadline:
			if err := c.Stop(false); err != nil {
				return err
			}
			fmt.Fprintf(out, "core %d.%d stopped after %v\n", c.SliceID(), c.MemberID(), runTimeout)
			printCoreThreads(out, c)
			if err := writeDump(out, c, exePath, dumpPath); err != nil {
				return err
			}
			return fmt.Errorf("program did not exit within %v", runTimeout)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := c.Poll()
		switch res.State {
		case dpu.StateRunning:
			if conf.Backend == config.BackendLink {
				time.Sleep(linkPollInterval)
			}
		case dpu.StateExited:
			fmt.Fprintf(out, "exit status %d\n", res.ExitStatus)
			if res.ExitStatus != 0 {
				return &exitError{status: int(res.ExitStatus)}
			}
			return nil
		case dpu.StateStopped:
			fmt.Fprintf(out, "core %d.%d stopped\n", c.SliceID(), c.MemberID())
			printCoreThreads(out, c)
			if err := writeDump(out, c, exePath, dumpPath); err != nil {
				return err
			}
			return fmt.Errorf("core %d.%d stopped on a fault", c.SliceID(), c.MemberID())
		default:
			if err == nil {
				err = fmt.Errorf("core %d.%d is %s", c.SliceID(), c.MemberID(), res.State)
			}
			return err
		}
	}
}

func writeDump(out io.Writer, c *dpu.Core, exePath, dumpPath string) error {
	if dumpPath == "" {
		return nil
	}
	if err := c.GenerateCoreDump(exePath, dumpPath, nil); err != nil {
		return fmt.Errorf("could not write core dump: %w", err)
	}
	fmt.Fprintf(out, "core dump written to %s\n", dumpPath)
	return nil
}

func printCoreThreads(out io.Writer, c *dpu.Core) {
	for t := 0; t < c.NrThreads(); t++ {
		st, reason, desc := c.ThreadState(t, false)
		if !c.ThreadScheduled(t) && reason == dpu.StopReasonNone {
			continue
		}
		frames, err := c.Frames(t, maxFrames)
		printThread(out, t, st, reason, desc, c.ThreadPC(t), frames, err)
	}
}

func printThread(out io.Writer, thread int, st dpu.State, reason dpu.StopReason, desc string, pc uint16, frames []dpu.Frame, err error) {
	fmt.Fprintf(out, "thread %d: %s", thread, st)
	switch {
	case desc != "":
		fmt.Fprintf(out, " (%s: %s)", reason, desc)
	case reason != dpu.StopReasonNone:
		fmt.Fprintf(out, " (%s)", reason)
	}
	fmt.Fprintf(out, " at %#x\n", dpu.IRAMAddress(uint32(pc)))
	for i, f := range frames {
		fmt.Fprintf(out, "  #%d %#x cfa %#x\n", i, f.PC, f.CFA)
	}
	if err != nil {
		fmt.Fprintf(out, "  unwinding stopped: %v\n", err)
	}
}

func resetCmd(cmd *cobra.Command, args []string) error {
	profiles := args
	if len(profiles) == 0 {
		profiles = []string{conf.Profile}
	}
	drv, release, err := openDriver()
	if err != nil {
		return err
	}
	defer release()

	g := new(errgroup.Group)
	for _, p := range profiles {
		p := p
		g.Go(func() error {
			r, err := dpu.Open(drv, dpu.OpenConfig{Profile: p, ExitStatusRegister: conf.ExitRegister()})
			if err != nil {
				return fmt.Errorf("rank %q: %w", p, err)
			}
			defer r.Close()
			if err := r.Reset(); err != nil {
				return fmt.Errorf("rank %q: %w", p, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, p := range profiles {
		fmt.Fprintf(cmd.OutOrStdout(), "rank %q reset\n", p)
	}
	return nil
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	d, err := coredump.Open(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	desc := d.Description
	fmt.Fprintf(out, "Executable: %s\n", d.ExePath)
	fmt.Fprintf(out, "Written by: dpudbg %s\n", d.Version)
	fmt.Fprintf(out, "Rank: %d slices of %d cores, %d threads of %d registers\n", desc.NrSlices, desc.NrMembersPerSlice, desc.NrThreads, desc.NrRegisters)
	fmt.Fprintf(out, "Memories: iram %d bytes, wram %d bytes, mram %d bytes\n", len(d.IRAM), len(d.WRAM), len(d.MRAM))
	for t := 0; t < d.Context.NrThreads; t++ {
		st, reason, rdesc := d.ThreadState(t)
		if d.Context.Scheduling[t] == dpu.SchedulingNone && reason == dpu.StopReasonNone {
			continue
		}
		frames, err := d.Frames(t, maxFrames)
		printThread(out, t, st, reason, rdesc, d.Context.PCs[t], frames, err)
	}
	if !resumeDump {
		return nil
	}

	if conf.Backend != config.BackendSim {
		return fmt.Errorf("--resume requires the %s backend", config.BackendSim)
	}
	cfg := conf.SimConfig()
	cfg.Description = d.Description
	drv, err := sim.New(cfg)
	if err != nil {
		return err
	}
	if err := drv.AttachDump(conf.Profile, slice, member, d); err != nil {
		return err
	}
	r, err := dpu.Open(drv, conf.OpenConfig())
	if err != nil {
		return err
	}
	defer r.Close()
	c := r.Lookup(slice, member)
	if c == nil {
		return fmt.Errorf("no core %d.%d on the rank", slice, member)
	}
	fmt.Fprintf(out, "resuming core %d.%d\n", slice, member)
	return execute(cmd, c, d.ExePath, "")
}
