// Package link exposes a dpu.Driver over a network connection and
// implements a dpu.Driver on top of such a connection.
//
// The protocol is JSON-RPC: every method of RPCServer is called as
// "RPCServer.<Method>" with a <Method>In argument and a <Method>Out reply.
// Ranks opened by a connection are released when the connection ends.
package link

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/logflags"
)

// Server serves a dpu.Driver to the connections accepted on a listener.
type Server struct {
	drv      dpu.Driver
	listener net.Listener
	stopChan chan struct{}

	mu    sync.Mutex
	conns map[io.Closer]struct{}
}

// NewServer creates a Server exposing drv on listener.
func NewServer(drv dpu.Driver, listener net.Listener) *Server {
	return &Server{
		drv:      drv,
		listener: listener,
		stopChan: make(chan struct{}),
		conns:    map[io.Closer]struct{}{},
	}
}

// Run accepts connections until Stop is called. Each connection is served
// on its own goroutine.
func (s *Server) Run() error {
	logflags.LinkLogger().Infof("serving ranks on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.ServeConn(conn)
	}
}

// Stop stops accepting connections and closes the served ones.
func (s *Server) Stop() error {
	select {
	case <-s.stopChan:
		return nil
	default:
	}
	close(s.stopChan)
	err := s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return err
}

// ServeConn serves conn until the peer disconnects.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	sess := &session{drv: s.drv, ranks: map[int]*sessionRank{}}
	srv := rpc.NewServer()
	if err := srv.RegisterName("RPCServer", &RPCServer{sess}); err != nil {
		panic(err)
	}
	logflags.LinkLogger().Debug("connection opened")
	srv.ServeCodec(jsonrpc.NewServerCodec(conn))
	sess.close()
	logflags.LinkLogger().Debug("connection closed")

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// session holds the ranks opened through one connection.
type session struct {
	drv dpu.Driver

	mu     sync.Mutex
	nextID int
	ranks  map[int]*sessionRank
}

type sessionRank struct {
	// mu serializes the driver calls on the rank; requests of one
	// connection are served concurrently.
	mu    sync.Mutex
	drv   dpu.RankDriver
	cores map[[2]int]dpu.CoreDriver
}

var errUnknownRank = errors.New("unknown rank")

func (s *session) rank(id int) (*sessionRank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ranks[id]
	if r == nil {
		return nil, fmt.Errorf("%w %d", errUnknownRank, id)
	}
	return r, nil
}

// withRank runs fn on rank id with its lock held.
func (s *session) withRank(id int, fn func(r *sessionRank) error) error {
	r, err := s.rank(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r)
}

// withCore runs fn on the core designated by ref with its rank lock held.
func (s *session) withCore(ref CoreRef, fn func(c dpu.CoreDriver) error) error {
	return s.withRank(ref.Rank, func(r *sessionRank) error {
		key := [2]int{ref.Slice, ref.Member}
		c := r.cores[key]
		if c == nil {
			var err error
			if c, err = r.drv.Core(ref.Slice, ref.Member); err != nil {
				return err
			}
			r.cores[key] = c
		}
		return fn(c)
	})
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.ranks {
		r.mu.Lock()
		if err := r.drv.Close(); err != nil {
			logflags.LinkLogger().WithError(err).Warnf("could not release rank %d", id)
		}
		r.mu.Unlock()
		delete(s.ranks, id)
	}
}

// RPCServer implements the methods served on a connection.
type RPCServer struct {
	s *session
}

func (r *RPCServer) OpenRank(arg OpenRankIn, out *OpenRankOut) error {
	rd, err := r.s.drv.OpenRank(arg.Profile)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	id := r.s.nextID
	r.s.nextID++
	r.s.ranks[id] = &sessionRank{drv: rd, cores: map[[2]int]dpu.CoreDriver{}}
	r.s.mu.Unlock()

	out.Rank = id
	out.Description = rd.Description()
	logflags.LinkLogger().WithField("profile", arg.Profile).Debugf("rank %d opened", id)
	return nil
}

func (r *RPCServer) CloseRank(arg CloseRankIn, out *CloseRankOut) error {
	r.s.mu.Lock()
	rk := r.s.ranks[arg.Rank]
	delete(r.s.ranks, arg.Rank)
	r.s.mu.Unlock()
	if rk == nil {
		return fmt.Errorf("%w %d", errUnknownRank, arg.Rank)
	}
	rk.mu.Lock()
	defer rk.mu.Unlock()
	return rk.drv.Close()
}

func (r *RPCServer) ResetRank(arg ResetRankIn, out *ResetRankOut) error {
	return r.s.withRank(arg.Rank, func(rk *sessionRank) error {
		return rk.drv.Reset()
	})
}

func (r *RPCServer) SetSliceInfo(arg SetSliceInfoIn, out *SetSliceInfoOut) error {
	return r.s.withRank(arg.Rank, func(rk *sessionRank) error {
		return rk.drv.SetSliceInfo(arg.Slice, arg.Structure, arg.Target)
	})
}

func (r *RPCServer) CreateCoreDump(arg CreateCoreDumpIn, out *CreateCoreDumpOut) error {
	if arg.Context == nil {
		return errors.New("missing context")
	}
	return r.s.withRank(arg.Rank, func(rk *sessionRank) error {
		return rk.drv.CreateCoreDump(arg.ExePath, arg.CorePath, arg.Context, arg.Images)
	})
}

// maxTransfer bounds the element count of a single memory read.
const maxTransfer = 1 << 26

func checkCount(n int) error {
	if n < 0 || n > maxTransfer {
		return fmt.Errorf("invalid transfer size %d", n)
	}
	return nil
}

func (r *RPCServer) ReadIRAM(arg ReadIRAMIn, out *ReadIRAMOut) error {
	if err := checkCount(arg.Count); err != nil {
		return err
	}
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		out.Instructions = make([]uint64, arg.Count)
		return c.ReadIRAM(arg.Index, out.Instructions)
	})
}

func (r *RPCServer) WriteIRAM(arg WriteIRAMIn, out *WriteIRAMOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return c.WriteIRAM(arg.Index, arg.Instructions)
	})
}

func (r *RPCServer) ReadWRAM(arg ReadWRAMIn, out *ReadWRAMOut) error {
	if err := checkCount(arg.Count); err != nil {
		return err
	}
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		out.Words = make([]uint32, arg.Count)
		return c.ReadWRAM(arg.Index, out.Words)
	})
}

func (r *RPCServer) WriteWRAM(arg WriteWRAMIn, out *WriteWRAMOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return c.WriteWRAM(arg.Index, arg.Words)
	})
}

func (r *RPCServer) ReadMRAM(arg ReadMRAMIn, out *ReadMRAMOut) error {
	if err := checkCount(arg.Count); err != nil {
		return err
	}
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		out.Data = make([]byte, arg.Count)
		return c.ReadMRAM(arg.Offset, out.Data)
	})
}

func (r *RPCServer) WriteMRAM(arg WriteMRAMIn, out *WriteMRAMOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return c.WriteMRAM(arg.Offset, arg.Data)
	})
}

func (r *RPCServer) ExtractContext(arg ExtractContextIn, out *ExtractContextOut) error {
	return r.s.withRank(arg.Core.Rank, func(rk *sessionRank) error {
		desc := rk.drv.Description()
		c, err := rk.drv.Core(arg.Core.Slice, arg.Core.Member)
		if err != nil {
			return err
		}
		out.Context = dpu.NewContext(desc.NrThreads, desc.NrRegisters)
		return c.ExtractContext(out.Context)
	})
}

func withContext(ctx *dpu.Context, fn func(*dpu.Context) error) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	return fn(ctx)
}

func (r *RPCServer) RestoreContext(arg ContextIn, out *ContextOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return withContext(arg.Context, c.RestoreContext)
	})
}

func (r *RPCServer) InitializeFaultProcess(arg ContextIn, out *ContextOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return withContext(arg.Context, c.InitializeFaultProcess)
	})
}

func (r *RPCServer) FinalizeFaultProcess(arg ContextIn, out *ContextOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return withContext(arg.Context, c.FinalizeFaultProcess)
	})
}

func (r *RPCServer) PreExecution(arg CoreIn, out *CoreOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return c.PreExecution()
	})
}

func (r *RPCServer) LaunchThread(arg LaunchThreadIn, out *LaunchThreadOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return c.LaunchThread(arg.Thread)
	})
}

func (r *RPCServer) Poll(arg PollIn, out *PollOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		var err error
		out.Running, out.Fault, err = c.Poll()
		return err
	})
}

func (r *RPCServer) StepThread(arg StepThreadIn, out *StepThreadOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return withContext(arg.Context, func(ctx *dpu.Context) error {
			return c.StepThread(arg.Thread, ctx)
		})
	})
}

func (r *RPCServer) SaveSliceContext(arg CoreIn, out *CoreOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return c.SaveSliceContext()
	})
}

func (r *RPCServer) RestoreSliceContext(arg CoreIn, out *CoreOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		return c.RestoreSliceContext()
	})
}

func (r *RPCServer) PendingContext(arg PendingContextIn, out *PendingContextOut) error {
	return r.s.withCore(arg.Core, func(c dpu.CoreDriver) error {
		var err error
		out.Context, err = c.PendingContext()
		return err
	})
}
