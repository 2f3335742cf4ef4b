package link

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/logflags"
)

// DefaultCacheSize is the default number of instructions cached per rank.
const DefaultCacheSize = 4096

// Client is a dpu.Driver reaching the ranks served by a Server.
type Client struct {
	client    *rpc.Client
	cacheSize int
}

// Dial connects to the Server listening on addr. cacheSize is the number
// of IRAM instructions cached for each opened rank; 0 selects
// DefaultCacheSize and a negative value disables the cache.
func Dial(addr string, cacheSize int) (*Client, error) {
	client, err := jsonrpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newFromRPCClient(client, cacheSize), nil
}

// NewClientFromConn creates a Client from the given connection.
func NewClientFromConn(conn net.Conn, cacheSize int) *Client {
	return newFromRPCClient(jsonrpc.NewClient(conn), cacheSize)
}

func newFromRPCClient(client *rpc.Client, cacheSize int) *Client {
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}
	return &Client{client: client, cacheSize: cacheSize}
}

// Close closes the connection. Ranks still open are released by the
// server.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) call(method string, args, reply interface{}) error {
	if !logflags.Link() {
		return c.client.Call("RPCServer."+method, args, reply)
	}
	start := time.Now()
	err := c.client.Call("RPCServer."+method, args, reply)
	log := logflags.LinkLogger().WithField("method", method)
	if err != nil {
		log = log.WithError(err)
	}
	log.Debugf("call took %s", time.Since(start))
	return err
}

// OpenRank implements dpu.Driver.
func (c *Client) OpenRank(profile string) (dpu.RankDriver, error) {
	var out OpenRankOut
	if err := c.call("OpenRank", OpenRankIn{Profile: profile}, &out); err != nil {
		return nil, err
	}
	r := &remoteRank{c: c, id: out.Rank, desc: out.Description}
	if c.cacheSize > 0 {
		cache, err := lru.New(c.cacheSize)
		if err != nil {
			c.call("CloseRank", CloseRankIn{Rank: out.Rank}, &CloseRankOut{})
			return nil, err
		}
		r.cache = cache
	}
	return r, nil
}

// remoteRank is a rank opened through a Client. Cores resumed through it
// are always polled: the server cannot tell a deferred resume from a
// regular one.
type remoteRank struct {
	c    *Client
	id   int
	desc dpu.Description

	// cache maps instruction locations to instruction words.
	cache *lru.Cache
}

type iramKey struct {
	slice, member int
	index         uint32
}

func (r *remoteRank) AlwaysPolls() bool { return true }

func (r *remoteRank) Description() dpu.Description { return r.desc }

func (r *remoteRank) Core(slice, member int) (dpu.CoreDriver, error) {
	if slice < 0 || slice >= r.desc.NrSlices || member < 0 || member >= r.desc.NrMembersPerSlice {
		return nil, fmt.Errorf("no core %d.%d in remote rank %d", slice, member, r.id)
	}
	return &remoteCore{r: r, ref: CoreRef{Rank: r.id, Slice: slice, Member: member}}, nil
}

func (r *remoteRank) Reset() error {
	if r.cache != nil {
		r.cache.Purge()
	}
	return r.c.call("ResetRank", ResetRankIn{Rank: r.id}, &ResetRankOut{})
}

func (r *remoteRank) SetSliceInfo(slice int, structure, target uint64) error {
	return r.c.call("SetSliceInfo", SetSliceInfoIn{Rank: r.id, Slice: slice, Structure: structure, Target: target}, &SetSliceInfoOut{})
}

func (r *remoteRank) CreateCoreDump(exePath, corePath string, ctx *dpu.Context, images dpu.Images) error {
	return r.c.call("CreateCoreDump", CreateCoreDumpIn{Rank: r.id, ExePath: exePath, CorePath: corePath, Context: ctx, Images: images}, &CreateCoreDumpOut{})
}

func (r *remoteRank) Close() error {
	if r.cache != nil {
		r.cache.Purge()
	}
	return r.c.call("CloseRank", CloseRankIn{Rank: r.id}, &CloseRankOut{})
}

type remoteCore struct {
	r   *remoteRank
	ref CoreRef
}

func (c *remoteCore) call(method string, args, reply interface{}) error {
	return c.r.c.call(method, args, reply)
}

func (c *remoteCore) key(index uint32) iramKey {
	return iramKey{c.ref.Slice, c.ref.Member, index}
}

// invalidate drops the cached instructions of the core.
func (c *remoteCore) invalidate() {
	if c.r.cache == nil {
		return
	}
	for _, k := range c.r.cache.Keys() {
		if k, ok := k.(iramKey); ok && k.slice == c.ref.Slice && k.member == c.ref.Member {
			c.r.cache.Remove(k)
		}
	}
}

func (c *remoteCore) ReadIRAM(index uint32, dst []uint64) error {
	if c.r.cache != nil && c.readCached(index, dst) {
		return nil
	}
	var out ReadIRAMOut
	if err := c.call("ReadIRAM", ReadIRAMIn{Core: c.ref, Index: index, Count: len(dst)}, &out); err != nil {
		return err
	}
	if len(out.Instructions) != len(dst) {
		return fmt.Errorf("short iram read: %d of %d instructions", len(out.Instructions), len(dst))
	}
	copy(dst, out.Instructions)
	if c.r.cache != nil && len(dst) <= c.r.c.cacheSize {
		for i, in := range dst {
			c.r.cache.Add(c.key(index+uint32(i)), in)
		}
	}
	return nil
}

func (c *remoteCore) readCached(index uint32, dst []uint64) bool {
	for i := range dst {
		v, ok := c.r.cache.Get(c.key(index + uint32(i)))
		if !ok {
			return false
		}
		dst[i] = v.(uint64)
	}
	return true
}

func (c *remoteCore) WriteIRAM(index uint32, src []uint64) error {
	if c.r.cache != nil {
		for i := range src {
			c.r.cache.Remove(c.key(index + uint32(i)))
		}
	}
	return c.call("WriteIRAM", WriteIRAMIn{Core: c.ref, Index: index, Instructions: src}, &WriteIRAMOut{})
}

func (c *remoteCore) ReadWRAM(index uint32, dst []uint32) error {
	var out ReadWRAMOut
	if err := c.call("ReadWRAM", ReadWRAMIn{Core: c.ref, Index: index, Count: len(dst)}, &out); err != nil {
		return err
	}
	if len(out.Words) != len(dst) {
		return fmt.Errorf("short wram read: %d of %d words", len(out.Words), len(dst))
	}
	copy(dst, out.Words)
	return nil
}

func (c *remoteCore) WriteWRAM(index uint32, src []uint32) error {
	return c.call("WriteWRAM", WriteWRAMIn{Core: c.ref, Index: index, Words: src}, &WriteWRAMOut{})
}

func (c *remoteCore) ReadMRAM(offset uint32, dst []byte) error {
	var out ReadMRAMOut
	if err := c.call("ReadMRAM", ReadMRAMIn{Core: c.ref, Offset: offset, Count: len(dst)}, &out); err != nil {
		return err
	}
	if len(out.Data) != len(dst) {
		return fmt.Errorf("short mram read: %d of %d bytes", len(out.Data), len(dst))
	}
	copy(dst, out.Data)
	return nil
}

func (c *remoteCore) WriteMRAM(offset uint32, src []byte) error {
	return c.call("WriteMRAM", WriteMRAMIn{Core: c.ref, Offset: offset, Data: src}, &WriteMRAMOut{})
}

func (c *remoteCore) ExtractContext(ctx *dpu.Context) error {
	var out ExtractContextOut
	if err := c.call("ExtractContext", ExtractContextIn{Core: c.ref}, &out); err != nil {
		return err
	}
	if out.Context == nil {
		return fmt.Errorf("no context returned for core %d.%d", c.ref.Slice, c.ref.Member)
	}
	return ctx.CopyFrom(out.Context)
}

func (c *remoteCore) RestoreContext(ctx *dpu.Context) error {
	return c.call("RestoreContext", ContextIn{Core: c.ref, Context: ctx}, &ContextOut{})
}

func (c *remoteCore) InitializeFaultProcess(ctx *dpu.Context) error {
	return c.call("InitializeFaultProcess", ContextIn{Core: c.ref, Context: ctx}, &ContextOut{})
}

func (c *remoteCore) FinalizeFaultProcess(ctx *dpu.Context) error {
	c.invalidate()
	return c.call("FinalizeFaultProcess", ContextIn{Core: c.ref, Context: ctx}, &ContextOut{})
}

func (c *remoteCore) PreExecution() error {
	c.invalidate()
	return c.call("PreExecution", CoreIn{Core: c.ref}, &CoreOut{})
}

func (c *remoteCore) LaunchThread(thread int) error {
	c.invalidate()
	return c.call("LaunchThread", LaunchThreadIn{Core: c.ref, Thread: thread}, &LaunchThreadOut{})
}

func (c *remoteCore) Poll() (bool, bool, error) {
	var out PollOut
	err := c.call("Poll", PollIn{Core: c.ref}, &out)
	return out.Running, out.Fault, err
}

func (c *remoteCore) StepThread(thread int, ctx *dpu.Context) error {
	c.invalidate()
	return c.call("StepThread", StepThreadIn{Core: c.ref, Thread: thread, Context: ctx}, &StepThreadOut{})
}

func (c *remoteCore) SaveSliceContext() error {
	return c.call("SaveSliceContext", CoreIn{Core: c.ref}, &CoreOut{})
}

func (c *remoteCore) RestoreSliceContext() error {
	return c.call("RestoreSliceContext", CoreIn{Core: c.ref}, &CoreOut{})
}

func (c *remoteCore) PendingContext() (*dpu.Context, error) {
	var out PendingContextOut
	if err := c.call("PendingContext", PendingContextIn{Core: c.ref}, &out); err != nil {
		return nil, err
	}
	return out.Context, nil
}
