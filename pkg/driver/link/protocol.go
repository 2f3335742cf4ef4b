package link

import "github.com/upmem/dpudbg/pkg/dpu"

// CoreRef designates a core of a rank opened by the session.
type CoreRef struct {
	Rank   int
	Slice  int
	Member int
}

type (
	OpenRankIn struct {
		Profile string
	}

	OpenRankOut struct {
		Rank        int
		Description dpu.Description
	}

	CloseRankIn struct {
		Rank int
	}

	CloseRankOut struct {
	}

	ResetRankIn struct {
		Rank int
	}

	ResetRankOut struct {
	}

	SetSliceInfoIn struct {
		Rank      int
		Slice     int
		Structure uint64
		Target    uint64
	}

	SetSliceInfoOut struct {
	}

	CreateCoreDumpIn struct {
		Rank     int
		ExePath  string
		CorePath string
		Context  *dpu.Context
		Images   dpu.Images
	}

	CreateCoreDumpOut struct {
	}

	ReadIRAMIn struct {
		Core  CoreRef
		Index uint32
		Count int
	}

	ReadIRAMOut struct {
		Instructions []uint64
	}

	WriteIRAMIn struct {
		Core         CoreRef
		Index        uint32
		Instructions []uint64
	}

	WriteIRAMOut struct {
	}

	ReadWRAMIn struct {
		Core  CoreRef
		Index uint32
		Count int
	}

	ReadWRAMOut struct {
		Words []uint32
	}

	WriteWRAMIn struct {
		Core  CoreRef
		Index uint32
		Words []uint32
	}

	WriteWRAMOut struct {
	}

	ReadMRAMIn struct {
		Core   CoreRef
		Offset uint32
		Count  int
	}

	ReadMRAMOut struct {
		Data []byte
	}

	WriteMRAMIn struct {
		Core   CoreRef
		Offset uint32
		Data   []byte
	}

	WriteMRAMOut struct {
	}

	// ContextIn carries the context snapshot of the caller to the fault
	// processing and context restoration calls.
	ContextIn struct {
		Core    CoreRef
		Context *dpu.Context
	}

	ContextOut struct {
	}

	ExtractContextIn struct {
		Core CoreRef
	}

	ExtractContextOut struct {
		Context *dpu.Context
	}

	CoreIn struct {
		Core CoreRef
	}

	CoreOut struct {
	}

	LaunchThreadIn struct {
		Core   CoreRef
		Thread int
	}

	LaunchThreadOut struct {
	}

	PollIn struct {
		Core CoreRef
	}

	PollOut struct {
		Running bool
		Fault   bool
	}

	StepThreadIn struct {
		Core    CoreRef
		Thread  int
		Context *dpu.Context
	}

	StepThreadOut struct {
	}

	PendingContextIn struct {
		Core CoreRef
	}

	PendingContextOut struct {
		Context *dpu.Context
	}
)
