package h2stream

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"
)

// Config bundles the tunables a Stream needs at construction time, all of
// them connection- or deployment-scoped settings the core receives rather
// than negotiates itself.
type Config struct {
	InitialClientRwnd     int64
	InitialServerRwnd     int64
	WindowUpdateRingSize  int
	MinAvgWindowUpdate    int64
	SlowStreamThreshold   time.Duration
	HistorySize           int
	RetryDelay            time.Duration
	InactivityTimeout     time.Duration
	ActiveTimeout         time.Duration
}

// Stream represents a single multiplexed HTTP/2 request/response exchange.
// It is mutated only by its owner Worker while holding mu, per the
// concurrency model's "stream mutex" discipline; external entry points
// acquire mu for their whole critical section.
type Stream struct {
	mu sync.Mutex

	id       uint32
	isClient bool
	state    StreamState

	recvEndStream bool
	sendEndStream bool

	flow *FlowControl

	requestHeader  []hpack.HeaderField
	responseHeader *http.Response

	headerBlocks bytes.Buffer

	requestBuffer    bytes.Buffer
	hasBody          bool
	requestHeaderLen int

	respBuf                  bytes.Buffer
	pendingData              bytes.Buffer
	responseHeaderParsed     bool
	connectionCloseRequested bool
	awaitingInformational    bool

	readVIO       *VIO
	writeVIO      *VIO
	writeReaderFn func([]byte) (int, error)

	milestones *MilestoneLog
	history    *HistoryRing

	closed          bool
	terminateStream bool
	destroyed       bool
	reentrancyCount int
	bytesSent       int64
	onDestroy       func(SlowDestroyReport)

	events *EventCoordinator
	owner  *Worker

	conn   Connection
	driver Continuation

	cfg Config

	clock func() time.Time
}

// NewStream constructs a Stream bound to owner for its entire life. conn
// is the stream's non-owning, lifetime-scoped reference to its connection
// (see the core's ownership-tree design note); it must outlive the stream.
func NewStream(id uint32, isClient bool, owner *Worker, conn Connection, cfg Config) *Stream {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Millisecond
	}
	s := &Stream{
		id:         id,
		isClient:   isClient,
		state:      StateIdle,
		flow:       NewFlowControl(id, cfg.InitialClientRwnd, cfg.InitialServerRwnd, cfg.WindowUpdateRingSize, cfg.MinAvgWindowUpdate),
		milestones: NewMilestoneLog(cfg.SlowStreamThreshold),
		history:    NewHistoryRing(cfg.HistorySize),
		owner:      owner,
		conn:       conn,
		cfg:        cfg,
		clock:      time.Now,
	}
	s.events = NewEventCoordinator(owner)
	s.milestones.Mark(MilestoneOpen, s.clock())
	s.recordHistory("NewStream", "OPEN", 0)
	s.ArmTimers()
	return s
}

// ID returns the stream's immutable 31-bit identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current RFC 7540 section 5.1 state. Safe to call
// concurrently; it takes the stream mutex.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Flow exposes the stream's flow-control counters to callers (primarily
// the connection's DATA-emission scheduler) that need to consult, not
// mutate, them directly.
func (s *Stream) Flow() *FlowControl { return s.flow }

func (s *Stream) recordHistory(location, eventCode string, reentrancy int) {
	s.history.Append(location, eventCode, reentrancy, s.clock())
}

// History returns the post-mortem ring's current entries.
func (s *Stream) History() []HistoryEntry { return s.history.Entries() }

// enter and leave implement the reentrancy discipline every externally
// invoked handler must follow: increment on entry, decrement and attempt
// termination on exit. Callers must hold mu across the whole critical
// section bounded by enter/leave.
func (s *Stream) enter(location string) {
	s.reentrancyCount++
	s.recordHistory(location, "enter", s.reentrancyCount)
}

func (s *Stream) leave(location string) {
	s.recordHistory(location, "leave", s.reentrancyCount)
	s.reentrancyCount--
	s.terminateIfPossibleLocked()
}
