package h2stream

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Milestone names the points in a stream's life the MilestoneLog timestamps.
type Milestone int

const (
	MilestoneOpen Milestone = iota
	MilestoneStartDecodeHeaders
	MilestoneStartTxn
	MilestoneStartEncodeHeaders
	MilestoneStartTxHeadersFrames
	MilestoneStartTxDataFrames
	MilestoneClose
	milestoneCount
)

func (m Milestone) String() string {
	switch m {
	case MilestoneOpen:
		return "OPEN"
	case MilestoneStartDecodeHeaders:
		return "START_DECODE_HEADERS"
	case MilestoneStartTxn:
		return "START_TXN"
	case MilestoneStartEncodeHeaders:
		return "START_ENCODE_HEADERS"
	case MilestoneStartTxHeadersFrames:
		return "START_TX_HEADERS_FRAMES"
	case MilestoneStartTxDataFrames:
		return "START_TX_DATA_FRAMES"
	case MilestoneClose:
		return "CLOSE"
	default:
		return "UNKNOWN_MILESTONE"
	}
}

// MilestoneLog timestamps each milestone at most once, in the order the
// stream reaches them, and renders a slow-transaction record on destruction
// if the total OPEN-to-CLOSE span exceeds a configured threshold.
type MilestoneLog struct {
	times     [milestoneCount]time.Time
	set       [milestoneCount]bool
	threshold time.Duration
}

// NewMilestoneLog constructs a log that flags the stream as slow once its
// total lifetime exceeds threshold. A zero threshold disables slow-log
// reporting.
func NewMilestoneLog(threshold time.Duration) *MilestoneLog {
	return &MilestoneLog{threshold: threshold}
}

// Mark records now as the timestamp for m, unless m has already been
// marked; milestones are at-most-once.
func (ml *MilestoneLog) Mark(m Milestone, now time.Time) {
	if m < 0 || m >= milestoneCount || ml.set[m] {
		return
	}
	ml.times[m] = now
	ml.set[m] = true
}

// At returns the recorded timestamp for m and whether it was ever marked.
func (ml *MilestoneLog) At(m Milestone) (time.Time, bool) {
	if m < 0 || m >= milestoneCount {
		return time.Time{}, false
	}
	return ml.times[m], ml.set[m]
}

// SlowReport is the post-mortem record produced when a stream's total
// lifetime exceeds the configured threshold.
type SlowReport struct {
	Total             time.Duration
	Deltas            []MilestoneDelta
	BytesIn, BytesOut int64
}

// MilestoneDelta is the elapsed time between two consecutive milestones.
type MilestoneDelta struct {
	From, To Milestone
	Elapsed  time.Duration
}

// String renders the report the way a human-readable slow-transaction log
// line would: total duration, per-stage deltas, and the humanized byte
// counts moved in each direction.
func (r SlowReport) String() string {
	s := fmt.Sprintf("slow stream: total=%s bytes_in=%s bytes_out=%s", r.Total,
		humanize.Bytes(uint64(r.BytesIn)), humanize.Bytes(uint64(r.BytesOut)))
	for _, d := range r.Deltas {
		s += fmt.Sprintf(" %s->%s=%s", d.From, d.To, d.Elapsed)
	}
	return s
}

// Finish is called on destruction. It returns the total OPEN-to-CLOSE span
// and, if it exceeds the configured threshold, a SlowReport with
// inter-milestone deltas; slow is false if either endpoint was never marked
// or the span did not exceed the threshold.
func (ml *MilestoneLog) Finish(bytesIn, bytesOut int64) (total time.Duration, report *SlowReport, slow bool) {
	openT, openOK := ml.At(MilestoneOpen)
	closeT, closeOK := ml.At(MilestoneClose)
	if !openOK || !closeOK {
		return 0, nil, false
	}
	total = closeT.Sub(openT)
	if ml.threshold <= 0 || total <= ml.threshold {
		return total, nil, false
	}

	var deltas []MilestoneDelta
	var prevM Milestone = -1
	var prevT time.Time
	for m := Milestone(0); m < milestoneCount; m++ {
		t, ok := ml.At(m)
		if !ok {
			continue
		}
		if prevM >= 0 {
			deltas = append(deltas, MilestoneDelta{From: prevM, To: m, Elapsed: t.Sub(prevT)})
		}
		prevM, prevT = m, t
	}
	return total, &SlowReport{Total: total, Deltas: deltas, BytesIn: bytesIn, BytesOut: bytesOut}, true
}

// HistoryEntry is one post-mortem record: where in the code a handler was
// invoked, the semantic event that triggered it, and the reentrancy depth
// observed at that instant.
type HistoryEntry struct {
	Location   string
	EventCode  string
	Reentrancy int
	At         time.Time
}

// HistoryRing is a bounded, overwrite-oldest ring of HistoryEntry used for
// post-mortem diagnosis; it never allocates past its configured capacity.
type HistoryRing struct {
	entries []HistoryEntry
	next    int
	filled  int
}

// NewHistoryRing constructs a ring holding up to k entries.
func NewHistoryRing(k int) *HistoryRing {
	if k <= 0 {
		k = 1
	}
	return &HistoryRing{entries: make([]HistoryEntry, k)}
}

// Append records an entry, overwriting the oldest once the ring is full.
func (hr *HistoryRing) Append(location, eventCode string, reentrancy int, at time.Time) {
	hr.entries[hr.next] = HistoryEntry{Location: location, EventCode: eventCode, Reentrancy: reentrancy, At: at}
	hr.next = (hr.next + 1) % len(hr.entries)
	if hr.filled < len(hr.entries) {
		hr.filled++
	}
}

// Entries returns the recorded entries in chronological order, oldest
// first.
func (hr *HistoryRing) Entries() []HistoryEntry {
	out := make([]HistoryEntry, hr.filled)
	if hr.filled < len(hr.entries) {
		copy(out, hr.entries[:hr.filled])
		return out
	}
	// Ring is full: oldest entry is at hr.next.
	copy(out, hr.entries[hr.next:])
	copy(out[len(hr.entries)-hr.next:], hr.entries[:hr.next])
	return out
}
