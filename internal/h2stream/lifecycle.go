package h2stream

import "net/url"

// SlowDestroyReport bundles the destruction-time facts a caller's
// post-mortem logging needs.
type SlowDestroyReport struct {
	StreamID  uint32
	Total     int64 // nanoseconds, Open to Close
	Slow      bool
	Report    *SlowReport
	History   []HistoryEntry
	BytesSent int64
}

// SetOnDestroy installs a callback invoked exactly once, at the instant
// the stream is actually destroyed (closed && terminate_stream &&
// reentrancy_count == 0). The core does not log on its own; this is how a
// caller hooks in its own logging of the milestone/slow-log report.
func (s *Stream) SetOnDestroy(fn func(SlowDestroyReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDestroy = fn
}

// Closed reports whether do_io_close or InitiatingClose has latched closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Destroyed reports whether the stream has actually been torn down.
func (s *Stream) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// DoIOClose is the driver's request to tear down its side of the stream.
// Idempotent: a second call observes the same state as the first and has
// no further effect. It does not itself destroy the stream — only
// terminateIfPossibleLocked, run at every handler's tail, does that.
func (s *Stream) DoIOClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("DoIOClose")
	defer s.leave("DoIOClose")
	s.doIOCloseLocked()
}

func (s *Stream) doIOCloseLocked() {
	if s.closed {
		return
	}
	s.closed = true

	if s.isClientStateWriteableLocked() && s.conn != nil {
		// Best effort: ask the connection to flush a terminal DATA frame
		// with END_STREAM so the peer observes a clean half-close rather
		// than an abrupt RST_STREAM.
		_ = s.conn.EnqueueDataFrames(s)
	}
	s.events.CancelAll()
}

// isClientStateWriteableLocked reports whether this stream could still
// validly emit frames toward the peer (not yet CLOSED or
// HALF_CLOSED_LOCAL).
func (s *Stream) isClientStateWriteableLocked() bool {
	switch s.state {
	case StateClosed, StateHalfClosedLocal:
		return false
	default:
		return true
	}
}

// TransactionDone is the driver-completion hook: it ensures closed, clears
// the driver reference (so no further events can be delivered to it), and
// requests termination.
func (s *Stream) TransactionDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("TransactionDone")
	defer s.leave("TransactionDone")

	s.closed = true
	s.driver = nil
	s.terminateStream = true
}

// InitiatingClose is the connection-side teardown path: the connection
// decided (GOAWAY, RST_STREAM received, transport error) that this stream
// must end. It latches closed and CLOSED, cancels timers and events, then
// emits exactly one terminal signal to the driver.
func (s *Stream) InitiatingClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("InitiatingClose")
	defer s.leave("InitiatingClose")
	s.initiatingCloseLocked()
}

func (s *Stream) initiatingCloseLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.state = StateClosed
	s.events.CancelAll()

	signaled := false
	if s.writeVIO != nil && s.writeVIO.Cont != nil {
		if s.writeVIO.NBytes > 0 && s.writeVIO.NDone == s.writeVIO.NBytes {
			s.deliverLocked(s.writeVIO, EventWriteComplete)
		} else {
			s.deliverLocked(s.writeVIO, EventEOS)
		}
		signaled = true
	}
	if !signaled && s.readVIO != nil && s.readVIO.Cont != nil {
		s.deliverLocked(s.readVIO, EventEOS)
		signaled = true
	}
	if !signaled {
		s.terminateStream = true
	}
}

// PushPromise asks this stream's connection to reserve a new stream and
// emit a PUSH_PROMISE offering url to the peer, on this exchange's behalf.
// Valid only while this stream can still legally emit frames (not yet
// CLOSED or HALF_CLOSED_LOCAL) — there would be nothing live to attach
// the promise to otherwise.
func (s *Stream) PushPromise(url *url.URL, acceptEncoding string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("PushPromise")
	defer s.leave("PushPromise")

	if !s.isClientStateWriteableLocked() {
		return newProtocolError(s.id, false, "PUSH_PROMISE from a stream that can no longer send frames")
	}
	if s.conn == nil {
		return newProtocolError(s.id, false, "no connection to push through")
	}
	return s.conn.EnqueuePushPromise(s, url.String(), acceptEncoding)
}

// MarkSendEndStream advances the state machine for an outbound DATA frame
// carrying END_STREAM. The connection calls this immediately after writing
// such a frame, once WriteComplete reports the write side has no more bytes
// to send; it never infers END_STREAM on its own.
func (s *Stream) MarkSendEndStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("MarkSendEndStream")
	defer s.leave("MarkSendEndStream")

	s.sendEndStream = true
	newState, _ := applyFrame(s.state, transitionInput{kind: FrameData, recvEndStream: s.recvEndStream, sendEndStream: true})
	s.state = newState
	if newState == StateClosed {
		s.terminateStream = true
		s.events.CancelAll()
	}
}

// terminateIfPossibleLocked destroys the stream iff terminate_stream is
// latched and no handler is still executing on it. Callers must hold mu.
func (s *Stream) terminateIfPossibleLocked() {
	if s.destroyed || !s.terminateStream || s.reentrancyCount != 0 {
		return
	}
	s.destroyed = true
	s.milestones.Mark(MilestoneClose, s.clock())

	total, report, slow := s.milestones.Finish(int64(s.requestBuffer.Len()), s.bytesSent)
	if s.onDestroy != nil {
		s.onDestroy(SlowDestroyReport{
			StreamID:  s.id,
			Total:     int64(total),
			Slow:      slow,
			Report:    report,
			History:   s.history.Entries(),
			BytesSent: s.bytesSent,
		})
	}
}
