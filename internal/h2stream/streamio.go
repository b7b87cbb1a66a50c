package h2stream

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// SentinelUnbounded marks a VIO with no fixed byte target: it streams
// until the driver signals completion by other means (EOS), mirroring an
// open-ended chunked body.
const SentinelUnbounded int64 = -1

// VIOOp tags which direction a VIO represents.
type VIOOp int

const (
	VIORead VIOOp = iota
	VIOWrite
)

func (o VIOOp) String() string {
	if o == VIORead {
		return "read"
	}
	return "write"
}

// VIO is the driver-facing read/write handle: a target buffer, an owning
// callback, and the total/done byte counters the driver consults to
// decide whether it has more work.
type VIO struct {
	Op     VIOOp
	Cont   Continuation
	Buf    []byte
	NBytes int64
	NDone  int64
}

// Ntodo returns the remaining byte count, or SentinelUnbounded if the VIO
// has no fixed target.
func (v *VIO) Ntodo() int64 {
	if v.NBytes == SentinelUnbounded {
		return SentinelUnbounded
	}
	return v.NBytes - v.NDone
}

// DoIORead installs cont as the read-side callback and returns the read
// handle. Reads never fail synchronously; they remain idle until data
// arrives on the wire.
func (s *Stream) DoIORead(cont Continuation, nbytes int64, buf []byte) *VIO {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("DoIORead")
	defer s.leave("DoIORead")

	s.driver = cont
	v := &VIO{Op: VIORead, Cont: cont, Buf: buf, NBytes: nbytes}
	s.readVIO = v

	if s.requestBuffer.Len() > 0 {
		s.primeReadDeliveryLocked()
	}
	return v
}

// DoIOWrite installs cont as the write-side callback and returns the
// write handle, or nil if the stream is not currently writeable.
func (s *Stream) DoIOWrite(cont Continuation, nbytes int64, reader func([]byte) (int, error)) *VIO {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("DoIOWrite")
	defer s.leave("DoIOWrite")

	if !s.isClientStateWriteableLocked() {
		return nil
	}

	s.driver = cont
	v := &VIO{Op: VIOWrite, Cont: cont, NBytes: nbytes}
	s.writeVIO = v
	s.writeReaderFn = reader

	s.pumpWriteLocked()
	return v
}

// Reenable is the driver's re-entry point requesting further progress on
// handle; it may be called from any goroutine, so it always redispatches
// through the EventCoordinator onto the stream's owner Worker.
func (s *Stream) Reenable(v *VIO) {
	s.events.RunOnOwner(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.enter("Reenable")
		defer s.leave("Reenable")

		if v == nil || s.closed {
			return
		}
		if v.Op == VIORead {
			s.primeReadDeliveryLocked()
		} else {
			s.pumpWriteLocked()
		}
	})
}

// deliverLocked notifies the driver side owning v, advancing counters as
// appropriate for the given code. Callers must hold mu; after this
// returns, no field of s may be assumed to still exist — the driver may
// have torn the stream down from inside its callback.
//
// The driver's callback lock is try-locked first: HandleEvent may be
// reached for the same driver from more than one goroutine (a connection's
// frame-dispatch loop delivering out of OnFrame, and this stream's owner
// Worker delivering a Reenable-queued event), and blocking here would
// stall whichever thread lost the race. On contention the delivery is
// deferred instead, via the matching retry slot.
func (s *Stream) deliverLocked(v *VIO, code EventCode) {
	if v == nil || v.Cont == nil {
		return
	}
	cont := v.Cont
	if !cont.TryLock() {
		s.scheduleDeliverRetryLocked(v, code)
		return
	}
	s.mu.Unlock()
	cont.HandleEvent(code, v)
	cont.Unlock()
	s.mu.Lock()
}

// scheduleDeliverRetryLocked re-attempts a delivery that lost the driver's
// callback-lock race, after cfg.RetryDelay. Read-side and write-side
// deliveries retry against independent slots so a stalled read retry can
// never starve a pending write retry, or vice versa.
func (s *Stream) scheduleDeliverRetryLocked(v *VIO, code EventCode) {
	slot := SlotReadRetry
	if v.Op == VIOWrite {
		slot = SlotWriteRetry
	}
	s.events.ScheduleIn(slot, s.cfg.RetryDelay, code, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deliverLocked(v, code)
	})
}

// OnFrame is the connection's inbound entry point: it applies the state
// machine, flow control, and buffering effects of a single frame. kind
// and the flags are pre-decoded by the connection; header-block payload
// bytes accumulate until a complete block is assembled and
// DecodeHeaderBlocks is called.
func (s *Stream) OnFrame(kind FrameKind, endStream, endHeaders bool, payload []byte) *CoreError {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("OnFrame:" + kind.String())
	defer s.leave("OnFrame:" + kind.String())

	if endStream {
		s.recvEndStream = true
	}

	newState, ok := applyFrame(s.state, transitionInput{kind: kind, recvEndStream: s.recvEndStream, sendEndStream: s.sendEndStream, endHeaders: endHeaders})
	s.state = newState
	if !ok {
		return newProtocolError(s.id, false, "illegal frame "+kind.String()+" for state "+s.state.String())
	}

	switch kind {
	case FrameHeaders, FrameContinuation, FramePushPromise:
		s.headerBlocks.Write(payload)

	case FrameData:
		if cerr := s.flow.DecrementClientRwnd(int64(len(payload))); cerr != nil {
			return cerr
		}
		s.appendRequestBodyLocked(payload)

	case FrameRSTStream:
		s.initiatingCloseLocked()

	case FrameWindowUpdate:
		if len(payload) >= 4 {
			increment := int64(uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3]))
			s.flow.IncrementServerRwnd(increment & 0x7fffffff)
		}
	}
	return nil
}

// DecodeHeaderBlocks decodes the accumulated header_blocks via the
// supplied HPACK adapter into request_header, then drives the HTTP/1.1
// conversion and primes the read side toward the driver — the combined
// behavior of the source's decode_header_blocks and send_request.
func (s *Stream) DecodeHeaderBlocks(hpackAdapter *HpackAdapter) *CoreError {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("DecodeHeaderBlocks")
	defer s.leave("DecodeHeaderBlocks")

	s.milestones.Mark(MilestoneStartDecodeHeaders, s.clock())

	if err := hpackAdapter.DecodeFragment(s.headerBlocks.Bytes()); err != nil {
		return &CoreError{Kind: KindHpackError, StreamID: s.id, Code: ErrCodeCompressionError, Msg: "hpack decode failed", Cause: err}
	}
	fields, err := hpackAdapter.FinishDecoding()
	if err != nil {
		return &CoreError{Kind: KindHpackError, StreamID: s.id, Code: ErrCodeCompressionError, Msg: "hpack decode finalize failed", Cause: err}
	}
	s.requestHeader = fields
	s.headerBlocks.Reset()

	s.milestones.Mark(MilestoneStartTxn, s.clock())
	return s.sendRequestLocked()
}

// sendRequestLocked performs the HTTP/2 to HTTP/1.1 conversion and
// writes the serialized request line/headers into request_buffer, then
// signals the driver per the read-side rules.
func (s *Stream) sendRequestLocked() *CoreError {
	line, headers, err := ConvertRequestHeaders(s.requestHeader)
	if err != nil {
		return newProtocolError(s.id, false, err.Error())
	}
	serialized := SerializeRequest(line, headers)

	before := s.requestBuffer.Len()
	s.requestBuffer.Write(serialized)
	written := s.requestBuffer.Len() - before
	s.requestHeaderLen = s.requestBuffer.Len()

	if written == 0 {
		return nil
	}
	if s.recvEndStream {
		s.hasBody = false
		s.deliverReadCompletionLocked(int64(written))
	} else {
		s.hasBody = true
		s.deliverLocked(s.readVIO, EventReadReady)
	}
	return nil
}

// appendRequestBodyLocked implements the read side's DATA-frame handling:
// bytes land in request_buffer and either READ_READY or READ_COMPLETE is
// signaled, the latter once ntodo() == 0 or recv_end_stream is latched.
func (s *Stream) appendRequestBodyLocked(payload []byte) {
	s.refreshInactivityLocked()
	s.requestBuffer.Write(payload)
	if s.readVIO != nil {
		s.readVIO.NDone += int64(len(payload))
	}

	complete := s.recvEndStream
	if s.readVIO != nil && s.readVIO.Ntodo() == 0 && s.readVIO.NBytes != SentinelUnbounded {
		complete = true
	}

	if complete {
		s.deliverReadCompletionLocked(int64(s.requestBuffer.Len()))
	} else {
		s.events.ScheduleImmediate(SlotRead, EventReadReady, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.deliverLocked(s.readVIO, EventReadReady)
		})
	}
}

func (s *Stream) deliverReadCompletionLocked(nbytes int64) {
	if s.readVIO != nil {
		s.readVIO.NBytes = nbytes
		s.readVIO.NDone = nbytes
	}
	s.events.ScheduleImmediate(SlotRead, EventReadComplete, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deliverLocked(s.readVIO, EventReadComplete)
	})
}

// primeReadDeliveryLocked is called from DoIORead/Reenable to push
// already-buffered progress to a newly (re)installed read callback.
func (s *Stream) primeReadDeliveryLocked() {
	if s.readVIO == nil {
		return
	}
	if s.recvEndStream {
		s.deliverReadCompletionLocked(int64(s.requestBuffer.Len()))
	} else if s.requestBuffer.Len() > 0 {
		s.deliverLocked(s.readVIO, EventReadReady)
	}
}

// pumpWriteLocked drains bytes the driver has produced through
// writeReaderFn. Until the response header is fully parsed it feeds an
// HTTP/1.1 response parser; once parsed, remaining bytes are surrendered
// to the connection as DATA.
func (s *Stream) pumpWriteLocked() {
	if s.writeVIO == nil || s.writeReaderFn == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := s.writeReaderFn(buf)
		if n > 0 {
			s.refreshInactivityLocked()
			s.respBuf.Write(buf[:n])
			s.writeVIO.NDone += int64(n)
		}
		if !s.responseHeaderParsed {
			s.tryParseResponseHeaderLocked()
		} else if s.respBuf.Len() > 0 {
			s.milestones.Mark(MilestoneStartTxDataFrames, s.clock())
			body := s.respBuf.Bytes()
			s.bytesSent += int64(len(body))
			s.pendingData.Write(body)
			s.respBuf.Reset()
			if s.conn != nil {
				_ = s.conn.EnqueueDataFrames(s)
			}
		}
		if err != nil || n == 0 {
			break
		}
	}

	if s.writeVIO.Ntodo() == 0 && s.writeVIO.NBytes != SentinelUnbounded {
		s.deliverLocked(s.writeVIO, EventWriteComplete)
	} else {
		s.deliverLocked(s.writeVIO, EventWriteReady)
	}
}

// tryParseResponseHeaderLocked attempts to parse a full HTTP/1.1 response
// header out of respBuf. If a status line plus headers has been fully
// received, it: checks for Connection: close, hands the header to the
// connection for HEADERS-frame emission, and resets for another pass if
// the status was a non-final (1xx) informational response.
func (s *Stream) tryParseResponseHeaderLocked() {
	data := s.respBuf.Bytes()
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return
	}

	headerBytes := data[:idx+4]
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(headerBytes)), nil)
	if err != nil {
		// Malformed response header from the driver: treat as a
		// protocol-level failure surfaced up via EOS, not a panic.
		return
	}
	remaining := data[idx+4:]
	s.respBuf.Reset()
	s.respBuf.Write(remaining)

	if v := resp.Header.Get("Connection"); strings.EqualFold(strings.TrimSpace(v), "close") {
		if !s.connectionCloseRequested {
			s.connectionCloseRequested = true
			if s.conn != nil {
				_ = s.conn.RequestShutdown(ErrCodeNoError)
			}
		}
	}

	if resp.StatusCode >= 100 && resp.StatusCode < 200 {
		// Informational response: this is not the final header. Reset
		// and keep scanning respBuf for the real one.
		s.awaitingInformational = true
		return
	}

	s.awaitingInformational = false
	s.responseHeaderParsed = true
	s.responseHeader = resp
	s.milestones.Mark(MilestoneStartEncodeHeaders, s.clock())
	if s.conn != nil {
		_ = s.conn.EnqueueHeadersFrame(s)
	}
	s.milestones.Mark(MilestoneStartTxHeadersFrames, s.clock())
}

// FinishWrite is the driver's signal that no further response bytes will
// ever arrive — typically because the upstream connection reached EOF. It
// finalizes the write VIO's byte target at whatever has been delivered so
// far (mirroring deliverReadCompletionLocked's read-side counterpart),
// flushes any last buffered bytes as a DATA frame, and delivers
// WRITE_COMPLETE so the driver can tear down its side.
//
// Like Reenable, it may be called from any goroutine (the driver's
// asynchronous upstream-read loop, not the stream's owner Worker), so it
// always redispatches through the EventCoordinator. This also orders it
// after any Reenable already queued for this stream, so a final
// Reenable-then-FinishWrite pair (the common EOF sequence) drains the last
// buffered bytes via pumpWriteLocked before the write side is finalized.
func (s *Stream) FinishWrite() {
	s.events.RunOnOwner(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.enter("FinishWrite")
		defer s.leave("FinishWrite")

		if s.writeVIO == nil {
			return
		}
		s.pumpWriteLocked()
		s.writeVIO.NBytes = s.writeVIO.NDone
		if s.conn != nil {
			_ = s.conn.EnqueueDataFrames(s)
		}
		s.deliverLocked(s.writeVIO, EventWriteComplete)
	})
}

// WriteComplete reports whether the write side's VIO has a fixed target and
// has delivered every byte of it — the signal the connection consults to
// decide whether the next DATA frame it emits should carry END_STREAM.
func (s *Stream) WriteComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeVIO == nil {
		return false
	}
	return s.writeVIO.NBytes != SentinelUnbounded && s.writeVIO.Ntodo() == 0
}

// BytesSent returns the number of response body bytes handed to the
// connection as DATA frames so far, the equivalent of the original's
// bytes_sent counter.
func (s *Stream) BytesSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.bytesSent)
}

// HasRequestBody reports whether any request-body bytes have actually
// arrived yet, independent of the has_body latch DecodeHeaderBlocks sets
// purely from END_STREAM's absence at header-decode time.
func (s *Stream) HasRequestBody() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestBuffer.Len() > s.requestHeaderLen
}

// ReadAvail returns the number of request bytes (the serialized request
// header plus any body) currently buffered but not yet reflected in the
// read VIO's delivered count — the
// equivalent of the original's read_vio_read_avail.
func (s *Stream) ReadAvail() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readVIO == nil {
		return int64(s.requestBuffer.Len())
	}
	avail := int64(s.requestBuffer.Len()) - s.readVIO.NDone
	if avail < 0 {
		return 0
	}
	return avail
}

// RequestHeader returns the decoded HTTP/2 request fields, valid once
// DecodeHeaderBlocks has completed.
func (s *Stream) RequestHeader() []hpack.HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestHeader
}

// ResponseHeader returns the parsed HTTP/1.1 response, valid once the
// write side has parsed a complete non-informational response header.
func (s *Stream) ResponseHeader() *http.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseHeader
}

// HasBody reports whether the request carries a body, per the read
// side's has_body latch.
func (s *Stream) HasBody() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasBody
}

// RequestBodyBytes returns the bytes currently buffered for the driver to
// consume; it does not drain the buffer.
func (s *Stream) RequestBodyBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestBuffer.Bytes()
}

// DrainPendingData returns and clears the response bytes buffered by the
// write side since the last drain. The connection's EnqueueDataFrames calls
// this to obtain the payload for the DATA frame(s) it emits; pendingData
// exists precisely so a driver's bytes don't have to be re-read off the VIO
// a second time once pumpWriteLocked has already consumed them.
func (s *Stream) DrainPendingData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingData.Len() == 0 {
		return nil
	}
	out := make([]byte, s.pendingData.Len())
	copy(out, s.pendingData.Bytes())
	s.pendingData.Reset()
	return out
}
