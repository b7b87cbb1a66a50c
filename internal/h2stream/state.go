package h2stream

// StreamState is one of the states of the per-stream state machine defined
// by RFC 7540 section 5.1.
type StreamState int

const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReservedLocal:
		return "RESERVED_LOCAL"
	case StateReservedRemote:
		return "RESERVED_REMOTE"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN_STATE"
	}
}

// FrameKind enumerates the frame types the state machine distinguishes.
// Frame types that carry no special transition semantics (PRIORITY, PING,
// SETTINGS as observed by a stream) fall into FrameOther.
type FrameKind int

const (
	FrameHeaders FrameKind = iota
	FrameContinuation
	FrameData
	FrameRSTStream
	FrameWindowUpdate
	FramePushPromise
	FrameOther
)

func (k FrameKind) String() string {
	switch k {
	case FrameHeaders:
		return "HEADERS"
	case FrameContinuation:
		return "CONTINUATION"
	case FrameData:
		return "DATA"
	case FrameRSTStream:
		return "RST_STREAM"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FramePushPromise:
		return "PUSH_PROMISE"
	default:
		return "OTHER"
	}
}

// transitionInput bundles the latched flags the transition table consults.
// recvEndStream/sendEndStream are read from the stream before the call, as
// they are set by the caller when a frame carries END_STREAM; endHeaders
// carries the END_HEADERS flag, only consulted from RESERVED_LOCAL.
type transitionInput struct {
	kind          FrameKind
	recvEndStream bool
	sendEndStream bool
	endHeaders    bool
}

// applyFrame is the pure transition function behind the table in this
// core's state-machine component. It returns the resulting state and
// whether the frame was accepted. Some rows of the table mutate the state
// to CLOSED even when rejecting the frame (HALF_CLOSED_* "other"); callers
// must apply the returned state regardless of the accepted flag.
func applyFrame(state StreamState, in transitionInput) (StreamState, bool) {
	switch state {
	case StateIdle:
		switch in.kind {
		case FrameHeaders, FrameContinuation:
			switch {
			case in.recvEndStream:
				return StateHalfClosedRemote, true
			case in.sendEndStream:
				return StateHalfClosedLocal, true
			default:
				return StateOpen, true
			}
		case FramePushPromise:
			return StateReservedLocal, true
		default:
			return state, false
		}

	case StateOpen:
		switch in.kind {
		case FrameRSTStream:
			return StateClosed, true
		case FrameHeaders, FrameData:
			switch {
			case in.recvEndStream:
				return StateHalfClosedRemote, true
			case in.sendEndStream:
				return StateHalfClosedLocal, true
			default:
				return StateOpen, true
			}
		default:
			return state, true
		}

	case StateReservedLocal:
		switch in.kind {
		case FrameHeaders, FrameContinuation:
			if in.endHeaders {
				return StateHalfClosedRemote, true
			}
			return state, false
		default:
			return state, false
		}

	case StateReservedRemote:
		return state, false

	case StateHalfClosedLocal:
		switch in.kind {
		case FrameRSTStream:
			return StateClosed, true
		default:
			if in.recvEndStream {
				return StateClosed, true
			}
			return StateClosed, false
		}

	case StateHalfClosedRemote:
		if in.kind == FrameRSTStream || in.sendEndStream {
			return StateClosed, true
		}
		switch in.kind {
		case FrameHeaders, FrameContinuation:
			if !in.recvEndStream {
				return state, true
			}
			return StateClosed, false
		default:
			return StateClosed, false
		}

	case StateClosed:
		return state, true

	default:
		return state, false
	}
}
