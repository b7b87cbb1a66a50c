package h2stream

// DefaultWindowUpdateRingSize is the default length of the recent-updates
// ring used by the ENHANCE_YOUR_CALM floor check.
const DefaultWindowUpdateRingSize = 16

// FlowControl holds the two independent signed counters a stream tracks:
// client_rwnd (how much the peer may still send us) and server_rwnd (how
// much we may still send the peer). It also holds the ring of recent
// client_rwnd increments used to detect a peer that forces many tiny
// WINDOW_UPDATEs on us, an amplification vector (RFC 7540 section 10.5).
type FlowControl struct {
	streamID uint32

	clientRwnd int64
	serverRwnd int64

	ring               []int64
	ringIndex          int
	ringFilled         int
	minAvgWindowUpdate int64
}

// NewFlowControl constructs a FlowControl for a stream. initialClientRwnd
// is typically the connection's configured receive window for new streams;
// initialServerRwnd is the peer's advertised SETTINGS_INITIAL_WINDOW_SIZE.
// ringSize and minAvgWindowUpdate configure the ENHANCE_YOUR_CALM floor;
// ringSize defaults to DefaultWindowUpdateRingSize when non-positive.
func NewFlowControl(streamID uint32, initialClientRwnd, initialServerRwnd int64, ringSize int, minAvgWindowUpdate int64) *FlowControl {
	if ringSize <= 0 {
		ringSize = DefaultWindowUpdateRingSize
	}
	return &FlowControl{
		streamID:           streamID,
		clientRwnd:         initialClientRwnd,
		serverRwnd:         initialServerRwnd,
		ring:               make([]int64, ringSize),
		minAvgWindowUpdate: minAvgWindowUpdate,
	}
}

// ClientRwnd returns the current receive window we grant the peer.
func (fc *FlowControl) ClientRwnd() int64 { return fc.clientRwnd }

// ServerRwnd returns the current send window available to this stream.
func (fc *FlowControl) ServerRwnd() int64 { return fc.serverRwnd }

// DecrementClientRwnd accounts for amount bytes of DATA the peer has sent
// us. A descent below zero is a protocol error: the peer sent more than it
// was entitled to.
func (fc *FlowControl) DecrementClientRwnd(amount int64) *CoreError {
	fc.clientRwnd -= amount
	if fc.clientRwnd < 0 {
		return newProtocolError(fc.streamID, true, "client_rwnd decremented below zero")
	}
	return nil
}

// IncrementClientRwnd records a WINDOW_UPDATE we are about to send to the
// peer, widening the window we grant it, and feeds the ring used for abuse
// detection. If the arithmetic mean of the last N increments falls below
// the configured floor, the peer is coercing us into flooding it with tiny
// WINDOW_UPDATE frames, and ENHANCE_YOUR_CALM is returned.
func (fc *FlowControl) IncrementClientRwnd(amount int64) *CoreError {
	fc.clientRwnd += amount

	fc.ring[fc.ringIndex] = amount
	fc.ringIndex = (fc.ringIndex + 1) % len(fc.ring)
	if fc.ringFilled < len(fc.ring) {
		fc.ringFilled++
	}

	if fc.ringFilled == len(fc.ring) {
		var sum int64
		for _, v := range fc.ring {
			sum += v
		}
		avg := sum / int64(len(fc.ring))
		if avg < fc.minAvgWindowUpdate {
			return newEnhanceYourCalm(fc.streamID, "average WINDOW_UPDATE increment below configured floor")
		}
	}
	return nil
}

// IncrementServerRwnd widens the send window available to this stream upon
// receiving a WINDOW_UPDATE from the peer. The aggregate bound against
// overflow (2^31-1) is enforced at the connection layer, which observes all
// streams' windows together.
func (fc *FlowControl) IncrementServerRwnd(amount int64) {
	fc.serverRwnd += amount
}

// DecrementServerRwnd accounts for amount bytes of DATA we are about to
// send. A descent below zero indicates a bookkeeping bug: we must never
// attempt to send more than our window allows.
func (fc *FlowControl) DecrementServerRwnd(amount int64) *CoreError {
	fc.serverRwnd -= amount
	if fc.serverRwnd < 0 {
		return newProtocolError(fc.streamID, false, "server_rwnd decremented below zero")
	}
	return nil
}
