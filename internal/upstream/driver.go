package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"example.com/h2streamproxy/internal/h2stream"
	"example.com/h2streamproxy/internal/logger"
)

// Driver is the h2stream.Continuation that turns one stream's decoded
// HTTP/2 request into an HTTP/1.1 round trip against an origin, and the
// origin's response back into the stream's write side. One Driver serves
// exactly one Stream for its entire life.
//
// It never blocks the stream's owning Worker: the dial and the upstream
// read loop both run on their own goroutines, handing bytes back to the
// stream via Reenable rather than a synchronous call that could stall
// behind a slow or unresponsive origin.
type Driver struct {
	mu sync.Mutex

	// callMu guards HandleEvent itself — the h2stream.Continuation
	// callback lock — kept separate from mu so a HandleEvent call can
	// freely take mu for its own bookkeeping without deadlocking against
	// itself.
	callMu sync.Mutex

	stream      *h2stream.Stream
	dialer      Dialer
	target      string
	dialTimeout time.Duration
	log         *logger.Logger

	upstreamConn net.Conn
	dialErr      error

	sentBytes int64 // bytes of the serialized request already written upstream

	writeVIO *h2stream.VIO
	respBuf  bytes.Buffer
	respErr  error

	torndown bool
}

// NewDriver constructs a Driver for s and immediately begins forwarding:
// it installs the read side so buffered request bytes start flowing, and
// kicks off the dial in the background. target is a host:port; it is
// resolved by the caller (forward-proxy mode reads it from the request's
// :authority, reverse-proxy mode uses a fixed configured address).
func NewDriver(s *h2stream.Stream, target string, dialer Dialer, dialTimeout time.Duration, lg *logger.Logger) *Driver {
	d := &Driver{
		stream:      s,
		dialer:      dialer,
		target:      target,
		dialTimeout: dialTimeout,
		log:         lg,
	}
	s.DoIORead(d, h2stream.SentinelUnbounded, nil)
	go d.dialAndPump()
	return d
}

func (d *Driver) dialAndPump() {
	ctx := context.Background()
	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}

	conn, err := d.dialer.Dial(ctx, d.target)
	if err != nil {
		d.mu.Lock()
		d.dialErr = err
		d.mu.Unlock()
		d.log.Warn("upstream: dial failed", logger.LogFields{"target": d.target, "error": err.Error()})
		d.serveSyntheticResponse(502, err.Error())
		return
	}

	d.mu.Lock()
	d.upstreamConn = conn
	d.mu.Unlock()

	d.forwardRequestBytes()

	wv := d.stream.DoIOWrite(d, h2stream.SentinelUnbounded, d.drainResponseBuf)
	d.mu.Lock()
	d.writeVIO = wv
	d.mu.Unlock()
	if wv == nil {
		// The stream was already torn down before the dial finished.
		conn.Close()
		return
	}

	go d.readUpstream()
}

// serveSyntheticResponse feeds a locally-built error response into the
// write side exactly as if it had arrived from an origin, then finalizes
// the write and tears the stream's side of things down. Used when the
// upstream half of the transaction never got off the ground (dial
// failure) so the client still sees a proper HTTP response rather than a
// bare RST_STREAM.
func (d *Driver) serveSyntheticResponse(status int, detail string) {
	d.mu.Lock()
	d.respBuf.Write(buildGatewayErrorResponse(status, detail))
	d.mu.Unlock()

	wv := d.stream.DoIOWrite(d, h2stream.SentinelUnbounded, d.drainResponseBuf)
	d.mu.Lock()
	d.writeVIO = wv
	d.mu.Unlock()
	if wv == nil {
		return
	}
	d.stream.FinishWrite()
}

// forwardRequestBytes writes whatever part of the stream's accumulated
// request bytes (serialized request line/headers, plus any body received
// so far) has not yet reached the upstream connection. It is called both
// from HandleEvent, as new bytes arrive, and once right after the dial
// completes to flush anything buffered while dialing was in flight.
func (d *Driver) forwardRequestBytes() {
	d.mu.Lock()
	conn := d.upstreamConn
	d.mu.Unlock()
	if conn == nil {
		return
	}

	all := d.stream.RequestBodyBytes()
	d.mu.Lock()
	start := d.sentBytes
	d.mu.Unlock()
	if int64(len(all)) <= start {
		return
	}
	toSend := all[start:]

	n, err := conn.Write(toSend)
	d.mu.Lock()
	d.sentBytes += int64(n)
	d.mu.Unlock()
	if err != nil {
		d.log.Warn("upstream: write failed", logger.LogFields{"target": d.target, "error": err.Error()})
		d.stream.DoIOClose()
	}
}

// drainResponseBuf is the reader function handed to DoIOWrite. It never
// blocks: respBuf is filled by readUpstream, which calls Reenable to tell
// the stream there is more to drain, or, after a failed dial, once by
// serveSyntheticResponse before the write side is installed.
func (d *Driver) drainResponseBuf(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.respBuf.Len() > 0 {
		return d.respBuf.Read(p)
	}
	if d.respErr != nil {
		return 0, d.respErr
	}
	return 0, nil
}

// readUpstream pumps bytes off the origin connection into respBuf,
// re-priming the stream's write side every time new bytes or a terminal
// error arrive.
func (d *Driver) readUpstream() {
	buf := make([]byte, 32*1024)
	for {
		n, err := d.upstreamConn.Read(buf)

		d.mu.Lock()
		if n > 0 {
			d.respBuf.Write(buf[:n])
		}
		if err != nil {
			d.respErr = err
		}
		wv := d.writeVIO
		d.mu.Unlock()

		if n > 0 && wv != nil {
			d.stream.Reenable(wv)
		}
		if err != nil {
			if err == io.EOF {
				d.stream.FinishWrite()
			} else if wv != nil {
				d.stream.Reenable(wv)
			}
			return
		}
	}
}

// TryLock implements h2stream.Continuation's callback-lock half. It never
// blocks: callers fall back to a scheduled retry on failure.
func (d *Driver) TryLock() bool { return d.callMu.TryLock() }

// Unlock implements h2stream.Continuation.
func (d *Driver) Unlock() { d.callMu.Unlock() }

// HandleEvent implements h2stream.Continuation.
func (d *Driver) HandleEvent(code h2stream.EventCode, v *h2stream.VIO) {
	switch code {
	case h2stream.EventReadReady, h2stream.EventReadComplete:
		d.forwardRequestBytes()
	case h2stream.EventWriteReady:
		// pumpWriteLocked already drained what drainResponseBuf had to
		// offer; nothing further to do until readUpstream delivers more.
	case h2stream.EventWriteComplete, h2stream.EventEOS:
		d.teardown()
	}
}

// teardown closes the upstream connection (idempotently) and marks the
// stream's transaction finished. Safe to call more than once — from
// EventWriteComplete on a clean response end, or from EventEOS if the
// connection tore the stream down first.
func (d *Driver) teardown() {
	d.mu.Lock()
	if d.torndown {
		d.mu.Unlock()
		return
	}
	d.torndown = true
	conn := d.upstreamConn
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	d.stream.TransactionDone()
}
