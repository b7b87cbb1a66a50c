package h2conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/h2streamproxy/internal/h2stream"
	"example.com/h2streamproxy/internal/httpframe"
	"example.com/h2streamproxy/internal/logger"
)

// Default settings values (RFC 7540 Section 6.5.2).
const (
	DefaultSettingsHeaderTableSize    uint32 = 4096
	DefaultSettingsInitialWindowSize  uint32 = 65535
	DefaultSettingsMaxFrameSize       uint32 = 16384
	DefaultServerMaxConcurrentStreams uint32 = 100
	DefaultServerMaxHeaderListSize    uint32 = 1024 * 32
	DefaultClientEnablePush          uint32 = 0
	DefaultServerEnablePush          uint32 = 1
)

// clientPreface is the 24-octet sequence every HTTP/2 connection opens
// with (RFC 7540 section 3.5), sent by the client and expected by the
// server before the first SETTINGS frame.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// DriverFactory builds the per-stream transaction driver — the
// h2stream.Continuation that turns a decoded request into upstream I/O —
// once a stream's header block has fully arrived. The connection itself
// knows nothing about upstreams; it only hands the stream to this hook.
type DriverFactory func(s *h2stream.Stream) h2stream.Continuation

// streamEntry bundles a live stream with the Worker it is bound to, so
// the connection can stop the worker once the stream is torn down.
type streamEntry struct {
	stream *h2stream.Stream
	worker *h2stream.Worker
}

// Connection manages one HTTP/2 connection: the client preface/settings
// handshake, frame framing and dispatch, priority and connection-level
// flow control, and per-stream Worker/Stream lifecycle. The per-stream
// state machine, VIO adapter, and per-stream flow control all live in
// h2stream; Connection is that core's h2stream.Connection.
type Connection struct {
	netConn  net.Conn
	log      *logger.Logger
	isClient bool

	ctx    context.Context
	cancel context.CancelFunc

	streamsMu    sync.Mutex
	streams      map[uint32]*streamEntry
	nextWorkerID int

	nextStreamIDClient    uint32
	nextStreamIDServer    uint32
	lastProcessedStreamID uint32

	priorityTree *PriorityTree
	hpack        *h2stream.HpackAdapter

	connSendWindow *ConnFlowWindow
	connRecvMu     sync.Mutex
	connRecvOwed   int64 // bytes received but not yet re-granted via WINDOW_UPDATE

	settingsMu               sync.Mutex
	ourSettings               map[httpframe.SettingID]uint32
	peerSettings              map[httpframe.SettingID]uint32
	peerMaxFrameSize          uint32
	ourMaxConcurrentStreams   uint32
	peerMaxConcurrentStreams  uint32
	concurrentStreamsInbound  int
	concurrentStreamsOutbound int

	writerChan chan httpframe.Frame
	writerDone chan struct{}

	goAwayMu       sync.Mutex
	goAwaySent     bool
	goAwayReceived bool

	// activeHeaderBlockStreamID/EndStream track the single in-flight
	// HEADERS/PUSH_PROMISE+CONTINUATION sequence RFC 7540 section 6.10
	// allows per connection; the fragment bytes themselves accumulate
	// inside the owning Stream's own header_blocks buffer, not here.
	activeHeaderBlockStreamID uint32
	activeHeaderBlockEndHdr   bool
	activeHeaderBlockEndStrm  bool

	streamCfg     h2stream.Config
	driverFactory DriverFactory

	remoteAddrStr string
}

// NewConnection constructs a Connection around an already-accepted (or
// already-dialed) net.Conn. settingsOverride lets a server apply
// deployment-specific SETTINGS values; it may be nil. driverFactory must
// be non-nil for a server-side connection — it is how received requests
// reach the upstream half of the proxy.
func NewConnection(
	nc net.Conn,
	lg *logger.Logger,
	isClientSide bool,
	settingsOverride map[httpframe.SettingID]uint32,
	driverFactory DriverFactory,
	streamCfg h2stream.Config,
) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		netConn:       nc,
		log:           lg,
		isClient:      isClientSide,
		ctx:           ctx,
		cancel:        cancel,
		streams:       make(map[uint32]*streamEntry),
		priorityTree:  NewPriorityTree(),
		writerChan:    make(chan httpframe.Frame, 64),
		writerDone:    make(chan struct{}),
		ourSettings:   make(map[httpframe.SettingID]uint32),
		peerSettings:  make(map[httpframe.SettingID]uint32),
		streamCfg:     streamCfg,
		driverFactory: driverFactory,
		remoteAddrStr: nc.RemoteAddr().String(),
	}

	if isClientSide {
		c.nextStreamIDClient = 1
	} else {
		c.nextStreamIDClient = 1
		c.nextStreamIDServer = 2
	}

	c.peerSettings[httpframe.SettingHeaderTableSize] = DefaultSettingsHeaderTableSize
	c.peerSettings[httpframe.SettingInitialWindowSize] = DefaultSettingsInitialWindowSize
	c.peerSettings[httpframe.SettingMaxFrameSize] = DefaultSettingsMaxFrameSize
	c.peerSettings[httpframe.SettingMaxConcurrentStreams] = 0xffffffff
	c.peerMaxFrameSize = DefaultSettingsMaxFrameSize
	c.peerMaxConcurrentStreams = 0xffffffff

	c.ourSettings[httpframe.SettingHeaderTableSize] = DefaultSettingsHeaderTableSize
	c.ourSettings[httpframe.SettingInitialWindowSize] = DefaultSettingsInitialWindowSize
	c.ourSettings[httpframe.SettingMaxFrameSize] = DefaultSettingsMaxFrameSize
	if isClientSide {
		c.ourSettings[httpframe.SettingEnablePush] = DefaultClientEnablePush
		c.ourSettings[httpframe.SettingMaxConcurrentStreams] = 100
	} else {
		c.ourSettings[httpframe.SettingEnablePush] = DefaultServerEnablePush
		c.ourSettings[httpframe.SettingMaxConcurrentStreams] = DefaultServerMaxConcurrentStreams
	}
	c.ourMaxConcurrentStreams = c.ourSettings[httpframe.SettingMaxConcurrentStreams]
	for id, v := range settingsOverride {
		c.ourSettings[id] = v
	}
	c.ourMaxConcurrentStreams = c.ourSettings[httpframe.SettingMaxConcurrentStreams]

	c.hpack = h2stream.NewHpackAdapter(c.ourSettings[httpframe.SettingHeaderTableSize])
	c.connSendWindow = NewConnFlowWindow(httpframe.DefaultInitialWindowSize, true, 0)

	return c
}

// Serve performs the connection preface handshake, starts the writer
// goroutine, then runs the frame-dispatch read loop until the connection
// ends. It always returns a non-nil error describing why the connection
// closed (io.EOF on a clean peer-initiated close is not special-cased
// away, per this core's "caller decides what's fatal" philosophy).
func (c *Connection) Serve() error {
	if err := c.handshake(); err != nil {
		return err
	}

	go c.writerLoop()
	defer func() {
		close(c.writerChan)
		<-c.writerDone
	}()

	err := c.readLoop()
	c.teardown(err)
	return err
}

func (c *Connection) handshake() error {
	if c.isClient {
		if _, err := c.netConn.Write([]byte(clientPreface)); err != nil {
			return fmt.Errorf("writing client preface: %w", err)
		}
	} else {
		buf := make([]byte, len(clientPreface))
		if _, err := readFull(c.netConn, buf); err != nil {
			return fmt.Errorf("reading client preface: %w", err)
		}
		if string(buf) != clientPreface {
			return fmt.Errorf("invalid client preface %q", buf)
		}
	}

	settings := c.buildSettingsFrame(false)
	if err := httpframe.WriteFrame(c.netConn, settings); err != nil {
		return fmt.Errorf("writing initial SETTINGS: %w", err)
	}
	return nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Connection) buildSettingsFrame(ack bool) *httpframe.SettingsFrame {
	fh := httpframe.FrameHeader{Type: httpframe.FrameSettings, StreamID: 0}
	f := &httpframe.SettingsFrame{FrameHeader: fh}
	if ack {
		f.Flags = httpframe.FlagSettingsAck
		return f
	}
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	for id, v := range c.ourSettings {
		f.Settings = append(f.Settings, httpframe.Setting{ID: id, Value: v})
	}
	return f
}

// enqueueFrame hands f to the writer goroutine. It never blocks
// indefinitely on a dead connection: the writer loop exits once it sees
// a write error, at which point further sends are dropped.
func (c *Connection) enqueueFrame(f httpframe.Frame) {
	select {
	case c.writerChan <- f:
	case <-c.ctx.Done():
	}
}

func (c *Connection) writerLoop() {
	defer close(c.writerDone)
	for f := range c.writerChan {
		if err := httpframe.WriteFrame(c.netConn, f); err != nil {
			c.log.Warn("h2conn: write failed, aborting connection", logger.LogFields{"remote": c.remoteAddrStr, "error": err.Error()})
			c.cancel()
			return
		}
	}
}

// readLoop is the frame-dispatch core: it decodes frames off the wire
// and routes each to the stream or connection-level handler responsible
// for it. It returns the error that ended the loop.
func (c *Connection) readLoop() error {
	r := bufio.NewReaderSize(c.netConn, 64*1024)
	for {
		frame, err := httpframe.ReadFrame(r)
		if err != nil {
			return err
		}
		if err := c.dispatchFrame(frame); err != nil {
			if ce, ok := err.(*ConnectionError); ok {
				_ = c.RequestShutdown(ce.Code)
				return ce
			}
			if se, ok := err.(*StreamError); ok {
				c.enqueueFrame(GenerateRSTStreamFrame(se.StreamID, se.Code, se))
				c.closeStream(se.StreamID)
				continue
			}
			return err
		}
	}
}

func (c *Connection) dispatchFrame(frame httpframe.Frame) error {
	switch f := frame.(type) {
	case *httpframe.SettingsFrame:
		return c.handleSettings(f)
	case *httpframe.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *httpframe.PingFrame:
		return c.handlePing(f)
	case *httpframe.GoAwayFrame:
		return c.handleGoAway(f)
	case *httpframe.PriorityFrame:
		return c.priorityTree.ProcessPriorityFrame(f)
	case *httpframe.HeadersFrame:
		return c.handleHeaders(f)
	case *httpframe.ContinuationFrame:
		return c.handleContinuation(f)
	case *httpframe.PushPromiseFrame:
		return NewConnectionError(h2stream.ErrCodeProtocolError, "server received PUSH_PROMISE")
	case *httpframe.DataFrame:
		return c.handleData(f)
	case *httpframe.RSTStreamFrame:
		return c.handleRSTStream(f)
	case *httpframe.UnknownFrame:
		return nil
	default:
		return nil
	}
}

func (c *Connection) handleSettings(f *httpframe.SettingsFrame) error {
	if f.Flags&httpframe.FlagSettingsAck != 0 {
		return nil
	}

	c.settingsMu.Lock()
	for _, s := range f.Settings {
		c.peerSettings[s.ID] = s.Value
	}
	c.peerMaxFrameSize = c.peerSettings[httpframe.SettingMaxFrameSize]
	c.peerMaxConcurrentStreams = c.peerSettings[httpframe.SettingMaxConcurrentStreams]
	c.hpack.SetMaxEncoderDynamicTableSize(c.peerSettings[httpframe.SettingHeaderTableSize])
	c.settingsMu.Unlock()

	c.enqueueFrame(c.buildSettingsFrame(true))
	return nil
}

func (c *Connection) handleWindowUpdate(f *httpframe.WindowUpdateFrame) error {
	if f.Header().StreamID == 0 {
		return c.connSendWindow.Increase(f.WindowSizeIncrement)
	}
	s := c.lookupStream(f.Header().StreamID)
	if s == nil {
		return nil
	}
	payload := make([]byte, 4)
	payload[0] = byte(f.WindowSizeIncrement >> 24)
	payload[1] = byte(f.WindowSizeIncrement >> 16)
	payload[2] = byte(f.WindowSizeIncrement >> 8)
	payload[3] = byte(f.WindowSizeIncrement)
	if cerr := s.OnFrame(h2stream.FrameWindowUpdate, false, false, payload); cerr != nil {
		return NewStreamError(f.Header().StreamID, cerr.Code, cerr.Msg)
	}
	return nil
}

func (c *Connection) handlePing(f *httpframe.PingFrame) error {
	if f.Flags&httpframe.FlagPingAck != 0 {
		return nil
	}
	ack := &httpframe.PingFrame{
		FrameHeader: httpframe.FrameHeader{Type: httpframe.FramePing, Flags: httpframe.FlagPingAck},
		OpaqueData:  f.OpaqueData,
	}
	c.enqueueFrame(ack)
	return nil
}

func (c *Connection) handleGoAway(f *httpframe.GoAwayFrame) error {
	c.goAwayMu.Lock()
	c.goAwayReceived = true
	c.goAwayMu.Unlock()
	c.log.Info("h2conn: received GOAWAY", logger.LogFields{"remote": c.remoteAddrStr, "last_stream_id": f.LastStreamID, "code": httpframe.ErrorCode(f.ErrorCode).String()})
	return nil
}

func (c *Connection) handleRSTStream(f *httpframe.RSTStreamFrame) error {
	streamID := f.Header().StreamID
	s := c.lookupStream(streamID)
	if s == nil {
		return nil
	}
	s.InitiatingClose()
	c.closeStream(streamID)
	return nil
}

// handleHeaders begins (or, if END_HEADERS is set, completes in one
// shot) the header-block assembly sequence for a new client-initiated
// stream.
func (c *Connection) handleHeaders(f *httpframe.HeadersFrame) error {
	streamID := f.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(h2stream.ErrCodeProtocolError, "HEADERS frame on stream 0")
	}
	if c.activeHeaderBlockStreamID != 0 {
		return NewConnectionError(h2stream.ErrCodeProtocolError, fmt.Sprintf("HEADERS on stream %d while header block for stream %d is active", streamID, c.activeHeaderBlockStreamID))
	}

	s, err := c.newInboundStream(streamID, f)
	if err != nil {
		return err
	}

	endStream := f.Flags&httpframe.FlagHeadersEndStream != 0
	endHeaders := f.Flags&httpframe.FlagHeadersEndHeaders != 0

	if cerr := s.OnFrame(h2stream.FrameHeaders, endStream, endHeaders, f.HeaderBlockFragment); cerr != nil {
		return NewStreamError(streamID, cerr.Code, cerr.Msg)
	}

	if endHeaders {
		return c.finishHeaderBlock(s)
	}
	c.activeHeaderBlockStreamID = streamID
	c.activeHeaderBlockEndHdr = false
	c.activeHeaderBlockEndStrm = endStream
	return nil
}

func (c *Connection) handleContinuation(f *httpframe.ContinuationFrame) error {
	streamID := f.Header().StreamID
	if c.activeHeaderBlockStreamID == 0 || streamID != c.activeHeaderBlockStreamID {
		return NewConnectionError(h2stream.ErrCodeProtocolError, "CONTINUATION without a matching active header block")
	}

	s := c.lookupStream(streamID)
	if s == nil {
		c.activeHeaderBlockStreamID = 0
		return NewConnectionError(h2stream.ErrCodeProtocolError, "CONTINUATION for a stream that no longer exists")
	}

	endHeaders := f.Flags&httpframe.FlagContinuationEndHeaders != 0
	if cerr := s.OnFrame(h2stream.FrameContinuation, c.activeHeaderBlockEndStrm, endHeaders, f.HeaderBlockFragment); cerr != nil {
		return NewStreamError(streamID, cerr.Code, cerr.Msg)
	}

	if endHeaders {
		return c.finishHeaderBlock(s)
	}
	return nil
}

// finishHeaderBlock decodes the assembled block and, once decoded,
// hands the stream to the driver factory so the proxy's upstream half
// can begin its own work against the stream's VIO.
func (c *Connection) finishHeaderBlock(s *h2stream.Stream) error {
	c.activeHeaderBlockStreamID = 0

	if cerr := s.DecodeHeaderBlocks(c.hpack); cerr != nil {
		return NewStreamError(s.ID(), cerr.Code, cerr.Msg)
	}

	if c.driverFactory != nil {
		driver := c.driverFactory(s)
		_ = driver // the driver attaches itself via DoIORead/DoIOWrite from its own constructor
	}
	return nil
}

func (c *Connection) handleData(f *httpframe.DataFrame) error {
	streamID := f.Header().StreamID
	payloadLen := int64(len(f.Data))

	c.connRecvMu.Lock()
	c.connRecvOwed += payloadLen
	owed := c.connRecvOwed
	if owed >= int64(httpframe.DefaultInitialWindowSize)/2 {
		c.connRecvOwed = 0
	}
	c.connRecvMu.Unlock()
	if owed >= int64(httpframe.DefaultInitialWindowSize)/2 {
		c.enqueueFrame(c.buildWindowUpdateFrame(0, uint32(owed)))
	}

	s := c.lookupStream(streamID)
	if s == nil {
		return NewConnectionError(h2stream.ErrCodeProtocolError, fmt.Sprintf("DATA on unknown stream %d", streamID))
	}

	endStream := f.Flags&httpframe.FlagDataEndStream != 0
	if cerr := s.OnFrame(h2stream.FrameData, endStream, false, f.Data); cerr != nil {
		return NewStreamError(streamID, cerr.Code, cerr.Msg)
	}

	if len(f.Data) > 0 {
		c.enqueueFrame(c.buildWindowUpdateFrame(streamID, uint32(len(f.Data))))
	}
	return nil
}

func (c *Connection) buildWindowUpdateFrame(streamID uint32, increment uint32) *httpframe.WindowUpdateFrame {
	return &httpframe.WindowUpdateFrame{
		FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameWindowUpdate, StreamID: streamID},
		WindowSizeIncrement: increment,
	}
}

// newInboundStream validates and creates the Stream+Worker pair for a
// client-initiated request, enforcing the concurrency limit and stream
// ID parity/monotonicity rules of RFC 7540 section 5.1.1.
func (c *Connection) newInboundStream(streamID uint32, f *httpframe.HeadersFrame) (*h2stream.Stream, error) {
	if streamID%2 == 0 {
		return nil, NewConnectionError(h2stream.ErrCodeProtocolError, fmt.Sprintf("even stream ID %d from client", streamID))
	}

	c.streamsMu.Lock()
	if _, exists := c.streams[streamID]; exists {
		c.streamsMu.Unlock()
		return nil, NewConnectionError(h2stream.ErrCodeProtocolError, fmt.Sprintf("stream ID %d reused", streamID))
	}
	c.settingsMu.Lock()
	limit := c.ourMaxConcurrentStreams
	c.settingsMu.Unlock()
	if limit > 0 && uint32(c.concurrentStreamsInbound) >= limit {
		c.streamsMu.Unlock()
		return nil, NewStreamError(streamID, h2stream.ErrCodeRefusedStream, "max concurrent streams reached")
	}

	c.nextWorkerID++
	worker := h2stream.NewWorker(c.nextWorkerID, 64)
	s := h2stream.NewStream(streamID, false, worker, c, c.streamCfg)
	s.SetOnDestroy(func(report h2stream.SlowDestroyReport) {
		c.onStreamDestroyed(streamID, report)
	})

	c.streams[streamID] = &streamEntry{stream: s, worker: worker}
	c.concurrentStreamsInbound++
	if streamID > c.lastProcessedStreamID {
		c.lastProcessedStreamID = streamID
	}
	c.streamsMu.Unlock()

	var dep *streamDependencyInfo
	if f.Flags&httpframe.FlagHeadersPriority != 0 {
		dep = &streamDependencyInfo{StreamDependency: f.StreamDependency, Weight: f.Weight, Exclusive: f.Exclusive}
	}
	if err := c.priorityTree.AddStream(streamID, dep); err != nil {
		c.log.Warn("h2conn: failed to register stream priority", logger.LogFields{"stream_id": streamID, "error": err.Error()})
	}

	return s, nil
}

func (c *Connection) onStreamDestroyed(streamID uint32, report h2stream.SlowDestroyReport) {
	c.streamsMu.Lock()
	entry, ok := c.streams[streamID]
	if ok {
		delete(c.streams, streamID)
		c.concurrentStreamsInbound--
	}
	c.streamsMu.Unlock()

	if entry != nil {
		entry.worker.Stop()
	}
	if err := c.priorityTree.RemoveStream(streamID); err != nil {
		c.log.Warn("h2conn: failed to remove stream priority", logger.LogFields{"stream_id": streamID, "error": err.Error()})
	}
	c.log.Debug("h2conn: destroy stream", logger.LogFields{"stream_id": streamID, "bytes_sent": report.BytesSent})
	if report.Slow && report.Report != nil {
		c.log.Warn("h2conn: slow stream", logger.LogFields{"stream_id": streamID, "report": report.Report.String()})
	}
}

func (c *Connection) lookupStream(streamID uint32) *h2stream.Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if e, ok := c.streams[streamID]; ok {
		return e.stream
	}
	return nil
}

func (c *Connection) closeStream(streamID uint32) {
	if s := c.lookupStream(streamID); s != nil {
		s.InitiatingClose()
	}
}

func (c *Connection) teardown(cause error) {
	c.streamsMu.Lock()
	entries := make([]*streamEntry, 0, len(c.streams))
	for _, e := range c.streams {
		entries = append(entries, e)
	}
	c.streamsMu.Unlock()

	for _, e := range entries {
		e.stream.InitiatingClose()
	}
	_ = c.netConn.Close()
	c.log.Debug("h2conn: connection closed", logger.LogFields{"remote": c.remoteAddrStr, "cause": fmt.Sprint(cause)})
}

// --- h2stream.Connection implementation -------------------------------

// EnqueueHeadersFrame emits a HEADERS frame (optionally followed by
// CONTINUATION frames) derived from s's parsed response header,
// HPACK-encoding the field list and fragmenting it to the peer's
// SETTINGS_MAX_FRAME_SIZE.
func (c *Connection) EnqueueHeadersFrame(s *h2stream.Stream) error {
	resp := s.ResponseHeader()
	if resp == nil {
		return fmt.Errorf("EnqueueHeadersFrame: stream %d has no parsed response header yet", s.ID())
	}
	fields := h2stream.ConvertResponseHeaders(resp)

	c.settingsMu.Lock()
	encoded, err := c.hpack.Encode(fields)
	maxFrame := c.peerMaxFrameSize
	c.settingsMu.Unlock()
	if err != nil {
		return fmt.Errorf("EnqueueHeadersFrame: hpack encode: %w", err)
	}
	if maxFrame == 0 {
		maxFrame = DefaultSettingsMaxFrameSize
	}

	endStream := s.WriteComplete()
	chunks := splitChunks(encoded, maxFrame)
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		if i == 0 {
			fh := httpframe.FrameHeader{Type: httpframe.FrameHeaders, StreamID: s.ID()}
			hf := &httpframe.HeadersFrame{FrameHeader: fh, HeaderBlockFragment: chunk}
			if last {
				hf.Flags |= httpframe.FlagHeadersEndHeaders
			}
			if last && endStream {
				hf.Flags |= httpframe.FlagHeadersEndStream
			}
			c.enqueueFrame(hf)
		} else {
			fh := httpframe.FrameHeader{Type: httpframe.FrameContinuation, StreamID: s.ID()}
			cf := &httpframe.ContinuationFrame{FrameHeader: fh, HeaderBlockFragment: chunk}
			if last {
				cf.Flags |= httpframe.FlagContinuationEndHeaders
			}
			c.enqueueFrame(cf)
		}
	}
	if endStream {
		s.MarkSendEndStream()
	}
	return nil
}

// EnqueueDataFrames drains s's buffered response bytes into one or more
// DATA frames, obeying the peer's SETTINGS_MAX_FRAME_SIZE and the
// connection's send window; the stream's own send window is enforced by
// the core before bytes ever reach pendingData.
func (c *Connection) EnqueueDataFrames(s *h2stream.Stream) error {
	payload := s.DrainPendingData()
	endStream := s.WriteComplete()
	if len(payload) == 0 && !endStream {
		return nil
	}

	c.settingsMu.Lock()
	maxFrame := c.peerMaxFrameSize
	c.settingsMu.Unlock()
	if maxFrame == 0 {
		maxFrame = DefaultSettingsMaxFrameSize
	}

	chunks := splitChunks(payload, maxFrame)
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	for i, chunk := range chunks {
		if len(chunk) > 0 {
			if err := c.connSendWindow.Acquire(uint32(len(chunk))); err != nil {
				return err
			}
		}
		last := i == len(chunks)-1
		fh := httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: s.ID()}
		df := &httpframe.DataFrame{FrameHeader: fh, Data: chunk}
		if last && endStream {
			df.Flags |= httpframe.FlagDataEndStream
		}
		c.enqueueFrame(df)
	}
	if endStream {
		s.MarkSendEndStream()
	}
	return nil
}

// EnqueuePushPromise reserves a new even-numbered server-initiated
// stream and emits a PUSH_PROMISE announcing it on s's connection.
func (c *Connection) EnqueuePushPromise(s *h2stream.Stream, url, acceptEncoding string) error {
	c.settingsMu.Lock()
	pushEnabled := c.peerSettings[httpframe.SettingEnablePush] == 1
	c.settingsMu.Unlock()
	if !pushEnabled {
		return fmt.Errorf("EnqueuePushPromise: peer has disabled server push")
	}

	c.streamsMu.Lock()
	c.nextStreamIDServer += 2
	promisedID := c.nextStreamIDServer
	c.streamsMu.Unlock()

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: url},
	}
	if acceptEncoding != "" {
		fields = append(fields, hpack.HeaderField{Name: "accept-encoding", Value: acceptEncoding})
	}

	c.settingsMu.Lock()
	encoded, err := c.hpack.EncodeHeaderFields(fields)
	maxFrame := c.peerMaxFrameSize
	c.settingsMu.Unlock()
	if err != nil {
		return fmt.Errorf("EnqueuePushPromise: hpack encode: %w", err)
	}
	if maxFrame == 0 {
		maxFrame = DefaultSettingsMaxFrameSize
	}

	chunks := splitChunks(encoded, maxFrame)
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		if i == 0 {
			fh := httpframe.FrameHeader{Type: httpframe.FramePushPromise, StreamID: s.ID()}
			pf := &httpframe.PushPromiseFrame{FrameHeader: fh, PromisedStreamID: promisedID, HeaderBlockFragment: chunk}
			if last {
				pf.Flags |= httpframe.FlagPushPromiseEndHeaders
			}
			c.enqueueFrame(pf)
		} else {
			fh := httpframe.FrameHeader{Type: httpframe.FrameContinuation, StreamID: s.ID()}
			cf := &httpframe.ContinuationFrame{FrameHeader: fh, HeaderBlockFragment: chunk}
			if last {
				cf.Flags |= httpframe.FlagContinuationEndHeaders
			}
			c.enqueueFrame(cf)
		}
	}
	return nil
}

// StreamPriority implements h2stream.Connection, projecting s's node in
// the priority tree out to the stream itself (Stream.PriorityParentID,
// Stream.PriorityWeight).
func (c *Connection) StreamPriority(s *h2stream.Stream) (parentID uint32, weight uint8, ok bool) {
	parentID, _, weight, err := c.priorityTree.GetDependencies(s.ID())
	if err != nil {
		return 0, 0, false
	}
	return parentID, weight, true
}

// RequestShutdown begins a graceful GOAWAY sequence. It is idempotent:
// a second call after GOAWAY has already been sent is a no-op.
func (c *Connection) RequestShutdown(code h2stream.ErrorCode) error {
	c.goAwayMu.Lock()
	if c.goAwaySent {
		c.goAwayMu.Unlock()
		return nil
	}
	c.goAwaySent = true
	c.goAwayMu.Unlock()

	c.streamsMu.Lock()
	lastID := c.lastProcessedStreamID
	c.streamsMu.Unlock()

	c.enqueueFrame(GenerateGoAwayFrame(lastID, code, "", nil))
	go func() {
		time.Sleep(5 * time.Second)
		c.cancel()
	}()
	return nil
}

// splitChunks divides data into slices no larger than maxLen, always
// returning at least one (possibly empty) chunk for zero-length input so
// callers can still emit a single empty HEADERS/DATA frame.
func splitChunks(data []byte, maxLen uint32) [][]byte {
	if maxLen == 0 {
		maxLen = DefaultSettingsMaxFrameSize
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := int(maxLen)
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
