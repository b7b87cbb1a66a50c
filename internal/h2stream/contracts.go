package h2stream

// Connection is the core's outbound-facing view of its owning connection
// (the "Stream → connection" API). Framing, settings, priority scheduling,
// and connection-level flow control are all out of the core's scope; the
// core only ever asks its Connection to perform them.
type Connection interface {
	// EnqueueHeadersFrame emits a HEADERS frame derived from s's response
	// header.
	EnqueueHeadersFrame(s *Stream) error
	// EnqueueDataFrames drains s's write VIO reader through DATA frames,
	// obeying both the stream's and the connection's send windows.
	EnqueueDataFrames(s *Stream) error
	// EnqueuePushPromise emits a PUSH_PROMISE for url on a new
	// server-initiated stream reserved on s's connection.
	EnqueuePushPromise(s *Stream, url, acceptEncoding string) error
	// RequestShutdown asks the connection to begin a graceful GOAWAY
	// sequence; idempotent.
	RequestShutdown(code ErrorCode) error
	// StreamPriority returns s's current position in the connection's
	// priority tree: its parent's stream ID and its own weight. ok is
	// false if the connection has no priority record for s (e.g. the
	// connection doesn't track priority at all).
	StreamPriority(s *Stream) (parentID uint32, weight uint8, ok bool)
}
