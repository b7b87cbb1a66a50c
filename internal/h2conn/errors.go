package h2conn

import (
	"fmt"

	"example.com/h2streamproxy/internal/h2stream"
	"example.com/h2streamproxy/internal/httpframe"
)

// ConnectionError represents an error that terminates the whole connection
// (GOAWAY), as opposed to a single stream (RST_STREAM). The stream-level
// vocabulary (h2stream.ErrorCode, h2stream.StreamError) is reused here so a
// single RFC 7540 error-code space is shared between the core and its
// connection-level caller.
type ConnectionError struct {
	LastStreamID uint32
	Code         h2stream.ErrorCode
	Msg          string
	Cause        error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s): %s", e.Msg, e.LastStreamID, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s)", e.Msg, e.LastStreamID, e.Code)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func NewConnectionError(code h2stream.ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// StreamError aliases the core's stream-scoped error type so connection-level
// code can type-assert against it without importing h2stream directly at
// every call site.
type StreamError = h2stream.StreamError

func NewStreamError(streamID uint32, code h2stream.ErrorCode, msg string) *StreamError {
	return h2stream.NewStreamError(streamID, code, msg)
}

const (
	ErrCodeProtocolError    = h2stream.ErrCodeProtocolError
	ErrCodeFlowControlError = h2stream.ErrCodeFlowControlError
	ErrCodeEnhanceYourCalm  = h2stream.ErrCodeEnhanceYourCalm
	ErrCodeInternalError    = h2stream.ErrCodeInternalError
	ErrCodeStreamClosed     = h2stream.ErrCodeStreamClosed
	ErrCodeRefusedStream    = h2stream.ErrCodeRefusedStream
)

// GenerateRSTStreamFrame builds a wire RST_STREAM frame from a stream error
// or generic error code. If err is a *h2stream.StreamError, its StreamID and
// Code take precedence over the explicit arguments.
func GenerateRSTStreamFrame(streamID uint32, errCode h2stream.ErrorCode, err error) *httpframe.RSTStreamFrame {
	codeToUse := errCode
	finalStreamID := streamID

	if se, ok := err.(*h2stream.StreamError); ok {
		codeToUse = se.Code
		if se.StreamID != 0 {
			finalStreamID = se.StreamID
		}
	}

	fh := httpframe.FrameHeader{
		Type:     httpframe.FrameRSTStream,
		StreamID: finalStreamID,
		Length:   4,
		Flags:    0,
	}

	return &httpframe.RSTStreamFrame{
		FrameHeader: fh,
		ErrorCode:   httpframe.ErrorCode(codeToUse),
	}
}

// GenerateGoAwayFrame builds a wire GOAWAY frame from a ConnectionError or
// generic parameters. If err is a *ConnectionError, its fields take
// precedence over the explicit arguments.
func GenerateGoAwayFrame(lastStreamID uint32, errCode h2stream.ErrorCode, debugStr string, err error) *httpframe.GoAwayFrame {
	codeToUse := errCode
	finalLastStreamID := lastStreamID
	var debugDataBytes []byte

	if ce, ok := err.(*ConnectionError); ok {
		finalLastStreamID = ce.LastStreamID
		codeToUse = ce.Code
		if ce.Msg != "" {
			debugDataBytes = []byte(ce.Msg)
		} else {
			debugDataBytes = []byte(debugStr)
		}
	} else {
		debugDataBytes = []byte(debugStr)
	}

	fh := httpframe.FrameHeader{
		Type:     httpframe.FrameGoAway,
		StreamID: 0,
		Length:   8 + uint32(len(debugDataBytes)),
		Flags:    0,
	}

	return &httpframe.GoAwayFrame{
		FrameHeader:         fh,
		LastStreamID:        finalLastStreamID,
		ErrorCode:           httpframe.ErrorCode(codeToUse),
		AdditionalDebugData: debugDataBytes,
	}
}
