package httpframe

import "fmt"

// ErrorCode is the wire representation of an HTTP/2 error code (RFC 7540
// Section 7). It is a plain uint32 so it round-trips through RST_STREAM and
// GOAWAY payloads without conversion.
type ErrorCode uint32

const (
	ErrCodeNoError            ErrorCode = 0x0
	ErrCodeProtocolError      ErrorCode = 0x1
	ErrCodeInternalError      ErrorCode = 0x2
	ErrCodeFlowControlError   ErrorCode = 0x3
	ErrCodeSettingsTimeout    ErrorCode = 0x4
	ErrCodeStreamClosed       ErrorCode = 0x5
	ErrCodeFrameSizeError     ErrorCode = 0x6
	ErrCodeRefusedStream      ErrorCode = 0x7
	ErrCodeCancel             ErrorCode = 0x8
	ErrCodeCompressionError   ErrorCode = 0x9
	ErrCodeConnectError       ErrorCode = 0xa
	ErrCodeEnhanceYourCalm    ErrorCode = 0xb
	ErrCodeInadequateSecurity ErrorCode = 0xc
	ErrCodeHTTP11Required     ErrorCode = 0xd
)

func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeProtocolError:
		return "PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeSettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSizeError:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	case ErrCodeCompressionError:
		return "COMPRESSION_ERROR"
	case ErrCodeConnectError:
		return "CONNECT_ERROR"
	case ErrCodeEnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case ErrCodeInadequateSecurity:
		return "INADEQUATE_SECURITY"
	case ErrCodeHTTP11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
	}
}

// StreamError is a parse-time failure scoped to a single stream (it should
// be reported via RST_STREAM, not GOAWAY).
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (%s): %s", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (%s)", e.StreamID, e.Msg, e.Code)
}

func (e *StreamError) Unwrap() error { return e.Cause }

func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// ConnectionError is a parse-time failure that invalidates the whole
// connection (it should be reported via GOAWAY).
type ConnectionError struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (%s): %s", e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (%s)", e.Msg, e.Code)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}
