package httpframe_test

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"testing"

	"example.com/h2streamproxy/internal/httpframe"
)

// Helper function to compare two FrameHeader structs.
// Useful because direct comparison of structs containing slices (like raw [9]byte) might not be ideal.
func assertFrameHeaderEquals(t *testing.T, expected, actual httpframe.FrameHeader) {
	t.Helper()
	if expected.Length != actual.Length {
		t.Errorf("FrameHeader.Length mismatch: expected %d, got %d", expected.Length, actual.Length)
	}
	if expected.Type != actual.Type {
		t.Errorf("FrameHeader.Type mismatch: expected %s, got %s", expected.Type, actual.Type)
	}
	if expected.Flags != actual.Flags {
		t.Errorf("FrameHeader.Flags mismatch: expected 0x%x, got 0x%x", expected.Flags, actual.Flags)
	}
	if expected.StreamID != actual.StreamID {
		t.Errorf("FrameHeader.StreamID mismatch: expected %d, got %d", expected.StreamID, actual.StreamID)
	}
	// The .raw field is unexported and its direct comparison is not necessary
	// if all exported fields (Length, Type, Flags, StreamID) match.
	// The correctness of serialization/deserialization of .raw is implicitly
	// tested by FrameHeader.WriteTo and ReadFrameHeader correctly populating/using these fields.
}

// Helper to serialize a frame to bytes and then parse it back.
func testFrameSerializationLoop(t *testing.T, originalFrame httpframe.Frame, frameName string) httpframe.Frame {
	t.Helper()

	var buf bytes.Buffer
	err := httpframe.WriteFrame(&buf, originalFrame)
	if err != nil {
		t.Fatalf("%s WriteFrame() error = %v", frameName, err)
	}

	// Check if header length matches payload length calculation
	expectedHeaderLength := originalFrame.PayloadLen()
	if originalFrame.Header().Length != expectedHeaderLength {
		t.Errorf("%s: FrameHeader.Length (%d) does not match calculated PayloadLen() (%d)",
			frameName, originalFrame.Header().Length, expectedHeaderLength)
	}

	// Check if buffer length matches total frame length
	expectedTotalLength := httpframe.FrameHeaderLen + int(originalFrame.Header().Length)
	if buf.Len() != expectedTotalLength {
		t.Errorf("%s: Serialized buffer length (%d) does not match expected total frame length (%d = 9 + %d)",
			frameName, buf.Len(), expectedTotalLength, originalFrame.Header().Length)
	}

	parsedFrame, err := httpframe.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("%s ReadFrame() error = %v", frameName, err)
	}

	if buf.Len() != 0 {
		t.Errorf("%s: Buffer not fully consumed after ReadFrame, remaining %d bytes", frameName, buf.Len())
	}
	return parsedFrame
}

// testFrameType round-trips originalFrame through WriteFrame/ReadFrame and
// asserts the header and payload fields survive unchanged.
func testFrameType(t *testing.T, originalFrame httpframe.Frame, frameName string) {
	t.Helper()

	parsedFrame := testFrameSerializationLoop(t, originalFrame, frameName)

	originalHeader := *originalFrame.Header()
	parsedHeader := *parsedFrame.Header()
	assertFrameHeaderEquals(t, originalHeader, parsedHeader)

	originalPayloadComparable := deepCopyFramePayload(originalFrame)
	parsedPayloadComparable := deepCopyFramePayload(parsedFrame)
	if !reflect.DeepEqual(originalPayloadComparable, parsedPayloadComparable) {
		t.Errorf("%s structs (payload part) not equal after serialization/deserialization loop.\nOriginal: %#v\nParsed:   %#v",
			frameName, originalPayloadComparable, parsedPayloadComparable)
	}

	if originalFrame.PayloadLen() != parsedFrame.PayloadLen() {
		t.Errorf("%s: PayloadLen() mismatch after parse. Original: %d, Parsed: %d", frameName, originalFrame.PayloadLen(), parsedFrame.PayloadLen())
	}
	if originalFrame.Header().Length != originalFrame.PayloadLen() {
		t.Errorf("%s: Original frame's Header.Length (%d) doesn't match its PayloadLen() (%d)",
			frameName, originalFrame.Header().Length, originalFrame.PayloadLen())
	}
}

// deepCopyFramePayload returns a copy of f with its FrameHeader zeroed, so
// reflect.DeepEqual can compare payload fields without tripping on the
// unexported raw header bytes.
func deepCopyFramePayload(f httpframe.Frame) interface{} {
	// This is a bit of a hack. A proper way would be to use reflection to copy fields
	// or have specific copy methods for each frame type.
	// Each known frame type is copied by value with its FrameHeader zeroed;
	// any other type panics.
	// The idea is to have a representation that DeepEqual can use without tripping on FrameHeader.Raw.
	// A better approach would be to define specific comparison functions for each frame type.

	switch ft := f.(type) {
	case *httpframe.DataFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{} // Zero out header for DeepEqual on payload
		return cp
	case *httpframe.HeadersFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.PriorityFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.RSTStreamFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.SettingsFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.PushPromiseFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.PingFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.GoAwayFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.WindowUpdateFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.ContinuationFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	case *httpframe.UnknownFrame:
		cp := *ft
		cp.FrameHeader = httpframe.FrameHeader{}
		return cp
	default:
		panic(fmt.Sprintf("unknown frame type for deep copy: %T", f))
	}
}

func TestFrameHeaderSerialization(t *testing.T) {
	fh := httpframe.FrameHeader{
		Length:   12345,
		Type:     httpframe.FrameData,
		Flags:    httpframe.FlagDataEndStream,
		StreamID: 67890,
	}

	var writeBuf bytes.Buffer
	_, err := fh.WriteTo(&writeBuf)
	if err != nil {
		t.Fatalf("fh.WriteTo() error = %v", err)
	}

	if writeBuf.Len() != httpframe.FrameHeaderLen {
		t.Fatalf("fh.WriteTo() wrote %d bytes, expected %d", writeBuf.Len(), httpframe.FrameHeaderLen)
	}
	originalWrittenBytes := make([]byte, httpframe.FrameHeaderLen)
	copy(originalWrittenBytes, writeBuf.Bytes()) // Make a copy of the written bytes

	// Create a new buffer for reading from these originalWrittenBytes
	readInputBuf := bytes.NewBuffer(originalWrittenBytes)
	parsedFH, err := httpframe.ReadFrameHeader(readInputBuf)
	if err != nil {
		t.Fatalf("ReadFrameHeader() error = %v", err)
	}

	// 1. Compare public fields of original and parsed header
	// This also implicitly tests that ReadFrameHeader correctly parsed public fields from raw bytes.
	assertFrameHeaderEquals(t, fh, parsedFH)

	// 2. Verify that serializing parsedFH produces the same byte sequence as originalWrittenBytes.
	// This tests that ReadFrameHeader correctly populated parsedFH (internally, including its
	// unexported 'raw' field, or at least its public fields accurately) such that
	// parsedFH.WriteTo() can reconstruct the original byte sequence.
	var reSerializedBuf bytes.Buffer
	_, err = parsedFH.WriteTo(&reSerializedBuf)
	if err != nil {
		t.Fatalf("parsedFH.WriteTo() error = %v", err)
	}

	if !bytes.Equal(originalWrittenBytes, reSerializedBuf.Bytes()) {
		t.Errorf("Re-serialized parsedFH bytes mismatch original written bytes.\nOriginal: %x\nParsedThenSerialized: %x",
			originalWrittenBytes, reSerializedBuf.Bytes())
	}
}

func TestReadFrameHeader_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       []byte
		expectedErr error
	}{
		{
			name:        "EOF immediately",
			input:       []byte{},
			expectedErr: io.EOF,
		},
		{
			name:        "short read (1 byte)",
			input:       []byte{0x00},
			expectedErr: io.ErrUnexpectedEOF,
		},
		{
			name:        "short read (FrameHeaderLen - 1 bytes)",
			input:       make([]byte, httpframe.FrameHeaderLen-1),
			expectedErr: io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewBuffer(tt.input)
			_, err := httpframe.ReadFrameHeader(r)
			if err == nil {
				t.Fatalf("ReadFrameHeader() expected error %v, got nil", tt.expectedErr)
			}
			// Using errors.Is for future-proofing, though direct comparison works for io.EOF/ErrUnexpectedEOF
			if !isSpecificError(err, tt.expectedErr) {
				t.Errorf("ReadFrameHeader() error mismatch: expected %v, got %v", tt.expectedErr, err)
			}
		})
	}
}

// isSpecificError checks if err is equivalent to target.
// This is a simple helper; for more complex scenarios, errors.Is or errors.As might be better.
func isSpecificError(err, target error) bool {
	if err == nil && target == nil {
		return true
	}
	if err == nil || target == nil {
		return false
	}
	return err.Error() == target.Error() || err == target // Handle sentinel errors like io.EOF
}

type failingWriter struct {
	failAfterNBytes int
	writtenBytes    int
	errToReturn     error
}

func (fw *failingWriter) Write(p []byte) (n int, err error) {
	if fw.errToReturn == nil {
		fw.errToReturn = fmt.Errorf("simulated writer error") // Default error
	}
	if fw.writtenBytes >= fw.failAfterNBytes {
		return 0, fw.errToReturn
	}

	canWrite := fw.failAfterNBytes - fw.writtenBytes
	if canWrite <= 0 { // Should not happen if writtenBytes < failAfterNBytes, but as safeguard
		return 0, fw.errToReturn
	}

	if len(p) > canWrite {
		fw.writtenBytes += canWrite
		return canWrite, fw.errToReturn
	}

	fw.writtenBytes += len(p)
	return len(p), nil
}

func TestFrameHeader_WriteTo_Error(t *testing.T) {
	fh := httpframe.FrameHeader{
		Length:   123,
		Type:     httpframe.FrameData,
		Flags:    0,
		StreamID: 1,
	}

	expectedErr := fmt.Errorf("custom writer error")

	t.Run("fail immediately", func(t *testing.T) {
		fw := &failingWriter{failAfterNBytes: 0, errToReturn: expectedErr}
		n, err := fh.WriteTo(fw)
		if err == nil {
			t.Fatal("fh.WriteTo() expected an error, got nil")
		}
		if !isSpecificError(err, expectedErr) {
			t.Errorf("fh.WriteTo() error mismatch: expected %v, got %v", expectedErr, err)
		}
		if n != 0 {
			t.Errorf("fh.WriteTo() expected 0 bytes written on immediate error, got %d", n)
		}
	})

	t.Run("fail after partial write", func(t *testing.T) {
		fw := &failingWriter{failAfterNBytes: 4, errToReturn: expectedErr}
		n, err := fh.WriteTo(fw)
		if err == nil {
			t.Fatal("fh.WriteTo() with partial write expected an error, got nil")
		}
		if !isSpecificError(err, expectedErr) {
			t.Errorf("fh.WriteTo() with partial write error mismatch: expected %v, got %v", expectedErr, err)
		}
		if n != 4 {
			t.Errorf("fh.WriteTo() with partial write expected 4 bytes written, got %d", n)
		}
	})
}

func TestContinuationFrame(t *testing.T) {
	tests := []struct {
		name          string
		frame         *httpframe.ContinuationFrame
		expectedError bool // For specific parse/write errors not covered by generic loop
	}{
		{
			name: "basic continuation frame",
			frame: &httpframe.ContinuationFrame{
				FrameHeader: httpframe.FrameHeader{
					Type:     httpframe.FrameContinuation,
					Flags:    0,
					StreamID: 123,
					// Length will be set by PayloadLen
				},
				HeaderBlockFragment: []byte("some header data"),
			},
		},
		{
			name: "continuation frame with END_HEADERS flag",
			frame: &httpframe.ContinuationFrame{
				FrameHeader: httpframe.FrameHeader{
					Type:     httpframe.FrameContinuation,
					Flags:    httpframe.FlagContinuationEndHeaders,
					StreamID: 456,
				},
				HeaderBlockFragment: []byte("more header data"),
			},
		},
		{
			name: "continuation frame with empty header block fragment",
			frame: &httpframe.ContinuationFrame{
				FrameHeader: httpframe.FrameHeader{
					Type:     httpframe.FrameContinuation,
					Flags:    0,
					StreamID: 789,
				},
				HeaderBlockFragment: []byte{},
			},
		},
		{
			name: "continuation frame with END_HEADERS and empty fragment",
			frame: &httpframe.ContinuationFrame{
				FrameHeader: httpframe.FrameHeader{
					Type:     httpframe.FrameContinuation,
					Flags:    httpframe.FlagContinuationEndHeaders,
					StreamID: 1,
				},
				HeaderBlockFragment: []byte{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set length based on payload, WriteFrame will use this
			tt.frame.FrameHeader.Length = tt.frame.PayloadLen()
			testFrameType(t, tt.frame, "ContinuationFrame")
		})
	}
}

func TestContinuationFrame_ParsePayload_Errors(t *testing.T) {
	t.Run("payload too short error during read", func(t *testing.T) {
		header := httpframe.FrameHeader{
			Type:     httpframe.FrameContinuation,
			Length:   10, // Expect 10 bytes
			StreamID: 1,
		}
		// Provide only 5 bytes, ReadFull should cause ErrUnexpectedEOF
		payload := bytes.NewBuffer(make([]byte, 5))
		frame := &httpframe.ContinuationFrame{}

		err := frame.ParsePayload(payload, header)
		if err == nil {
			t.Fatal("ParsePayload expected an error for short payload, got nil")
		}
		// The error from ReadFull inside ParsePayload will be io.ErrUnexpectedEOF
		if !isSpecificError(err, io.ErrUnexpectedEOF) && err.Error() != "reading CONTINUATION header block fragment: unexpected EOF" {
			// The error message check is because fmt.Errorf wraps it
			t.Errorf("ParsePayload error mismatch: expected %v or wrapped version, got %v", io.ErrUnexpectedEOF, err)
		}
	})
}

func TestContinuationFrame_WritePayload_Error(t *testing.T) {
	frame := &httpframe.ContinuationFrame{
		FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameContinuation, StreamID: 1, Length: 5},
		HeaderBlockFragment: []byte("hello"),
	}
	expectedErr := fmt.Errorf("custom writer error for continuation")

	t.Run("fail immediately", func(t *testing.T) {
		fw := &failingWriter{failAfterNBytes: 0, errToReturn: expectedErr}
		n, err := frame.WritePayload(fw)
		if err == nil {
			t.Fatal("WritePayload expected an error, got nil")
		}
		if !isSpecificError(err, expectedErr) {
			t.Errorf("WritePayload error mismatch: expected %v, got %v", expectedErr, err)
		}
		if n != 0 {
			t.Errorf("WritePayload expected 0 bytes written on immediate error, got %d", n)
		}
	})

	t.Run("fail after partial write", func(t *testing.T) {
		fw := &failingWriter{failAfterNBytes: 2, errToReturn: expectedErr}
		n, err := frame.WritePayload(fw)
		if err == nil {
			t.Fatal("WritePayload with partial write expected an error, got nil")
		}
		if !isSpecificError(err, expectedErr) {
			t.Errorf("WritePayload with partial write error mismatch: expected %v, got %v", expectedErr, err)
		}
		// The failingWriter will return what it could write before erroring
		if n != 2 {
			t.Errorf("WritePayload with partial write expected 2 bytes written, got %d", n)
		}
	})
}

func TestDataFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame *httpframe.DataFrame
	}{
		{
			name: "unpadded",
			frame: &httpframe.DataFrame{
				FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: 1},
				Data:        []byte("hello"),
			},
		},
		{
			name: "padded with padding",
			frame: &httpframe.DataFrame{
				FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: 1, Flags: httpframe.FlagDataPadded},
				PadLength:   4,
				Data:        []byte("hello"),
				Padding:     []byte{0, 0, 0, 0},
			},
		},
		{
			name: "padded with zero pad length",
			frame: &httpframe.DataFrame{
				FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: 1, Flags: httpframe.FlagDataPadded},
				PadLength:   0,
				Data:        []byte("x"),
				Padding:     []byte{},
			},
		},
		{
			name: "end stream flag",
			frame: &httpframe.DataFrame{
				FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: 3, Flags: httpframe.FlagDataEndStream},
				Data:        []byte{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.frame.FrameHeader.Length = tt.frame.PayloadLen()
			testFrameType(t, tt.frame, "DataFrame")
		})
	}
}

func TestDataFrame_ParsePayload_Errors(t *testing.T) {
	t.Run("stream 0 rejected", func(t *testing.T) {
		frame := &httpframe.DataFrame{}
		err := frame.ParsePayload(bytes.NewBuffer(nil), httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: 0, Length: 0})
		if err == nil {
			t.Fatal("expected error for DATA on stream 0")
		}
	})
	t.Run("padded with declared length zero", func(t *testing.T) {
		frame := &httpframe.DataFrame{}
		header := httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: 1, Flags: httpframe.FlagDataPadded, Length: 0}
		err := frame.ParsePayload(bytes.NewBuffer(nil), header)
		if err == nil {
			t.Fatal("expected error for padded DATA with zero-length payload")
		}
	})
	t.Run("pad length exceeds payload", func(t *testing.T) {
		frame := &httpframe.DataFrame{}
		header := httpframe.FrameHeader{Type: httpframe.FrameData, StreamID: 1, Flags: httpframe.FlagDataPadded, Length: 2}
		// PadLength byte says 5, but only 1 byte remains after it.
		err := frame.ParsePayload(bytes.NewBuffer([]byte{5, 0}), header)
		if err == nil {
			t.Fatal("expected error when pad length exceeds remaining payload")
		}
	})
}

func TestHeadersFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame *httpframe.HeadersFrame
	}{
		{
			name: "unpadded no priority",
			frame: &httpframe.HeadersFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameHeaders, StreamID: 1, Flags: httpframe.FlagHeadersEndHeaders},
				HeaderBlockFragment: []byte("fake-hpack-block"),
			},
		},
		{
			name: "padded",
			frame: &httpframe.HeadersFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameHeaders, StreamID: 1, Flags: httpframe.FlagHeadersPadded},
				PadLength:           3,
				HeaderBlockFragment: []byte("abc"),
				Padding:             []byte{0, 0, 0},
			},
		},
		{
			name: "with priority",
			frame: &httpframe.HeadersFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameHeaders, StreamID: 5, Flags: httpframe.FlagHeadersPriority},
				Exclusive:           true,
				StreamDependency:    3,
				Weight:              42,
				HeaderBlockFragment: []byte("abc"),
			},
		},
		{
			name: "padded and priority",
			frame: &httpframe.HeadersFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameHeaders, StreamID: 5, Flags: httpframe.FlagHeadersPadded | httpframe.FlagHeadersPriority},
				PadLength:           2,
				Exclusive:           false,
				StreamDependency:    7,
				Weight:              10,
				HeaderBlockFragment: []byte("abcdef"),
				Padding:             []byte{0, 0},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.frame.FrameHeader.Length = tt.frame.PayloadLen()
			testFrameType(t, tt.frame, "HeadersFrame")
		})
	}
}

func TestPriorityFrame(t *testing.T) {
	frame := &httpframe.PriorityFrame{
		FrameHeader:      httpframe.FrameHeader{Type: httpframe.FramePriority, StreamID: 9},
		Exclusive:        true,
		StreamDependency: 1,
		Weight:           200,
	}
	frame.FrameHeader.Length = frame.PayloadLen()
	testFrameType(t, frame, "PriorityFrame")
}

func TestPriorityFrame_WrongLength(t *testing.T) {
	frame := &httpframe.PriorityFrame{}
	header := httpframe.FrameHeader{Type: httpframe.FramePriority, StreamID: 9, Length: 4}
	err := frame.ParsePayload(bytes.NewBuffer(make([]byte, 4)), header)
	if err == nil {
		t.Fatal("expected FRAME_SIZE_ERROR for PRIORITY frame with wrong length")
	}
	if se, ok := err.(*httpframe.StreamError); !ok || se.Code != httpframe.ErrCodeFrameSizeError {
		t.Errorf("expected *StreamError with FRAME_SIZE_ERROR, got %#v", err)
	}
}

func TestRSTStreamFrame(t *testing.T) {
	frame := &httpframe.RSTStreamFrame{
		FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameRSTStream, StreamID: 9},
		ErrorCode:   httpframe.ErrCodeCancel,
	}
	frame.FrameHeader.Length = frame.PayloadLen()
	testFrameType(t, frame, "RSTStreamFrame")
}

func TestSettingsFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame *httpframe.SettingsFrame
	}{
		{
			name: "with settings",
			frame: &httpframe.SettingsFrame{
				FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameSettings},
				Settings: []httpframe.Setting{
					{ID: httpframe.SettingMaxConcurrentStreams, Value: 100},
					{ID: httpframe.SettingInitialWindowSize, Value: 65535},
				},
			},
		},
		{
			name: "ack with no settings",
			frame: &httpframe.SettingsFrame{
				FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameSettings, Flags: httpframe.FlagSettingsAck},
				Settings:    []httpframe.Setting{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.frame.FrameHeader.Length = tt.frame.PayloadLen()
			testFrameType(t, tt.frame, "SettingsFrame")
		})
	}
}

func TestSettingsFrame_AckWithPayloadRejected(t *testing.T) {
	frame := &httpframe.SettingsFrame{}
	header := httpframe.FrameHeader{Type: httpframe.FrameSettings, Flags: httpframe.FlagSettingsAck, Length: 6}
	err := frame.ParsePayload(bytes.NewBuffer(make([]byte, 6)), header)
	if err == nil {
		t.Fatal("expected error for SETTINGS ACK frame carrying a payload")
	}
}

func TestPushPromiseFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame *httpframe.PushPromiseFrame
	}{
		{
			name: "unpadded",
			frame: &httpframe.PushPromiseFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FramePushPromise, StreamID: 1, Flags: httpframe.FlagPushPromiseEndHeaders},
				PromisedStreamID:    2,
				HeaderBlockFragment: []byte("promised-headers"),
			},
		},
		{
			name: "padded",
			frame: &httpframe.PushPromiseFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FramePushPromise, StreamID: 1, Flags: httpframe.FlagPushPromisePadded},
				PadLength:           5,
				PromisedStreamID:    4,
				HeaderBlockFragment: []byte("abc"),
				Padding:             []byte{0, 0, 0, 0, 0},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.frame.FrameHeader.Length = tt.frame.PayloadLen()
			testFrameType(t, tt.frame, "PushPromiseFrame")
		})
	}
}

func TestPushPromiseFrame_StreamZeroRejected(t *testing.T) {
	frame := &httpframe.PushPromiseFrame{}
	err := frame.ParsePayload(bytes.NewBuffer(nil), httpframe.FrameHeader{Type: httpframe.FramePushPromise, StreamID: 0, Length: 0})
	if err == nil {
		t.Fatal("expected error for PUSH_PROMISE on stream 0")
	}
}

func TestPingFrame(t *testing.T) {
	frame := &httpframe.PingFrame{
		FrameHeader: httpframe.FrameHeader{Type: httpframe.FramePing, Flags: httpframe.FlagPingAck},
		OpaqueData:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	frame.FrameHeader.Length = frame.PayloadLen()
	testFrameType(t, frame, "PingFrame")
}

func TestGoAwayFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame *httpframe.GoAwayFrame
	}{
		{
			name: "no debug data",
			frame: &httpframe.GoAwayFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameGoAway},
				LastStreamID:        41,
				ErrorCode:           httpframe.ErrCodeNoError,
				AdditionalDebugData: []byte{},
			},
		},
		{
			name: "with debug data",
			frame: &httpframe.GoAwayFrame{
				FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameGoAway},
				LastStreamID:        41,
				ErrorCode:           httpframe.ErrCodeEnhanceYourCalm,
				AdditionalDebugData: []byte("too many retries"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.frame.FrameHeader.Length = tt.frame.PayloadLen()
			testFrameType(t, tt.frame, "GoAwayFrame")
		})
	}
}

func TestWindowUpdateFrame(t *testing.T) {
	frame := &httpframe.WindowUpdateFrame{
		FrameHeader:         httpframe.FrameHeader{Type: httpframe.FrameWindowUpdate, StreamID: 7},
		WindowSizeIncrement: 65535,
	}
	frame.FrameHeader.Length = frame.PayloadLen()
	testFrameType(t, frame, "WindowUpdateFrame")
}

func TestUnknownFrame(t *testing.T) {
	frame := &httpframe.UnknownFrame{
		FrameHeader: httpframe.FrameHeader{Type: httpframe.FrameType(0x7f), StreamID: 1},
		Payload:     []byte("opaque"),
	}
	frame.FrameHeader.Length = frame.PayloadLen()
	testFrameType(t, frame, "UnknownFrame")
}
