package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// FrameDelimiter terminates every message on the wire. The peer sends a
// stream of JSON objects, each followed by a single null byte.
const FrameDelimiter byte = 0x00

// MaxFrameSize bounds a single frame so a corrupt stream cannot grow the
// scanner buffer without limit.
const MaxFrameSize = 1 << 20

// ErrMalformedFrame is returned for a frame that is not a JSON object with
// an integer Type field. The caller drops the frame and keeps reading; a bad
// frame must never desynchronize the ones that follow it.
var ErrMalformedFrame = errors.New("malformed frame")

// RawFrame is a decoded wire message before normalization: the integer type
// code plus the loosely-typed field bag. Field naming on this protocol is
// historically inconsistent, so values stay raw until the mapper coalesces
// them.
type RawFrame struct {
	Type   int
	Fields map[string]json.RawMessage
}

// RequestID extracts the request correlation field if present, 0 otherwise.
func (f *RawFrame) RequestID() int {
	raw, ok := f.Fields["RequestID"]
	if !ok {
		return 0
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0
	}
	return id
}

// FrameReader splits an incoming byte stream into discrete frames.
type FrameReader struct {
	scanner *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), MaxFrameSize)
	scanner.Split(splitFrames)
	return &FrameReader{scanner: scanner}
}

// Next returns the raw bytes of the next frame, without the delimiter.
// It returns io.EOF when the stream ends.
func (r *FrameReader) Next() ([]byte, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return r.scanner.Bytes(), nil
}

func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, FrameDelimiter); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// DecodeFrame parses one frame's bytes into a RawFrame. Framing survives any
// payload, so decode failures are reported per-frame and the stream goes on.
func DecodeFrame(data []byte) (*RawFrame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	raw, ok := fields["Type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing Type field", ErrMalformedFrame)
	}

	var typeCode int
	if err := json.Unmarshal(raw, &typeCode); err != nil {
		return nil, fmt.Errorf("%w: non-integer Type field: %v", ErrMalformedFrame, err)
	}

	return &RawFrame{Type: typeCode, Fields: fields}, nil
}

// EncodeFrame marshals a message and appends the frame delimiter.
func EncodeFrame(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return append(data, FrameDelimiter), nil
}
