package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReaderSplitsOnDelimiter(t *testing.T) {
	stream := bytes.NewBuffer(nil)
	stream.WriteString(`{"Type":3}`)
	stream.WriteByte(FrameDelimiter)
	stream.WriteString(`{"Type":600,"CashBalance":10050.5}`)
	stream.WriteByte(FrameDelimiter)

	r := NewFrameReader(stream)

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"Type":3}`, string(first))

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"Type":600,"CashBalance":10050.5}`, string(second))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestMalformedFrameDoesNotBreakFraming(t *testing.T) {
	// A garbage frame injected between two valid ones: both valid frames
	// must still decode, the garbage one must fail on its own.
	stream := bytes.NewBuffer(nil)
	stream.WriteString(`{"Type":306,"Quantity":2}`)
	stream.WriteByte(FrameDelimiter)
	stream.Write([]byte{0x12, 'g', 'a', 'r', 'b', 'a', 'g', 'e', 0x7f})
	stream.WriteByte(FrameDelimiter)
	stream.WriteString(`{"Type":301,"OrderStatus":5}`)
	stream.WriteByte(FrameDelimiter)

	r := NewFrameReader(stream)

	raw, err := r.Next()
	require.NoError(t, err)
	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypePositionUpdate, frame.Type)

	raw, err = r.Next()
	require.NoError(t, err)
	_, err = DecodeFrame(raw)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	raw, err = r.Next()
	require.NoError(t, err)
	frame, err = DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeOrderUpdate, frame.Type)
}

func TestDecodeFrameRejectsMissingOrBadType(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty frame", ""},
		{"no type field", `{"CashBalance":100}`},
		{"string type field", `{"Type":"balance"}`},
		{"not an object", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.input))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestEncodeFrameAppendsDelimiter(t *testing.T) {
	data, err := EncodeFrame(Heartbeat{Type: TypeHeartbeat})
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, FrameDelimiter, data[len(data)-1])

	frame, err := DecodeFrame(data[:len(data)-1])
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, frame.Type)
}

func TestRawFrameRequestID(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"Type":304,"RequestID":42}`))
	require.NoError(t, err)
	assert.Equal(t, 42, frame.RequestID())

	frame, err = DecodeFrame([]byte(`{"Type":304}`))
	require.NoError(t, err)
	assert.Equal(t, 0, frame.RequestID())
}
