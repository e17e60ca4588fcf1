package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelink/src/events"
	"tradelink/src/protocol"
)

// fakeFrameConn is a scripted in-memory link for driving the connector
// without a socket.
type fakeFrameConn struct {
	inbound chan *protocol.RawFrame
	written chan interface{}
	closed  chan struct{}
}

func newFakeFrameConn() *fakeFrameConn {
	return &fakeFrameConn{
		inbound: make(chan *protocol.RawFrame, 16),
		written: make(chan interface{}, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeFrameConn) ReadFrame() (*protocol.RawFrame, error) {
	select {
	case frame, ok := <-f.inbound:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return frame, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeFrameConn) WriteFrame(msg interface{}) error {
	select {
	case f.written <- msg:
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeFrameConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeFrameConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeFrameConn) push(t *testing.T, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	frame, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	f.inbound <- frame
}

func testConfig() Config {
	return Config{
		BrokerURL:          "tcp://127.0.0.1:1",
		TradeAccount:       "Sim1",
		ClientName:         "tradelink-test",
		HeartbeatSeconds:   1,
		HandshakeTimeout:   time.Second,
		RequestTimeout:     time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}
}

func newConnector(t *testing.T) (*StreamConnector, *events.Dispatcher) {
	t.Helper()
	bus := events.NewDispatcher()
	t.Cleanup(bus.Close)
	return NewStreamConnector(testConfig(), bus), bus
}

func TestHandshakeSuccess(t *testing.T) {
	c, _ := newConnector(t)
	conn := newFakeFrameConn()

	done := make(chan error, 1)
	go func() { done <- c.handshake(conn) }()

	// The logon frame goes out first, carrying version and account.
	sent := <-conn.written
	logon, ok := sent.(protocol.LogonRequest)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeLogonRequest, logon.Type)
	assert.Equal(t, protocol.CurrentProtocolVersion, logon.ProtocolVersion)
	assert.Equal(t, "Sim1", logon.TradeAccount)
	assert.Equal(t, 1, logon.TradeUpdates)

	// An early heartbeat must not confuse the wait for the response.
	conn.push(t, protocol.Heartbeat{Type: protocol.TypeHeartbeat})
	conn.push(t, protocol.LogonResponse{
		Type:            protocol.TypeLogonResponse,
		ProtocolVersion: protocol.CurrentProtocolVersion,
		Result:          protocol.LogonSuccess,
	})

	require.NoError(t, <-done)
}

func TestHandshakeRejected(t *testing.T) {
	c, _ := newConnector(t)
	conn := newFakeFrameConn()

	done := make(chan error, 1)
	go func() { done <- c.handshake(conn) }()
	<-conn.written

	conn.push(t, protocol.LogonResponse{
		Type:       protocol.TypeLogonResponse,
		Result:     protocol.LogonError,
		ResultText: "bad credentials",
	})

	err := <-done
	require.ErrorIs(t, err, errLogonRejected)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestHandshakeProtocolVersionMismatch(t *testing.T) {
	c, _ := newConnector(t)
	conn := newFakeFrameConn()

	done := make(chan error, 1)
	go func() { done <- c.handshake(conn) }()
	<-conn.written

	conn.push(t, protocol.LogonResponse{
		Type:            protocol.TypeLogonResponse,
		ProtocolVersion: protocol.CurrentProtocolVersion + 1,
		Result:          protocol.LogonSuccess,
	})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol version mismatch")
}

func TestServeForwardsPushesAndRoutesResponses(t *testing.T) {
	c, _ := newConnector(t)
	conn := newFakeFrameConn()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- c.serve(ctx, conn) }()

	// An unsolicited balance push lands on the frames channel.
	conn.push(t, map[string]interface{}{"Type": protocol.TypeBalanceUpdate, "CashBalance": 10000.0})
	frame := <-c.Frames()
	assert.Equal(t, protocol.TypeBalanceUpdate, frame.Type)

	// A correlated pull collects frames until the final record marker.
	id := c.NextRequestID()
	var frames []*protocol.RawFrame
	reqDone := make(chan error, 1)
	go func() {
		var err error
		frames, err = c.Request(ctx, id, protocol.PositionsRequest{
			Type:      protocol.TypePositionsRequest,
			RequestID: id,
		})
		reqDone <- err
	}()

	<-conn.written // the request frame going out
	conn.push(t, map[string]interface{}{
		"Type": protocol.TypePositionUpdate, "RequestID": id,
		"MessageNumber": 1, "TotalNumberOfMessages": 2,
	})
	conn.push(t, map[string]interface{}{
		"Type": protocol.TypePositionUpdate, "RequestID": id,
		"MessageNumber": 2, "TotalNumberOfMessages": 2,
	})

	require.NoError(t, <-reqDone)
	assert.Len(t, frames, 2)

	cancel()
	conn.Close()
	<-serveDone
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	c, _ := newConnector(t)
	c.cfg.RequestTimeout = 50 * time.Millisecond
	conn := newFakeFrameConn()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	id := c.NextRequestID()
	_, err := c.Request(context.Background(), id, protocol.BalanceRequest{
		Type:      protocol.TypeBalanceRequest,
		RequestID: id,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	previousFloor := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		delay := backoffDelay(attempt, base, max)

		floor := base << uint(attempt)
		if floor > max {
			floor = max
		}
		assert.GreaterOrEqual(t, delay, floor, "attempt %d below floor", attempt)
		assert.LessOrEqual(t, delay, floor+floor/5, "attempt %d above jitter ceiling", attempt)
		assert.GreaterOrEqual(t, floor, previousFloor, "floor must be monotonic")
		previousFloor = floor
	}
}

func TestFrameIsFinal(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		final bool
	}{
		{"explicit final", `{"Type":304,"IsFinalRecord":1}`, true},
		{"explicit not final", `{"Type":304,"IsFinalRecord":0}`, false},
		{"bool final", `{"Type":304,"IsFinalRecord":true}`, true},
		{"none found", `{"Type":306,"NoneFound":1}`, true},
		{"counted mid", `{"Type":306,"MessageNumber":1,"TotalNumberOfMessages":3}`, false},
		{"counted last", `{"Type":306,"MessageNumber":3,"TotalNumberOfMessages":3}`, true},
		{"unmarked single frame", `{"Type":601}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := protocol.DecodeFrame([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.final, frameIsFinal(frame))
		})
	}
}
