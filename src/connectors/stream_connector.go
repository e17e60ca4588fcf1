package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradelink/src/events"
	"tradelink/src/protocol"
)

// State is the session adapter's connection phase.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateHandshaking  State = "HANDSHAKING"
	StateActive       State = "ACTIVE"
	StateReconnecting State = "RECONNECTING"
)

// peerHeartbeatMultiple: silence beyond this many heartbeat intervals is
// treated as a dead peer and the link is recycled.
const peerHeartbeatMultiple = 3

const inboundBuffer = 1024

var errLogonRejected = errors.New("logon rejected by peer")

// StreamConnector owns the broker socket: it dials, performs the logon
// handshake, exchanges heartbeats, routes request/response frames, and
// forwards unsolicited pushes to the dispatcher loop. On any fault it tears
// the link down and reconnects with jittered exponential backoff; no fault
// escapes as a process crash.
type StreamConnector struct {
	cfg   Config
	bus   *events.Dispatcher
	token *TokenClient

	frames chan *protocol.RawFrame

	writeMu sync.Mutex
	conn    frameConn

	stateMu sync.RWMutex
	state   State

	pendingMu sync.Mutex
	pending   map[int]chan *protocol.RawFrame
	requestID int32

	// onActive runs after every successful handshake, before the session is
	// considered authoritative. The recovery sequence hangs off this hook.
	onActive func(ctx context.Context) error
}

func NewStreamConnector(cfg Config, bus *events.Dispatcher) *StreamConnector {
	c := &StreamConnector{
		cfg:     cfg,
		bus:     bus,
		frames:  make(chan *protocol.RawFrame, inboundBuffer),
		state:   StateDisconnected,
		pending: make(map[int]chan *protocol.RawFrame),
	}
	if cfg.TokenURL != "" {
		c.token = NewTokenClient(cfg.TokenURL, cfg.HandshakeTimeout)
	}
	return c
}

// SetOnActive registers the post-handshake hook. Must be called before Run.
func (c *StreamConnector) SetOnActive(hook func(ctx context.Context) error) {
	c.onActive = hook
}

// Frames returns the channel of unsolicited inbound frames. The dispatcher
// loop is its only consumer.
func (c *StreamConnector) Frames() <-chan *protocol.RawFrame {
	return c.frames
}

// State returns the current connection phase.
func (c *StreamConnector) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Run drives the connection state machine until the context is cancelled.
func (c *StreamConnector) Run(ctx context.Context) error {
	defer close(c.frames)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected, "shutdown")
			return err
		}

		c.setState(StateConnecting, c.cfg.BrokerURL)
		conn, err := dialFrameConn(ctx, c.cfg.BrokerURL, c.cfg.HandshakeTimeout)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "StreamConnector",
				"endpoint":  c.cfg.BrokerURL,
				"attempt":   attempt,
			}).WithError(err).Warn("Broker dial failed")
			if !c.waitBackoff(ctx, attempt) {
				c.setState(StateDisconnected, "shutdown")
				return ctx.Err()
			}
			attempt++
			continue
		}

		c.setState(StateHandshaking, "")
		if err := c.handshake(conn); err != nil {
			conn.Close()
			logger.WithField("component", "StreamConnector").
				WithError(err).Warn("Logon handshake failed")
			if !c.waitBackoff(ctx, attempt) {
				c.setState(StateDisconnected, "shutdown")
				return ctx.Err()
			}
			attempt++
			continue
		}

		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()

		c.setState(StateActive, "")
		attempt = 0

		if c.onActive != nil {
			go func() {
				if err := c.onActive(ctx); err != nil {
					logger.WithField("component", "StreamConnector").
						WithError(err).Error("Post-handshake hook failed")
				}
			}()
		}

		err = c.serve(ctx, conn)

		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		c.failPending()
		conn.Close()

		if ctx.Err() != nil {
			c.setState(StateDisconnected, "shutdown")
			return ctx.Err()
		}

		logger.WithField("component", "StreamConnector").
			WithError(err).Warn("Session ended, reconnecting")
		c.setState(StateReconnecting, err.Error())
		if !c.waitBackoff(ctx, attempt) {
			c.setState(StateDisconnected, "shutdown")
			return ctx.Err()
		}
		attempt++
	}
}

// handshake sends the logon frame and waits for the peer's response within
// the handshake timeout. Heartbeats arriving early are tolerated.
func (c *StreamConnector) handshake(conn frameConn) error {
	req := protocol.LogonRequest{
		Type:              protocol.TypeLogonRequest,
		ProtocolVersion:   protocol.CurrentProtocolVersion,
		HeartbeatInterval: c.cfg.HeartbeatSeconds,
		ClientName:        c.cfg.ClientName,
		TradeAccount:      c.cfg.TradeAccount,
		TradeUpdates:      1,
	}

	if c.token != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		defer cancel()
		token, err := c.token.FetchSessionToken(ctx, c.cfg.Username, c.cfg.Password)
		if err != nil {
			return fmt.Errorf("session token exchange: %w", err)
		}
		req.SessionToken = token
	} else {
		req.Username = c.cfg.Username
		req.Password = c.cfg.Password
	}

	if err := conn.WriteFrame(req); err != nil {
		return fmt.Errorf("send logon: %w", err)
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				continue
			}
			return fmt.Errorf("await logon response: %w", err)
		}

		switch frame.Type {
		case protocol.TypeLogonResponse:
			return checkLogonResponse(frame)
		case protocol.TypeHeartbeat:
			continue
		default:
			logger.WithFields(map[string]interface{}{
				"component": "StreamConnector",
				"type_code": frame.Type,
			}).Debug("Ignoring pre-logon frame")
		}
	}
}

func checkLogonResponse(frame *protocol.RawFrame) error {
	var resp protocol.LogonResponse
	data, err := json.Marshal(frame.Fields)
	if err != nil {
		return fmt.Errorf("re-encode logon response: %w", err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode logon response: %w", err)
	}

	if resp.Result != protocol.LogonSuccess {
		return fmt.Errorf("%w: %s", errLogonRejected, resp.ResultText)
	}
	if resp.ProtocolVersion != 0 && resp.ProtocolVersion != protocol.CurrentProtocolVersion {
		return fmt.Errorf("protocol version mismatch: peer %d, client %d",
			resp.ProtocolVersion, protocol.CurrentProtocolVersion)
	}

	logger.WithFields(map[string]interface{}{
		"component": "StreamConnector",
		"server":    resp.ServerName,
		"account":   resp.TradeAccount,
	}).Info("Logon accepted")
	return nil
}

// serve pumps the active session: one read loop here, one heartbeat ticker
// goroutine. Returns when the link faults or the context is cancelled.
func (c *StreamConnector) serve(ctx context.Context, conn frameConn) error {
	interval := time.Duration(c.cfg.HeartbeatSeconds) * time.Second
	peerTimeout := peerHeartbeatMultiple * interval

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hb := protocol.Heartbeat{
					Type:            protocol.TypeHeartbeat,
					CurrentDateTime: time.Now().UTC().Unix(),
				}
				if err := c.writeFrame(hb); err != nil {
					conn.Close() // unblocks the read loop
					return
				}
			case <-ctx.Done():
				c.sendLogoff(conn)
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		// The deadline doubles as the peer-heartbeat fault detector: any
		// frame counts as liveness, and total silence unblocks the read.
		if err := conn.SetReadDeadline(time.Now().Add(peerTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				logger.WithField("component", "StreamConnector").
					WithError(err).Warn("Dropping malformed frame")
				continue
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if id := frame.RequestID(); id != 0 && c.routePending(id, frame) {
			continue
		}

		select {
		case c.frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *StreamConnector) sendLogoff(conn frameConn) {
	_ = conn.WriteFrame(protocol.Logoff{
		Type:   protocol.TypeLogoff,
		Reason: "client shutdown",
	})
}

func (c *StreamConnector) writeFrame(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteFrame(msg)
}

// NextRequestID hands out correlation IDs for pull requests.
func (c *StreamConnector) NextRequestID() int {
	return int(atomic.AddInt32(&c.requestID, 1))
}

// Request sends one pull request and collects its response frames. The
// request message must carry the given correlation ID; the peer echoes it on
// every response frame. Collection stops at the final record marker.
func (c *StreamConnector) Request(ctx context.Context, id int, msg interface{}) ([]*protocol.RawFrame, error) {
	ch := make(chan *protocol.RawFrame, 64)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(msg); err != nil {
		return nil, fmt.Errorf("send request %d: %w", id, err)
	}

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()

	var collected []*protocol.RawFrame
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil, errors.New("connection lost while awaiting response")
			}
			collected = append(collected, frame)
			if frameIsFinal(frame) {
				return collected, nil
			}
		case <-timeout.C:
			return nil, fmt.Errorf("request %d timed out after %s", id, c.cfg.RequestTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *StreamConnector) routePending(id int, frame *protocol.RawFrame) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- frame:
	default:
		logger.WithFields(map[string]interface{}{
			"component":  "StreamConnector",
			"request_id": id,
		}).Warn("Response collector full, dropping frame")
	}
	return true
}

// failPending closes all in-flight response collectors after a link fault so
// callers fail fast instead of waiting out the timeout.
func (c *StreamConnector) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *StreamConnector) setState(state State, detail string) {
	c.stateMu.Lock()
	previous := c.state
	c.state = state
	c.stateMu.Unlock()

	if previous == state {
		return
	}

	logger.WithFields(map[string]interface{}{
		"component": "StreamConnector",
		"from":      previous,
		"to":        state,
	}).Info("Connection state changed")

	c.bus.Publish(events.Event{
		Kind: events.KindConnectionStateChanged,
		At:   time.Now().UTC(),
		Connection: &events.ConnectionPayload{
			State:  string(state),
			Detail: detail,
		},
	})
}

func (c *StreamConnector) waitBackoff(ctx context.Context, attempt int) bool {
	delay := backoffDelay(attempt, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffDelay doubles the base per attempt up to the cap, with up to 20%
// jitter so restarting clients do not stampede the gateway in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

// frameIsFinal reports whether a response frame terminates its request. The
// protocol marks the last record explicitly, reports empty result sets with
// NoneFound, or counts messages; a response carrying none of those markers is
// a single-frame reply.
func frameIsFinal(frame *protocol.RawFrame) bool {
	if v, ok := boolField(frame, "IsFinalRecord"); ok {
		return v
	}
	if v, ok := boolField(frame, "NoneFound"); ok && v {
		return true
	}
	num, okNum := intField(frame, "MessageNumber")
	total, okTotal := intField(frame, "TotalNumberOfMessages")
	if okNum && okTotal {
		return num >= total
	}
	return true
}

// boolField reads a flag that peers encode either as JSON bool or as 0/1.
func boolField(frame *protocol.RawFrame, name string) (bool, bool) {
	raw, ok := frame.Fields[name]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, true
	}
	return false, false
}

func intField(frame *protocol.RawFrame, name string) (int, bool) {
	raw, ok := frame.Fields[name]
	if !ok {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}
