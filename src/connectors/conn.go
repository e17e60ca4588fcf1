package connectors

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"tradelink/src/protocol"
)

// frameConn abstracts one framed broker link so the connector state machine
// does not care whether the bytes travel over raw TCP or a websocket bridge.
type frameConn interface {
	ReadFrame() (*protocol.RawFrame, error)
	WriteFrame(msg interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// dialFrameConn connects to the endpoint named by rawURL. tcp:// (or a bare
// host:port) dials the raw feed; ws:// and wss:// dial the websocket bridge.
func dialFrameConn(ctx context.Context, rawURL string, handshakeTimeout time.Duration) (frameConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("ws dial %s: %w", rawURL, err)
		}
		return &wsFrameConn{conn: conn}, nil

	case "tcp", "":
		addr := u.Host
		if addr == "" {
			addr = rawURL
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
		}
		return newTCPFrameConn(conn), nil

	default:
		return nil, fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
}

// tcpFrameConn reads null-delimited frames straight off a TCP stream.
type tcpFrameConn struct {
	conn   net.Conn
	reader *protocol.FrameReader
}

func newTCPFrameConn(conn net.Conn) *tcpFrameConn {
	return &tcpFrameConn{conn: conn, reader: protocol.NewFrameReader(conn)}
}

func (c *tcpFrameConn) ReadFrame() (*protocol.RawFrame, error) {
	data, err := c.reader.Next()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(data)
}

func (c *tcpFrameConn) WriteFrame(msg interface{}) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

func (c *tcpFrameConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tcpFrameConn) Close() error {
	return c.conn.Close()
}

// wsFrameConn carries one frame per websocket message. Bridges keep the
// trailing null byte of the underlying feed, so it is stripped on read.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) ReadFrame() (*protocol.RawFrame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSuffix(data, []byte{protocol.FrameDelimiter})
	return protocol.DecodeFrame(data)
}

func (c *wsFrameConn) WriteFrame(msg interface{}) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsFrameConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close()
}
