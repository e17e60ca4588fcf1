package simbroker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradelink/src/protocol"
)

// SimBroker is a stub gateway speaking the framed wire protocol for local
// runs and integration testing. It accepts any logon, answers heartbeats and
// pull requests, and can optionally script a buy-then-sell fill pair so the
// whole closure pipeline can be exercised without a real broker.
type SimBroker struct {
	Addr             string
	Account          string
	StartingBalance  float64
	HeartbeatSeconds int
	ScriptFills      bool
}

func (b *SimBroker) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.Addr)
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"component": "SimBroker",
		"addr":      ln.Addr().String(),
		"account":   b.Account,
	}).Info("Sim broker listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go b.handleConn(ctx, conn)
	}
}

type session struct {
	broker *SimBroker
	conn   net.Conn

	writeMu sync.Mutex
}

func (s *session) write(msg interface{}) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(data)
	return err
}

func (b *SimBroker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := logger.WithFields(map[string]interface{}{
		"component": "SimBroker",
		"peer":      conn.RemoteAddr().String(),
	})
	log.Info("Client connected")

	s := &session{broker: b, conn: conn}
	reader := protocol.NewFrameReader(conn)

	for {
		data, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.WithError(err).Warn("Read failed")
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed frame")
			continue
		}

		switch frame.Type {
		case protocol.TypeLogonRequest:
			s.handleLogon(ctx, log)

		case protocol.TypeHeartbeat:
			// liveness only

		case protocol.TypePositionsRequest:
			s.write(map[string]interface{}{
				"Type": protocol.TypePositionUpdate, "RequestID": frame.RequestID(),
				"TradeAccount": b.Account, "NoneFound": 1,
			})

		case protocol.TypeOpenOrdersRequest:
			s.write(map[string]interface{}{
				"Type": protocol.TypeOrderUpdate, "RequestID": frame.RequestID(),
				"TradeAccount": b.Account, "NoneFound": 1,
			})

		case protocol.TypeHistoricalFillsRequest:
			s.write(map[string]interface{}{
				"Type": protocol.TypeHistoricalFillResponse, "RequestID": frame.RequestID(),
				"TradeAccount": b.Account, "NoneFound": 1, "IsFinalRecord": 1,
			})

		case protocol.TypeBalanceRequest:
			s.write(map[string]interface{}{
				"Type": protocol.TypeBalanceUpdate, "RequestID": frame.RequestID(),
				"TradeAccount": b.Account, "CashBalance": b.StartingBalance,
			})

		case protocol.TypeLogoff:
			log.Info("Client logged off")
			return

		default:
			log.WithField("type_code", frame.Type).Debug("Ignoring frame")
		}
	}
}

func (s *session) handleLogon(ctx context.Context, log *logger.Entry) {
	b := s.broker

	s.write(protocol.LogonResponse{
		Type:            protocol.TypeLogonResponse,
		ProtocolVersion: protocol.CurrentProtocolVersion,
		Result:          protocol.LogonSuccess,
		ServerName:      "simbroker",
		TradeAccount:    b.Account,
	})
	log.Info("Logon accepted")

	// Unsolicited pushes: balance immediately, heartbeats on the interval,
	// optionally a scripted round-trip trade.
	s.write(map[string]interface{}{
		"Type":         protocol.TypeBalanceUpdate,
		"TradeAccount": b.Account,
		"CashBalance":  b.StartingBalance,
	})
	s.write(map[string]interface{}{
		"Type":         protocol.TypeAccountResponse,
		"TradeAccount": b.Account,
	})

	go s.heartbeatLoop(ctx)
	if b.ScriptFills {
		go s.scriptedFills(ctx)
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.broker.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.write(protocol.Heartbeat{
				Type:            protocol.TypeHeartbeat,
				CurrentDateTime: time.Now().UTC().Unix(),
			}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// scriptedFills emits an opening buy followed by a closing sell a few seconds
// later, driving one full position lifecycle through a connected client.
func (s *session) scriptedFills(ctx context.Context) {
	b := s.broker

	fill := func(side string, price float64) map[string]interface{} {
		return map[string]interface{}{
			"Type":             protocol.TypeOrderUpdate,
			"TradeAccount":     b.Account,
			"Symbol":           "ESU6",
			"ServerOrderID":    uuid.NewString(),
			"UniqueFillID":     uuid.NewString(),
			"BuySell":          side,
			"OrderStatus":      "FILLED",
			"LastFillQuantity": 1,
			"LastFillPrice":    price,
			"LastFillDateTime": time.Now().UTC().Unix(),
		}
	}

	select {
	case <-time.After(2 * time.Second):
		s.write(fill("BUY", 5000))
	case <-ctx.Done():
		return
	}

	select {
	case <-time.After(5 * time.Second):
		s.write(fill("SELL", 5002.5))
	case <-ctx.Done():
	}
}
