package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradelink/src/events"
	"tradelink/src/ledger"
	"tradelink/src/model"
	"tradelink/src/pnl"
)

// ClosureState tracks an in-flight closure through the pipeline.
type ClosureState string

const (
	ClosureRequested      ClosureState = "REQUESTED"
	ClosureValidated      ClosureState = "VALIDATED"
	ClosurePersisted      ClosureState = "PERSISTED"
	ClosureBalanceUpdated ClosureState = "BALANCE_UPDATED"
	ClosurePublished      ClosureState = "PUBLISHED"
)

// ErrNoOpenPosition is returned when a closing fill arrives for a scope that
// has nothing to close. Also the duplicate-replay signal surface: see
// CloseFromFill.
var ErrNoOpenPosition = errors.New("no open position for scope")

// ErrSymbolMismatch is returned when the closing fill references a different
// symbol than the scope's open position.
var ErrSymbolMismatch = errors.New("closing fill symbol does not match open position")

// ClosureRequest carries everything the pipeline needs to turn an open
// position into a ledger trade.
type ClosureRequest struct {
	Scope     model.Scope
	Symbol    string
	FillID    string
	FillPrice float64
	FillTime  time.Time
}

// positionCloser is the slice of the position repository the pipeline uses.
type positionCloser interface {
	GetOpenPosition(ctx context.Context, scope model.Scope) (*model.OpenPosition, error)
	CloseWithTrade(ctx context.Context, scope model.Scope, trade *model.Trade) error
}

// tradeFinder is the duplicate-detection lookup.
type tradeFinder interface {
	FindByFillID(ctx context.Context, fillID string) (*model.Trade, error)
}

// TradeCloser runs the idempotent closure pipeline:
// REQUESTED -> VALIDATED -> PERSISTED -> BALANCE_UPDATED -> PUBLISHED.
type TradeCloser struct {
	positions positionCloser
	trades    tradeFinder
	calc      *ledger.Calculator
	bus       *events.Dispatcher
	cfg       Config
}

func NewTradeCloser(
	positions positionCloser,
	trades tradeFinder,
	calc *ledger.Calculator,
	bus *events.Dispatcher,
	cfg Config,
) *TradeCloser {
	return &TradeCloser{
		positions: positions,
		trades:    trades,
		calc:      calc,
		bus:       bus,
		cfg:       cfg,
	}
}

// CloseFromFill drives one closing fill through the pipeline. Delivering the
// same fill twice performs no second mutation (recovery re-requests "fills
// since last seen", so overlap is expected); the previously persisted trade
// is returned as-is.
func (c *TradeCloser) CloseFromFill(ctx context.Context, req ClosureRequest) (*model.Trade, error) {
	runID := uuid.NewString()

	log := logger.WithFields(map[string]interface{}{
		"component": "TradeCloser",
		"run_id":    runID,
		"scope":     req.Scope.String(),
		"fill_id":   req.FillID,
	})

	log.WithField("state", ClosureRequested).Debug("Closure requested")

	// Idempotence gate before anything else.
	existing, err := c.trades.FindByFillID(ctx, req.FillID)
	if err != nil {
		return nil, fmt.Errorf("duplicate check for fill %s: %w", req.FillID, err)
	}
	if existing != nil {
		log.WithField("trade_id", existing.ID).
			Info("Closing fill already applied, skipping (idempotent replay)")
		return existing, nil
	}

	// VALIDATED: the scope must have an open position and the fill must
	// reference it consistently.
	position, err := c.positions.GetOpenPosition(ctx, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("load open position for %s: %w", req.Scope, err)
	}
	if position == nil {
		c.publishValidationFailure(req, "no open position for scope")
		return nil, ErrNoOpenPosition
	}
	if req.Symbol != "" && req.Symbol != position.Symbol {
		c.publishValidationFailure(req, fmt.Sprintf("fill symbol %s does not match open %s", req.Symbol, position.Symbol))
		return nil, ErrSymbolMismatch
	}

	log.WithField("state", ClosureValidated).Debug("Closure validated")

	trade := c.buildTrade(position, req)

	// PERSISTED: position removal and trade append are one transaction; if
	// it fails the closure is not considered applied.
	if err := c.positions.CloseWithTrade(ctx, req.Scope, trade); err != nil {
		return nil, fmt.Errorf("persist closure for fill %s: %w", req.FillID, err)
	}

	log.WithFields(map[string]interface{}{
		"state":    ClosurePersisted,
		"trade_id": trade.ID,
		"pnl":      trade.RealizedPnl,
	}).Info("Trade persisted")

	// BALANCE_UPDATED: SIM recomputes from the ledger; LIVE is left to the
	// broker, with a non-mutating audit comparison.
	c.updateBalance(ctx, req.Scope)

	// PUBLISHED.
	c.bus.Publish(events.Event{
		Kind:  events.KindPositionClosed,
		At:    req.FillTime,
		Scope: req.Scope,
		Trade: &events.TradePayload{Trade: *trade},
	})

	log.WithField("state", ClosurePublished).Debug("Closure published")

	return trade, nil
}

func (c *TradeCloser) buildTrade(position *model.OpenPosition, req ClosureRequest) *model.Trade {
	// Fill timestamps carry second resolution, so a same-second scalp (or
	// clock skew on a replayed fill) can report exit at or before entry.
	// Clamp forward: exit always follows entry in the ledger.
	exitTime := req.FillTime
	if !exitTime.After(position.EntryTime) {
		exitTime = position.EntryTime.Add(time.Second)
	}

	entry := decimal.NewFromFloat(position.EntryPrice)
	exit := decimal.NewFromFloat(req.FillPrice)
	quantity := decimal.NewFromFloat(position.Quantity)
	minPrice := decimal.NewFromFloat(position.MinPrice)
	maxPrice := decimal.NewFromFloat(position.MaxPrice)

	commission := decimal.NewFromFloat(c.cfg.CommissionPerContract).Mul(quantity.Abs())
	realized := pnl.UnrealizedPnl(entry, exit, quantity).Sub(commission)

	mae := pnl.Mae(entry, minPrice, maxPrice, quantity)
	mfe := pnl.Mfe(entry, minPrice, maxPrice, quantity)

	direction := model.TradeDirectionLong
	if !position.IsLong() {
		direction = model.TradeDirectionShort
	}

	trade := &model.Trade{
		Mode:        position.Mode,
		Account:     position.Account,
		Symbol:      position.Symbol,
		Direction:   direction,
		Quantity:    position.Quantity,
		EntryPrice:  position.EntryPrice,
		ExitPrice:   req.FillPrice,
		EntryTime:   position.EntryTime,
		ExitTime:    exitTime,
		RealizedPnl: realized.InexactFloat64(),
		Commission:  commission.InexactFloat64(),
		Mae:         mae.InexactFloat64(),
		Mfe:         mfe.InexactFloat64(),
		FillID:      req.FillID,
	}

	var stop *decimal.Decimal
	if position.StopPrice != nil {
		s := decimal.NewFromFloat(*position.StopPrice)
		stop = &s
	}
	if r, ok := pnl.RMultiple(realized, entry, quantity, stop); ok {
		v := r.InexactFloat64()
		trade.RMultiple = &v
	}
	if eff, ok := pnl.Efficiency(realized, mfe, quantity); ok {
		v := eff.InexactFloat64()
		trade.Efficiency = &v
	}

	return trade
}

func (c *TradeCloser) updateBalance(ctx context.Context, scope model.Scope) {
	if scope.Mode == model.ModeLive {
		ledgerBal, brokerBal, ok := c.calc.AuditLive(ctx, scope)
		if ok && !ledgerBal.Equal(brokerBal) {
			lv := ledgerBal.InexactFloat64()
			bv := brokerBal.InexactFloat64()
			c.bus.Publish(events.Event{
				Kind:  events.KindModeDriftDetected,
				Scope: scope,
				Drift: &events.DriftPayload{
					ExpectedAccount: scope.Account,
					LedgerBalance:   &lv,
					BrokerBalance:   &bv,
				},
			})
		}
		return
	}

	balance, err := c.calc.SimBalance(ctx, scope)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "TradeCloser",
			"scope":     scope.String(),
		}).WithError(err).Error("Failed to recompute balance after closure")
		return
	}

	c.bus.Publish(events.Event{
		Kind:  events.KindBalanceChanged,
		Scope: scope,
		Balance: &events.BalancePayload{
			Account: scope.Account,
			Balance: balance.InexactFloat64(),
		},
	})
}

func (c *TradeCloser) publishValidationFailure(req ClosureRequest, reason string) {
	logger.WithFields(map[string]interface{}{
		"component": "TradeCloser",
		"scope":     req.Scope.String(),
		"fill_id":   req.FillID,
		"reason":    reason,
	}).Error("Closure validation failed, no state mutated")

	c.bus.Publish(events.Event{
		Kind:  events.KindValidationFailed,
		At:    req.FillTime,
		Scope: req.Scope,
		Failure: &events.FailurePayload{
			Reason: reason,
			FillID: req.FillID,
			Symbol: req.Symbol,
		},
	})
}
