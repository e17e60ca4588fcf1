package controller

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradelink/src/events"
	"tradelink/src/model"
	"tradelink/src/repository"
	"tradelink/src/statefile"
)

// positionStore is the slice of the position repository the manager uses.
type positionStore interface {
	GetOpenPosition(ctx context.Context, scope model.Scope) (*model.OpenPosition, error)
	SaveOpenPosition(ctx context.Context, position *model.OpenPosition) error
}

// PositionManager owns open-position mutation for all scopes. It is driven
// exclusively by the dispatcher loop, so mutations within one scope are
// serialized without locking.
type PositionManager struct {
	positions positionStore
	closer    *TradeCloser
	store     *statefile.Store
	bus       *events.Dispatcher
}

func NewPositionManager(
	positions positionStore,
	closer *TradeCloser,
	store *statefile.Store,
	bus *events.Dispatcher,
) *PositionManager {
	return &PositionManager{
		positions: positions,
		closer:    closer,
		store:     store,
		bus:       bus,
	}
}

// ApplyFill folds one order fill into the scope's position: it opens on the
// first fill establishing non-zero quantity, adjusts on partial fills, and
// hands the position to the closure pipeline when quantity returns to zero.
func (m *PositionManager) ApplyFill(ctx context.Context, scope model.Scope, fill *events.OrderPayload) error {
	if fill.FilledQty == 0 {
		return nil
	}

	signedQty := fill.FilledQty
	if strings.EqualFold(fill.Side, "SELL") {
		signedQty = -signedQty
	}

	fillTime := time.Unix(fill.FillTimeUnix, 0).UTC()
	if fill.FillTimeUnix == 0 {
		fillTime = time.Now().UTC()
	}

	position, err := m.positions.GetOpenPosition(ctx, scope)
	if err != nil {
		return fmt.Errorf("load position for %s: %w", scope, err)
	}

	if position == nil {
		return m.openPosition(ctx, scope, fill, signedQty, fillTime)
	}

	newQty := position.Quantity + signedQty
	if newQty == 0 {
		_, err := m.closer.CloseFromFill(ctx, ClosureRequest{
			Scope:     scope,
			Symbol:    fill.Symbol,
			FillID:    fill.FillID,
			FillPrice: fill.FillPrice,
			FillTime:  fillTime,
		})
		if err != nil {
			return err
		}
		m.persistFlatState(scope, fillTime)
		return nil
	}

	// A fill crossing through zero is two trades in one: the old position
	// closes at the fill price, and the remainder opens a fresh position in
	// the opposite direction. Folding it into a quantity change would lose
	// the realized P&L of the closed leg.
	if (newQty > 0) != (position.Quantity > 0) {
		_, err := m.closer.CloseFromFill(ctx, ClosureRequest{
			Scope:     scope,
			Symbol:    fill.Symbol,
			FillID:    fill.FillID,
			FillPrice: fill.FillPrice,
			FillTime:  fillTime,
		})
		if err != nil {
			return err
		}
		return m.openPosition(ctx, scope, fill, newQty, fillTime)
	}

	// Partial fill or add. Average the entry price when size increases in
	// the same direction.
	if (position.Quantity > 0) == (signedQty > 0) {
		oldWeight := position.EntryPrice * position.Quantity
		addWeight := fill.FillPrice * signedQty
		position.EntryPrice = (oldWeight + addWeight) / newQty
	}
	position.Quantity = newQty
	m.touchExtremes(position, fill.FillPrice)

	if err := m.positions.SaveOpenPosition(ctx, position); err != nil {
		return fmt.Errorf("save position for %s: %w", scope, err)
	}
	m.persistScopeState(scope, position, fillTime)

	m.bus.Publish(events.Event{
		Kind:  events.KindPositionUpdated,
		At:    fillTime,
		Scope: scope,
		Position: &events.PositionPayload{
			Account:      scope.Account,
			Symbol:       position.Symbol,
			Quantity:     position.Quantity,
			AveragePrice: position.EntryPrice,
		},
	})

	return nil
}

func (m *PositionManager) openPosition(
	ctx context.Context,
	scope model.Scope,
	fill *events.OrderPayload,
	signedQty float64,
	fillTime time.Time,
) error {

	position := &model.OpenPosition{
		Mode:       scope.Mode,
		Account:    scope.Account,
		Symbol:     fill.Symbol,
		Quantity:   signedQty,
		EntryPrice: fill.FillPrice,
		EntryTime:  fillTime,
		// Entry market context; VWAP falls back to the fill price until the
		// feed supplies a richer snapshot.
		EntryVWAP:   fill.FillPrice,
		MinPrice:    fill.FillPrice,
		MaxPrice:    fill.FillPrice,
		StopPrice:   fill.StopPrice,
		TargetPrice: fill.TargetPrice,
	}

	if err := m.positions.SaveOpenPosition(ctx, position); err != nil {
		return fmt.Errorf("open position for %s: %w", scope, err)
	}
	m.persistScopeState(scope, position, fillTime)

	if position.StopPrice == nil {
		logger.WithFields(map[string]interface{}{
			"component": "PositionManager",
			"scope":     scope.String(),
			"symbol":    position.Symbol,
		}).Warn("Position opened without a stop, warning timer started")
	}

	logger.WithFields(map[string]interface{}{
		"component": "PositionManager",
		"scope":     scope.String(),
		"symbol":    position.Symbol,
		"qty":       position.Quantity,
		"entry":     position.EntryPrice,
	}).Info("Position opened")

	m.bus.Publish(events.Event{
		Kind:  events.KindPositionOpened,
		At:    fillTime,
		Scope: scope,
		Position: &events.PositionPayload{
			Account:      scope.Account,
			Symbol:       position.Symbol,
			Quantity:     position.Quantity,
			AveragePrice: position.EntryPrice,
		},
	})

	return nil
}

// ApplyPositionUpdate folds a broker position push into local state. A push
// reporting zero quantity triggers the closure pipeline with a synthetic but
// stable fill identifier derived from the position instance, so a replayed
// push stays idempotent.
func (m *PositionManager) ApplyPositionUpdate(ctx context.Context, scope model.Scope, update *events.PositionPayload) error {
	position, err := m.positions.GetOpenPosition(ctx, scope)
	if err != nil {
		return fmt.Errorf("load position for %s: %w", scope, err)
	}

	if update.Quantity == 0 {
		if position == nil {
			return nil // flat on both sides, nothing to do
		}

		markPrice := m.markPrice(position, update)
		_, err := m.closer.CloseFromFill(ctx, ClosureRequest{
			Scope:     scope,
			Symbol:    position.Symbol,
			FillID:    fmt.Sprintf("poszero-%s-%d", scope, position.EntryTime.Unix()),
			FillPrice: markPrice,
			FillTime:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		m.persistFlatState(scope, time.Now().UTC())
		return nil
	}

	if position == nil {
		// Broker reports a position we do not hold locally (e.g. opened in
		// another front end). Adopt it as-is.
		return m.openPosition(ctx, scope, &events.OrderPayload{
			Account:   update.Account,
			Symbol:    update.Symbol,
			Side:      sideForQuantity(update.Quantity),
			FilledQty: absFloat(update.Quantity),
			FillPrice: update.AveragePrice,
		}, update.Quantity, time.Now().UTC())
	}

	// The broker snapshot is authoritative for the position's identity, not
	// just its size. Divergence means local state went stale while offline.
	if update.Symbol != "" && update.Symbol != position.Symbol {
		logger.WithFields(map[string]interface{}{
			"component": "PositionManager",
			"scope":     scope.String(),
			"local":     position.Symbol,
			"broker":    update.Symbol,
		}).Warn("Broker position symbol disagrees with local state, adopting broker value")
		position.Symbol = update.Symbol
	}
	if update.AveragePrice != 0 && math.Abs(update.AveragePrice-position.EntryPrice) > 1e-9 {
		logger.WithFields(map[string]interface{}{
			"component": "PositionManager",
			"scope":     scope.String(),
			"local":     position.EntryPrice,
			"broker":    update.AveragePrice,
		}).Warn("Broker average price disagrees with local entry, adopting broker value")
		position.EntryPrice = update.AveragePrice
	}

	position.Quantity = update.Quantity
	m.touchExtremes(position, m.markPrice(position, update))

	if err := m.positions.SaveOpenPosition(ctx, position); err != nil {
		return fmt.Errorf("save position for %s: %w", scope, err)
	}
	m.persistScopeState(scope, position, time.Now().UTC())

	m.bus.Publish(events.Event{
		Kind:  events.KindPositionUpdated,
		At:    time.Now().UTC(),
		Scope: scope,
		Position: &events.PositionPayload{
			Account:      scope.Account,
			Symbol:       position.Symbol,
			Quantity:     position.Quantity,
			AveragePrice: position.EntryPrice,
		},
	})

	return nil
}

// markPrice derives the current mark from the broker's unrealized P&L when
// available, falling back to the entry price.
func (m *PositionManager) markPrice(position *model.OpenPosition, update *events.PositionPayload) float64 {
	if update.UnrealizedPnl != nil && position.Quantity != 0 {
		return position.EntryPrice + *update.UnrealizedPnl/position.Quantity
	}
	if update.AveragePrice != 0 {
		return update.AveragePrice
	}
	return position.EntryPrice
}

func (m *PositionManager) touchExtremes(position *model.OpenPosition, price float64) {
	if price == 0 {
		return
	}
	if price < position.MinPrice || position.MinPrice == 0 {
		position.MinPrice = price
	}
	if price > position.MaxPrice {
		position.MaxPrice = price
	}
}

func (m *PositionManager) persistScopeState(scope model.Scope, position *model.OpenPosition, at time.Time) {
	entry := position.EntryTime
	state := statefile.ScopeState{
		EntryTime:    &entry,
		MinPrice:     position.MinPrice,
		MaxPrice:     position.MaxPrice,
		LastSeenFill: &at,
	}
	if position.StopPrice == nil {
		// The warning timer keeps running across restarts until a stop is
		// attached or the position closes.
		state.StopWarningStart = &entry
	}
	if err := m.store.SaveScopeState(scope, state); err != nil {
		logger.WithField("component", "PositionManager").
			WithError(err).Warn("Failed to persist scope state")
	}
}

// persistFlatState keeps only the last-seen-fill watermark once the scope is
// flat, so recovery after a restart replays from the right point.
func (m *PositionManager) persistFlatState(scope model.Scope, at time.Time) {
	if err := m.store.SaveScopeState(scope, statefile.ScopeState{LastSeenFill: &at}); err != nil {
		logger.WithField("component", "PositionManager").
			WithError(err).Warn("Failed to persist flat scope state after closure")
	}
}

func sideForQuantity(qty float64) string {
	if qty < 0 {
		return "SELL"
	}
	return "BUY"
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

var _ positionStore = (*repository.PositionRepository)(nil)
