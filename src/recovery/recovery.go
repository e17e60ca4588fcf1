package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradelink/src/events"
	"tradelink/src/mapper"
	"tradelink/src/model"
	"tradelink/src/protocol"
	"tradelink/src/statefile"
)

// BrokerPuller issues correlated pull requests over the active session.
type BrokerPuller interface {
	NextRequestID() int
	Request(ctx context.Context, id int, msg interface{}) ([]*protocol.RawFrame, error)
}

// PositionApplier folds recovered broker state into the domain model.
type PositionApplier interface {
	ApplyFill(ctx context.Context, scope model.Scope, fill *events.OrderPayload) error
	ApplyPositionUpdate(ctx context.Context, scope model.Scope, update *events.PositionPayload) error
}

// positionStore is the slice of the position repository used to relink
// bracket levels.
type positionStore interface {
	GetOpenPosition(ctx context.Context, scope model.Scope) (*model.OpenPosition, error)
	SaveOpenPosition(ctx context.Context, position *model.OpenPosition) error
}

// Runner executes the three-step resynchronization after every (re)connect:
// pull the open-position snapshot, relink working bracket orders, then replay
// fills missed while offline. A scope is not authoritative until all three
// steps complete; the closure pipeline's idempotence absorbs replay overlap.
type Runner struct {
	puller     BrokerPuller
	normalizer *mapper.Normalizer
	applier    PositionApplier
	positions  positionStore
	store      *statefile.Store

	mu        sync.RWMutex
	recovered map[model.Scope]bool
}

func NewRunner(
	puller BrokerPuller,
	normalizer *mapper.Normalizer,
	applier PositionApplier,
	positions positionStore,
	store *statefile.Store,
) *Runner {
	return &Runner{
		puller:     puller,
		normalizer: normalizer,
		applier:    applier,
		positions:  positions,
		store:      store,
		recovered:  make(map[model.Scope]bool),
	}
}

// Recovered reports whether the scope has completed the full sequence since
// the last reconnect.
func (r *Runner) Recovered(scope model.Scope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recovered[scope]
}

// Invalidate marks the scope non-authoritative again, called on disconnect.
func (r *Runner) Invalidate(scope model.Scope) {
	r.mu.Lock()
	delete(r.recovered, scope)
	r.mu.Unlock()
}

// Recover runs the full sequence for one scope. Any step failing leaves the
// scope non-authoritative; the next reconnect retries from the top.
func (r *Runner) Recover(ctx context.Context, scope model.Scope) error {
	r.Invalidate(scope)

	log := logger.WithFields(map[string]interface{}{
		"component": "Recovery",
		"scope":     scope.String(),
	})
	log.Info("Recovery sequence started")

	if err := r.syncPositions(ctx, scope); err != nil {
		return fmt.Errorf("recovery step 1 (positions) for %s: %w", scope, err)
	}
	if err := r.relinkBrackets(ctx, scope); err != nil {
		return fmt.Errorf("recovery step 2 (open orders) for %s: %w", scope, err)
	}
	if err := r.replayFills(ctx, scope); err != nil {
		return fmt.Errorf("recovery step 3 (fills) for %s: %w", scope, err)
	}

	r.mu.Lock()
	r.recovered[scope] = true
	r.mu.Unlock()

	log.Info("Recovery sequence complete, scope authoritative")
	return nil
}

// syncPositions pulls the broker's open-position snapshot and folds every
// reported position into local state. A broker reporting flat while a local
// position is open is left to the fill replay, which closes it through the
// real closing fill instead of a fabricated one.
func (r *Runner) syncPositions(ctx context.Context, scope model.Scope) error {
	id := r.puller.NextRequestID()
	frames, err := r.puller.Request(ctx, id, protocol.PositionsRequest{
		Type:         protocol.TypePositionsRequest,
		RequestID:    id,
		TradeAccount: scope.Account,
	})
	if err != nil {
		return err
	}

	reported := 0
	for _, frame := range frames {
		ev := r.normalizer.Normalize(frame)
		if ev.Kind != events.KindPositionUpdate || ev.Position == nil || ev.Position.Quantity == 0 {
			continue
		}
		if err := r.applier.ApplyPositionUpdate(ctx, scope, ev.Position); err != nil {
			return err
		}
		reported++
	}

	if reported == 0 {
		if position, err := r.positions.GetOpenPosition(ctx, scope); err == nil && position != nil {
			logger.WithFields(map[string]interface{}{
				"component": "Recovery",
				"scope":     scope.String(),
				"symbol":    position.Symbol,
			}).Warn("Broker reports flat but a local position is open, awaiting fill replay")
		}
	}

	return nil
}

// relinkBrackets pulls working orders and re-attaches stop and target levels
// to the open position.
func (r *Runner) relinkBrackets(ctx context.Context, scope model.Scope) error {
	id := r.puller.NextRequestID()
	frames, err := r.puller.Request(ctx, id, protocol.OpenOrdersRequest{
		Type:         protocol.TypeOpenOrdersRequest,
		RequestID:    id,
		TradeAccount: scope.Account,
	})
	if err != nil {
		return err
	}

	position, err := r.positions.GetOpenPosition(ctx, scope)
	if err != nil {
		return err
	}
	if position == nil {
		return nil // nothing to relink
	}

	changed := false
	for _, frame := range frames {
		ev := r.normalizer.Normalize(frame)
		if ev.Kind != events.KindOrderUpdate || ev.Order == nil {
			continue
		}
		if ev.Order.StopPrice != nil {
			position.StopPrice = ev.Order.StopPrice
			changed = true
		}
		if ev.Order.TargetPrice != nil {
			position.TargetPrice = ev.Order.TargetPrice
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return r.positions.SaveOpenPosition(ctx, position)
}

// replayFills pulls fills since the persisted watermark and replays them in
// fill-time order through the normal fill path. Fills already applied hit the
// closure pipeline's duplicate gate and do nothing.
func (r *Runner) replayFills(ctx context.Context, scope model.Scope) error {
	var since int64
	state, err := r.store.LoadScopeState(scope)
	if err != nil {
		return err
	}
	if state != nil && state.LastSeenFill != nil {
		since = state.LastSeenFill.Unix()
	}

	id := r.puller.NextRequestID()
	frames, err := r.puller.Request(ctx, id, protocol.HistoricalFillsRequest{
		Type:          protocol.TypeHistoricalFillsRequest,
		RequestID:     id,
		TradeAccount:  scope.Account,
		StartDateTime: since,
	})
	if err != nil {
		return err
	}

	var fills []*events.OrderPayload
	for _, frame := range frames {
		ev := r.normalizer.Normalize(frame)
		if ev.Kind != events.KindOrderUpdate || ev.Order == nil || ev.Order.FillID == "" {
			continue
		}
		fills = append(fills, ev.Order)
	}

	sort.SliceStable(fills, func(i, j int) bool {
		return fills[i].FillTimeUnix < fills[j].FillTimeUnix
	})

	var lastSeen int64
	for _, fill := range fills {
		if err := r.applier.ApplyFill(ctx, scope, fill); err != nil {
			return err
		}
		if fill.FillTimeUnix > lastSeen {
			lastSeen = fill.FillTimeUnix
		}
	}

	logger.WithFields(map[string]interface{}{
		"component": "Recovery",
		"scope":     scope.String(),
		"fills":     len(fills),
		"since":     since,
	}).Info("Fill replay complete")

	if lastSeen > 0 {
		at := time.Unix(lastSeen, 0).UTC()
		fresh := statefile.ScopeState{LastSeenFill: &at}
		if state != nil {
			fresh = *state
			fresh.LastSeenFill = &at
		}
		if err := r.store.SaveScopeState(scope, fresh); err != nil {
			logger.WithField("component", "Recovery").
				WithError(err).Warn("Failed to persist fill watermark")
		}
	}

	return nil
}
