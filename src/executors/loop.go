package executors

import (
	"context"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradelink/src/events"
	"tradelink/src/mapper"
	"tradelink/src/model"
	"tradelink/src/protocol"
	"tradelink/src/scope"
)

// positionApplier folds canonical events into the domain model.
type positionApplier interface {
	ApplyFill(ctx context.Context, scope model.Scope, fill *events.OrderPayload) error
	ApplyPositionUpdate(ctx context.Context, scope model.Scope, update *events.PositionPayload) error
}

// balanceApplier records inbound broker balance pushes.
type balanceApplier interface {
	ApplyBrokerBalance(scope model.Scope, balance decimal.Decimal) bool
}

// scopeRecoverer runs the post-reconnect resynchronization for one scope.
type scopeRecoverer interface {
	Recover(ctx context.Context, scope model.Scope) error
}

// Loop is the single consumer of decoded wire frames. It runs normalize →
// resolve → mutate → persist strictly in order, so all state mutation within
// a scope is serialized through this one goroutine. Recovery replays run here
// too: the connector only enqueues a request, and the loop executes it
// between frames, so replayed fills and live fills never race on a scope.
type Loop struct {
	frames     <-chan *protocol.RawFrame
	normalizer *mapper.Normalizer
	resolver   *scope.Resolver
	balances   balanceApplier
	positions  positionApplier
	recovery   scopeRecoverer
	bus        *events.Dispatcher

	recoverCh chan model.Scope
}

func NewLoop(
	frames <-chan *protocol.RawFrame,
	normalizer *mapper.Normalizer,
	resolver *scope.Resolver,
	balances balanceApplier,
	positions positionApplier,
	recovery scopeRecoverer,
	bus *events.Dispatcher,
) *Loop {
	return &Loop{
		frames:     frames,
		normalizer: normalizer,
		resolver:   resolver,
		balances:   balances,
		positions:  positions,
		recovery:   recovery,
		bus:        bus,
		recoverCh:  make(chan model.Scope, 4),
	}
}

// RequestRecovery queues a recovery run for the scope. The run executes on
// the loop goroutine before further frames are consumed.
func (l *Loop) RequestRecovery(scope model.Scope) {
	select {
	case l.recoverCh <- scope:
	default:
		logger.WithFields(map[string]interface{}{
			"component": "Loop",
			"scope":     scope.String(),
		}).Warn("Recovery request dropped, queue full")
	}
}

// Run consumes frames until the source channel closes. The connector closes
// the channel on shutdown after its read loop stops, so frames already
// buffered are still drained and persisted before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	// Mutations triggered by already-received frames must complete even
	// after cancellation, or the drain would lose them.
	mutationCtx := context.WithoutCancel(ctx)

	for {
		// Pending recovery runs first, so the replay lands before any frame
		// that arrived after the session went active.
		select {
		case scope := <-l.recoverCh:
			l.runRecovery(mutationCtx, scope)
			continue
		default:
		}

		select {
		case scope := <-l.recoverCh:
			l.runRecovery(mutationCtx, scope)
		case frame, ok := <-l.frames:
			if !ok {
				logger.WithField("component", "Loop").Info("Frame source closed, loop drained")
				return nil
			}
			l.handleFrame(mutationCtx, frame)
		}
	}
}

func (l *Loop) runRecovery(ctx context.Context, scope model.Scope) {
	if l.recovery == nil {
		return
	}
	if err := l.recovery.Recover(ctx, scope); err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "Loop",
			"scope":     scope.String(),
		}).WithError(err).Error("Recovery failed, scope stays non-authoritative")
	}
}

func (l *Loop) handleFrame(ctx context.Context, frame *protocol.RawFrame) {
	ev := l.normalizer.Normalize(frame)

	switch ev.Kind {
	case events.KindHeartbeat, events.KindUnknown:
		return

	case events.KindAccountInfo:
		l.resolver.Observe(ev.Account.Account, ev.At)

	case events.KindBalanceUpdate:
		current, ok := l.scopeFor(ev.Balance.Account, ev)
		if !ok {
			return
		}
		if l.balances.ApplyBrokerBalance(current, decimal.NewFromFloat(ev.Balance.Balance)) {
			l.bus.Publish(events.Event{
				Kind:  events.KindBalanceChanged,
				At:    ev.At,
				Scope: current,
				Balance: &events.BalancePayload{
					Account: current.Account,
					Balance: ev.Balance.Balance,
					Equity:  ev.Balance.Equity,
				},
			})
		}

	case events.KindPositionUpdate:
		current, ok := l.scopeFor(ev.Position.Account, ev)
		if !ok {
			return
		}
		if err := l.positions.ApplyPositionUpdate(ctx, current, ev.Position); err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "Loop",
				"scope":     current.String(),
			}).WithError(err).Error("Position update not applied")
		}

	case events.KindOrderUpdate:
		if ev.Order.FillID == "" || ev.Order.FilledQty == 0 {
			return // working-order churn, nothing filled
		}
		current, ok := l.scopeFor(ev.Order.Account, ev)
		if !ok {
			return
		}
		if err := l.positions.ApplyFill(ctx, current, ev.Order); err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "Loop",
				"scope":     current.String(),
				"fill_id":   ev.Order.FillID,
			}).WithError(err).Error("Fill not applied")
		}
	}
}

// scopeFor feeds the event's account into the resolver and returns the scope
// mutations should run under. Events for an account disagreeing with the
// resolved scope raise a drift warning and are not applied to it.
func (l *Loop) scopeFor(account string, ev events.Event) (model.Scope, bool) {
	current, _ := l.resolver.Observe(account, ev.At)
	if current.IsZero() {
		return model.Scope{}, false
	}
	if account != "" && account != current.Account {
		l.resolver.CheckDrift(account, ev.At)
		return model.Scope{}, false
	}
	return current, true
}
