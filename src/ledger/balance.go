package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradelink/src/model"
)

// TradeLister is the slice of the repository contract the calculator needs.
type TradeLister interface {
	GetTradesSince(ctx context.Context, scope model.Scope, since time.Time) ([]model.Trade, error)
}

// Calculator derives balances per scope. SIM balances are a pure projection
// over the trade ledger and are recomputed on demand; any cached value is an
// optimization, never the source of truth. LIVE balances are whatever the
// broker last pushed; the ledger never overwrites them.
type Calculator struct {
	trades   TradeLister
	starting decimal.Decimal

	mu   sync.RWMutex
	live map[model.Scope]decimal.Decimal
}

func NewCalculator(trades TradeLister, cfg Config) *Calculator {
	return &Calculator{
		trades:   trades,
		starting: decimal.NewFromFloat(cfg.SimStartingBalance),
		live:     make(map[model.Scope]decimal.Decimal),
	}
}

// SimBalance recomputes the scope's balance from scratch:
// starting_balance + sum(realized_pnl) over the whole ledger.
func (c *Calculator) SimBalance(ctx context.Context, scope model.Scope) (decimal.Decimal, error) {
	trades, err := c.trades.GetTradesSince(ctx, scope, time.Time{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("load ledger for %s: %w", scope, err)
	}

	balance := c.starting
	for _, t := range trades {
		balance = balance.Add(decimal.NewFromFloat(t.RealizedPnl))
	}

	logger.WithFields(map[string]interface{}{
		"component": "Calculator",
		"scope":     scope.String(),
		"trades":    len(trades),
		"balance":   balance.String(),
	}).Debug("SIM balance recomputed from ledger")

	return balance, nil
}

// ApplyBrokerBalance records an inbound broker balance push. Pushes for SIM
// scopes are discarded: the ledger is authoritative there and a broker echo
// of a stale value must never overwrite it. Returns true when the push was
// applied.
func (c *Calculator) ApplyBrokerBalance(scope model.Scope, balance decimal.Decimal) bool {
	if scope.Mode != model.ModeLive {
		logger.WithFields(map[string]interface{}{
			"component": "Calculator",
			"scope":     scope.String(),
			"balance":   balance.String(),
		}).Debug("Discarding broker balance push for non-LIVE scope")
		return false
	}

	c.mu.Lock()
	c.live[scope] = balance
	c.mu.Unlock()

	return true
}

// LiveBalance returns the last broker-pushed balance for a LIVE scope.
func (c *Calculator) LiveBalance(scope model.Scope) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	balance, ok := c.live[scope]
	return balance, ok
}

// Balance returns the authoritative balance for any scope: the ledger
// projection for SIM and DEBUG, the broker value for LIVE.
func (c *Calculator) Balance(ctx context.Context, scope model.Scope) (decimal.Decimal, error) {
	if scope.Mode == model.ModeLive {
		balance, ok := c.LiveBalance(scope)
		if !ok {
			return decimal.Zero, fmt.Errorf("no broker balance received yet for %s", scope)
		}
		return balance, nil
	}
	return c.SimBalance(ctx, scope)
}

// AuditLive compares the broker balance against the ledger projection for a
// LIVE scope. Purely informational: the result never mutates stored state.
// Returns the ledger value, the broker value and whether both were available.
func (c *Calculator) AuditLive(ctx context.Context, scope model.Scope) (ledgerBal, brokerBal decimal.Decimal, ok bool) {
	if scope.Mode != model.ModeLive {
		return decimal.Zero, decimal.Zero, false
	}

	brokerBal, haveBroker := c.LiveBalance(scope)
	if !haveBroker {
		return decimal.Zero, decimal.Zero, false
	}

	ledgerBal, err := c.SimBalance(ctx, scope)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "Calculator",
			"scope":     scope.String(),
		}).WithError(err).Warn("LIVE audit skipped, ledger projection failed")
		return decimal.Zero, decimal.Zero, false
	}

	return ledgerBal, brokerBal, true
}
