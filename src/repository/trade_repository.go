package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradelink/src/database"
	"tradelink/src/model"
)

// TradeRepository handles the append-only trade ledger.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a repository instance using the main database.
func NewTradeRepository() *TradeRepository {
	logger.WithField("component", "TradeRepository").
		Info("Creating new TradeRepository with MainDB")

	return &TradeRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Append inserts a new trade into the ledger. Trades are never updated
// afterwards.
func (r *TradeRepository) Append(
	ctx context.Context,
	trade *model.Trade,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":    "TradeRepository",
		"op":      "Append",
		"scope":   trade.Scope().String(),
		"symbol":  trade.Symbol,
		"fill_id": trade.FillID,
		"pnl":     trade.RealizedPnl,
	}).Debug("Appending trade to ledger")

	err := r.db.WithContext(ctx).Create(trade).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "TradeRepository",
			"op":      "Append",
			"fill_id": trade.FillID,
		}).WithError(err).Error("Failed to append trade")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "TradeRepository",
		"op":       "Append",
		"trade_id": trade.ID,
	}).Info("Trade appended to ledger")

	return nil
}

// FindByFillID fetches the trade persisted for a given closing fill, if any.
// Returns (nil, nil) when no trade references the fill; this is the
// idempotence lookup the closure pipeline runs before mutating anything.
func (r *TradeRepository) FindByFillID(
	ctx context.Context,
	fillID string,
) (*model.Trade, error) {

	logger.WithFields(map[string]interface{}{
		"repo":    "TradeRepository",
		"op":      "FindByFillID",
		"fill_id": fillID,
	}).Debug("Fetching trade by closing fill ID")

	var trade model.Trade

	err := r.db.WithContext(ctx).
		Where("fill_id = ?", fillID).
		First(&trade).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":    "TradeRepository",
			"op":      "FindByFillID",
			"fill_id": fillID,
		}).WithError(err).Error("Failed to fetch trade by fill ID")

		return nil, err
	}

	return &trade, nil
}

// GetTradesSince returns all trades for a scope closed at or after the given
// time, oldest first. Passing the zero time returns the whole ledger for the
// scope, which is how SIM balances are projected.
func (r *TradeRepository) GetTradesSince(
	ctx context.Context,
	scope model.Scope,
	since time.Time,
) ([]model.Trade, error) {

	logger.WithFields(map[string]interface{}{
		"repo":  "TradeRepository",
		"op":    "GetTradesSince",
		"scope": scope.String(),
		"since": since,
	}).Debug("Fetching trades for scope")

	var trades []model.Trade

	query := r.db.WithContext(ctx).
		Where("mode = ? AND account = ?", scope.Mode, scope.Account)

	if !since.IsZero() {
		query = query.Where("exit_time >= ?", since)
	}

	err := query.
		Order("exit_time ASC, id ASC").
		Find(&trades).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "TradeRepository",
			"op":    "GetTradesSince",
			"scope": scope.String(),
		}).WithError(err).Error("Failed to fetch trades for scope")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "TradeRepository",
		"op":          "GetTradesSince",
		"scope":       scope.String(),
		"rows_return": len(trades),
	}).Debug("Trades fetched for scope")

	return trades, nil
}
