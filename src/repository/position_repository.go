package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradelink/src/database"
	"tradelink/src/model"
)

// PositionRepository handles the single open position per scope.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a repository instance using the main database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// GetOpenPosition fetches the open position for a scope.
// Returns (nil, nil) when the scope is flat.
func (r *PositionRepository) GetOpenPosition(
	ctx context.Context,
	scope model.Scope,
) (*model.OpenPosition, error) {

	logger.WithFields(map[string]interface{}{
		"repo":  "PositionRepository",
		"op":    "GetOpenPosition",
		"scope": scope.String(),
	}).Debug("Fetching open position for scope")

	var position model.OpenPosition

	err := r.db.WithContext(ctx).
		Where("mode = ? AND account = ?", scope.Mode, scope.Account).
		First(&position).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":  "PositionRepository",
			"op":    "GetOpenPosition",
			"scope": scope.String(),
		}).WithError(err).Error("Failed to fetch open position")

		return nil, err
	}

	return &position, nil
}

// SaveOpenPosition upserts the open position for its scope. The unique scope
// index makes this a create-or-replace on (mode, account).
func (r *PositionRepository) SaveOpenPosition(
	ctx context.Context,
	position *model.OpenPosition,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "SaveOpenPosition",
		"scope":  position.Scope().String(),
		"symbol": position.Symbol,
		"qty":    position.Quantity,
	}).Debug("Saving open position")

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mode"}, {Name: "account"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"symbol", "quantity", "entry_price", "entry_time",
				"entry_vwap", "entry_cum_delta", "min_price", "max_price",
				"stop_price", "target_price", "updated_at",
			}),
		}).
		Create(position).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "PositionRepository",
			"op":    "SaveOpenPosition",
			"scope": position.Scope().String(),
		}).WithError(err).Error("Failed to save open position")

		return err
	}

	return nil
}

// CloseWithTrade atomically converts an open position into a ledger trade:
// the position row is removed and the trade appended in one transaction. If
// either write fails, neither is committed and the in-memory closure is not
// considered applied.
func (r *PositionRepository) CloseWithTrade(
	ctx context.Context,
	scope model.Scope,
	trade *model.Trade,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":    "PositionRepository",
		"op":      "CloseWithTrade",
		"scope":   scope.String(),
		"fill_id": trade.FillID,
	}).Info("Closing position and appending trade transactionally")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("mode = ? AND account = ?", scope.Mode, scope.Account).
			Delete(&model.OpenPosition{})
		if result.Error != nil {
			logger.WithError(result.Error).Error("Failed to delete open position inside transaction")
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		// The append goes through the ledger repository bound to this
		// transaction, so both repos share one insert path.
		if err := (&TradeRepository{}).WithDB(tx).Append(ctx, trade); err != nil {
			return err
		}

		return nil
	})
}
