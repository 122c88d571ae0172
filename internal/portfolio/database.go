package portfolio

import (
	"time"

	"github.com/ksred/broker-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) ListHoldings(userID string) ([]types.Holding, error) {
	var holdings []types.Holding
	if err := d.db.Where("user_id = ?", userID).Order("instrument_id").Find(&holdings).Error; err != nil {
		return nil, err
	}
	return holdings, nil
}

func (d *Database) ListPositions(userID string) ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Where("user_id = ?", userID).Order("instrument_id, product").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) ListTrades(userID string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// ResetDayCounters zeroes the intraday buy/sell counters on every position.
// Scheduled at end of day.
func (d *Database) ResetDayCounters() error {
	return d.db.Model(&types.Position{}).
		Where("day_buy <> 0 OR day_sell <> 0").
		Updates(map[string]interface{}{
			"day_buy":    0,
			"day_sell":   0,
			"updated_at": time.Now(),
		}).Error
}
