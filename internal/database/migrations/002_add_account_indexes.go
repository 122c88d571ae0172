package migrations

import "gorm.io/gorm"

// AddAccountIndexes creates query indexes for the ledger and order book.
// Using raw SQL for index creation to have more control over index types.
func AddAccountIndexes(db *gorm.DB) error {
	indexes := []string{
		// Ledger reads are always per user, newest first
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created
		 ON ledger_entries(user_id, created_at)`,

		// Order book filtering by user and status
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_id, status)`,

		// Trade lookups per user over time
		`CREATE INDEX IF NOT EXISTS idx_trades_user_created
		 ON trades(user_id, created_at)`,

		// Idempotency expiry sweeps
		`CREATE INDEX IF NOT EXISTS idx_records_expires_at
		 ON records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
