package database

import (
	"fmt"

	"github.com/ksred/broker-api/internal/database/migrations"
	"github.com/ksred/broker-api/internal/idempotency"
	"github.com/ksred/broker-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection.
// TranslateError is required: the idempotency guard relies on unique
// violations surfacing as gorm.ErrDuplicatedKey.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates the schema and seeds reference data. Split from
// NewDatabase so tests can run it against their own connections.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Instrument{},
		&types.Order{},
		&types.Trade{},
		&types.WalletAccount{},
		&types.LedgerEntry{},
		&types.Holding{},
		&types.Position{},
		&idempotency.Record{},
	)
	if err != nil {
		return err
	}

	if err := migrations.SeedInstruments(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddAccountIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
