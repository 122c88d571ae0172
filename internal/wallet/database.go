package wallet

import (
	"errors"

	"github.com/ksred/broker-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetAccount returns the user's wallet, or nil when the user was never
// funded.
func (d *Database) GetAccount(userID string) (*types.WalletAccount, error) {
	var account types.WalletAccount
	if err := d.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) ListLedgerEntries(userID string) ([]types.LedgerEntry, error) {
	var entries []types.LedgerEntry
	if err := d.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
