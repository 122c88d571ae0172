package types

import (
	"time"

	"gorm.io/gorm"
)

// Ledger entry types
const (
	LedgerDebit  = "DEBIT"
	LedgerCredit = "CREDIT"
)

// WalletAccount holds a user's cash. Every balance change is mirrored by
// exactly one LedgerEntry written in the same transaction.
type WalletAccount struct {
	gorm.Model `json:"-"`
	UserID     string    `gorm:"uniqueIndex" json:"user_id"`
	Balance    float64   `json:"balance"`
	Margin     float64   `json:"margin"`
	Collateral float64   `json:"collateral"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LedgerEntry is append-only. Balance carries the account balance after the
// entry was applied.
type LedgerEntry struct {
	gorm.Model `json:"-"`
	EntryID    string    `gorm:"uniqueIndex" json:"entry_id"`
	UserID     string    `gorm:"index" json:"user_id"`
	Ref        string    `json:"ref"`
	Type       string    `json:"type"` // DEBIT or CREDIT
	Debit      float64   `json:"debit"`
	Credit     float64   `json:"credit"`
	Balance    float64   `json:"balance"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
}

// Holding tracks a delivery-product book per (user, instrument). Quantity
// never goes negative; average price is zero exactly when quantity is zero.
// Rows are never deleted, quantity may return to zero.
type Holding struct {
	gorm.Model   `json:"-"`
	UserID       string    `gorm:"uniqueIndex:idx_holdings_user_instrument" json:"user_id"`
	InstrumentID string    `gorm:"uniqueIndex:idx_holdings_user_instrument" json:"instrument_id"`
	Quantity     float64   `json:"qty"`
	AveragePrice float64   `json:"avg_price"`
	LastPrice    float64   `json:"last_price"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Position tracks a margin-product book per (user, instrument, product).
// Quantity is signed: positive long, negative short.
type Position struct {
	gorm.Model   `json:"-"`
	UserID       string    `gorm:"uniqueIndex:idx_positions_user_instrument_product" json:"user_id"`
	InstrumentID string    `gorm:"uniqueIndex:idx_positions_user_instrument_product" json:"instrument_id"`
	Product      string    `gorm:"uniqueIndex:idx_positions_user_instrument_product" json:"product"`
	Quantity     float64   `json:"qty"`
	AveragePrice float64   `json:"avg_price"`
	DayBuy       float64   `json:"day_buy"`
	DaySell      float64   `json:"day_sell"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
