package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Products. CNC is a delivery product paid in full and tracked as a
// holding; MIS and NRML are margin products tracked as signed positions.
const (
	ProductCNC  = "CNC"
	ProductMIS  = "MIS"
	ProductNRML = "NRML"
)

// Order statuses. FILLED, CANCELLED and REJECTED are terminal.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)

type Instrument struct {
	gorm.Model   `json:"-"`
	InstrumentID string    `gorm:"uniqueIndex" json:"instrument_id"`
	Symbol       string    `gorm:"uniqueIndex" json:"symbol"`
	Name         string    `json:"name"`
	Exchange     string    `json:"exchange"`
	LastPrice    float64   `json:"last_price"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string    `gorm:"uniqueIndex" json:"order_id"`
	UserID           string    `gorm:"index" json:"user_id"`
	InstrumentID     string    `json:"instrument_id"`
	Side             string    `json:"side"`       // BUY or SELL
	OrderType        string    `json:"order_type"` // MARKET or LIMIT
	Product          string    `json:"product"`    // CNC, MIS or NRML
	Validity         string    `json:"validity"`
	Quantity         float64   `json:"qty"`
	Price            float64   `json:"price"`
	Status           string    `json:"status"`
	FilledQuantity   float64   `json:"filled_qty"`
	AverageFillPrice float64   `json:"avg_fill_price"`
	IdempotencyKey   string    `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Terminal reports whether the order status admits no further transitions.
func (o *Order) Terminal() bool {
	return o.Status == OrderStatusFilled ||
		o.Status == OrderStatusCancelled ||
		o.Status == OrderStatusRejected
}

// Trade is immutable once written. One trade mirrors one fill.
type Trade struct {
	gorm.Model   `json:"-"`
	TradeID      string    `gorm:"uniqueIndex" json:"trade_id"`
	OrderID      string    `gorm:"index" json:"order_id"`
	UserID       string    `gorm:"index" json:"user_id"`
	InstrumentID string    `json:"instrument_id"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"qty"`
	Price        float64   `json:"price"`
	CreatedAt    time.Time `json:"created_at"`
}
