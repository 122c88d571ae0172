package types

import "time"

// OrderResult is the payload returned from order placement. Trade is nil
// when the order was parked OPEN instead of filling immediately.
type OrderResult struct {
	Order *Order `json:"order"`
	Trade *Trade `json:"trade"`
}

// Quote is the snapshot envelope served by the market data endpoints.
type Quote struct {
	InstrumentID string    `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	LTP          float64   `json:"ltp"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HoldingView is a holding enriched with the current snapshot price.
type HoldingView struct {
	Holding
	PnLAbs float64 `json:"pnl_abs"`
	PnLPct float64 `json:"pnl_pct"`
}

// PositionView is a position enriched with its mark-to-market value.
type PositionView struct {
	Position
	LastPrice float64 `json:"last_price"`
	MTM       float64 `json:"mtm"`
}
