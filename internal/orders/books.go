package orders

import (
	"math"

	"github.com/ksred/broker-api/internal/types"
)

// Pure book math for fills. The executor applies these against loaded rows
// inside its transaction; keeping them side-effect free makes the weighted
// average and sign-crossing rules independently testable.

// ApplyHoldingFill computes the next quantity and weighted-average price for
// a delivery-product holding. A sell never changes the average price; the
// realized gain or loss shows up in the cash ledger instead. Quantity can
// never go negative and the average resets to zero with the quantity.
func ApplyHoldingFill(oldQty, oldAvg float64, side string, qty, price float64) (float64, float64, error) {
	if side == types.SideSell {
		newQty := oldQty - qty
		if newQty < 0 {
			return 0, 0, types.InsufficientHolding("Insufficient quantity in holdings to sell")
		}
		if newQty == 0 {
			return 0, 0, nil
		}
		return newQty, oldAvg, nil
	}

	newQty := oldQty + qty
	newAvg := round2((oldAvg*oldQty + price*qty) / newQty)
	return newQty, newAvg, nil
}

// ApplyPositionFill computes the next signed quantity and average price for
// a margin-product position. signedDelta is direction times trade quantity.
//
// When a single fill flips the position's sign, the closed side realizes its
// P&L through the cash ledger and the surviving side opens a fresh cost
// basis at the fill price. Without a flip the average blends.
func ApplyPositionFill(oldQty, oldAvg, signedDelta, price float64) (float64, float64) {
	newQty := oldQty + signedDelta

	switch {
	case newQty == 0:
		return 0, 0
	case oldQty != 0 && (oldQty > 0) != (newQty > 0):
		return newQty, round2(price)
	default:
		return newQty, round2((oldAvg*oldQty + price*signedDelta) / newQty)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
