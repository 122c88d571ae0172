package migrations

import (
	"errors"

	"github.com/google/uuid"
	"github.com/ksred/broker-api/internal/types"
	"gorm.io/gorm"
)

// SeedInstruments ensures a small tradable catalog exists. Seeding is keyed
// by symbol so re-running is a no-op.
func SeedInstruments(db *gorm.DB) error {
	seed := []types.Instrument{
		{Symbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE", LastPrice: 2450.00},
		{Symbol: "TCS", Name: "Tata Consultancy Services", Exchange: "NSE", LastPrice: 3890.50},
		{Symbol: "INFY", Name: "Infosys", Exchange: "NSE", LastPrice: 1520.25},
		{Symbol: "HDFCBANK", Name: "HDFC Bank", Exchange: "NSE", LastPrice: 1645.80},
		{Symbol: "ICICIBANK", Name: "ICICI Bank", Exchange: "NSE", LastPrice: 1089.15},
		{Symbol: "SBIN", Name: "State Bank of India", Exchange: "NSE", LastPrice: 778.40},
		{Symbol: "TATAMOTORS", Name: "Tata Motors", Exchange: "NSE", LastPrice: 934.70},
		{Symbol: "WIPRO", Name: "Wipro", Exchange: "NSE", LastPrice: 465.90},
	}

	for _, instrument := range seed {
		var existing types.Instrument
		err := db.Where("symbol = ?", instrument.Symbol).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		instrument.InstrumentID = "INS_" + uuid.New().String()
		if err := db.Create(&instrument).Error; err != nil {
			return err
		}
	}

	return nil
}
