package market

import (
	"context"
	"time"

	"github.com/ksred/broker-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Simulator drives the random walk for instruments that have been quoted,
// persisting the latest price back to the catalog so restarts resume near
// the last observed level.
type Simulator struct {
	service  *Service
	interval time.Duration
}

func NewSimulator(service *Service, interval time.Duration) *Simulator {
	return &Simulator{
		service:  service,
		interval: interval,
	}
}

// Start begins the price simulation loop
func (s *Simulator) Start(ctx context.Context) {
	logger := log.With().Str("component", "price_simulator").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting price simulator")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down price simulator")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Simulator) tick() {
	logger := log.With().Str("component", "price_simulator").Logger()

	for _, instrumentID := range s.service.snapshotIDs() {
		snapshot := s.service.EnsureSnapshot(instrumentID)

		err := s.service.db.Model(&types.Instrument{}).
			Where("instrument_id = ?", instrumentID).
			Updates(map[string]interface{}{
				"last_price": snapshot.LTP,
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			logger.Error().
				Err(err).
				Str("instrument_id", instrumentID).
				Msg("failed to persist last price")
			continue
		}

		logger.Debug().
			Str("instrument_id", instrumentID).
			Float64("ltp", snapshot.LTP).
			Msg("advanced price")
	}
}
