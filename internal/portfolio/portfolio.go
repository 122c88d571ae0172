// Package portfolio serves read-only views of holdings, positions and
// trades, enriched with current snapshot prices.
package portfolio

import (
	"math"

	"github.com/gin-gonic/gin"
	"github.com/ksred/broker-api/internal/market"
	"github.com/ksred/broker-api/internal/types"
	"github.com/ksred/broker-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Service struct {
	db     *Database
	market *market.Service
}

func NewService(gormDB *gorm.DB, marketSvc *market.Service) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		market: marketSvc,
	}
}

// Holdings returns the user's holdings with unrealized P&L against the
// latest snapshot.
func (s *Service) Holdings(userID string) ([]types.HoldingView, error) {
	holdings, err := s.db.ListHoldings(userID)
	if err != nil {
		return nil, err
	}

	views := make([]types.HoldingView, 0, len(holdings))
	for _, holding := range holdings {
		snapshot := s.market.EnsureSnapshot(holding.InstrumentID)
		holding.LastPrice = snapshot.LTP

		view := types.HoldingView{Holding: holding}
		view.PnLAbs = round2((snapshot.LTP - holding.AveragePrice) * holding.Quantity)
		if holding.AveragePrice > 0 && holding.Quantity > 0 {
			view.PnLPct = round2(view.PnLAbs / (holding.AveragePrice * holding.Quantity) * 100)
		}
		views = append(views, view)
	}
	return views, nil
}

// Positions returns the user's positions with mark-to-market value.
func (s *Service) Positions(userID string) ([]types.PositionView, error) {
	positions, err := s.db.ListPositions(userID)
	if err != nil {
		return nil, err
	}

	views := make([]types.PositionView, 0, len(positions))
	for _, position := range positions {
		snapshot := s.market.EnsureSnapshot(position.InstrumentID)
		views = append(views, types.PositionView{
			Position:  position,
			LastPrice: snapshot.LTP,
			MTM:       round2((snapshot.LTP - position.AveragePrice) * position.Quantity),
		})
	}
	return views, nil
}

// Trades returns the user's trades, newest first.
func (s *Service) Trades(userID string) ([]types.Trade, error) {
	return s.db.ListTrades(userID)
}

// ResetDayCounters clears intraday position counters; wired to the EOD
// schedule in main.
func (s *Service) ResetDayCounters() {
	if err := s.db.ResetDayCounters(); err != nil {
		log.Error().Err(err).Str("service", "portfolio").Msg("failed to reset day counters")
		return
	}
	log.Info().Str("service", "portfolio").Msg("day counters reset")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// HoldingsHandler handles GET requests for the caller's holdings
func (h *GinHandlers) HoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := h.service.Holdings(c.GetString("userID"))
		response.Handle(c, views, err)
	}
}

// PositionsHandler handles GET requests for the caller's positions
func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := h.service.Positions(c.GetString("userID"))
		response.Handle(c, views, err)
	}
}

// TradesHandler handles GET requests for the caller's trades
func (h *GinHandlers) TradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.Trades(c.GetString("userID"))
		response.Handle(c, trades, err)
	}
}
