// Package market is the engine's price source. Snapshots are synthesized
// with a random walk; the engine only ever reads them.
package market

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/broker-api/internal/types"
	"github.com/ksred/broker-api/pkg/response"
	"gorm.io/gorm"
)

// Snapshot is a point-in-time price for one instrument.
type Snapshot struct {
	LTP       float64
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// Service resolves instruments and serves price snapshots.
type Service struct {
	db *gorm.DB

	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

func NewService(db *gorm.DB) *Service {
	return &Service{
		db:        db,
		snapshots: make(map[string]*Snapshot),
	}
}

// GetInstrument resolves an instrument by its public ID.
func (s *Service) GetInstrument(instrumentID string) (*types.Instrument, error) {
	var instrument types.Instrument
	if err := s.db.Where("instrument_id = ?", instrumentID).First(&instrument).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFound("Instrument not found")
		}
		return nil, err
	}
	return &instrument, nil
}

// ListInstruments returns the tradable catalog.
func (s *Service) ListInstruments() ([]types.Instrument, error) {
	var instruments []types.Instrument
	if err := s.db.Order("symbol").Find(&instruments).Error; err != nil {
		return nil, err
	}
	return instruments, nil
}

// EnsureSnapshot returns the current snapshot for an instrument, seeding one
// lazily on first access and jittering it on every subsequent read. The
// value is best-effort: no guarantee beyond being a positive number.
// Returns a copy taken under the lock; the stored snapshot keeps walking
// concurrently.
func (s *Service) EnsureSnapshot(instrumentID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.snapshots[instrumentID]
	if !ok {
		snapshot = s.seedSnapshot(instrumentID)
		s.snapshots[instrumentID] = snapshot
		return *snapshot
	}

	jitter(snapshot)
	return *snapshot
}

func (s *Service) seedSnapshot(instrumentID string) *Snapshot {
	base := 100 + rand.Float64()*900

	// Prefer the instrument's persisted last price when it has one
	var instrument types.Instrument
	if err := s.db.Where("instrument_id = ?", instrumentID).First(&instrument).Error; err == nil {
		if instrument.LastPrice > 0 {
			base = instrument.LastPrice
		}
	}

	snapshot := &Snapshot{LTP: round2(base)}
	reprice(snapshot)
	return snapshot
}

func jitter(snapshot *Snapshot) {
	delta := (rand.Float64() - 0.5) * 2
	snapshot.LTP = round2(math.Max(snapshot.LTP+delta, 0.05))
	reprice(snapshot)
}

func reprice(snapshot *Snapshot) {
	snapshot.Bid = round2(math.Max(snapshot.LTP-0.1, 0.01))
	snapshot.Ask = round2(snapshot.LTP + 0.1)
	snapshot.UpdatedAt = time.Now()
}

// snapshotIDs returns the instrument IDs with a live snapshot.
func (s *Service) snapshotIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	return ids
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListInstrumentsHandler handles GET requests for the instrument catalog
func (h *GinHandlers) ListInstrumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instruments, err := h.service.ListInstruments()
		response.Handle(c, instruments, err)
	}
}

// QuoteHandler handles GET requests for an instrument's price snapshot
// URL parameter: instrument_id
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instrument, err := h.service.GetInstrument(c.Param("instrument_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		snapshot := h.service.EnsureSnapshot(instrument.InstrumentID)
		response.Handle(c, types.Quote{
			InstrumentID: instrument.InstrumentID,
			Symbol:       instrument.Symbol,
			LTP:          snapshot.LTP,
			Bid:          snapshot.Bid,
			Ask:          snapshot.Ask,
			UpdatedAt:    snapshot.UpdatedAt,
		}, nil)
	}
}
