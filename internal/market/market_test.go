package market

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/ksred/broker-api/internal/database"
	"github.com/ksred/broker-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewService(db), db
}

func TestGetInstrumentNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetInstrument("INS_missing")
	var engineErr *types.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, types.CodeNotFound, engineErr.Code)
}

func TestListInstrumentsSeeded(t *testing.T) {
	svc, _ := newTestService(t)

	instruments, err := svc.ListInstruments()
	require.NoError(t, err)
	require.NotEmpty(t, instruments)

	symbols := make(map[string]bool, len(instruments))
	for _, instrument := range instruments {
		assert.NotEmpty(t, instrument.InstrumentID)
		assert.Positive(t, instrument.LastPrice)
		symbols[instrument.Symbol] = true
	}
	assert.True(t, symbols["RELIANCE"])
	assert.True(t, symbols["TCS"])
}

func TestEnsureSnapshotSeedsFromLastPrice(t *testing.T) {
	svc, db := newTestService(t)

	var instrument types.Instrument
	require.NoError(t, db.Where("symbol = ?", "RELIANCE").First(&instrument).Error)

	snapshot := svc.EnsureSnapshot(instrument.InstrumentID)
	assert.Equal(t, instrument.LastPrice, snapshot.LTP)
	assert.InDelta(t, snapshot.LTP-0.1, snapshot.Bid, 0.001)
	assert.InDelta(t, snapshot.LTP+0.1, snapshot.Ask, 0.001)
	assert.False(t, snapshot.UpdatedAt.IsZero())
}

func TestEnsureSnapshotJittersWithinBand(t *testing.T) {
	svc, db := newTestService(t)

	var instrument types.Instrument
	require.NoError(t, db.Where("symbol = ?", "TCS").First(&instrument).Error)

	prev := svc.EnsureSnapshot(instrument.InstrumentID).LTP
	for i := 0; i < 50; i++ {
		snapshot := svc.EnsureSnapshot(instrument.InstrumentID)
		assert.InDelta(t, prev, snapshot.LTP, 1.0, "each step moves at most one unit")
		assert.GreaterOrEqual(t, snapshot.LTP, 0.05)
		assert.Less(t, snapshot.Bid, snapshot.Ask)
		prev = snapshot.LTP
	}
}

func TestEnsureSnapshotConcurrentReadersGetConsistentCopies(t *testing.T) {
	svc, db := newTestService(t)

	var instrument types.Instrument
	require.NoError(t, db.Where("symbol = ?", "INFY").First(&instrument).Error)
	svc.EnsureSnapshot(instrument.InstrumentID)

	// Each caller gets a copy taken under the lock, so its LTP/bid/ask are
	// from the same walk step even while other readers advance the price
	var wg sync.WaitGroup
	errs := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snapshot := svc.EnsureSnapshot(instrument.InstrumentID)
				if math.Abs(snapshot.Ask-snapshot.LTP-0.1) > 0.001 ||
					math.Abs(snapshot.LTP-snapshot.Bid-0.1) > 0.001 {
					errs <- fmt.Sprintf("torn snapshot: ltp=%v bid=%v ask=%v",
						snapshot.LTP, snapshot.Bid, snapshot.Ask)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

func TestEnsureSnapshotUnknownInstrumentGetsRandomSeed(t *testing.T) {
	svc, _ := newTestService(t)

	snapshot := svc.EnsureSnapshot("INS_unlisted")
	assert.GreaterOrEqual(t, snapshot.LTP, 100.0)
	assert.LessOrEqual(t, snapshot.LTP, 1000.0)
}
