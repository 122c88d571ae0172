package orders

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ksred/broker-api/internal/database"
	"github.com/ksred/broker-api/internal/idempotency"
	"github.com/ksred/broker-api/internal/market"
	"github.com/ksred/broker-api/internal/types"
	"github.com/ksred/broker-api/pkg/keylock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	marketSvc := market.NewService(db)
	guard := idempotency.NewGuard(db, time.Hour)
	svc := NewService(db, marketSvc, guard, keylock.New())
	return svc, db
}

func fundWallet(t *testing.T, db *gorm.DB, userID string, balance float64) {
	t.Helper()
	require.NoError(t, db.Create(&types.WalletAccount{UserID: userID, Balance: balance}).Error)
}

func pickInstruments(t *testing.T, db *gorm.DB, n int) []types.Instrument {
	t.Helper()
	var instruments []types.Instrument
	require.NoError(t, db.Order("symbol").Limit(n).Find(&instruments).Error)
	require.Len(t, instruments, n)
	return instruments
}

func limitOrder(instrumentID, side string, qty, price float64) *PlaceOrderRequest {
	return &PlaceOrderRequest{
		InstrumentID: instrumentID,
		Side:         side,
		Quantity:     qty,
		Price:        price,
		OrderType:    types.OrderTypeLimit,
	}
}

func placeOK(t *testing.T, svc *Service, userID string, req *PlaceOrderRequest, key string) types.OrderResult {
	t.Helper()
	status, body, err := svc.PlaceOrder(userID, req, key)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)

	var env struct {
		Success bool              `json:"success"`
		Data    types.OrderResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	require.True(t, env.Success)
	return env.Data
}

func requireEngineErr(t *testing.T, err error, code string) {
	t.Helper()
	var engineErr *types.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, code, engineErr.Code)
}

func TestPlaceOrderDeliveryBuySellCycle(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-1"
	fundWallet(t, db, userID, 1000)
	instrument := pickInstruments(t, db, 1)[0]

	// Buying 5 @ 100 debits half the cash and opens the holding
	result := placeOK(t, svc, userID, limitOrder(instrument.InstrumentID, "BUY", 5, 100), "")
	require.NotNil(t, result.Trade)
	assert.Equal(t, types.OrderStatusFilled, result.Order.Status)
	assert.Equal(t, 5.0, result.Order.FilledQuantity)
	assert.Equal(t, 100.0, result.Order.AverageFillPrice)

	var account types.WalletAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.Equal(t, 500.0, account.Balance)

	var holding types.Holding
	require.NoError(t, db.Where("user_id = ? AND instrument_id = ?", userID, instrument.InstrumentID).First(&holding).Error)
	assert.Equal(t, 5.0, holding.Quantity)
	assert.Equal(t, 100.0, holding.AveragePrice)

	var entries []types.LedgerEntry
	require.NoError(t, db.Where("user_id = ?", userID).Order("id").Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, types.LedgerDebit, entries[0].Type)
	assert.Equal(t, 500.0, entries[0].Debit)
	assert.Equal(t, 500.0, entries[0].Balance)

	// Selling all 5 @ 120 credits the proceeds and flattens the holding
	placeOK(t, svc, userID, limitOrder(instrument.InstrumentID, "SELL", 5, 120), "")

	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.Equal(t, 1100.0, account.Balance)

	require.NoError(t, db.Where("user_id = ? AND instrument_id = ?", userID, instrument.InstrumentID).First(&holding).Error)
	assert.Equal(t, 0.0, holding.Quantity)
	assert.Equal(t, 0.0, holding.AveragePrice)

	require.NoError(t, db.Where("user_id = ?", userID).Order("id").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, types.LedgerCredit, entries[1].Type)
	assert.Equal(t, 600.0, entries[1].Credit)
	assert.Equal(t, 1100.0, entries[1].Balance)
}

func TestPlaceOrderSellWithoutHoldingRejectedAtomically(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-2"
	fundWallet(t, db, userID, 1100)
	instruments := pickInstruments(t, db, 2)

	// Selling an instrument never held fails with no trace
	_, _, err := svc.PlaceOrder(userID, limitOrder(instruments[1].InstrumentID, "SELL", 3, 50), "")
	requireEngineErr(t, err, types.CodeInsufficientHolding)

	var account types.WalletAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.Equal(t, 1100.0, account.Balance)

	var count int64
	require.NoError(t, db.Model(&types.Holding{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&types.Order{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&types.Trade{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&types.LedgerEntry{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPlaceOrderInsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-3"
	fundWallet(t, db, userID, 100)
	instrument := pickInstruments(t, db, 1)[0]

	_, _, err := svc.PlaceOrder(userID, limitOrder(instrument.InstrumentID, "BUY", 5, 100), "")
	requireEngineErr(t, err, types.CodeInsufficientFunds)

	var account types.WalletAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.Equal(t, 100.0, account.Balance)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&types.LedgerEntry{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPlaceOrderIdempotentReplay(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-4"
	fundWallet(t, db, userID, 10000)
	instrument := pickInstruments(t, db, 1)[0]

	// The same key twice returns identical bytes and exactly one order
	key := idempotency.ComposeKey(PlaceOrderScope, "abc")
	req := limitOrder(instrument.InstrumentID, "BUY", 2, 100)

	status1, body1, err := svc.PlaceOrder(userID, req, key)
	require.NoError(t, err)
	status2, body2, err := svc.PlaceOrder(userID, req, key)
	require.NoError(t, err)

	assert.Equal(t, status1, status2)
	assert.Equal(t, string(body1), string(body2))

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, db.Model(&types.Trade{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, db.Model(&types.LedgerEntry{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var account types.WalletAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.Equal(t, 9800.0, account.Balance)
}

func TestPlaceOrderRetryAfterExpiryExecutesFresh(t *testing.T) {
	db := newTestDB(t)
	marketSvc := market.NewService(db)
	expiredGuard := idempotency.NewGuard(db, -time.Minute)
	locks := keylock.New()
	svc := NewService(db, marketSvc, expiredGuard, locks)

	const userID = "user-11"
	fundWallet(t, db, userID, 10000)
	instrument := pickInstruments(t, db, 1)[0]

	key := idempotency.ComposeKey(PlaceOrderScope, "retry")
	first := placeOK(t, svc, userID, limitOrder(instrument.InstrumentID, "BUY", 1, 100), key)

	// The record has already expired, so the retry is a fresh execution:
	// it must succeed rather than collide with the stale row
	second := placeOK(t, svc, userID, limitOrder(instrument.InstrumentID, "BUY", 1, 100), key)
	assert.NotEqual(t, first.Order.OrderID, second.Order.OrderID)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	var account types.WalletAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.Equal(t, 9800.0, account.Balance)
}

func TestPlaceOrderMarketUsesSnapshotPrice(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-5"
	fundWallet(t, db, userID, 1_000_000)
	instrument := pickInstruments(t, db, 1)[0]

	result := placeOK(t, svc, userID, &PlaceOrderRequest{
		InstrumentID: instrument.InstrumentID,
		Side:         "buy",
		Quantity:     1,
		Price:        99999, // ignored for market orders
	}, "")

	assert.Equal(t, types.OrderTypeMarket, result.Order.OrderType)
	assert.Greater(t, result.Order.Price, 0.0)
	assert.NotEqual(t, 99999.0, result.Order.Price)
	assert.Equal(t, types.ProductCNC, result.Order.Product)
	assert.Equal(t, "DAY", result.Order.Validity)
}

func TestPlaceOrderMarginRoutesToPositions(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-6"
	fundWallet(t, db, userID, 10000)
	instrument := pickInstruments(t, db, 1)[0]

	req := limitOrder(instrument.InstrumentID, "BUY", 5, 100)
	req.Product = types.ProductMIS
	placeOK(t, svc, userID, req, "")

	var position types.Position
	require.NoError(t, db.Where("user_id = ? AND instrument_id = ? AND product = ?",
		userID, instrument.InstrumentID, types.ProductMIS).First(&position).Error)
	assert.Equal(t, 5.0, position.Quantity)
	assert.Equal(t, 100.0, position.AveragePrice)
	assert.Equal(t, 5.0, position.DayBuy)
	assert.Equal(t, 0.0, position.DaySell)

	var count int64
	require.NoError(t, db.Model(&types.Holding{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count, "margin fills must not touch holdings")

	// Margin products may short: sell through zero flips the position
	sell := limitOrder(instrument.InstrumentID, "SELL", 8, 110)
	sell.Product = types.ProductMIS
	placeOK(t, svc, userID, sell, "")

	require.NoError(t, db.Where("user_id = ? AND instrument_id = ? AND product = ?",
		userID, instrument.InstrumentID, types.ProductMIS).First(&position).Error)
	assert.Equal(t, -3.0, position.Quantity)
	assert.Equal(t, 110.0, position.AveragePrice)
	assert.Equal(t, 8.0, position.DaySell)
}

func TestPlaceOrderValidation(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-7"
	fundWallet(t, db, userID, 1000)
	instrument := pickInstruments(t, db, 1)[0]

	_, _, err := svc.PlaceOrder(userID, &PlaceOrderRequest{Side: "BUY", Quantity: 1}, "")
	requireEngineErr(t, err, types.CodeValidationFailed)

	_, _, err = svc.PlaceOrder(userID, limitOrder("INS_missing", "BUY", 1, 100), "")
	requireEngineErr(t, err, types.CodeNotFound)

	_, _, err = svc.PlaceOrder(userID, limitOrder(instrument.InstrumentID, "BUY", 0, 100), "")
	requireEngineErr(t, err, types.CodeValidationFailed)

	_, _, err = svc.PlaceOrder(userID, limitOrder(instrument.InstrumentID, "HOLD", 1, 100), "")
	requireEngineErr(t, err, types.CodeValidationFailed)

	_, _, err = svc.PlaceOrder(userID, limitOrder(instrument.InstrumentID, "BUY", 1, -5), "")
	requireEngineErr(t, err, types.CodeValidationFailed)
}

func TestOrderLifecycleModifyAndCancel(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-8"
	fundWallet(t, db, userID, 1000)
	instrument := pickInstruments(t, db, 1)[0]

	noFill := false
	req := limitOrder(instrument.InstrumentID, "BUY", 5, 100)
	req.ExecuteImmediately = &noFill
	result := placeOK(t, svc, userID, req, "")
	require.Nil(t, result.Trade)
	assert.Equal(t, types.OrderStatusOpen, result.Order.Status)
	assert.Equal(t, 0.0, result.Order.FilledQuantity)

	// Parked orders have no account effects
	var account types.WalletAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.Equal(t, 1000.0, account.Balance)

	newPrice := 95.0
	modified, err := svc.ModifyOrder(userID, result.Order.OrderID, &ModifyOrderRequest{Price: &newPrice})
	require.NoError(t, err)
	assert.Equal(t, 95.0, modified.Price)

	badPrice := -1.0
	_, err = svc.ModifyOrder(userID, result.Order.OrderID, &ModifyOrderRequest{Price: &badPrice})
	requireEngineErr(t, err, types.CodeValidationFailed)

	cancelled, err := svc.CancelOrder(userID, result.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)

	// Terminal orders are immutable
	_, err = svc.CancelOrder(userID, result.Order.OrderID)
	requireEngineErr(t, err, types.CodeOrderNotCancelable)
	_, err = svc.ModifyOrder(userID, result.Order.OrderID, &ModifyOrderRequest{Price: &newPrice})
	requireEngineErr(t, err, types.CodeOrderNotModifiable)

	// Other users cannot see the order
	_, err = svc.GetOrder("someone-else", result.Order.OrderID)
	requireEngineErr(t, err, types.CodeNotFound)
}

func TestBalanceConservationAcrossFills(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-9"
	const initial = 100000.0
	fundWallet(t, db, userID, initial)
	instrument := pickInstruments(t, db, 1)[0]

	fills := []struct {
		side  string
		qty   float64
		price float64
	}{
		{"BUY", 10, 150},
		{"BUY", 5, 180},
		{"SELL", 8, 170},
		{"BUY", 2, 165},
		{"SELL", 9, 160},
	}

	expected := initial
	for _, f := range fills {
		placeOK(t, svc, userID, limitOrder(instrument.InstrumentID, f.side, f.qty, f.price), "")
		if f.side == "BUY" {
			expected -= f.qty * f.price
		} else {
			expected += f.qty * f.price
		}
	}

	var account types.WalletAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	assert.InDelta(t, expected, account.Balance, 0.001)

	// Ledger mirrors the balance: cumulative (credit - debit) matches
	var entries []types.LedgerEntry
	require.NoError(t, db.Where("user_id = ?", userID).Order("id").Find(&entries).Error)
	require.Len(t, entries, len(fills))

	net := initial
	for _, entry := range entries {
		net += entry.Credit - entry.Debit
		assert.InDelta(t, net, entry.Balance, 0.001, "balance-after must track the running sum")
	}
	assert.InDelta(t, account.Balance, net, 0.001)
}

func TestListOrdersFilters(t *testing.T) {
	svc, db := newTestService(t)
	const userID = "user-10"
	fundWallet(t, db, userID, 100000)
	instrument := pickInstruments(t, db, 1)[0]

	noFill := false
	open := limitOrder(instrument.InstrumentID, "BUY", 1, 100)
	open.ExecuteImmediately = &noFill
	placeOK(t, svc, userID, open, "")
	placeOK(t, svc, userID, limitOrder(instrument.InstrumentID, "BUY", 1, 100), "")

	all, err := svc.ListOrders(userID, "", nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filled, err := svc.ListOrders(userID, "filled", nil, nil)
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, types.OrderStatusFilled, filled[0].Status)

	future := time.Now().Add(time.Hour)
	none, err := svc.ListOrders(userID, "", &future, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
