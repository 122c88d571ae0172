package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/broker-api/internal/idempotency"
	"github.com/ksred/broker-api/internal/types"
	"github.com/ksred/broker-api/pkg/keylock"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// FillRequest is one validated, priced order ready to commit.
type FillRequest struct {
	Order      *types.Order
	Trade      *types.Trade // nil when the order parks OPEN
	Instrument *types.Instrument

	// Idempotency record committed with the fill. RecordKey empty means
	// the caller did not supply a key and no record is written.
	RecordKey  string
	Scope      string
	RespStatus int
	RespBody   []byte
}

// Executor commits fills. All mutations for one fill happen in a single
// transaction; fills for the same user are additionally serialized by a
// keyed mutex so concurrent fills cannot interleave wallet reads.
type Executor struct {
	db    *gorm.DB
	guard *idempotency.Guard
	locks *keylock.Set
}

func NewExecutor(db *gorm.DB, guard *idempotency.Guard, locks *keylock.Set) *Executor {
	return &Executor{db: db, guard: guard, locks: locks}
}

// Execute runs the all-or-nothing fill unit: order, trade, wallet, ledger,
// holdings or positions, idempotency record. A failure at any step leaves
// no trace.
func (e *Executor) Execute(req *FillRequest) error {
	unlock := e.locks.Lock(req.Order.UserID)
	defer unlock()

	logger := log.With().
		Str("order_id", req.Order.OrderID).
		Str("user_id", req.Order.UserID).
		Str("service", "orders").
		Logger()

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(req.Order).Error; err != nil {
			return fmt.Errorf("failed to persist order: %w", err)
		}

		if req.Trade != nil {
			if err := e.applyFill(tx, req); err != nil {
				return err
			}
		}

		if req.RecordKey != "" {
			if err := e.guard.CreateTx(tx, req.RecordKey, req.Scope, req.RespStatus, req.RespBody); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		logger.Debug().Err(err).Msg("fill rolled back")
		return err
	}

	if req.Trade != nil {
		logger.Info().
			Str("trade_id", req.Trade.TradeID).
			Float64("qty", req.Trade.Quantity).
			Float64("price", req.Trade.Price).
			Str("side", req.Trade.Side).
			Str("product", req.Order.Product).
			Msg("fill committed")
	} else {
		logger.Info().Msg("order parked open")
	}
	return nil
}

// applyFill performs steps 2-6 of the fill unit inside tx.
func (e *Executor) applyFill(tx *gorm.DB, req *FillRequest) error {
	trade := req.Trade
	order := req.Order

	if err := tx.Create(trade).Error; err != nil {
		return fmt.Errorf("failed to persist trade: %w", err)
	}

	gross := round2(trade.Quantity * trade.Price)
	direction := 1.0
	if order.Side == types.SideSell {
		direction = -1.0
	}

	account, err := loadOrInitAccount(tx, order.UserID)
	if err != nil {
		return err
	}

	account.Balance = round2(account.Balance - direction*gross)
	if order.Product == types.ProductCNC && account.Balance < 0 {
		return types.InsufficientFunds("Insufficient funds to place order")
	}
	account.UpdatedAt = time.Now()
	if err := tx.Save(account).Error; err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}

	entry := &types.LedgerEntry{
		EntryID: "LED_" + uuid.New().String(),
		UserID:  order.UserID,
		Ref:     order.OrderID,
		Type:    types.LedgerDebit,
		Debit:   gross,
		Balance: account.Balance,
		Note:    order.Side + " " + req.Instrument.Symbol,
	}
	if direction < 0 {
		entry.Type = types.LedgerCredit
		entry.Debit = 0
		entry.Credit = gross
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if order.Product == types.ProductCNC {
		return applyHoldingUpdate(tx, order.UserID, order.InstrumentID, trade)
	}
	return applyPositionUpdate(tx, order.UserID, order.InstrumentID, order.Product, trade, direction)
}

func loadOrInitAccount(tx *gorm.DB, userID string) (*types.WalletAccount, error) {
	var account types.WalletAccount
	err := tx.Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &types.WalletAccount{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &account, nil
}

func applyHoldingUpdate(tx *gorm.DB, userID, instrumentID string, trade *types.Trade) error {
	var holding types.Holding
	err := tx.Where("user_id = ? AND instrument_id = ?", userID, instrumentID).First(&holding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if trade.Side == types.SideSell {
			return types.InsufficientHolding("Cannot sell instrument not in holdings")
		}
		holding = types.Holding{
			UserID:       userID,
			InstrumentID: instrumentID,
			Quantity:     trade.Quantity,
			AveragePrice: round2(trade.Price),
			LastPrice:    trade.Price,
		}
		return tx.Create(&holding).Error
	}
	if err != nil {
		return fmt.Errorf("failed to load holding: %w", err)
	}

	newQty, newAvg, err := ApplyHoldingFill(holding.Quantity, holding.AveragePrice, trade.Side, trade.Quantity, trade.Price)
	if err != nil {
		return err
	}

	holding.Quantity = newQty
	holding.AveragePrice = newAvg
	holding.LastPrice = trade.Price
	holding.UpdatedAt = time.Now()
	return tx.Save(&holding).Error
}

func applyPositionUpdate(tx *gorm.DB, userID, instrumentID, product string, trade *types.Trade, direction float64) error {
	var position types.Position
	err := tx.Where("user_id = ? AND instrument_id = ? AND product = ?", userID, instrumentID, product).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		position = types.Position{
			UserID:       userID,
			InstrumentID: instrumentID,
			Product:      product,
		}
	} else if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}

	signedDelta := direction * trade.Quantity
	position.Quantity, position.AveragePrice = ApplyPositionFill(position.Quantity, position.AveragePrice, signedDelta, trade.Price)
	if direction > 0 {
		position.DayBuy += trade.Quantity
	} else {
		position.DaySell += trade.Quantity
	}
	position.UpdatedAt = time.Now()
	return tx.Save(&position).Error
}
