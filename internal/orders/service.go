package orders

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/broker-api/internal/idempotency"
	"github.com/ksred/broker-api/internal/market"
	"github.com/ksred/broker-api/internal/types"
	"github.com/ksred/broker-api/pkg/keylock"
	"github.com/ksred/broker-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Scope under which order placement responses are cached.
const PlaceOrderScope = "orders:create"

// Service validates orders, resolves their execution price and hands them
// to the executor.
type Service struct {
	db       *Database
	market   *market.Service
	guard    *idempotency.Guard
	executor *Executor
}

func NewService(gormDB *gorm.DB, marketSvc *market.Service, guard *idempotency.Guard, locks *keylock.Set) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		market:   marketSvc,
		guard:    guard,
		executor: NewExecutor(gormDB, guard, locks),
	}
}

// PlaceOrderRequest is the caller payload for order placement.
type PlaceOrderRequest struct {
	InstrumentID       string  `json:"instrument_id"`
	Side               string  `json:"side"`
	Quantity           float64 `json:"qty"`
	Price              float64 `json:"price"`
	OrderType          string  `json:"order_type"`
	Product            string  `json:"product"`
	Validity           string  `json:"validity"`
	ExecuteImmediately *bool   `json:"execute_immediately"`
}

// ModifyOrderRequest carries the mutable fields of an open order.
type ModifyOrderRequest struct {
	Price    *float64 `json:"price"`
	Quantity *float64 `json:"qty"`
	Validity *string  `json:"validity"`
}

// PlaceOrder validates and prices the payload, then commits the fill as one
// unit. It returns the HTTP status and exact response body so that replays
// under the same idempotency key are byte-identical.
func (s *Service) PlaceOrder(userID string, req *PlaceOrderRequest, recordKey string) (int, []byte, error) {
	// Replay cached response if this key already executed
	if recordKey != "" {
		record, err := s.guard.Lookup(recordKey)
		if err != nil {
			return 0, nil, err
		}
		if record != nil {
			return record.Status, []byte(record.Body), nil
		}
	}

	if req.InstrumentID == "" {
		return 0, nil, types.ValidationFailed("instrument_id is required")
	}

	instrument, err := s.market.GetInstrument(req.InstrumentID)
	if err != nil {
		return 0, nil, err
	}

	qty := req.Quantity
	if !isPositiveNumber(qty) {
		return 0, nil, types.ValidationFailed("qty must be a positive number")
	}

	side := strings.ToUpper(req.Side)
	if side != types.SideBuy && side != types.SideSell {
		return 0, nil, types.ValidationFailed("side must be BUY or SELL")
	}

	orderType := strings.ToUpper(req.OrderType)
	if orderType == "" {
		orderType = types.OrderTypeMarket
	}
	product := strings.ToUpper(req.Product)
	if product == "" {
		product = types.ProductCNC
	}
	validity := strings.ToUpper(req.Validity)
	if validity == "" {
		validity = "DAY"
	}

	// Market orders execute at the snapshot LTP; the client price is
	// ignored. Limit orders use the client price.
	snapshot := s.market.EnsureSnapshot(instrument.InstrumentID)
	price := snapshot.LTP
	if orderType != types.OrderTypeMarket {
		price = req.Price
	}
	if !isPositiveNumber(price) {
		return 0, nil, types.ValidationFailed("price must be positive")
	}
	price = round2(price)

	shouldFill := req.ExecuteImmediately == nil || *req.ExecuteImmediately

	now := time.Now()
	order := &types.Order{
		OrderID:        "ORD_" + uuid.New().String(),
		UserID:         userID,
		InstrumentID:   instrument.InstrumentID,
		Side:           side,
		OrderType:      orderType,
		Product:        product,
		Validity:       validity,
		Quantity:       qty,
		Price:          price,
		Status:         types.OrderStatusOpen,
		IdempotencyKey: recordKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var trade *types.Trade
	if shouldFill {
		order.Status = types.OrderStatusFilled
		order.FilledQuantity = qty
		order.AverageFillPrice = price
		trade = &types.Trade{
			TradeID:      "TRD_" + uuid.New().String(),
			OrderID:      order.OrderID,
			UserID:       userID,
			InstrumentID: instrument.InstrumentID,
			Side:         side,
			Quantity:     qty,
			Price:        price,
			CreatedAt:    now,
		}
	}

	body, err := json.Marshal(response.Response{
		Success: true,
		Data:    types.OrderResult{Order: order, Trade: trade},
	})
	if err != nil {
		return 0, nil, err
	}

	fill := &FillRequest{
		Order:      order,
		Trade:      trade,
		Instrument: instrument,
		RecordKey:  recordKey,
		Scope:      PlaceOrderScope,
		RespStatus: http.StatusCreated,
		RespBody:   body,
	}

	if err := s.executor.Execute(fill); err != nil {
		// A concurrent request with the same key committed first; serve
		// its cached response instead of failing.
		if recordKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			record, lookupErr := s.guard.Lookup(recordKey)
			if lookupErr == nil && record != nil {
				log.Debug().
					Str("record_key", recordKey).
					Msg("duplicate idempotency insert, replaying cached response")
				return record.Status, []byte(record.Body), nil
			}
		}
		return 0, nil, err
	}

	return http.StatusCreated, body, nil
}

// GetOrder returns a user's order by ID.
func (s *Service) GetOrder(userID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndUserID(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFound("Order not found")
	}
	return order, nil
}

// ListOrders returns a user's orders with optional status and date filters.
func (s *Service) ListOrders(userID, status string, from, to *time.Time) ([]types.Order, error) {
	return s.db.ListOrders(userID, strings.ToUpper(status), from, to)
}

// ListOrderTrades returns the trades belonging to one of the user's orders.
func (s *Service) ListOrderTrades(userID, orderID string) ([]types.Trade, error) {
	order, err := s.GetOrder(userID, orderID)
	if err != nil {
		return nil, err
	}
	return s.db.ListTradesByOrder(order.OrderID)
}

// ModifyOrder changes price, quantity or validity of an order that is still
// OPEN. Terminal orders are immutable.
func (s *Service) ModifyOrder(userID, orderID string, req *ModifyOrderRequest) (*types.Order, error) {
	order, err := s.GetOrder(userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderStatusOpen {
		return nil, types.OrderNotModifiable("Only open orders can be modified")
	}

	if req.Price != nil {
		if !isPositiveNumber(*req.Price) {
			return nil, types.ValidationFailed("price must be positive")
		}
		order.Price = round2(*req.Price)
	}
	if req.Quantity != nil {
		if !isPositiveNumber(*req.Quantity) {
			return nil, types.ValidationFailed("qty must be a positive number")
		}
		order.Quantity = *req.Quantity
	}
	if req.Validity != nil {
		order.Validity = strings.ToUpper(*req.Validity)
	}
	order.UpdatedAt = time.Now()

	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder transitions an OPEN order to CANCELLED. Cancellation never
// touches wallet, ledger or books; a committed fill cannot be undone.
func (s *Service) CancelOrder(userID, orderID string) (*types.Order, error) {
	order, err := s.GetOrder(userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderStatusOpen {
		return nil, types.OrderNotCancelable("Order cannot be cancelled")
	}

	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("user_id", userID).
		Str("service", "orders").
		Msg("order cancelled")
	return order, nil
}

func isPositiveNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
