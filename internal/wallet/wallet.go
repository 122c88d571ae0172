// Package wallet serves cash balances, the append-only ledger and
// admin-initiated balance adjustments.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/broker-api/internal/idempotency"
	"github.com/ksred/broker-api/internal/types"
	"github.com/ksred/broker-api/pkg/keylock"
	"github.com/ksred/broker-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Scopes under which adjustment responses are cached.
const (
	CreditScope = "wallet:credit"
	DebitScope  = "wallet:debit"
)

// Service owns wallet reads and admin adjustments. Adjustments share the
// per-user lock set with the fill executor so they serialize against fills.
type Service struct {
	gormDB *gorm.DB
	db     *Database
	guard  *idempotency.Guard
	locks  *keylock.Set
}

func NewService(gormDB *gorm.DB, guard *idempotency.Guard, locks *keylock.Set) *Service {
	return &Service{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
		guard:  guard,
		locks:  locks,
	}
}

// GetAccount returns the user's wallet; never-funded users see a zeroed
// account rather than an error.
func (s *Service) GetAccount(userID string) (*types.WalletAccount, error) {
	account, err := s.db.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &types.WalletAccount{UserID: userID}, nil
	}
	return account, nil
}

// ListLedger returns the user's ledger entries, newest first.
func (s *Service) ListLedger(userID string) ([]types.LedgerEntry, error) {
	return s.db.ListLedgerEntries(userID)
}

// AdjustRequest is an admin credit or debit against a user's wallet.
type AdjustRequest struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
	Note   string  `json:"note"`
}

// Adjust applies a manual credit or debit, appending exactly one ledger
// entry in the same transaction as the balance change. Like fills, the
// response is cached under the idempotency key so retries replay.
func (s *Service) Adjust(userID string, entryType string, amount float64, note, recordKey string) (int, []byte, error) {
	if recordKey != "" {
		record, err := s.guard.Lookup(recordKey)
		if err != nil {
			return 0, nil, err
		}
		if record != nil {
			return record.Status, []byte(record.Body), nil
		}
	}

	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, nil, types.ValidationFailed("amount must be positive")
	}
	entryType = strings.ToUpper(entryType)
	if entryType != types.LedgerDebit && entryType != types.LedgerCredit {
		return 0, nil, types.ValidationFailed("type must be DEBIT or CREDIT")
	}
	if note == "" {
		note = "Manual " + strings.ToLower(entryType)
	}

	scope := CreditScope
	delta := amount
	if entryType == types.LedgerDebit {
		scope = DebitScope
		delta = -amount
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	var account *types.WalletAccount
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var loadErr error
		account, loadErr = loadOrInitAccount(tx, userID)
		if loadErr != nil {
			return loadErr
		}

		account.Balance = round2(account.Balance + delta)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}

		entry := &types.LedgerEntry{
			EntryID: "LED_" + uuid.New().String(),
			UserID:  userID,
			Ref:     "ADJ_" + uuid.New().String(),
			Type:    entryType,
			Balance: account.Balance,
			Note:    note,
		}
		if entryType == types.LedgerDebit {
			entry.Debit = amount
		} else {
			entry.Credit = amount
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}

		if recordKey != "" {
			body, err := json.Marshal(response.Response{Success: true, Data: account})
			if err != nil {
				return err
			}
			return s.guard.CreateTx(tx, recordKey, scope, http.StatusCreated, body)
		}
		return nil
	})

	if err != nil {
		if recordKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			record, lookupErr := s.guard.Lookup(recordKey)
			if lookupErr == nil && record != nil {
				return record.Status, []byte(record.Body), nil
			}
		}
		return 0, nil, err
	}

	log.Info().
		Str("user_id", userID).
		Str("type", entryType).
		Float64("amount", amount).
		Float64("balance", account.Balance).
		Str("service", "wallet").
		Msg("wallet adjusted")

	body, err := json.Marshal(response.Response{Success: true, Data: account})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, body, nil
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

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// GinHandlers contains HTTP handlers for wallet endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetWalletHandler handles GET requests for the caller's wallet
func (h *GinHandlers) GetWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := h.service.GetAccount(c.GetString("userID"))
		response.Handle(c, account, err)
	}
}

// LedgerHandler handles GET requests for the caller's ledger
func (h *GinHandlers) LedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.service.ListLedger(c.GetString("userID"))
		response.Handle(c, entries, err)
	}
}

// CreditHandler handles POST requests to credit a wallet (admin only)
func (h *GinHandlers) CreditHandler() gin.HandlerFunc {
	return h.adjustHandler(types.LedgerCredit)
}

// DebitHandler handles POST requests to debit a wallet (admin only)
func (h *GinHandlers) DebitHandler() gin.HandlerFunc {
	return h.adjustHandler(types.LedgerDebit)
}

func (h *GinHandlers) adjustHandler(entryType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdjustRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		targetUser := req.UserID
		if targetUser == "" {
			targetUser = c.GetString("userID")
		}

		recordKey := c.GetString(idempotency.ContextKey)
		status, body, err := h.service.Adjust(targetUser, entryType, req.Amount, req.Note, recordKey)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.Data(status, "application/json; charset=utf-8", body)
	}
}
