// Package idempotency deduplicates retried requests. A request is keyed by
// scope plus the caller-supplied Idempotency-Key header; the first execution
// caches its response and every replay returns that response byte for byte.
package idempotency

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/broker-api/internal/types"
	"github.com/ksred/broker-api/pkg/response"
	"gorm.io/gorm"
)

const (
	// Header carries the caller-supplied opaque key.
	Header = "Idempotency-Key"
	// ContextKey is where the middleware stashes the composite record key.
	ContextKey = "idempotencyRecordKey"
)

// Record caches the response of the first execution under a composite key.
// The unique index makes concurrent duplicate inserts fail instead of
// double-executing; first write wins and the record is immutable after.
type Record struct {
	gorm.Model
	RecordKey string    `gorm:"uniqueIndex" json:"record_key"`
	Scope     string    `json:"scope"`
	Status    int       `json:"status"`
	Body      string    `json:"body"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ComposeKey builds the composite record key from scope and client key.
func ComposeKey(scope, key string) string {
	return scope + ":" + key
}

// Guard looks up and creates idempotency records. Creation happens inside
// the caller's transaction via CreateTx so the record commits atomically
// with the side effects it fences.
type Guard struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewGuard(db *gorm.DB, ttl time.Duration) *Guard {
	return &Guard{db: db, ttl: ttl}
}

// Lookup returns the live record for recordKey, or nil when none exists or
// the record has expired.
func (g *Guard) Lookup(recordKey string) (*Record, error) {
	var record Record
	if err := g.db.Where("record_key = ?", recordKey).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, nil
	}
	return &record, nil
}

// CreateTx inserts the record within tx. An expired row under the same key
// is removed first so the unique index only ever guards live records; the
// Unscoped delete matters because a soft-deleted row would still occupy the
// index. A gorm.ErrDuplicatedKey result therefore means a concurrent request
// with the same key committed first; the caller must roll back and replay
// the stored response.
func (g *Guard) CreateTx(tx *gorm.DB, recordKey, scope string, status int, body []byte) error {
	err := tx.Unscoped().
		Where("record_key = ? AND expires_at <= ?", recordKey, time.Now()).
		Delete(&Record{}).Error
	if err != nil {
		return err
	}

	record := Record{
		RecordKey: recordKey,
		Scope:     scope,
		Status:    status,
		Body:      string(body),
		ExpiresAt: time.Now().Add(g.ttl),
	}
	return tx.Create(&record).Error
}

// Require is the gin middleware for idempotent endpoints. It rejects
// requests without the header, replays cached responses, and otherwise
// passes the composite key down to the handler.
func (g *Guard) Require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" {
			response.Fail(c, types.IdempotencyKeyRequired("Idempotency-Key header is required"))
			c.Abort()
			return
		}

		recordKey := ComposeKey(scope, key)
		record, err := g.Lookup(recordKey)
		if err != nil {
			response.InternalError(c, "Failed to check idempotency record")
			c.Abort()
			return
		}
		if record != nil {
			c.Data(record.Status, "application/json; charset=utf-8", []byte(record.Body))
			c.Abort()
			return
		}

		c.Set(ContextKey, recordKey)
		c.Next()
	}
}
