package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"entitlement-service/internal/calendar"
	"entitlement-service/internal/models"

	"golang.org/x/time/rate"
)

// ErrUnsupportedPlatform is returned for receipts of an unregistered store
var ErrUnsupportedPlatform = errors.New("unsupported receipt platform")

// ReceiptValidator asks a store authority for the current state of a receipt.
// A nil fact with a nil error means the receipt is no longer valid for
// productID (expired, refunded or not found). Errors are transport or parse
// failures and must not be read as invalidity.
type ReceiptValidator interface {
	Validate(ctx context.Context, receipt models.Receipt, productID string) (*models.ReceiptFact, error)
}

// ReceiptEntry is one transaction line parsed out of a store response
type ReceiptEntry struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchasedAt           time.Time
	ExpiresAt             *time.Time
	GraceExpiresAt        *time.Time
	CancelledAt           *time.Time
	IsTrial               bool
}

func (e *ReceiptEntry) latest() time.Time {
	if e.ExpiresAt != nil && e.ExpiresAt.After(e.PurchasedAt) {
		return *e.ExpiresAt
	}
	return e.PurchasedAt
}

// SelectFact picks the entry for productID with the latest of expiry and
// purchase time, preferring an entry with a defined expiry on ties, and
// returns it as a fact. It returns nil when nothing matches, the entry is
// cancelled, or it has expired with no open grace period.
func SelectFact(entries []ReceiptEntry, productID string, now time.Time) *models.ReceiptFact {
	var selected *ReceiptEntry
	for i := range entries {
		entry := &entries[i]
		if entry.ProductID != productID {
			continue
		}
		if selected == nil {
			selected = entry
			continue
		}
		a, b := entry.latest(), selected.latest()
		if a.After(b) || (a.Equal(b) && entry.ExpiresAt != nil && selected.ExpiresAt == nil) {
			selected = entry
		}
	}

	if selected == nil || selected.CancelledAt != nil {
		return nil
	}
	if selected.ExpiresAt != nil && calendar.Crossed(now, *selected.ExpiresAt) {
		if selected.GraceExpiresAt == nil || calendar.Crossed(now, *selected.GraceExpiresAt) {
			return nil
		}
	}

	return &models.ReceiptFact{
		ProductID:             selected.ProductID,
		TransactionID:         selected.TransactionID,
		OriginalTransactionID: selected.OriginalTransactionID,
		PurchasedAt:           selected.PurchasedAt,
		ExpiresAt:             selected.ExpiresAt,
		CancelledAt:           selected.CancelledAt,
		IsTrial:               selected.IsTrial,
	}
}

// StoreValidator routes receipts to the validator of their platform. Every
// call is throttled and bounded by a timeout; a timeout surfaces as an error.
type StoreValidator struct {
	mu         sync.RWMutex
	validators map[models.Platform]ReceiptValidator
	limiter    *rate.Limiter
	timeout    time.Duration
}

// NewStoreValidator creates a router. ratePerSecond <= 0 disables throttling.
func NewStoreValidator(timeout time.Duration, ratePerSecond float64) *StoreValidator {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &StoreValidator{
		validators: make(map[models.Platform]ReceiptValidator),
		limiter:    rate.NewLimiter(limit, 1),
		timeout:    timeout,
	}
}

// Register sets the validator used for platform
func (v *StoreValidator) Register(platform models.Platform, validator ReceiptValidator) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.validators[platform] = validator
}

func (v *StoreValidator) Validate(ctx context.Context, receipt models.Receipt, productID string) (*models.ReceiptFact, error) {
	v.mu.RLock()
	validator, ok := v.validators[receipt.Platform]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, receipt.Platform)
	}

	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("validator throttle: %w", err)
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	return validator.Validate(ctx, receipt, productID)
}
