package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"entitlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectFact(t *testing.T) {
	now := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		entries []ReceiptEntry
		wantTxn string
	}{
		{
			name:    "no entries",
			entries: nil,
		},
		{
			name: "other product only",
			entries: []ReceiptEntry{
				{ProductID: "membership_plus", TransactionID: "p1", PurchasedAt: past, ExpiresAt: &future},
			},
		},
		{
			name: "latest expiry wins",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past.Add(-48 * time.Hour), ExpiresAt: &future},
				{ProductID: "membership_basic", TransactionID: "t2", PurchasedAt: past, ExpiresAt: ptr(future.Add(time.Hour))},
			},
			wantTxn: "t2",
		},
		{
			name: "purchase time counts when later than expiry",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past.Add(-time.Hour), ExpiresAt: &future},
				{ProductID: "membership_basic", TransactionID: "t2", PurchasedAt: future.Add(time.Hour)},
			},
			wantTxn: "t2",
		},
		{
			name: "tie prefers defined expiry",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "no-expiry", PurchasedAt: future},
				{ProductID: "membership_basic", TransactionID: "with-expiry", PurchasedAt: past, ExpiresAt: &future},
			},
			wantTxn: "with-expiry",
		},
		{
			name: "cancelled",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past, ExpiresAt: &future, CancelledAt: &past},
			},
		},
		{
			name: "expired without grace",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past.Add(-time.Hour), ExpiresAt: &past},
			},
		},
		{
			name: "expiry exactly now is expired",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past, ExpiresAt: &now},
			},
		},
		{
			name: "expired with open grace",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past.Add(-time.Hour), ExpiresAt: &past, GraceExpiresAt: &future},
			},
			wantTxn: "t1",
		},
		{
			name: "expired with closed grace",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past.Add(-2 * time.Hour), ExpiresAt: ptr(past.Add(-time.Hour)), GraceExpiresAt: &past},
			},
		},
		{
			name: "one-time purchase without expiry",
			entries: []ReceiptEntry{
				{ProductID: "membership_basic", TransactionID: "t1", PurchasedAt: past},
			},
			wantTxn: "t1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fact := SelectFact(tt.entries, "membership_basic", now)
			if tt.wantTxn == "" {
				assert.Nil(t, fact)
				return
			}
			require.NotNil(t, fact)
			assert.Equal(t, tt.wantTxn, fact.TransactionID)
			assert.Equal(t, "membership_basic", fact.ProductID)
		})
	}
}

type blockingValidator struct{}

func (blockingValidator) Validate(ctx context.Context, receipt models.Receipt, productID string) (*models.ReceiptFact, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreValidatorRoutesByPlatform(t *testing.T) {
	ios := newFakeValidator()
	ios.setFact("ios-token", "membership_basic", "t1")

	store := NewStoreValidator(time.Second, 0)
	store.Register(models.PlatformIOS, ios)

	fact, err := store.Validate(context.Background(), models.Receipt{Platform: models.PlatformIOS, Token: "ios-token"}, "membership_basic")
	require.NoError(t, err)
	require.NotNil(t, fact)
	assert.Equal(t, "t1", fact.TransactionID)

	_, err = store.Validate(context.Background(), models.Receipt{Platform: models.PlatformAndroid, Token: "x"}, "membership_basic")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestStoreValidatorTimeoutIsAnError(t *testing.T) {
	store := NewStoreValidator(20*time.Millisecond, 100)
	store.Register(models.PlatformIOS, blockingValidator{})

	fact, err := store.Validate(context.Background(), models.Receipt{Platform: models.PlatformIOS, Token: "slow"}, "membership_basic")
	assert.Nil(t, fact)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
