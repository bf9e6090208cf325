package services

import (
	"context"
	"testing"
	"time"

	"entitlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipRenewsBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	product := seedProduct(t, ledger, basicProduct())

	started := time.Date(2022, 11, 1, 0, 0, 0, 0, kst)
	lastRenewal := time.Date(2022, 12, 1, 0, 0, 0, 0, kst)
	expires := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	user := seedUser(t, ledger, models.User{
		Point:                      1,
		AIPoint:                    4,
		MembershipStartedAt:        &started,
		LastMembershipRenewalAt:    &lastRenewal,
		MembershipExpiresAt:        &expires,
		CurrentMembershipProductID: ptr(product.ProductID),
	})

	notifier := &recordingNotifier{}
	job := NewMembershipJob(ledger, notifier, testPolicy())

	// 2023-02-01 00:00 KST is 2023-01-31 15:00 UTC, before the expiry instant
	now := time.Date(2023, 2, 1, 0, 0, 0, 0, kst)
	report, err := job.Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, JobReport{Processed: 1, Renewed: 1}, report)

	renewed := reloadUser(t, ledger, user.ID)
	assert.Equal(t, 30, renewed.Point)
	assert.Equal(t, 100, renewed.AIPoint)
	assert.True(t, now.Equal(*renewed.LastMembershipRenewalAt))
	assert.True(t, expires.Equal(*renewed.MembershipExpiresAt), "renewal keeps the window end")
	assert.True(t, started.Equal(*renewed.MembershipStartedAt))
	assert.Equal(t, 1, notifier.count())

	// not due again until another period passes
	report, err = job.Run(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, JobReport{Processed: 1}, report)
	assert.Equal(t, 1, notifier.count())
}

func TestMembershipExpiryWinsOverRenewal(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	product := seedProduct(t, ledger, basicProduct())

	started := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	user := &models.User{}
	StartMembership(user, product, started)
	ApplyAllowance(user, product.Reward(), GrantReplace)
	user = seedUser(t, ledger, *user)
	purchase := seedPurchase(t, ledger, user.ID, product, "t1", started)

	notifier := &recordingNotifier{}
	// both the renewal and the hard boundary are due
	now := started.AddDate(0, 2, 0)
	report, err := NewMembershipJob(ledger, notifier, testPolicy()).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, JobReport{Processed: 1, Expired: 1}, report)

	expired := reloadUser(t, ledger, user.ID)
	assert.False(t, expired.HasPaidMembership())
	assert.Nil(t, expired.MembershipExpiresAt)
	assert.Equal(t, 0, expired.Point)
	assert.Equal(t, 15, expired.AIPoint)
	assert.True(t, reloadPurchase(t, ledger, purchase.ID).IsExpired)
	assert.Zero(t, notifier.count())
}

func TestMembershipFallsBackToProductPeriod(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	product := seedProduct(t, ledger, basicProduct())

	started := time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)
	user := seedUser(t, ledger, models.User{
		MembershipStartedAt:        &started,
		LastMembershipRenewalAt:    &started,
		CurrentMembershipProductID: ptr(product.ProductID),
	})
	job := NewMembershipJob(ledger, nil, testPolicy())

	// Jan 31 + 1 month is Feb 28
	report, err := job.Run(ctx, time.Date(2023, 2, 27, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, JobReport{Processed: 1}, report)

	report, err = job.Run(ctx, time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, JobReport{Processed: 1, Expired: 1}, report)
	assert.False(t, reloadUser(t, ledger, user.ID).HasPaidMembership())
}

func TestMembershipMissingProduct(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	events := captureLogs(t)

	started := time.Now().AddDate(0, 0, -40)
	expires := time.Now().AddDate(0, 0, -1)

	noExpiry := seedUser(t, ledger, models.User{
		Point:                      7,
		MembershipStartedAt:        &started,
		CurrentMembershipProductID: ptr("retired_product"),
	})
	lapsed := seedUser(t, ledger, models.User{
		Point:                      7,
		MembershipStartedAt:        &started,
		MembershipExpiresAt:        &expires,
		CurrentMembershipProductID: ptr("retired_product"),
	})

	report, err := NewMembershipJob(ledger, nil, testPolicy()).Run(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, JobReport{Processed: 2, Expired: 1, Skipped: 1}, report)

	assert.Equal(t, 7, reloadUser(t, ledger, noExpiry.ID).Point, "skipped without mutation")
	assert.False(t, reloadUser(t, ledger, lapsed.ID).HasPaidMembership(), "a stored expiry still tears down")
	assert.Len(t, errorEvents(events()), 1)
}

func TestMembershipIgnoresEventOnlyUsers(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	seedProduct(t, ledger, basicProduct())

	granted := time.Now().AddDate(-1, 0, 0)
	seedUser(t, ledger, models.User{
		MembershipStartedAt:      &granted,
		EventID:                  ptr(1),
		EventMembershipGrantedAt: &granted,
	})

	report, err := NewMembershipJob(ledger, nil, testPolicy()).Run(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, JobReport{}, report)
}
