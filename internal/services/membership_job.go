package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-service/internal/calendar"
	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/pkg/logging"
)

// MembershipJob renews or tears down paid membership windows from the user side
type MembershipJob struct {
	ledger   database.Ledger
	notifier Notifier
	policy   Policy
}

// NewMembershipJob creates the job. notifier may be nil.
func NewMembershipJob(ledger database.Ledger, notifier Notifier, policy Policy) *MembershipJob {
	return &MembershipJob{ledger: ledger, notifier: notifier, policy: policy}
}

func (j *MembershipJob) Name() string {
	return JobMembership
}

func (j *MembershipJob) Run(ctx context.Context, now time.Time) (JobReport, error) {
	var report JobReport

	users, err := j.ledger.ListMembershipUsers(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list membership users: %w", err)
	}

	for i := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		user := &users[i]
		outcome, err := j.evaluate(ctx, user, now)
		report.record(finishItem(j.Name(), outcome, err, map[string]interface{}{
			"user_id":    user.ID,
			"product_id": *user.CurrentMembershipProductID,
		}))
	}
	return report, nil
}

func (j *MembershipJob) evaluate(ctx context.Context, user *models.User, now time.Time) (itemOutcome, error) {
	productID := *user.CurrentMembershipProductID

	product, err := j.ledger.FindProduct(ctx, productID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return outcomeFailed, err
	}

	var hardExpiry time.Time
	switch {
	case user.MembershipExpiresAt != nil:
		hardExpiry = *user.MembershipExpiresAt
	case product != nil:
		hardExpiry = product.Period().AddTo(*user.MembershipStartedAt)
	default:
		return outcomeSkipped, missingReference(database.ErrNotFound, "product")
	}

	// hard expiry wins over renewal
	if calendar.Crossed(now, hardExpiry) {
		return j.teardown(ctx, user, productID, now)
	}

	if product == nil {
		return outcomeSkipped, missingReference(database.ErrNotFound, "product")
	}

	last := *user.MembershipStartedAt
	if user.LastMembershipRenewalAt != nil {
		last = *user.LastMembershipRenewalAt
	}
	if !calendar.Crossed(now, product.RenewalPeriod(j.policy.RenewalPeriodDays).AddTo(last)) {
		return outcomeUnchanged, nil
	}
	return j.renew(ctx, user, product, last, now)
}

// teardown closes the window and expires the purchases that opened it
func (j *MembershipJob) teardown(ctx context.Context, snapshot *models.User, productID string, now time.Time) (itemOutcome, error) {
	done := false

	err := j.ledger.Transaction(ctx, func(tx database.Ledger) error {
		user, err := tx.FindUser(ctx, snapshot.ID)
		if err != nil {
			return missingReference(err, "user")
		}
		if !sameWindow(user, snapshot) {
			return nil
		}

		purchases, err := tx.ListActiveUserPurchases(ctx, user.ID, productID)
		if err != nil {
			return err
		}
		for i := range purchases {
			if _, err := tx.ExpirePurchase(ctx, &purchases[i], now); err != nil {
				return err
			}
		}

		TeardownMembership(user, j.policy.Floor)
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	if !done {
		return outcomeUnchanged, nil
	}

	logging.Transition(j.Name(), logging.SeverityLow, "membership expired", map[string]interface{}{
		"user_id":    snapshot.ID,
		"product_id": productID,
	})
	return outcomeExpired, nil
}

func (j *MembershipJob) renew(ctx context.Context, snapshot *models.User, product *models.Product, last, now time.Time) (itemOutcome, error) {
	var renewed *models.User

	err := j.ledger.Transaction(ctx, func(tx database.Ledger) error {
		user, err := tx.FindUser(ctx, snapshot.ID)
		if err != nil {
			return missingReference(err, "user")
		}
		if !sameWindow(user, snapshot) || !sameTime(user.LastMembershipRenewalAt, snapshot.LastMembershipRenewalAt) {
			return nil
		}

		RenewMembership(user, product.Reward(), now)
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		renewed = user
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	if renewed == nil {
		return outcomeUnchanged, nil
	}

	logging.Transition(j.Name(), logging.SeverityLow, "membership renewed", map[string]interface{}{
		"user_id":      renewed.ID,
		"product_id":   product.ProductID,
		"last_renewal": last,
	})

	if j.notifier != nil {
		j.notifier.NotifyRenewal(ctx, renewed, product)
	}
	return outcomeRenewed, nil
}

// sameWindow reports whether user still carries the window read in snapshot
func sameWindow(user, snapshot *models.User) bool {
	if user.CurrentMembershipProductID == nil || snapshot.CurrentMembershipProductID == nil {
		return false
	}
	return *user.CurrentMembershipProductID == *snapshot.CurrentMembershipProductID &&
		sameTime(user.MembershipStartedAt, snapshot.MembershipStartedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
