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

// ErrEventProductMissing aborts an event run whose reward source is not in the catalog
var ErrEventProductMissing = errors.New("event product not found")

// EventMembershipJob renews or tears down promotional event grants
type EventMembershipJob struct {
	ledger   database.Ledger
	notifier Notifier
	policy   Policy
}

// NewEventMembershipJob creates the job. notifier may be nil.
func NewEventMembershipJob(ledger database.Ledger, notifier Notifier, policy Policy) *EventMembershipJob {
	return &EventMembershipJob{ledger: ledger, notifier: notifier, policy: policy}
}

func (j *EventMembershipJob) Name() string {
	return JobEventMembership
}

func (j *EventMembershipJob) Run(ctx context.Context, now time.Time) (JobReport, error) {
	var report JobReport

	product, err := j.ledger.FindEventProduct(ctx, j.policy.EventID, j.policy.EventProductID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logging.Failure(j.Name(), logging.SeverityHigh, "event product missing, run aborted", ErrEventProductMissing, map[string]interface{}{
				"event_id":   j.policy.EventID,
				"product_id": j.policy.EventProductID,
			})
			return report, ErrEventProductMissing
		}
		return report, fmt.Errorf("failed to load event product: %w", err)
	}

	users, err := j.ledger.ListEventUsers(ctx, j.policy.EventID)
	if err != nil {
		return report, fmt.Errorf("failed to list event users: %w", err)
	}

	for i := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		user := &users[i]
		outcome, err := j.evaluate(ctx, user, product, now)
		report.record(finishItem(j.Name(), outcome, err, map[string]interface{}{
			"user_id":  user.ID,
			"event_id": j.policy.EventID,
		}))
	}
	return report, nil
}

// EventExpiry returns the hard end of an event grant made at grantedAt
func (p Policy) EventExpiry(product *models.Product, grantedAt time.Time) time.Time {
	return product.Period().Times(p.EventDurationPeriods).AddTo(grantedAt)
}

func (j *EventMembershipJob) evaluate(ctx context.Context, user *models.User, product *models.Product, now time.Time) (itemOutcome, error) {
	granted := *user.EventMembershipGrantedAt

	if calendar.Crossed(now, j.policy.EventExpiry(product, granted)) {
		return j.apply(ctx, user, func(u *models.User) {
			TeardownEventMembership(u, j.policy.Floor)
		}, outcomeExpired)
	}

	last := granted
	if user.EventLastRenewalAt != nil {
		last = *user.EventLastRenewalAt
	}
	if !calendar.Crossed(now, product.RenewalPeriod(j.policy.RenewalPeriodDays).AddTo(last)) {
		return outcomeUnchanged, nil
	}

	outcome, err := j.apply(ctx, user, func(u *models.User) {
		RenewEventMembership(u, product.Reward(), now)
	}, outcomeRenewed)
	if err == nil && outcome == outcomeRenewed && j.notifier != nil {
		j.notifier.NotifyRenewal(ctx, user, product)
	}
	return outcome, err
}

// apply re-reads the user inside a transaction and mutates it only if the
// grant is still the one evaluated
func (j *EventMembershipJob) apply(ctx context.Context, snapshot *models.User, mutate func(*models.User), outcome itemOutcome) (itemOutcome, error) {
	applied := false

	err := j.ledger.Transaction(ctx, func(tx database.Ledger) error {
		user, err := tx.FindUser(ctx, snapshot.ID)
		if err != nil {
			return missingReference(err, "user")
		}
		if !sameInt(user.EventID, snapshot.EventID) ||
			!sameTime(user.EventMembershipGrantedAt, snapshot.EventMembershipGrantedAt) ||
			!sameTime(user.EventLastRenewalAt, snapshot.EventLastRenewalAt) {
			return nil
		}

		mutate(user)
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		*snapshot = *user
		applied = true
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	if !applied {
		return outcomeUnchanged, nil
	}

	msg := "event membership renewed"
	if outcome == outcomeExpired {
		msg = "event membership expired"
	}
	logging.Transition(j.Name(), logging.SeverityLow, msg, map[string]interface{}{
		"user_id":  snapshot.ID,
		"event_id": j.policy.EventID,
	})
	return outcome, nil
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
