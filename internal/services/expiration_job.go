package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-service/internal/calendar"
	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/pkg/logging"
)

// ExpirationJob expires subscription purchases whose single window has passed
type ExpirationJob struct {
	ledger database.Ledger
	policy Policy
}

// NewExpirationJob creates the job
func NewExpirationJob(ledger database.Ledger, policy Policy) *ExpirationJob {
	return &ExpirationJob{ledger: ledger, policy: policy}
}

func (j *ExpirationJob) Name() string {
	return JobExpiration
}

func (j *ExpirationJob) Run(ctx context.Context, now time.Time) (JobReport, error) {
	var report JobReport

	subscription := models.ProductTypeSubscription
	purchases, err := j.ledger.ListActivePurchases(ctx, &subscription)
	if err != nil {
		return report, fmt.Errorf("failed to list active subscriptions: %w", err)
	}

	for i := range purchases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		purchase := &purchases[i]
		outcome, err := j.expire(ctx, purchase, now)
		report.record(finishItem(j.Name(), outcome, err, map[string]interface{}{
			"purchase_id": purchase.ID,
			"user_id":     purchase.UserID,
			"product_id":  purchase.Product.ProductID,
		}))
	}
	return report, nil
}

func (j *ExpirationJob) expire(ctx context.Context, purchase *models.Purchase, now time.Time) (itemOutcome, error) {
	boundary := purchase.HardExpiry()
	if !calendar.Crossed(now, boundary) {
		return outcomeUnchanged, nil
	}

	if _, err := j.ledger.FindUser(ctx, purchase.UserID); err != nil {
		return outcomeSkipped, missingReference(err, "user")
	}

	expired := false
	err := j.ledger.Transaction(ctx, func(tx database.Ledger) error {
		won, err := tx.ExpirePurchase(ctx, purchase, now)
		if err != nil || !won {
			return err
		}

		user, err := tx.FindUser(ctx, purchase.UserID)
		if err != nil {
			return missingReference(err, "user")
		}
		if ownsMembership(user, purchase) {
			TeardownMembership(user, j.policy.Floor)
			if err := tx.SaveUser(ctx, user); err != nil {
				return err
			}
		}
		expired = true
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	if !expired {
		return outcomeUnchanged, nil
	}

	logging.Transition(j.Name(), logging.SeverityLow, "purchase window elapsed", map[string]interface{}{
		"purchase_id": purchase.ID,
		"user_id":     purchase.UserID,
		"product_id":  purchase.Product.ProductID,
		"boundary":    boundary,
	})
	return outcomeExpired, nil
}
