package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/pkg/logging"
)

// ReconciliationJob re-validates every non-expired purchase against its store
type ReconciliationJob struct {
	ledger    database.Ledger
	validator ReceiptValidator
	notifier  Notifier
	policy    Policy
}

// NewReconciliationJob creates the job. notifier may be nil.
func NewReconciliationJob(ledger database.Ledger, validator ReceiptValidator, notifier Notifier, policy Policy) *ReconciliationJob {
	return &ReconciliationJob{ledger: ledger, validator: validator, notifier: notifier, policy: policy}
}

func (j *ReconciliationJob) Name() string {
	return JobReconciliation
}

func (j *ReconciliationJob) Run(ctx context.Context, now time.Time) (JobReport, error) {
	var report JobReport

	purchases, err := j.ledger.ListActivePurchases(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("failed to list active purchases: %w", err)
	}

	for i := range purchases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		purchase := &purchases[i]
		outcome, err := j.reconcile(ctx, purchase, now)
		report.record(finishItem(j.Name(), outcome, err, map[string]interface{}{
			"purchase_id": purchase.ID,
			"user_id":     purchase.UserID,
			"product_id":  purchase.Product.ProductID,
		}))
	}
	return report, nil
}

// ReconcileOne reconciles a single purchase outside the scheduled run, for
// store notifications
func (j *ReconciliationJob) ReconcileOne(ctx context.Context, purchase *models.Purchase, now time.Time) JobReport {
	var report JobReport
	outcome, err := j.reconcile(ctx, purchase, now)
	report.record(finishItem(j.Name(), outcome, err, map[string]interface{}{
		"purchase_id": purchase.ID,
		"user_id":     purchase.UserID,
		"product_id":  purchase.Product.ProductID,
	}))
	return report
}

func (j *ReconciliationJob) reconcile(ctx context.Context, purchase *models.Purchase, now time.Time) (itemOutcome, error) {
	if _, err := j.ledger.FindUser(ctx, purchase.UserID); err != nil {
		return outcomeSkipped, missingReference(err, "user")
	}
	product, err := j.ledger.FindPlatformProduct(ctx, purchase.Product.ProductID, purchase.Product.Platform)
	if err != nil {
		return outcomeSkipped, missingReference(err, "product")
	}

	fact, err := j.validator.Validate(ctx, purchase.ReceiptRef(), purchase.Product.ProductID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("receipt validation: %w", err)
	}

	if fact == nil {
		return j.invalidate(ctx, purchase, now)
	}
	if fact.TransactionID == purchase.TransactionID {
		return outcomeUnchanged, nil
	}
	return j.renew(ctx, purchase, product, fact, now)
}

// renew stores the new fact and credits the reward, both or neither
func (j *ReconciliationJob) renew(ctx context.Context, purchase *models.Purchase, product *models.Product, fact *models.ReceiptFact, now time.Time) (itemOutcome, error) {
	previous := purchase.TransactionID
	var user *models.User

	err := j.ledger.Transaction(ctx, func(tx database.Ledger) error {
		purchase.ApplyFact(fact)
		won, err := tx.UpdatePurchaseFact(ctx, purchase, previous)
		if err != nil || !won {
			return err
		}

		u, err := tx.FindUser(ctx, purchase.UserID)
		if err != nil {
			return missingReference(err, "user")
		}
		creditPurchase(u, product, now)
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	if user == nil {
		// another run stored this fact first
		return outcomeUnchanged, nil
	}

	logging.Transition(j.Name(), logging.SeverityLow, "purchase renewed", map[string]interface{}{
		"purchase_id":    purchase.ID,
		"user_id":        user.ID,
		"product_id":     product.ProductID,
		"transaction_id": purchase.TransactionID,
		"previous_id":    previous,
	})

	if j.notifier != nil {
		j.notifier.NotifyRenewal(ctx, user, product)
	}
	return outcomeRenewed, nil
}

// invalidate expires a purchase the store no longer vouches for and empties
// the owner's allowances
func (j *ReconciliationJob) invalidate(ctx context.Context, purchase *models.Purchase, now time.Time) (itemOutcome, error) {
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
		if purchase.Product.Type == models.ProductTypeSubscription && ownsMembership(user, purchase) {
			TeardownMembership(user, j.policy.Floor)
		}
		ZeroAllowances(user)
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
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

	logging.Transition(j.Name(), logging.SeverityMedium, "purchase invalidated by store", map[string]interface{}{
		"purchase_id": purchase.ID,
		"user_id":     purchase.UserID,
		"product_id":  purchase.Product.ProductID,
	})
	return outcomeExpired, nil
}
