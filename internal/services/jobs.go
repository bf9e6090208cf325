package services

import (
	"context"
	"errors"
	"time"

	"entitlement-service/internal/config"
	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/pkg/logging"
)

// Job names
const (
	JobReconciliation  = "reconciliation"
	JobExpiration      = "expiration"
	JobMembership      = "membership"
	JobEventMembership = "event_membership"
)

// Job is one scheduled batch over the ledger. Items are processed
// sequentially; an item error is logged and counted, not returned. A returned
// error means the run itself could not proceed.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) (JobReport, error)
}

// JobReport counts item outcomes of one run
type JobReport struct {
	Processed int `json:"processed"`
	Renewed   int `json:"renewed"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Outcomes returns the counters keyed by outcome label
func (r JobReport) Outcomes() map[string]int {
	return map[string]int{
		"renewed":   r.Renewed,
		"expired":   r.Expired,
		"unchanged": r.Processed - r.Renewed - r.Expired - r.Skipped - r.Failed,
		"skipped":   r.Skipped,
		"failed":    r.Failed,
	}
}

type itemOutcome int

const (
	outcomeUnchanged itemOutcome = iota
	outcomeRenewed
	outcomeExpired
	outcomeSkipped
	outcomeFailed
)

func (r *JobReport) record(o itemOutcome) {
	r.Processed++
	switch o {
	case outcomeRenewed:
		r.Renewed++
	case outcomeExpired:
		r.Expired++
	case outcomeSkipped:
		r.Skipped++
	case outcomeFailed:
		r.Failed++
	}
}

// Policy holds the entitlement rules shared by the jobs
type Policy struct {
	Floor                Allowance
	RenewalPeriodDays    int
	EventID              int
	EventProductID       string
	EventDurationPeriods int
}

// PolicyFromConfig builds the policy from configuration
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Floor:                Allowance{Point: cfg.DefaultPoint, AIPoint: cfg.DefaultAIPoint},
		RenewalPeriodDays:    cfg.RenewalPeriodDays,
		EventID:              cfg.EventID,
		EventProductID:       cfg.EventProductID,
		EventDurationPeriods: cfg.EventDurationPeriods,
	}
}

// errMissingReference marks data-integrity problems: the item is skipped
var errMissingReference = errors.New("missing reference")

func missingReference(err error, what string) error {
	if errors.Is(err, database.ErrNotFound) {
		return &referenceError{what: what}
	}
	return err
}

type referenceError struct {
	what string
}

func (e *referenceError) Error() string {
	return e.what + " not found"
}

func (e *referenceError) Unwrap() error {
	return errMissingReference
}

// finishItem logs a failed item exactly once and maps it to an outcome
func finishItem(job string, outcome itemOutcome, err error, fields map[string]interface{}) itemOutcome {
	if err == nil {
		return outcome
	}
	if errors.Is(err, errMissingReference) {
		logging.Failure(job, logging.SeverityHigh, "item skipped: "+err.Error(), err, fields)
		return outcomeSkipped
	}
	logging.Failure(job, logging.SeverityHigh, "item failed", err, fields)
	return outcomeFailed
}

// creditPurchase applies product's reward the way its type requires
func creditPurchase(user *models.User, product *models.Product, now time.Time) {
	if product.Type == models.ProductTypePurchase {
		ApplyAllowance(user, product.Reward(), GrantAdd)
		return
	}
	ApplyReward(user, product.Reward(), GrantReplace, now)
}

// ownsMembership reports whether purchase backs the user's open paid window
func ownsMembership(user *models.User, purchase *models.Purchase) bool {
	if user.CurrentMembershipProductID == nil {
		return !user.HasEventMembership()
	}
	if *user.CurrentMembershipProductID != purchase.Product.ProductID {
		return false
	}
	// a newer window was opened by a later purchase
	return user.MembershipStartedAt == nil || !user.MembershipStartedAt.After(purchase.CreatedAt)
}
