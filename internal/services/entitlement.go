package services

import (
	"time"

	"entitlement-service/internal/models"
)

// GrantMode selects how a reward is applied to the allowance counters
type GrantMode int

const (
	// GrantReplace sets the counters to the reward's values (subscription renewal)
	GrantReplace GrantMode = iota
	// GrantAdd adds the reward to the counters (one-time purchase top-up)
	GrantAdd
)

// Allowance is a pair of counter values, used for floors
type Allowance struct {
	Point   int
	AIPoint int
}

// GrantModeFor returns the grant mode matching a product type
func GrantModeFor(productType models.ProductType) GrantMode {
	if productType == models.ProductTypePurchase {
		return GrantAdd
	}
	return GrantReplace
}

// ApplyAllowance changes only the counters. It does not deduplicate; callers
// guard against re-crediting the same event.
func ApplyAllowance(user *models.User, reward models.Reward, mode GrantMode) {
	switch mode {
	case GrantAdd:
		user.Point += reward.Point
		user.AIPoint += reward.AIPoint
	default:
		user.Point = reward.Point
		user.AIPoint = reward.AIPoint
	}
}

// ApplyReward credits a purchase-backed reward: counters, the membership
// renewal timestamp and, for event products, the event tag.
func ApplyReward(user *models.User, reward models.Reward, mode GrantMode, now time.Time) {
	ApplyAllowance(user, reward, mode)

	if user.MembershipStartedAt == nil && user.LastMembershipRenewalAt == nil {
		user.MembershipStartedAt = timePtr(now)
	}
	user.LastMembershipRenewalAt = timePtr(now)

	if reward.EventID != nil && (user.EventID == nil || *user.EventID != *reward.EventID) {
		GrantEventMembership(user, *reward.EventID, now)
	}
}

// StartMembership opens a new paid membership window for product
func StartMembership(user *models.User, product *models.Product, now time.Time) {
	productID := product.ProductID
	user.CurrentMembershipProductID = &productID
	user.MembershipStartedAt = timePtr(now)
	user.LastMembershipRenewalAt = timePtr(now)
	user.MembershipExpiresAt = timePtr(product.Period().AddTo(now))
}

// RenewMembership re-grants reward inside the open window. The window end is
// left unchanged.
func RenewMembership(user *models.User, reward models.Reward, now time.Time) {
	ApplyAllowance(user, reward, GrantReplace)
	user.LastMembershipRenewalAt = timePtr(now)
}

// RenewEventMembership re-grants the event reward and advances the event's own
// renewal timestamp
func RenewEventMembership(user *models.User, reward models.Reward, now time.Time) {
	ApplyAllowance(user, reward, GrantReplace)
	user.EventLastRenewalAt = timePtr(now)
}

// GrantEventMembership tags user with an event program starting at now
func GrantEventMembership(user *models.User, eventID int, now time.Time) {
	id := eventID
	user.EventID = &id
	user.EventMembershipGrantedAt = timePtr(now)
	user.EventLastRenewalAt = nil
}

// TeardownMembership closes the paid membership window and resets the
// counters to floor. Event fields belong to the event grant and are kept.
func TeardownMembership(user *models.User, floor Allowance) {
	user.Point = floor.Point
	user.AIPoint = floor.AIPoint
	user.MembershipStartedAt = nil
	user.LastMembershipRenewalAt = nil
	user.MembershipExpiresAt = nil
	user.CurrentMembershipProductID = nil
}

// TeardownEventMembership clears the event grant. Counters and the shared
// window fields are reset only when no paid membership is still open.
func TeardownEventMembership(user *models.User, floor Allowance) {
	user.EventID = nil
	user.EventMembershipGrantedAt = nil
	user.EventLastRenewalAt = nil

	if user.HasPaidMembership() {
		return
	}
	user.Point = floor.Point
	user.AIPoint = floor.AIPoint
	user.MembershipStartedAt = nil
	user.LastMembershipRenewalAt = nil
	user.MembershipExpiresAt = nil
}

// ZeroAllowances empties both counters
func ZeroAllowances(user *models.User) {
	user.Point = 0
	user.AIPoint = 0
}

func timePtr(t time.Time) *time.Time {
	return &t
}
