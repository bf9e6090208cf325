package models

import (
	"time"
)

// User holds spendable allowances and the active membership window
type User struct {
	BaseModel

	Email     string `json:"email" gorm:"size:255;uniqueIndex"`
	PushToken string `json:"-" gorm:"size:255"`

	// Spendable balances
	Point   int `json:"point" gorm:"not null;default:0"`
	AIPoint int `json:"ai_point" gorm:"column:ai_point;not null;default:0"`

	// Active membership window, independent of the purchase that opened it
	MembershipStartedAt        *time.Time `json:"membership_started_at,omitempty"`
	LastMembershipRenewalAt    *time.Time `json:"last_membership_renewal_at,omitempty"`
	MembershipExpiresAt        *time.Time `json:"membership_expires_at,omitempty"`
	CurrentMembershipProductID *string    `json:"current_membership_product_id,omitempty" gorm:"size:100;index"`

	// Promotional event grant
	EventID                  *int       `json:"event_id,omitempty" gorm:"index"`
	EventMembershipGrantedAt *time.Time `json:"event_membership_granted_at,omitempty"`
	EventLastRenewalAt       *time.Time `json:"event_last_renewal_at,omitempty"`
}

// HasPaidMembership reports whether a purchase-backed window is open on the user
func (u *User) HasPaidMembership() bool {
	return u.CurrentMembershipProductID != nil && u.MembershipStartedAt != nil
}

// HasEventMembership reports whether an event grant is recorded on the user
func (u *User) HasEventMembership() bool {
	return u.EventID != nil && u.EventMembershipGrantedAt != nil
}
