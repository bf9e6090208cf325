package models

import (
	"time"

	"gorm.io/datatypes"
)

// Receipt identifies a store receipt for validation
type Receipt struct {
	Platform    Platform `json:"platform"`
	Token       string   `json:"token"`                  // iOS base64 receipt or Android purchase token
	PackageName string   `json:"package_name,omitempty"` // Android only
}

// ReceiptFact is the validator's current answer for one receipt.
// It is never persisted as its own row; it is folded into Purchase.
type ReceiptFact struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchasedAt           time.Time
	ExpiresAt             *time.Time
	CancelledAt           *time.Time
	IsTrial               bool
	Raw                   []byte
}

// Purchase 购买记录
// Created on successful purchase-time validation, never physically deleted.
type Purchase struct {
	BaseModel

	UserID  uint            `json:"user_id" gorm:"not null;index"`
	Product ProductSnapshot `json:"product" gorm:"embedded;embeddedPrefix:product_"`

	// 收据（用于对账）
	Receipt     string `json:"-" gorm:"type:text;not null"`
	PackageName string `json:"package_name,omitempty" gorm:"size:255"`

	// Last observed validator fact
	TransactionID         string         `json:"transaction_id" gorm:"size:100;index"`
	OriginalTransactionID string         `json:"original_transaction_id" gorm:"size:100;index"`
	FactExpiresAt         *time.Time     `json:"fact_expires_at,omitempty"`
	IsTrial               bool           `json:"is_trial"`
	RawFact               datatypes.JSON `json:"-"`

	// Terminal flag, false -> true only
	IsExpired bool       `json:"is_expired" gorm:"not null;default:false;index"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
}

// ReceiptRef returns the receipt stored at purchase time
func (p *Purchase) ReceiptRef() Receipt {
	return Receipt{
		Platform:    p.Product.Platform,
		Token:       p.Receipt,
		PackageName: p.PackageName,
	}
}

// HardExpiry returns the end of the purchase's single window
func (p *Purchase) HardExpiry() time.Time {
	return p.Product.Period().AddTo(p.CreatedAt)
}

// ApplyFact copies an observed fact onto the purchase
func (p *Purchase) ApplyFact(fact *ReceiptFact) {
	p.TransactionID = fact.TransactionID
	p.OriginalTransactionID = fact.OriginalTransactionID
	p.FactExpiresAt = fact.ExpiresAt
	p.IsTrial = fact.IsTrial
	if len(fact.Raw) > 0 {
		p.RawFact = datatypes.JSON(fact.Raw)
	}
}

// PurchaseFailure records a purchase attempt whose receipt did not validate
type PurchaseFailure struct {
	BaseModel

	UserID       uint     `json:"user_id" gorm:"index"`
	ProductID    string   `json:"product_id" gorm:"size:100"`
	Platform     Platform `json:"platform" gorm:"size:20"`
	Receipt      string   `json:"-" gorm:"type:text"`
	ErrorMessage string   `json:"error_message" gorm:"type:text;not null"`
}
