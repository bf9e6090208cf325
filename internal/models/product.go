package models

import (
	"entitlement-service/internal/calendar"
)

// ProductType distinguishes one-time purchases from subscriptions
type ProductType int

const (
	ProductTypePurchase     ProductType = 0
	ProductTypeSubscription ProductType = 1
)

// Platform is the store a product is sold through
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Reward is the allowance magnitude a product grants
type Reward struct {
	Point   int  `json:"point"`
	AIPoint int  `json:"ai_point"`
	EventID *int `json:"event_id,omitempty"`
}

// Product 商品目录
// Read-only reference data for the jobs.
type Product struct {
	BaseModel

	ProductID   string      `json:"product_id" gorm:"not null;size:100;index"`            // store-side product identifier
	DisplayName string      `json:"display_name" gorm:"size:100"`                         // 展示名称
	Type        ProductType `json:"type" gorm:"not null;index"`                           // purchase or subscription
	Platform    Platform    `json:"platform" gorm:"size:20;default:'ios';index"`          // ios or android
	Point       int         `json:"point" gorm:"not null;default:0"`                      // question allowance
	AIPoint     int         `json:"ai_point" gorm:"column:ai_point;not null;default:0"`   // AI usage allowance
	PeriodDays  int         `json:"period_days" gorm:"not null;default:0"`                // 0 means one calendar month
	RenewalDays int         `json:"renewal_period_days" gorm:"column:renewal_period_days;not null;default:0"`
	EventID     *int        `json:"event_id,omitempty" gorm:"index"` // set on products backing an event program
}

// Reward returns the product's reward descriptor
func (p *Product) Reward() Reward {
	return Reward{Point: p.Point, AIPoint: p.AIPoint, EventID: p.EventID}
}

// Period returns the length of one membership period.
func (p *Product) Period() calendar.Period {
	return periodFromDays(p.PeriodDays)
}

// RenewalPeriod returns the renewal cadence, falling back to defaultDays.
func (p *Product) RenewalPeriod(defaultDays int) calendar.Period {
	if p.RenewalDays > 0 {
		return calendar.Days(p.RenewalDays)
	}
	return calendar.Days(defaultDays)
}

// Snapshot denormalizes the product for storage on a Purchase
func (p *Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{
		ProductID:  p.ProductID,
		Type:       p.Type,
		Platform:   p.Platform,
		Point:      p.Point,
		AIPoint:    p.AIPoint,
		PeriodDays: p.PeriodDays,
	}
}

// ProductSnapshot is the product as it was when the purchase was made
type ProductSnapshot struct {
	ProductID  string      `json:"product_id" gorm:"size:100;index"`
	Type       ProductType `json:"type" gorm:"index"`
	Platform   Platform    `json:"platform" gorm:"size:20"`
	Point      int         `json:"point"`
	AIPoint    int         `json:"ai_point" gorm:"column:ai_point"`
	PeriodDays int         `json:"period_days"`
}

// Reward returns the reward recorded at purchase time
func (s ProductSnapshot) Reward() Reward {
	return Reward{Point: s.Point, AIPoint: s.AIPoint}
}

// Period returns the single purchase window
func (s ProductSnapshot) Period() calendar.Period {
	return periodFromDays(s.PeriodDays)
}

func periodFromDays(days int) calendar.Period {
	if days > 0 {
		return calendar.Days(days)
	}
	return calendar.Months(1)
}
