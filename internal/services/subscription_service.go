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

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrProductNotFound      = errors.New("subscription product not found")
	ErrAlreadySubscribed    = errors.New("user already has an active subscription")
	ErrReceiptInvalid       = errors.New("receipt did not validate")
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	ErrPurchaseNotFound     = errors.New("purchase not found")
	ErrNotRefundable        = errors.New("subscription is not refundable")
)

// Membership sources reported by GetSubscriptionStatus
const (
	SourceNone     = "none"
	SourceEvent    = "event"
	SourcePurchase = "purchase"
)

// SubscriptionService is the interactive counterpart of the jobs
type SubscriptionService struct {
	ledger    database.Ledger
	validator ReceiptValidator
	policy    Policy
	location  *time.Location
	now       func() time.Time
}

// NewSubscriptionService creates a new subscription service. Day boundaries
// for status reporting are taken in loc.
func NewSubscriptionService(ledger database.Ledger, validator ReceiptValidator, policy Policy, loc *time.Location) *SubscriptionService {
	if loc == nil {
		loc = time.UTC
	}
	return &SubscriptionService{
		ledger:    ledger,
		validator: validator,
		policy:    policy,
		location:  loc,
		now:       time.Now,
	}
}

// SubscriptionStatus is the user's effective membership at check time
type SubscriptionStatus struct {
	Active    bool             `json:"active"`
	Source    string           `json:"source"`
	ProductID string           `json:"product_id,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	LeftDays  int              `json:"left_days"`
	Point     int              `json:"point"`
	AIPoint   int              `json:"ai_point"`
	Purchase  *models.Purchase `json:"purchase,omitempty"`
}

// RefundEligibility is the answer of CheckRefundEligibility
type RefundEligibility struct {
	Refundable bool             `json:"refundable"`
	Reason     string           `json:"reason"`
	Purchase   *models.Purchase `json:"purchase,omitempty"`
}

// CreateSubscription 创建订阅
// Validates the receipt once and, in one transaction, records the purchase and
// opens the membership window.
func (s *SubscriptionService) CreateSubscription(ctx context.Context, userID, productID uint, receipt models.Receipt) (*models.Purchase, error) {
	user, err := s.ledger.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	status, err := s.GetSubscriptionStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if status.Active {
		return nil, ErrAlreadySubscribed
	}

	product, err := s.ledger.FindProductByID(ctx, productID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	if product.Type != models.ProductTypeSubscription {
		return nil, ErrProductNotFound
	}

	if receipt.Platform == "" {
		receipt.Platform = product.Platform
	}

	fact, err := s.validator.Validate(ctx, receipt, product.ProductID)
	if err == nil && fact == nil {
		err = ErrReceiptInvalid
	}
	if err != nil {
		s.recordFailure(ctx, user.ID, product, receipt, err)
		if errors.Is(err, ErrReceiptInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrReceiptInvalid, err)
	}

	if _, err := s.ledger.FindPurchaseByTransactionID(ctx, receipt.Platform, fact.TransactionID); err == nil {
		return nil, ErrDuplicateTransaction
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	purchase := &models.Purchase{
		UserID:      user.ID,
		Product:     product.Snapshot(),
		Receipt:     receipt.Token,
		PackageName: receipt.PackageName,
	}
	purchase.CreatedAt = now
	purchase.ApplyFact(fact)

	err = s.ledger.Transaction(ctx, func(tx database.Ledger) error {
		if err := tx.CreatePurchase(ctx, purchase); err != nil {
			return err
		}
		u, err := tx.FindUser(ctx, user.ID)
		if err != nil {
			return err
		}
		ApplyReward(u, product.Reward(), GrantReplace, now)
		StartMembership(u, product, now)
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	logging.Transition("subscription", logging.SeverityLow, "subscription created", map[string]interface{}{
		"purchase_id":    purchase.ID,
		"user_id":        user.ID,
		"product_id":     product.ProductID,
		"transaction_id": purchase.TransactionID,
	})
	return purchase, nil
}

func (s *SubscriptionService) recordFailure(ctx context.Context, userID uint, product *models.Product, receipt models.Receipt, cause error) {
	failure := &models.PurchaseFailure{
		UserID:       userID,
		ProductID:    product.ProductID,
		Platform:     receipt.Platform,
		Receipt:      receipt.Token,
		ErrorMessage: cause.Error(),
	}
	if err := s.ledger.CreatePurchaseFailure(ctx, failure); err != nil {
		logging.Failure("subscription", logging.SeverityHigh, "failed to record purchase failure", err, map[string]interface{}{
			"user_id":    userID,
			"product_id": product.ProductID,
		})
	}
}

// GetSubscriptionStatus 获取订阅状态
// A live event grant takes precedence over a paid subscription.
func (s *SubscriptionService) GetSubscriptionStatus(ctx context.Context, userID uint) (*SubscriptionStatus, error) {
	user, err := s.ledger.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	today := calendar.StartOfDay(s.now().In(s.location))
	status := &SubscriptionStatus{Source: SourceNone, Point: user.Point, AIPoint: user.AIPoint}

	if user.HasEventMembership() && *user.EventID == s.policy.EventID {
		product, err := s.ledger.FindEventProduct(ctx, s.policy.EventID, s.policy.EventProductID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		if product != nil {
			granted := calendar.StartOfDay(user.EventMembershipGrantedAt.In(s.location))
			expires := s.policy.EventExpiry(product, granted)
			if left := calendar.LeftDays(today, expires); left > 0 {
				status.Active = true
				status.Source = SourceEvent
				status.ProductID = product.ProductID
				status.ExpiresAt = &expires
				status.LeftDays = left
				return status, nil
			}
		}
	}

	purchase, err := s.ledger.FindLatestActiveSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return status, nil
		}
		return nil, err
	}

	expires := calendar.StartOfDay(purchase.HardExpiry().In(s.location))
	left := calendar.LeftDays(today, expires)
	status.Source = SourcePurchase
	status.ProductID = purchase.Product.ProductID
	status.ExpiresAt = &expires
	status.Purchase = purchase
	status.Active = left > 0
	if left > 0 {
		status.LeftDays = left
	}
	return status, nil
}

// GetUserSubscriptions 获取用户的所有订阅
func (s *SubscriptionService) GetUserSubscriptions(ctx context.Context, userID uint) ([]models.Purchase, error) {
	return s.ledger.ListUserSubscriptions(ctx, userID)
}

// CheckRefundEligibility 检查退款资格
// A subscription is refundable while the user has not spent past the floor.
func (s *SubscriptionService) CheckRefundEligibility(ctx context.Context, userID uint) (*RefundEligibility, error) {
	user, err := s.ledger.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	purchase, err := s.ledger.FindLatestActiveSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return &RefundEligibility{Refundable: false, Reason: "no refundable subscription"}, nil
		}
		return nil, err
	}

	granted := purchase.Product
	if user.AIPoint < granted.AIPoint-s.policy.Floor.AIPoint || user.Point < granted.Point-s.policy.Floor.Point {
		return &RefundEligibility{Refundable: false, Reason: "allowance already used", Purchase: purchase}, nil
	}
	return &RefundEligibility{Refundable: true, Reason: "refundable", Purchase: purchase}, nil
}

// ProcessRefund 处理退款
// Only the user's current subscription is refundable. The purchase is expired
// and the membership window is torn down when this purchase backs it.
func (s *SubscriptionService) ProcessRefund(ctx context.Context, userID, purchaseID uint) error {
	eligibility, err := s.CheckRefundEligibility(ctx, userID)
	if err != nil {
		return err
	}
	if !eligibility.Refundable {
		return fmt.Errorf("%w: %s", ErrNotRefundable, eligibility.Reason)
	}
	if eligibility.Purchase.ID != purchaseID {
		return fmt.Errorf("%w: purchase %d is not the current subscription", ErrNotRefundable, purchaseID)
	}

	now := s.now()
	err = s.ledger.Transaction(ctx, func(tx database.Ledger) error {
		purchase, err := tx.FindPurchase(ctx, purchaseID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return ErrPurchaseNotFound
			}
			return err
		}
		if purchase.UserID != userID {
			return ErrPurchaseNotFound
		}

		won, err := tx.ExpirePurchase(ctx, purchase, now)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: purchase already expired", ErrNotRefundable)
		}

		user, err := tx.FindUser(ctx, userID)
		if err != nil {
			return err
		}
		if !ownsMembership(user, purchase) {
			return nil
		}
		TeardownMembership(user, s.policy.Floor)
		return tx.SaveUser(ctx, user)
	})
	if err != nil {
		return err
	}

	logging.Transition("subscription", logging.SeverityMedium, "subscription refunded", map[string]interface{}{
		"purchase_id": purchaseID,
		"user_id":     userID,
	})
	return nil
}

// GrantEventMembership grants the configured event program to a user
func (s *SubscriptionService) GrantEventMembership(ctx context.Context, userID uint) (*models.User, error) {
	product, err := s.ledger.FindEventProduct(ctx, s.policy.EventID, s.policy.EventProductID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrEventProductMissing
		}
		return nil, err
	}

	var granted *models.User
	now := s.now()
	err = s.ledger.Transaction(ctx, func(tx database.Ledger) error {
		user, err := tx.FindUser(ctx, userID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		GrantEventMembership(user, s.policy.EventID, now)
		ApplyAllowance(user, product.Reward(), GrantReplace)
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		granted = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Transition("subscription", logging.SeverityLow, "event membership granted", map[string]interface{}{
		"user_id":  userID,
		"event_id": s.policy.EventID,
	})
	return granted, nil
}
