package database

import (
	"context"
	"errors"
	"time"

	"entitlement-service/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("record not found")

// Ledger is the persistent store of users, products and purchases the jobs
// operate on. Conditional updates return false when another writer got there
// first.
type Ledger interface {
	// Transaction runs fn with a ledger bound to one database transaction.
	Transaction(ctx context.Context, fn func(tx Ledger) error) error

	FindUser(ctx context.Context, id uint) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
	CreateUser(ctx context.Context, user *models.User) error
	ListMembershipUsers(ctx context.Context) ([]models.User, error)
	ListEventUsers(ctx context.Context, eventID int) ([]models.User, error)

	CreateProduct(ctx context.Context, product *models.Product) error
	FindProduct(ctx context.Context, productID string) (*models.Product, error)
	FindPlatformProduct(ctx context.Context, productID string, platform models.Platform) (*models.Product, error)
	FindProductByID(ctx context.Context, id uint) (*models.Product, error)
	FindEventProduct(ctx context.Context, eventID int, productID string) (*models.Product, error)

	CreatePurchase(ctx context.Context, purchase *models.Purchase) error
	FindPurchase(ctx context.Context, id uint) (*models.Purchase, error)
	FindLatestActiveSubscription(ctx context.Context, userID uint) (*models.Purchase, error)
	ListUserSubscriptions(ctx context.Context, userID uint) ([]models.Purchase, error)
	FindPurchaseByTransactionID(ctx context.Context, platform models.Platform, transactionID string) (*models.Purchase, error)
	FindActivePurchaseByReceipt(ctx context.Context, platform models.Platform, receipt string) (*models.Purchase, error)
	ListActivePurchases(ctx context.Context, productType *models.ProductType) ([]models.Purchase, error)
	ListActiveUserPurchases(ctx context.Context, userID uint, productID string) ([]models.Purchase, error)
	UpdatePurchaseFact(ctx context.Context, purchase *models.Purchase, previousTransactionID string) (bool, error)
	ExpirePurchase(ctx context.Context, purchase *models.Purchase, at time.Time) (bool, error)

	CreatePurchaseFailure(ctx context.Context, failure *models.PurchaseFailure) error
}

// GormLedger implements Ledger on gorm
type GormLedger struct {
	db *gorm.DB
}

// NewLedger creates a ledger over db
func NewLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Transaction(ctx context.Context, fn func(tx Ledger) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormLedger{db: tx})
	})
}

// FindUser 通过ID获取用户
func (l *GormLedger) FindUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// SaveUser 保存用户全部字段
func (l *GormLedger) SaveUser(ctx context.Context, user *models.User) error {
	return l.db.WithContext(ctx).Save(user).Error
}

// CreateUser 创建用户
func (l *GormLedger) CreateUser(ctx context.Context, user *models.User) error {
	return l.db.WithContext(ctx).Create(user).Error
}

// ListMembershipUsers 获取持有付费会员窗口的用户
func (l *GormLedger) ListMembershipUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := l.db.WithContext(ctx).
		Where("current_membership_product_id IS NOT NULL AND membership_started_at IS NOT NULL").
		Order("id").
		Find(&users).Error
	return users, err
}

// ListEventUsers 获取参与指定活动的用户
func (l *GormLedger) ListEventUsers(ctx context.Context, eventID int) ([]models.User, error) {
	var users []models.User
	err := l.db.WithContext(ctx).
		Where("event_id = ? AND event_membership_granted_at IS NOT NULL", eventID).
		Order("id").
		Find(&users).Error
	return users, err
}

// CreateProduct 创建商品
func (l *GormLedger) CreateProduct(ctx context.Context, product *models.Product) error {
	return l.db.WithContext(ctx).Create(product).Error
}

// FindProduct 通过商品标识获取商品
func (l *GormLedger) FindProduct(ctx context.Context, productID string) (*models.Product, error) {
	var product models.Product
	err := l.db.WithContext(ctx).Where("product_id = ?", productID).Order("id").First(&product).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// FindPlatformProduct 通过商品标识和平台获取商品
// The same product id is sold on both stores as separate rows.
func (l *GormLedger) FindPlatformProduct(ctx context.Context, productID string, platform models.Platform) (*models.Product, error) {
	var product models.Product
	err := l.db.WithContext(ctx).Where("product_id = ? AND platform = ?", productID, platform).Order("id").First(&product).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// FindProductByID 通过主键获取商品
func (l *GormLedger) FindProductByID(ctx context.Context, id uint) (*models.Product, error) {
	var product models.Product
	if err := l.db.WithContext(ctx).First(&product, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// FindEventProduct resolves the product backing an event program. An explicit
// productID wins over the event_id lookup.
func (l *GormLedger) FindEventProduct(ctx context.Context, eventID int, productID string) (*models.Product, error) {
	if productID != "" {
		return l.FindProduct(ctx, productID)
	}
	var product models.Product
	err := l.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id").First(&product).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// CreatePurchase 创建购买记录
func (l *GormLedger) CreatePurchase(ctx context.Context, purchase *models.Purchase) error {
	return l.db.WithContext(ctx).Create(purchase).Error
}

// FindPurchase 通过ID获取购买记录
func (l *GormLedger) FindPurchase(ctx context.Context, id uint) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := l.db.WithContext(ctx).First(&purchase, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &purchase, nil
}

// FindLatestActiveSubscription 获取用户最新的未过期订阅
func (l *GormLedger) FindLatestActiveSubscription(ctx context.Context, userID uint) (*models.Purchase, error) {
	var purchase models.Purchase
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND product_type = ? AND is_expired = ?", userID, models.ProductTypeSubscription, false).
		Order("created_at DESC, id DESC").
		First(&purchase).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &purchase, nil
}

// ListUserSubscriptions 获取用户的所有订阅（最新在前）
func (l *GormLedger) ListUserSubscriptions(ctx context.Context, userID uint) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND product_type = ?", userID, models.ProductTypeSubscription).
		Order("created_at DESC, id DESC").
		Find(&purchases).Error
	return purchases, err
}

// FindPurchaseByTransactionID 通过交易ID获取购买记录（按平台）
func (l *GormLedger) FindPurchaseByTransactionID(ctx context.Context, platform models.Platform, transactionID string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := l.db.WithContext(ctx).
		Where("product_platform = ? AND transaction_id = ?", platform, transactionID).
		First(&purchase).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &purchase, nil
}

// FindActivePurchaseByReceipt 通过收据获取未过期的购买记录
func (l *GormLedger) FindActivePurchaseByReceipt(ctx context.Context, platform models.Platform, receipt string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := l.db.WithContext(ctx).
		Where("product_platform = ? AND receipt = ? AND is_expired = ?", platform, receipt, false).
		Order("id DESC").
		First(&purchase).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &purchase, nil
}

// ListActivePurchases returns non-expired purchases, optionally filtered by type
func (l *GormLedger) ListActivePurchases(ctx context.Context, productType *models.ProductType) ([]models.Purchase, error) {
	var purchases []models.Purchase
	query := l.db.WithContext(ctx).Where("is_expired = ?", false)
	if productType != nil {
		query = query.Where("product_type = ?", *productType)
	}
	err := query.Order("id").Find(&purchases).Error
	return purchases, err
}

// ListActiveUserPurchases returns a user's non-expired purchases of one product
func (l *GormLedger) ListActiveUserPurchases(ctx context.Context, userID uint, productID string) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND product_product_id = ? AND is_expired = ?", userID, productID, false).
		Order("id").
		Find(&purchases).Error
	return purchases, err
}

// UpdatePurchaseFact stores the fact already applied to purchase, provided the
// row still carries previousTransactionID and is not expired.
func (l *GormLedger) UpdatePurchaseFact(ctx context.Context, purchase *models.Purchase, previousTransactionID string) (bool, error) {
	result := l.db.WithContext(ctx).Model(&models.Purchase{}).
		Where("id = ? AND transaction_id = ? AND is_expired = ?", purchase.ID, previousTransactionID, false).
		Updates(map[string]interface{}{
			"transaction_id":          purchase.TransactionID,
			"original_transaction_id": purchase.OriginalTransactionID,
			"fact_expires_at":         purchase.FactExpiresAt,
			"is_trial":                purchase.IsTrial,
			"raw_fact":                purchase.RawFact,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ExpirePurchase flips is_expired from false to true. It returns false when
// the purchase was already expired.
func (l *GormLedger) ExpirePurchase(ctx context.Context, purchase *models.Purchase, at time.Time) (bool, error) {
	result := l.db.WithContext(ctx).Model(&models.Purchase{}).
		Where("id = ? AND is_expired = ?", purchase.ID, false).
		Updates(map[string]interface{}{
			"is_expired": true,
			"expired_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	purchase.IsExpired = true
	purchase.ExpiredAt = &at
	return true, nil
}

// CreatePurchaseFailure 记录购买失败
func (l *GormLedger) CreatePurchaseFailure(ctx context.Context, failure *models.PurchaseFailure) error {
	return l.db.WithContext(ctx).Create(failure).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
