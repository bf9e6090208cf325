package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models.
// Ledger rows are never deleted; DeletedAt only keeps gorm's soft-delete
// scope available for manual cleanup.
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// AllModels lists every table the service owns, in migration order
func AllModels() []interface{} {
	return []interface{}{
		&Product{},         // 商品表
		&User{},            // 用户表
		&Purchase{},        // 购买表
		&PurchaseFailure{}, // 购买失败记录
		&JobRun{},          // 任务水位线
	}
}
