package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"entitlement-service/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// ReplayProtection 重放攻击防护
// Store notifications are delivered at least once; a message id seen within
// ttl is reported as a replay. Without Redis the record is kept in memory.
type ReplayProtection struct {
	client    *redis.Client
	ttl       time.Duration
	mutex     sync.Mutex
	processed map[string]time.Time
	now       func() time.Time
}

// NewReplayProtection 创建重放攻击防护实例
func NewReplayProtection(client *redis.Client, ttl time.Duration) *ReplayProtection {
	return &ReplayProtection{
		client:    client,
		ttl:       ttl,
		processed: make(map[string]time.Time),
		now:       time.Now,
	}
}

// IsReplay 检查是否为重放
// It records messageID as processed when it is new.
func (rp *ReplayProtection) IsReplay(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		// 没有 ID 无法判断，允许处理
		return false, nil
	}

	notificationID := generateNotificationID(messageID)

	if rp.client != nil {
		ok, err := rp.client.SetNX(ctx, "notification:"+notificationID, rp.now().Unix(), rp.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to record notification: %w", err)
		}
		if !ok {
			logging.Infof("Replay detected - notification_id: %s", notificationID)
		}
		return !ok, nil
	}

	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	now := rp.now()
	rp.cleanupLocked(now)
	if processedTime, exists := rp.processed[notificationID]; exists {
		logging.Infof("Replay detected - notification_id: %s, previously processed at: %v", notificationID, processedTime)
		return true, nil
	}
	rp.processed[notificationID] = now
	return false, nil
}

// Forget drops messageID so a redelivery is processed again
func (rp *ReplayProtection) Forget(ctx context.Context, messageID string) error {
	notificationID := generateNotificationID(messageID)
	if rp.client != nil {
		return rp.client.Del(ctx, "notification:"+notificationID).Err()
	}
	rp.mutex.Lock()
	defer rp.mutex.Unlock()
	delete(rp.processed, notificationID)
	return nil
}

// cleanupLocked 清理过期的通知记录
func (rp *ReplayProtection) cleanupLocked(now time.Time) {
	for id, processedTime := range rp.processed {
		if now.Sub(processedTime) > rp.ttl {
			delete(rp.processed, id)
		}
	}
}

// generateNotificationID 生成通知的唯一标识符
func generateNotificationID(messageID string) string {
	hash := sha256.Sum256([]byte(messageID))
	return hex.EncodeToString(hash[:])
}
