package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/internal/response"
	"entitlement-service/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PubSubPush is the envelope Cloud Pub/Sub posts to a push endpoint
type PubSubPush struct {
	Message struct {
		Data      string `json:"data"` // base64 encoded DeveloperNotification
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is a Google Play Real-Time Developer Notification
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	TestNotification           *struct {
		Version string `json:"version"`
	} `json:"testNotification,omitempty"`
}

// SubscriptionNotification 订阅状态变更
type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"` // 1=RECOVERED, 2=RENEWED, 3=CANCELED, 12=REVOKED, 13=EXPIRED, ...
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

// OneTimeProductNotification 一次性商品状态变更
type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	Sku              string `json:"sku"`
}

// purchaseToken returns the token the notification is about
func (n *DeveloperNotification) purchaseToken() string {
	switch {
	case n.SubscriptionNotification != nil:
		return n.SubscriptionNotification.PurchaseToken
	case n.OneTimeProductNotification != nil:
		return n.OneTimeProductNotification.PurchaseToken
	}
	return ""
}

// GooglePlayNotificationHandler re-validates the purchase a Play notification
// points at. The notification is only a trigger; the store's answer decides.
// POST /api/notifications/google
func (h *Handler) GooglePlayNotificationHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var push PubSubPush
	if err := c.ShouldBindJSON(&push); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid notification format")
		return
	}

	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid notification data")
		return
	}

	var notification DeveloperNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid notification payload")
		return
	}

	if notification.TestNotification != nil {
		logging.Infof("Google Play test notification received (package=%s)", notification.PackageName)
		response.SuccessJSON(c, gin.H{"status": "test"})
		return
	}

	token := notification.purchaseToken()
	if token == "" {
		response.SuccessJSON(c, gin.H{"status": "ignored"})
		return
	}

	messageID := push.Message.MessageID
	if h.Replay != nil {
		replay, err := h.Replay.IsReplay(ctx, messageID)
		if err != nil {
			// dedupe is best effort, reconciling twice is idempotent
			logging.Failure("notification", logging.SeverityLow, "replay check failed", err, map[string]interface{}{"message_id": messageID})
		} else if replay {
			response.SuccessJSON(c, gin.H{"status": "duplicate"})
			return
		}
	}

	purchase, err := h.Ledger.FindActivePurchaseByReceipt(ctx, models.PlatformAndroid, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// expired already or bought before this service recorded it
			response.SuccessJSON(c, gin.H{"status": "unknown_purchase"})
			return
		}
		h.forget(c, messageID)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load purchase")
		return
	}

	report := h.Reconciler.ReconcileOne(ctx, purchase, h.now())
	if report.Failed > 0 {
		// a non-2xx answer makes Pub/Sub redeliver
		h.forget(c, messageID)
		response.ErrorJSON(c, http.StatusInternalServerError, "Reconciliation failed")
		return
	}

	logging.Transition("notification", logging.SeverityLow, "play notification reconciled", map[string]interface{}{
		"message_id":  messageID,
		"purchase_id": purchase.ID,
		"renewed":     report.Renewed,
		"expired":     report.Expired,
		"skipped":     report.Skipped,
	})
	response.SuccessJSON(c, report)
}

func (h *Handler) forget(c *gin.Context, messageID string) {
	if h.Replay == nil {
		return
	}
	if err := h.Replay.Forget(c.Request.Context(), messageID); err != nil {
		logging.Failure("notification", logging.SeverityLow, "failed to forget message", err, map[string]interface{}{"message_id": messageID})
	}
}
