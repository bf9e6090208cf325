package api

import (
	"net/http"
	"time"

	"entitlement-service/internal/models"
	"entitlement-service/internal/response"

	"github.com/gin-gonic/gin"
)

// SubscriptionHistoryItem represents a subscription history item
type SubscriptionHistoryItem struct {
	ID                    uint            `json:"id"`
	ProductID             string          `json:"product_id"`
	Platform              models.Platform `json:"platform"`
	TransactionID         string          `json:"transaction_id"`
	OriginalTransactionID string          `json:"original_transaction_id"`
	PurchasedAt           time.Time       `json:"purchased_at"`
	ExpiresAt             time.Time       `json:"expires_at"`
	IsExpired             bool            `json:"is_expired"`
	ExpiredAt             *time.Time      `json:"expired_at,omitempty"`
}

// GetSubscriptionHistory gets subscription history for a user, newest first
// GET /api/admin/users/:id/subscriptions
func (h *Handler) GetSubscriptionHistory(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid user id")
		return
	}

	purchases, err := h.Subscriptions.GetUserSubscriptions(c.Request.Context(), userID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get subscription history: "+err.Error())
		return
	}

	items := make([]SubscriptionHistoryItem, len(purchases))
	for i, p := range purchases {
		items[i] = SubscriptionHistoryItem{
			ID:                    p.ID,
			ProductID:             p.Product.ProductID,
			Platform:              p.Product.Platform,
			TransactionID:         p.TransactionID,
			OriginalTransactionID: p.OriginalTransactionID,
			PurchasedAt:           p.CreatedAt,
			ExpiresAt:             p.HardExpiry(),
			IsExpired:             p.IsExpired,
			ExpiredAt:             p.ExpiredAt,
		}
	}
	response.SuccessJSON(c, items)
}
