package api

import (
	"net/http"

	"entitlement-service/internal/models"
	"entitlement-service/internal/response"

	"github.com/gin-gonic/gin"
)

// CreateSubscriptionRequest represents a purchase submitted for verification
type CreateSubscriptionRequest struct {
	ProductID   uint            `json:"product_id" binding:"required"` // catalog row id
	Platform    models.Platform `json:"platform"`                      // defaults to the product's platform
	Receipt     string          `json:"receipt" binding:"required"`    // iOS base64 receipt or Android purchase token
	PackageName string          `json:"package_name"`                  // Android only
}

// CreateSubscription verifies a receipt and opens the membership window
// POST /api/admin/users/:id/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid user id")
		return
	}

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	if req.Platform != "" && req.Platform != models.PlatformIOS && req.Platform != models.PlatformAndroid {
		response.ErrorJSON(c, http.StatusBadRequest, "platform must be ios or android")
		return
	}

	receipt := models.Receipt{
		Platform:    req.Platform,
		Token:       req.Receipt,
		PackageName: req.PackageName,
	}
	if receipt.Platform == models.PlatformAndroid && receipt.PackageName == "" {
		receipt.PackageName = h.DefaultPackageName
	}

	purchase, err := h.Subscriptions.CreateSubscription(c.Request.Context(), userID, req.ProductID, receipt)
	if err != nil {
		response.ErrorJSON(c, statusFor(err), err.Error())
		return
	}
	response.CreatedJSON(c, "Subscription created successfully", purchase)
}

// GrantEventMembership enrolls a user in the running event program
// POST /api/admin/users/:id/event-membership
func (h *Handler) GrantEventMembership(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid user id")
		return
	}

	user, err := h.Subscriptions.GrantEventMembership(c.Request.Context(), userID)
	if err != nil {
		response.ErrorJSON(c, statusFor(err), err.Error())
		return
	}
	response.SuccessJSON(c, user)
}
