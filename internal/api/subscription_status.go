package api

import (
	"net/http"

	"entitlement-service/internal/response"

	"github.com/gin-gonic/gin"
)

// GetSubscriptionStatus gets subscription status
// GET /api/admin/users/:id/subscription
func (h *Handler) GetSubscriptionStatus(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid user id")
		return
	}

	status, err := h.Subscriptions.GetSubscriptionStatus(c.Request.Context(), userID)
	if err != nil {
		response.ErrorJSON(c, statusFor(err), err.Error())
		return
	}
	response.SuccessJSON(c, status)
}

// GetRefundEligibility reports whether the latest subscription may be refunded
// GET /api/admin/users/:id/refund-eligibility
func (h *Handler) GetRefundEligibility(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid user id")
		return
	}

	eligibility, err := h.Subscriptions.CheckRefundEligibility(c.Request.Context(), userID)
	if err != nil {
		response.ErrorJSON(c, statusFor(err), err.Error())
		return
	}
	response.SuccessJSON(c, eligibility)
}
