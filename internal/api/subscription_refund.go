package api

import (
	"net/http"

	"entitlement-service/internal/response"

	"github.com/gin-gonic/gin"
)

// RefundRequest names the purchase to refund
type RefundRequest struct {
	PurchaseID uint `json:"purchase_id" binding:"required"`
}

// ProcessRefund expires the purchase and tears down the membership it backs
// POST /api/admin/users/:id/refund
func (h *Handler) ProcessRefund(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid user id")
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	if err := h.Subscriptions.ProcessRefund(c.Request.Context(), userID, req.PurchaseID); err != nil {
		response.ErrorJSON(c, statusFor(err), err.Error())
		return
	}
	response.JSON(c, http.StatusOK, response.Success("Refund processed", nil))
}
