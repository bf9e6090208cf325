package api

import (
	"net/http"

	"entitlement-service/internal/response"

	"github.com/gin-gonic/gin"
)

// ListJobs returns every registered job with its last run
// GET /api/admin/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	runs, err := h.Jobs.StatusAll(c.Request.Context())
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get jobs: "+err.Error())
		return
	}
	response.SuccessJSON(c, runs)
}

// GetJob returns the last run of one job
// GET /api/admin/jobs/:name
func (h *Handler) GetJob(c *gin.Context) {
	run, err := h.Jobs.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.ErrorJSON(c, statusFor(err), err.Error())
		return
	}
	response.SuccessJSON(c, run)
}

// RunJob runs a job synchronously and returns its report
// POST /api/admin/jobs/:name/run
func (h *Handler) RunJob(c *gin.Context) {
	result, err := h.Jobs.RunNow(c.Request.Context(), c.Param("name"))
	if err != nil {
		if result != nil {
			// the run happened and was recorded as failed
			failed := response.Error(http.StatusInternalServerError, err.Error())
			failed.Data = result
			response.JSON(c, http.StatusInternalServerError, failed)
			return
		}
		response.ErrorJSON(c, statusFor(err), err.Error())
		return
	}
	response.SuccessJSON(c, result)
}
