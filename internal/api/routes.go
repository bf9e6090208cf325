package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"entitlement-service/internal/database"
	"entitlement-service/internal/middleware"
	"entitlement-service/internal/models"
	"entitlement-service/internal/scheduler"
	"entitlement-service/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobRunner is the part of the scheduler the operator API drives
type JobRunner interface {
	Jobs() []string
	Status(ctx context.Context, name string) (*models.JobRun, error)
	StatusAll(ctx context.Context) ([]models.JobRun, error)
	RunNow(ctx context.Context, name string) (*scheduler.RunResult, error)
}

// Reconciler re-validates a single purchase outside the nightly run
type Reconciler interface {
	ReconcileOne(ctx context.Context, purchase *models.Purchase, now time.Time) services.JobReport
}

// Handler carries the dependencies of every HTTP handler
type Handler struct {
	Jobs               JobRunner
	Subscriptions      *services.SubscriptionService
	Ledger             database.Ledger
	Reconciler         Reconciler
	Replay             *services.ReplayProtection
	DefaultPackageName string

	now func() time.Time
}

// NewHandler creates a Handler
func NewHandler(jobs JobRunner, subscriptions *services.SubscriptionService, ledger database.Ledger, reconciler Reconciler, replay *services.ReplayProtection) *Handler {
	return &Handler{
		Jobs:          jobs,
		Subscriptions: subscriptions,
		Ledger:        ledger,
		Reconciler:    reconciler,
		Replay:        replay,
		now:           time.Now,
	}
}

// RouteConfig holds the credentials the route groups are guarded with
type RouteConfig struct {
	AdminAPIKey           string
	PlayNotificationToken string
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler, cfg RouteConfig) {
	api := r.Group("/api")
	{
		// Operator routes
		admin := api.Group("/admin")
		admin.Use(middleware.AdminAuthMiddleware(cfg.AdminAPIKey))
		{
			admin.GET("/jobs", h.ListJobs)
			admin.GET("/jobs/:name", h.GetJob)
			admin.POST("/jobs/:name/run", h.RunJob)

			admin.GET("/users/:id/subscription", h.GetSubscriptionStatus)
			admin.GET("/users/:id/subscriptions", h.GetSubscriptionHistory)
			admin.POST("/users/:id/subscriptions", h.CreateSubscription)
			admin.GET("/users/:id/refund-eligibility", h.GetRefundEligibility)
			admin.POST("/users/:id/refund", h.ProcessRefund)
			admin.POST("/users/:id/event-membership", h.GrantEventMembership)
		}

		// Store push notifications (Google calls these through Pub/Sub)
		notifications := api.Group("/notifications")
		notifications.Use(middleware.TokenAuthMiddleware(cfg.PlayNotificationToken))
		{
			notifications.POST("/google", h.GooglePlayNotificationHandler)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "entitlement-service",
		})
	})
}

// statusFor maps a service error onto an HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrProductNotFound),
		errors.Is(err, services.ErrPurchaseNotFound),
		errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAlreadySubscribed),
		errors.Is(err, services.ErrDuplicateTransaction),
		errors.Is(err, scheduler.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, services.ErrReceiptInvalid),
		errors.Is(err, services.ErrNotRefundable),
		errors.Is(err, services.ErrEventProductMissing):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func userIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
