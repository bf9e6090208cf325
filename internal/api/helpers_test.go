package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/internal/scheduler"
	"entitlement-service/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "admin-key"

type fakeValidator struct {
	facts map[string]*models.ReceiptFact
}

func (f *fakeValidator) Validate(ctx context.Context, receipt models.Receipt, productID string) (*models.ReceiptFact, error) {
	fact, ok := f.facts[receipt.Token]
	if !ok {
		return nil, nil
	}
	copied := *fact
	return &copied, nil
}

type fakeJobs struct {
	runs   map[string]*models.JobRun
	result *scheduler.RunResult
	err    error
}

func (f *fakeJobs) Jobs() []string {
	names := make([]string, 0, len(f.runs))
	for name := range f.runs {
		names = append(names, name)
	}
	return names
}

func (f *fakeJobs) Status(ctx context.Context, name string) (*models.JobRun, error) {
	run, ok := f.runs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
	return run, nil
}

func (f *fakeJobs) StatusAll(ctx context.Context) ([]models.JobRun, error) {
	var runs []models.JobRun
	for _, run := range f.runs {
		runs = append(runs, *run)
	}
	return runs, nil
}

func (f *fakeJobs) RunNow(ctx context.Context, name string) (*scheduler.RunResult, error) {
	if _, ok := f.runs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
	return f.result, f.err
}

type fakeReconciler struct {
	mu     sync.Mutex
	seen   []uint
	report services.JobReport
}

func (f *fakeReconciler) ReconcileOne(ctx context.Context, purchase *models.Purchase, now time.Time) services.JobReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, purchase.ID)
	return f.report
}

func (f *fakeReconciler) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type testServer struct {
	router     *gin.Engine
	handler    *Handler
	ledger     *database.GormLedger
	validator  *fakeValidator
	jobs       *fakeJobs
	reconciler *fakeReconciler
	product    *models.Product
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	ledger := database.NewLedger(db)

	product := &models.Product{
		ProductID: "membership_basic",
		Type:      models.ProductTypeSubscription,
		Platform:  models.PlatformAndroid,
		Point:     30,
		AIPoint:   100,
	}
	require.NoError(t, ledger.CreateProduct(context.Background(), product))

	policy := services.Policy{
		Floor:                services.Allowance{Point: 0, AIPoint: 15},
		RenewalPeriodDays:    30,
		EventID:              1,
		EventProductID:       "membership_event_plus",
		EventDurationPeriods: 6,
	}
	validator := &fakeValidator{facts: make(map[string]*models.ReceiptFact)}
	jobs := &fakeJobs{runs: map[string]*models.JobRun{
		services.JobExpiration: {Name: services.JobExpiration, Status: models.JobRunNever},
	}}
	reconciler := &fakeReconciler{}

	h := NewHandler(jobs, services.NewSubscriptionService(ledger, validator, policy, time.UTC), ledger, reconciler, services.NewReplayProtection(nil, time.Hour))
	h.DefaultPackageName = "com.example.app"

	r := gin.New()
	SetupRoutes(r, h, RouteConfig{AdminAPIKey: testAdminKey, PlayNotificationToken: "push-token"})

	return &testServer{
		router:     r,
		handler:    h,
		ledger:     ledger,
		validator:  validator,
		jobs:       jobs,
		reconciler: reconciler,
		product:    product,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAdminKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seedUser(t *testing.T) *models.User {
	t.Helper()
	user := &models.User{Email: uuid.NewString() + "@example.com", AIPoint: 15}
	require.NoError(t, s.ledger.CreateUser(context.Background(), user))
	return user
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}
