package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"entitlement-service/internal/models"
	"entitlement-service/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushBody(t *testing.T, messageID string, notification DeveloperNotification) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	require.NoError(t, err)

	var push PubSubPush
	push.Message.Data = base64.StdEncoding.EncodeToString(data)
	push.Message.MessageID = messageID
	push.Subscription = "projects/test/subscriptions/play"
	body, err := json.Marshal(push)
	require.NoError(t, err)
	return body
}

func renewal(token string) DeveloperNotification {
	return DeveloperNotification{
		Version:     "1.0",
		PackageName: "com.example.app",
		SubscriptionNotification: &SubscriptionNotification{
			NotificationType: 2,
			PurchaseToken:    token,
			SubscriptionID:   "membership_basic",
		},
	}
}

func (s *testServer) notify(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/notifications/google?token=push-token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seedPlayPurchase(t *testing.T, token string) *models.Purchase {
	t.Helper()
	user := s.seedUser(t)
	purchase := &models.Purchase{
		UserID:        user.ID,
		Product:       s.product.Snapshot(),
		Receipt:       token,
		PackageName:   "com.example.app",
		TransactionID: "GPA.1",
	}
	purchase.CreatedAt = time.Now()
	require.NoError(t, s.ledger.CreatePurchase(context.Background(), purchase))
	return purchase
}

func TestGooglePlayNotificationReconciles(t *testing.T) {
	s := newTestServer(t)
	purchase := s.seedPlayPurchase(t, "play-token")
	s.reconciler.report = services.JobReport{Processed: 1, Renewed: 1}

	var report services.JobReport
	w := s.notify(t, pushBody(t, "m-1", renewal("play-token")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &report)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, []uint{purchase.ID}, s.reconciler.seen)

	// Pub/Sub redelivery of the same message
	w = s.notify(t, pushBody(t, "m-1", renewal("play-token")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
	assert.Equal(t, 1, s.reconciler.calls())
}

func TestGooglePlayNotificationFailureIsRedelivered(t *testing.T) {
	s := newTestServer(t)
	s.seedPlayPurchase(t, "play-token")
	s.reconciler.report = services.JobReport{Processed: 1, Failed: 1}

	w := s.notify(t, pushBody(t, "m-2", renewal("play-token")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// the failed message is not remembered, so the retry reconciles again
	s.reconciler.report = services.JobReport{Processed: 1}
	w = s.notify(t, pushBody(t, "m-2", renewal("play-token")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, s.reconciler.calls())
}

func TestGooglePlayNotificationAcknowledges(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name         string
		notification DeveloperNotification
		want         string
	}{
		{"test notification", DeveloperNotification{TestNotification: &struct {
			Version string `json:"version"`
		}{Version: "1.0"}}, "test"},
		{"no purchase token", DeveloperNotification{PackageName: "com.example.app"}, "ignored"},
		{"unknown purchase", renewal("never-seen"), "unknown_purchase"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.notify(t, pushBody(t, "ack-"+string(rune('a'+i)), tt.notification))
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
	assert.Zero(t, s.reconciler.calls())
}

func TestGooglePlayNotificationRejects(t *testing.T) {
	s := newTestServer(t)

	w := s.notify(t, []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.notify(t, []byte(`{"message":{"data":"%%%","messageId":"x"}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/notifications/google", bytes.NewReader(pushBody(t, "m-3", renewal("play-token"))))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
