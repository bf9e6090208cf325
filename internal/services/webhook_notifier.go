package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"entitlement-service/pkg/logging"
)

// WebhookChannel posts renewal notices to the app backend
type WebhookChannel struct {
	httpClient  *http.Client
	callbackURL string
	secret      string
	retryDelays []time.Duration
}

// NewWebhookChannel creates a new webhook channel
func NewWebhookChannel(callbackURL, secret string) *WebhookChannel {
	return &WebhookChannel{
		httpClient: &http.Client{
			Timeout: 10 * time.Second, // 10 second timeout
		},
		callbackURL: callbackURL,
		secret:      secret,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// WebhookPayload represents the payload sent to App Backend
type WebhookPayload struct {
	Event     string `json:"event"` // membership.renewed
	UserID    uint   `json:"user_id"`
	ProductID string `json:"product_id"`
	Point     int    `json:"point"`
	AIPoint   int    `json:"ai_point"`
	RenewedAt string `json:"renewed_at"` // ISO 8601 format
	Timestamp string `json:"timestamp"`  // ISO 8601 format
}

func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send sends the notice with retry
func (wc *WebhookChannel) Send(ctx context.Context, notice RenewalNotice) error {
	if wc.callbackURL == "" {
		// No webhook configured, skip
		return nil
	}

	payload := WebhookPayload{
		Event:     "membership.renewed",
		UserID:    notice.UserID,
		ProductID: notice.ProductID,
		Point:     notice.Point,
		AIPoint:   notice.AIPoint,
		RenewedAt: notice.RenewedAt.Format(time.RFC3339),
		Timestamp: time.Now().Format(time.RFC3339),
	}

	return wc.sendWithRetry(ctx, payload)
}

// MaxDuration is the worst-case time Send takes: every attempt timing out
// plus every retry delay
func (wc *WebhookChannel) MaxDuration() time.Duration {
	total := time.Duration(len(wc.retryDelays)+1) * wc.httpClient.Timeout
	for _, d := range wc.retryDelays {
		total += d
	}
	return total
}

// sendWithRetry sends webhook with retry mechanism
// One attempt, then a retry after each delay: 1s, 5s, 30s (4 attempts total)
func (wc *WebhookChannel) sendWithRetry(ctx context.Context, payload WebhookPayload) error {
	attempts := len(wc.retryDelays) + 1

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = wc.sendWebhook(ctx, payload)
		if err == nil {
			logging.Infof("Webhook notification sent successfully - url: %s, user: %d, attempt: %d",
				wc.callbackURL, payload.UserID, attempt+1)
			return nil
		}

		logging.Errorf("Webhook notification failed - url: %s, user: %d, attempt: %d, error: %v",
			wc.callbackURL, payload.UserID, attempt+1, err)

		// If not the last attempt, wait before retry
		if attempt < len(wc.retryDelays) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wc.retryDelays[attempt]):
			}
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", attempts, err)
}

// sendWebhook sends a single webhook request
func (wc *WebhookChannel) sendWebhook(ctx context.Context, payload WebhookPayload) error {
	// Marshal payload to JSON
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Create HTTP request
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Entitlement-Webhook/1.0")

	// Add signature if secret is provided
	if wc.secret != "" {
		req.Header.Set("X-Entitlement-Signature", generateSignature(jsonData, wc.secret))
	}

	// Send request
	resp, err := wc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// Check response status
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// generateSignature generates HMAC-SHA256 signature for webhook payload
func generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
