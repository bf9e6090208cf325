package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"entitlement-service/internal/models"
	"entitlement-service/pkg/logging"
)

const (
	appleProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	appleSandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	appleStatusOK             = 0
	appleStatusExpiredReceipt = 21006 // receipt valid but subscription expired, body still readable
	appleStatusSandboxReceipt = 21007
)

// AppleValidator validates iOS receipts against Apple's verifyReceipt API
type AppleValidator struct {
	httpClient    *http.Client
	sharedSecret  string
	productionURL string
	sandboxURL    string
	now           func() time.Time
}

// NewAppleValidator creates a new App Store receipt validator
func NewAppleValidator(sharedSecret string) *AppleValidator {
	return &AppleValidator{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		sharedSecret:  sharedSecret,
		productionURL: appleProductionURL,
		sandboxURL:    appleSandboxURL,
		now:           time.Now,
	}
}

type appleTransaction struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDate          string `json:"purchase_date_ms"`
	ExpiresDate           string `json:"expires_date_ms"`
	CancellationDate      string `json:"cancellation_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

type applePendingRenewal struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	GracePeriodExpiresAt  string `json:"grace_period_expires_date_ms"`
}

// AppleReceiptResponse represents Apple receipt verification response
type AppleReceiptResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	Receipt     struct {
		BundleID string             `json:"bundle_id"`
		InApp    []appleTransaction `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo  []appleTransaction    `json:"latest_receipt_info"`
	PendingRenewalInfo []applePendingRenewal `json:"pending_renewal_info"`
	LatestReceipt      string                `json:"latest_receipt"`
}

// Validate verifies an iOS receipt.
// Status 21007 means the receipt is from sandbox and is retried there.
func (v *AppleValidator) Validate(ctx context.Context, receipt models.Receipt, productID string) (*models.ReceiptFact, error) {
	resp, body, err := v.verifyWithApple(ctx, receipt.Token, v.productionURL)
	if err != nil {
		if appleErr, ok := err.(*AppleVerificationError); ok && appleErr.Status == appleStatusSandboxReceipt {
			logging.Infof("Receipt is from sandbox, retrying with sandbox URL")
			resp, body, err = v.verifyWithApple(ctx, receipt.Token, v.sandboxURL)
		}
		if err != nil {
			return nil, err
		}
	}

	entries, err := resp.entries()
	if err != nil {
		return nil, err
	}

	fact := SelectFact(entries, productID, v.now())
	if fact != nil {
		fact.Raw = body
	}
	return fact, nil
}

// verifyWithApple verifies receipt with Apple's API
func (v *AppleValidator) verifyWithApple(ctx context.Context, receiptData, url string) (*AppleReceiptResponse, []byte, error) {
	// Prepare request body
	requestBody := map[string]interface{}{
		"receipt-data":             receiptData,
		"exclude-old-transactions": false,
	}
	if v.sharedSecret != "" {
		requestBody["password"] = v.sharedSecret
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Make request
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("apple verifyReceipt returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	var appleResp AppleReceiptResponse
	if err := json.Unmarshal(body, &appleResp); err != nil {
		return nil, nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Check status
	if appleResp.Status != appleStatusOK && appleResp.Status != appleStatusExpiredReceipt {
		return nil, nil, &AppleVerificationError{Status: appleResp.Status}
	}

	return &appleResp, body, nil
}

// entries flattens the response into receipt entries with grace periods attached
func (r *AppleReceiptResponse) entries() ([]ReceiptEntry, error) {
	transactions := r.LatestReceiptInfo
	if len(transactions) == 0 {
		transactions = r.Receipt.InApp
	}

	grace := make(map[string]*time.Time, len(r.PendingRenewalInfo))
	for _, info := range r.PendingRenewalInfo {
		if info.GracePeriodExpiresAt == "" {
			continue
		}
		t, err := parseAppleTimestamp(info.GracePeriodExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse grace period date: %w", err)
		}
		grace[info.OriginalTransactionID+"/"+info.ProductID] = &t
	}

	entries := make([]ReceiptEntry, 0, len(transactions))
	for _, txn := range transactions {
		// Parse dates
		purchaseDate, err := parseAppleTimestamp(txn.PurchaseDate)
		if err != nil {
			return nil, fmt.Errorf("failed to parse purchase date: %w", err)
		}

		entry := ReceiptEntry{
			ProductID:             txn.ProductID,
			TransactionID:         txn.TransactionID,
			OriginalTransactionID: txn.OriginalTransactionID,
			PurchasedAt:           purchaseDate,
			GraceExpiresAt:        grace[txn.OriginalTransactionID+"/"+txn.ProductID],
			IsTrial:               txn.IsTrialPeriod == "true",
		}
		if txn.ExpiresDate != "" {
			expiresDate, err := parseAppleTimestamp(txn.ExpiresDate)
			if err != nil {
				return nil, fmt.Errorf("failed to parse expires date: %w", err)
			}
			entry.ExpiresAt = &expiresDate
		}
		if txn.CancellationDate != "" {
			cancelledAt, err := parseAppleTimestamp(txn.CancellationDate)
			if err != nil {
				return nil, fmt.Errorf("failed to parse cancellation date: %w", err)
			}
			entry.CancelledAt = &cancelledAt
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AppleVerificationError represents Apple verification error
type AppleVerificationError struct {
	Status int
}

func (e *AppleVerificationError) Error() string {
	return fmt.Sprintf("Apple verification failed with status: %d", e.Status)
}

// parseAppleTimestamp parses Apple timestamp (milliseconds since epoch)
func parseAppleTimestamp(timestampStr string) (time.Time, error) {
	if timestampStr == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	var timestamp int64
	if _, err := fmt.Sscanf(timestampStr, "%d", &timestamp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(timestamp).UTC(), nil
}
