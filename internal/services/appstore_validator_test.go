package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"entitlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}

func newTestAppleValidator(production, sandbox string, now time.Time) *AppleValidator {
	v := NewAppleValidator("shared-secret")
	v.productionURL = production
	v.sandboxURL = sandbox
	v.now = func() time.Time { return now }
	return v
}

func TestAppleValidatorRetriesSandbox(t *testing.T) {
	now := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)

	var productionCalls, sandboxCalls int32
	production := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&productionCalls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": 21007})
	}))
	defer production.Close()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&sandboxCalls, 1)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "receipt-data", body["receipt-data"])
		assert.Equal(t, "shared-secret", body["password"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      0,
			"environment": "Sandbox",
			"latest_receipt_info": []map[string]string{
				{
					"transaction_id":          "1000",
					"original_transaction_id": "1000",
					"product_id":              "membership_basic",
					"purchase_date_ms":        ms(now.AddDate(0, -2, 0)),
					"expires_date_ms":         ms(now.AddDate(0, -1, 0)),
				},
				{
					"transaction_id":          "1001",
					"original_transaction_id": "1000",
					"product_id":              "membership_basic",
					"purchase_date_ms":        ms(now.AddDate(0, -1, 0)),
					"expires_date_ms":         ms(now.AddDate(0, 0, 3)),
					"is_trial_period":         "false",
				},
			},
		})
	}))
	defer sandbox.Close()

	v := newTestAppleValidator(production.URL, sandbox.URL, now)
	fact, err := v.Validate(context.Background(), models.Receipt{Platform: models.PlatformIOS, Token: "receipt-data"}, "membership_basic")
	require.NoError(t, err)
	require.NotNil(t, fact)

	assert.Equal(t, "1001", fact.TransactionID)
	assert.Equal(t, "1000", fact.OriginalTransactionID)
	assert.NotEmpty(t, fact.Raw)
	assert.EqualValues(t, 1, atomic.LoadInt32(&productionCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&sandboxCalls))
}

func TestAppleValidatorGraceAndCancellation(t *testing.T) {
	now := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	lapsed := now.Add(-24 * time.Hour)

	respond := func(payload map[string]interface{}) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(payload)
		}))
	}

	t.Run("expired receipt inside grace stays valid", func(t *testing.T) {
		srv := respond(map[string]interface{}{
			"status": 21006,
			"latest_receipt_info": []map[string]string{{
				"transaction_id":          "2001",
				"original_transaction_id": "2000",
				"product_id":              "membership_basic",
				"purchase_date_ms":        ms(lapsed.AddDate(0, -1, 0)),
				"expires_date_ms":         ms(lapsed),
			}},
			"pending_renewal_info": []map[string]string{{
				"original_transaction_id":      "2000",
				"product_id":                   "membership_basic",
				"grace_period_expires_date_ms": ms(now.AddDate(0, 0, 5)),
			}},
		})
		defer srv.Close()

		fact, err := newTestAppleValidator(srv.URL, srv.URL, now).Validate(context.Background(), models.Receipt{Token: "r"}, "membership_basic")
		require.NoError(t, err)
		require.NotNil(t, fact)
		assert.Equal(t, "2001", fact.TransactionID)
	})

	t.Run("refunded receipt is invalid", func(t *testing.T) {
		srv := respond(map[string]interface{}{
			"status": 0,
			"latest_receipt_info": []map[string]string{{
				"transaction_id":       "3001",
				"product_id":           "membership_basic",
				"purchase_date_ms":     ms(now.AddDate(0, 0, -3)),
				"expires_date_ms":      ms(now.AddDate(0, 0, 27)),
				"cancellation_date_ms": ms(now.AddDate(0, 0, -1)),
			}},
		})
		defer srv.Close()

		fact, err := newTestAppleValidator(srv.URL, srv.URL, now).Validate(context.Background(), models.Receipt{Token: "r"}, "membership_basic")
		require.NoError(t, err)
		assert.Nil(t, fact)
	})

	t.Run("product missing from receipt is invalid", func(t *testing.T) {
		srv := respond(map[string]interface{}{
			"status": 0,
			"receipt": map[string]interface{}{
				"in_app": []map[string]string{{
					"transaction_id":   "4001",
					"product_id":       "points_pack_small",
					"purchase_date_ms": ms(now.AddDate(0, 0, -3)),
				}},
			},
		})
		defer srv.Close()

		fact, err := newTestAppleValidator(srv.URL, srv.URL, now).Validate(context.Background(), models.Receipt{Token: "r"}, "membership_basic")
		require.NoError(t, err)
		assert.Nil(t, fact)
	})
}

func TestAppleValidatorErrors(t *testing.T) {
	now := time.Now()

	t.Run("non-zero status is a hard failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"status": 21002})
		}))
		defer srv.Close()

		fact, err := newTestAppleValidator(srv.URL, srv.URL, now).Validate(context.Background(), models.Receipt{Token: "r"}, "membership_basic")
		assert.Nil(t, fact)
		var appleErr *AppleVerificationError
		require.ErrorAs(t, err, &appleErr)
		assert.Equal(t, 21002, appleErr.Status)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := newTestAppleValidator(srv.URL, srv.URL, now).Validate(context.Background(), models.Receipt{Token: "r"}, "membership_basic")
		assert.Error(t, err)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		}))
		defer srv.Close()

		_, err := newTestAppleValidator(srv.URL, srv.URL, now).Validate(context.Background(), models.Receipt{Token: "r"}, "membership_basic")
		assert.Error(t, err)
	})
}

func TestParseAppleTimestamp(t *testing.T) {
	ts, err := parseAppleTimestamp("1675209600000")
	require.NoError(t, err)
	assert.True(t, time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC).Equal(ts))

	_, err = parseAppleTimestamp("")
	assert.Error(t, err)
}
