package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"entitlement-service/internal/calendar"
	"entitlement-service/internal/models"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

const (
	playStateExpired     = "SUBSCRIPTION_STATE_EXPIRED"
	playStateInGrace     = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	playStatePending     = "SUBSCRIPTION_STATE_PENDING"
	playStateUnspecified = "SUBSCRIPTION_STATE_UNSPECIFIED"
	playMaxGracePeriod   = 30 * calendar.Day
)

type playSubscriptionFetcher func(ctx context.Context, packageName, token string) (*androidpublisher.SubscriptionPurchaseV2, error)

// GooglePlayValidator validates Android purchase tokens with the Play Developer API
type GooglePlayValidator struct {
	fetch playSubscriptionFetcher
	now   func() time.Time
}

// NewGooglePlayValidator creates a validator from a base64 encoded service account JSON
func NewGooglePlayValidator(ctx context.Context, encodedCreds string) (*GooglePlayValidator, error) {
	decoded, err := base64.StdEncoding.DecodeString(encodedCreds)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 google credentials: %w", err)
	}

	svc, err := androidpublisher.NewService(ctx, option.WithCredentialsJSON(decoded))
	if err != nil {
		return nil, fmt.Errorf("error initializing android publisher service: %w", err)
	}

	return &GooglePlayValidator{
		fetch: func(ctx context.Context, packageName, token string) (*androidpublisher.SubscriptionPurchaseV2, error) {
			return svc.Purchases.Subscriptionsv2.Get(packageName, token).Context(ctx).Do()
		},
		now: time.Now,
	}, nil
}

func (v *GooglePlayValidator) Validate(ctx context.Context, receipt models.Receipt, productID string) (*models.ReceiptFact, error) {
	if receipt.PackageName == "" {
		return nil, fmt.Errorf("android receipt has no package name")
	}

	purchase, err := v.fetch(ctx, receipt.PackageName, receipt.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch play subscription: %w", err)
	}

	now := v.now()
	entries, err := playEntries(purchase, receipt.Token, now)
	if err != nil {
		return nil, err
	}

	fact := SelectFact(entries, productID, now)
	if fact != nil {
		if raw, err := json.Marshal(purchase); err == nil {
			fact.Raw = raw
		}
	}
	return fact, nil
}

// playEntries maps a subscriptionsv2 resource onto receipt entries
func playEntries(purchase *androidpublisher.SubscriptionPurchaseV2, token string, now time.Time) ([]ReceiptEntry, error) {
	switch purchase.SubscriptionState {
	case playStatePending, playStateUnspecified, "":
		// not settled yet, retried next run
		return nil, fmt.Errorf("play subscription in state %q", purchase.SubscriptionState)
	}

	startedAt, err := parsePlayTime(purchase.StartTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start time: %w", err)
	}

	entries := make([]ReceiptEntry, 0, len(purchase.LineItems))
	for _, item := range purchase.LineItems {
		if item == nil {
			continue
		}
		entry := ReceiptEntry{
			ProductID:             item.ProductId,
			TransactionID:         purchase.LatestOrderId,
			OriginalTransactionID: token,
			PurchasedAt:           startedAt,
		}
		if item.ExpiryTime != "" {
			expiresAt, err := parsePlayTime(item.ExpiryTime)
			if err != nil {
				return nil, fmt.Errorf("failed to parse expiry time: %w", err)
			}
			entry.ExpiresAt = &expiresAt
		}

		switch purchase.SubscriptionState {
		case playStateInGrace:
			// access continues past the lapsed renewal while payment is retried
			if entry.ExpiresAt != nil {
				grace := entry.ExpiresAt.Add(playMaxGracePeriod)
				entry.GraceExpiresAt = &grace
			}
		case playStateExpired:
			// expired with time left on the line item means it was revoked
			if entry.ExpiresAt == nil || entry.ExpiresAt.After(now) {
				entry.CancelledAt = timePtr(now)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parsePlayTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, value)
}
