package services

import (
	"context"
	"encoding/base64"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type pushSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushChannel sends renewal pushes through Firebase Cloud Messaging
type PushChannel struct {
	client pushSender
}

// NewPushChannel initializes FCM from a base64 encoded service account JSON
func NewPushChannel(ctx context.Context, encodedCreds string) (*PushChannel, error) {
	decoded, err := base64.StdEncoding.DecodeString(encodedCreds)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 firebase credentials: %w", err)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON(decoded))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return &PushChannel{client: client}, nil
}

func (p *PushChannel) Name() string {
	return "push"
}

// Send pushes the notice to the user's device; users without a token are skipped
func (p *PushChannel) Send(ctx context.Context, notice RenewalNotice) error {
	if notice.PushToken == "" {
		return nil
	}

	message := &messaging.Message{
		Token: notice.PushToken,
		Notification: &messaging.Notification{
			Title: "Membership renewed",
			Body:  fmt.Sprintf("%d questions and %d AI credits are ready", notice.Point, notice.AIPoint),
		},
		Data: map[string]string{
			"type":       "membership_renewed",
			"product_id": notice.ProductID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	if _, err := p.client.Send(ctx, message); err != nil {
		return fmt.Errorf("fcm send failed: %w", err)
	}
	return nil
}
