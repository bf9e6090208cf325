package services

import (
	"context"
	"sync"
	"time"

	"entitlement-service/internal/models"
	"entitlement-service/pkg/logging"
)

// Notifier is told about renewal credits after the ledger write committed.
// Implementations must not block the caller on delivery.
type Notifier interface {
	NotifyRenewal(ctx context.Context, user *models.User, product *models.Product)
}

// RenewalNotice is the channel-independent content of a renewal notification
type RenewalNotice struct {
	UserID      uint      `json:"user_id"`
	Email       string    `json:"-"`
	PushToken   string    `json:"-"`
	ProductID   string    `json:"product_id"`
	DisplayName string    `json:"display_name"`
	Point       int       `json:"point"`
	AIPoint     int       `json:"ai_point"`
	RenewedAt   time.Time `json:"renewed_at"`
}

// Channel delivers a notice over one medium
type Channel interface {
	Name() string
	Send(ctx context.Context, notice RenewalNotice) error
}

// Dispatcher fans a notice out to every channel in the background
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	wg       sync.WaitGroup
}

// budgeted is implemented by channels that retry and know their worst case
type budgeted interface {
	MaxDuration() time.Duration
}

// NewDispatcher creates a dispatcher. Each delivery gets its own timeout,
// raised to the longest retry budget of the channels.
func NewDispatcher(timeout time.Duration, channels ...Channel) *Dispatcher {
	for _, ch := range channels {
		if b, ok := ch.(budgeted); ok && b.MaxDuration() > timeout {
			timeout = b.MaxDuration()
		}
	}
	return &Dispatcher{channels: channels, timeout: timeout}
}

// Timeout returns the per-delivery timeout
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// NotifyRenewal sends a renewal notice asynchronously (in goroutines)
func (d *Dispatcher) NotifyRenewal(ctx context.Context, user *models.User, product *models.Product) {
	if d == nil || len(d.channels) == 0 {
		return
	}

	notice := RenewalNotice{
		UserID:      user.ID,
		Email:       user.Email,
		PushToken:   user.PushToken,
		ProductID:   product.ProductID,
		DisplayName: product.DisplayName,
		Point:       user.Point,
		AIPoint:     user.AIPoint,
		RenewedAt:   time.Now(),
	}

	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()

			// detached from the job context, delivery outlives the item
			sendCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := ch.Send(sendCtx, notice); err != nil {
				logging.Failure("notifier", logging.SeverityMedium, "renewal notification failed", err, map[string]interface{}{
					"channel": ch.Name(),
					"user_id": notice.UserID,
				})
			}
		}(ch)
	}
}

// Wait blocks until in-flight deliveries finish
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
