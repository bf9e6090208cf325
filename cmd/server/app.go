package main

import (
	"context"
	"fmt"
	"time"

	"entitlement-service/internal/api"
	"entitlement-service/internal/config"
	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/internal/scheduler"
	"entitlement-service/internal/services"
	"entitlement-service/pkg/logging"
)

// app is the wired service: jobs, scheduler and HTTP handlers
type app struct {
	cfg        *config.Config
	runner     *scheduler.Runner
	handler    *api.Handler
	dispatcher *services.Dispatcher
}

// newApp wires every component from config. database.InitDatabase must have run.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	ledger := database.NewLedger(database.GetDB())
	policy := services.PolicyFromConfig(cfg)

	validator := services.NewStoreValidator(cfg.ValidatorTimeout, cfg.ValidatorRatePerSecond)
	validator.Register(models.PlatformIOS, services.NewAppleValidator(cfg.AppStoreSharedSecret))
	if cfg.GoogleServiceAccount != "" {
		google, err := services.NewGooglePlayValidator(ctx, cfg.GoogleServiceAccount)
		if err != nil {
			return nil, fmt.Errorf("failed to create Google Play validator: %w", err)
		}
		validator.Register(models.PlatformAndroid, google)
	} else {
		logging.Infof("GOOGLE_SERVICE_ACCOUNT_JSON not set, Android receipts cannot be validated")
	}

	var channels []services.Channel
	if cfg.FCMServiceAccount != "" {
		push, err := services.NewPushChannel(ctx, cfg.FCMServiceAccount)
		if err != nil {
			return nil, fmt.Errorf("failed to create push channel: %w", err)
		}
		channels = append(channels, push)
	}
	if cfg.BrevoAPIKey != "" {
		channels = append(channels, services.NewEmailChannel(cfg.BrevoAPIKey, cfg.BrevoFromEmail, cfg.BrevoFromName, ""))
	}
	if cfg.WebhookCallbackURL != "" {
		channels = append(channels, services.NewWebhookChannel(cfg.WebhookCallbackURL, cfg.WebhookSecret))
	}
	dispatcher := services.NewDispatcher(10*time.Second, channels...)

	reconciliation := services.NewReconciliationJob(ledger, validator, dispatcher, policy)

	var lock scheduler.Locker
	if client := database.GetRedis(); client != nil {
		lock = database.NewJobLock(client, cfg.JobLockTTL)
	}
	runner := scheduler.New(scheduler.Config{
		Enabled:  cfg.SchedulerEnabled,
		Location: cfg.Location(),
	}, database.NewJobRunStore(database.GetDB(), cfg.JobLockTTL), lock)

	runner.Register(reconciliation, cfg.ReconciliationSchedule)
	runner.Register(services.NewExpirationJob(ledger, policy), cfg.ExpirationSchedule)
	runner.Register(services.NewMembershipJob(ledger, dispatcher, policy), cfg.MembershipSchedule)
	runner.Register(services.NewEventMembershipJob(ledger, dispatcher, policy), cfg.EventMembershipSchedule)

	subscriptions := services.NewSubscriptionService(ledger, validator, policy, cfg.Location())
	replay := services.NewReplayProtection(database.GetRedis(), cfg.NotificationReplayTTL)

	handler := api.NewHandler(runner, subscriptions, ledger, reconciliation, replay)
	handler.DefaultPackageName = cfg.GooglePackageName

	logging.Infof("Wired %d notification channels, %d jobs", len(channels), len(runner.Jobs()))
	return &app{cfg: cfg, runner: runner, handler: handler, dispatcher: dispatcher}, nil
}
