package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitlement-service/internal/api"
	"entitlement-service/internal/config"
	"entitlement-service/internal/database"
	"entitlement-service/internal/metrics"
	"entitlement-service/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "entitlementd",
	Short: "Membership entitlement service: receipt reconciliation and scheduled allowance jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one job now and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), args[0])
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Print the last run of every job",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJobs(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, jobsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads config, logging and storage shared by every command
func bootstrap(ctx context.Context) (*app, error) {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		database.CloseDatabase()
		return nil, err
	}
	return a, nil
}

func serve(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		logging.Errorf("%v", err)
		return err
	}
	defer database.CloseDatabase()
	defer a.dispatcher.Wait()

	metrics.Register(prometheus.DefaultRegisterer)

	// Set Gin mode
	gin.SetMode(a.cfg.Mode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Setup routes
	api.SetupRoutes(r, a.handler, api.RouteConfig{
		AdminAPIKey:           a.cfg.AdminAPIKey,
		PlayNotificationToken: a.cfg.PlayNotificationToken,
	})

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.runner.Start(gctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-gctx.Done()
		a.runner.Stop()
		return nil
	})
	g.Go(func() error {
		logging.Infof("Starting server on port %s", a.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Errorf("Server stopped with error: %v", err)
		return err
	}
	logging.Infof("Server stopped")
	return nil
}

func runOnce(ctx context.Context, job string) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer database.CloseDatabase()
	defer a.dispatcher.Wait()

	result, err := a.runner.RunNow(ctx, job)
	if result != nil {
		printJSON(result)
	}
	return err
}

func printJobs(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer database.CloseDatabase()

	runs, err := a.runner.StatusAll(ctx)
	if err != nil {
		return err
	}
	printJSON(runs)
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
