package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicmail/config"
	"clinicmail/middleware"
	"clinicmail/routes"
	"clinicmail/utils"
	"clinicmail/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	migrateBeforeRun bool
	tokenSubject     string
	tokenTTL         time.Duration
)

func main() {
	err := rootCmd.Execute()
	sentry.Flush(2 * time.Second)
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clinicmail",
	Short: "Drip-campaign automation for the clinic site",
	Long: `clinicmail evaluates time-delayed email sequences against subscribers,
sends each due email at most once, and serves the open, click and
unsubscribe endpoints the emails link to.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every active sequence once and exit",
	Long: `Run performs a single invocation: it sends every email that is due and
not yet delivered, prints the run summary as JSON and exits. Schedule it
from cron or any external scheduler.`,
	RunE: runSequences,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (and the interval worker when configured)",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE:  runMigrate,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT for the automation API",
	RunE:  runToken,
}

func init() {
	runCmd.Flags().BoolVar(&migrateBeforeRun, "migrate", false, "run database migrations before the sequences")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cron", "token subject recorded in request logs")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime; 0 never expires")

	rootCmd.AddCommand(runCmd, serveCmd, migrateCmd, tokenCmd)
}

// loadConfig loads configuration and sets up logging; every command starts here
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := utils.InitLogging(cfg.Environment, cfg.LogLevel, cfg.SentryDSN); err != nil {
		logrus.WithError(err).Warn("Sentry initialization failed; continuing without it")
	}
	cfg.LogSummary()
	return cfg, nil
}

func runSequences(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := config.ConnectDB(cfg)
	if err != nil {
		return err
	}
	if migrateBeforeRun {
		if err := config.Migrate(db); err != nil {
			return err
		}
	}

	eng, err := newEngine(cfg, db)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := eng.runner.Run(ctx)
	if summary != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	}
	if err != nil {
		return fmt.Errorf("sequence run failed: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to serve the automation API")
	}

	db, err := config.ConnectDB(cfg)
	if err != nil {
		return err
	}
	if err := config.Migrate(db); err != nil {
		return err
	}

	eng, err := newEngine(cfg, db)
	if errors.Is(err, errSMTPNotConfigured) {
		logrus.Warn("SMTP is not configured; tracking endpoints are served but runs are disabled")
	} else if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rateLimitStorage := newRateLimitStorage(ctx, cfg)
	if rateLimitStorage != nil {
		defer rateLimitStorage.Close()
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "clinicmail",
		DisableStartupMessage: cfg.Environment == "production",
		ProxyHeader:           fiber.HeaderXForwardedFor,
	})

	app.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins...)))

	deps := routes.Dependencies{
		Config:  cfg,
		Store:   eng.store,
		Runner:  eng.runner,
		Tracker: eng.tracker,
		Metrics: eng.metrics,
		HealthCheck: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		Logger: logrus.NewEntry(logrus.StandardLogger()),
	}
	if rateLimitStorage != nil {
		deps.RateLimitStorage = rateLimitStorage
	}
	routes.SetupRoutes(app, deps)

	if cfg.Automation.Interval > 0 && eng.smtpReady {
		automationWorker := worker.NewAutomationWorker(eng.runner, cfg.Automation.Interval, nil)
		go automationWorker.Start(ctx)
	}

	go func() {
		<-ctx.Done()
		logrus.Info("Shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
	}()

	logrus.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := config.ConnectDB(cfg)
	if err != nil {
		return err
	}
	return config.Migrate(db)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to mint tokens")
	}
	token, err := utils.GenerateAdminToken(cfg.JWTSecret, tokenSubject, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// newRateLimitStorage returns nil when Redis is disabled or unreachable
func newRateLimitStorage(ctx context.Context, cfg *config.Config) *middleware.RedisStorage {
	if !cfg.Redis.Enabled {
		return nil
	}
	storage := middleware.NewRedisStorage(middleware.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := storage.Ping(pingCtx); err != nil {
		logrus.WithError(err).Warn("Redis unreachable; rate limits fall back to memory")
		storage.Close()
		return nil
	}
	return storage
}
