package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/api"
	"github.com/meridianos/meridian/internal/app"
	"github.com/meridianos/meridian/internal/app/maintenance"
	"github.com/meridianos/meridian/internal/billing"
	"github.com/meridianos/meridian/internal/cache"
	"github.com/meridianos/meridian/internal/database"
	ghstats "github.com/meridianos/meridian/internal/github"
	"github.com/meridianos/meridian/internal/middleware"
	"github.com/meridianos/meridian/internal/services"
	"github.com/meridianos/meridian/pkg/crypto"
	"github.com/meridianos/meridian/pkg/logger"
	"github.com/meridianos/meridian/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("meridian-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	// Local development convenience; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	dbStore := cache.NewDatabaseStore(db)

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return fmt.Errorf("initialise mailer: %w", err)
	}
	notifier := services.NewEmailNotifier(mailer, cfg.Server.BaseURL)

	waitlistSvc, err := services.NewWaitlistService(db, notifier,
		services.WithVerificationExpiry(cfg.Waitlist.VerificationExpiry))
	if err != nil {
		return fmt.Errorf("initialise waitlist service: %w", err)
	}

	referralSvc, err := services.NewReferralService(db,
		services.WithRewardPercent(cfg.Referral.RewardPercent),
		services.WithRewardWindowMonths(cfg.Referral.WindowMonths))
	if err != nil {
		return fmt.Errorf("initialise referral service: %w", err)
	}

	licenseSvc, err := services.NewLicenseService(db, notifier, crypto.LicenseKey)
	if err != nil {
		return fmt.Errorf("initialise license service: %w", err)
	}

	webhooks, err := billing.NewProcessor(db, licenseSvc, referralSvc, cfg.Stripe.WebhookSecret)
	if err != nil {
		return fmt.Errorf("initialise webhook processor: %w", err)
	}
	if strings.TrimSpace(cfg.Stripe.WebhookSecret) == "" {
		log.Warn("stripe webhook secret not configured; webhook endpoint will refuse deliveries")
	}

	githubClient, err := buildGitHubClient(cfg, dbStore)
	if err != nil {
		return err
	}

	cleaner := maintenance.NewCleaner(db, waitlistSvc, referralSvc)
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	router, err := api.NewRouter(db, cfg, api.Dependencies{
		Waitlist:  waitlistSvc,
		Referrals: referralSvc,
		Licenses:  licenseSvc,
		Webhooks:  webhooks,
		GitHub:    githubClient,
		RateStore: middleware.NewDatabaseRateStore(dbStore),
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func buildGitHubClient(cfg *app.Config, store cache.Store) (*ghstats.Client, error) {
	owner := strings.TrimSpace(cfg.GitHub.Owner)
	repo := strings.TrimSpace(cfg.GitHub.Repo)
	if owner == "" || repo == "" {
		return nil, nil
	}

	ttl := cfg.GitHub.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	statsCache, err := cache.NewReadThrough(store, ttl)
	if err != nil {
		return nil, fmt.Errorf("initialise github cache: %w", err)
	}

	return ghstats.NewClient(owner, repo, cfg.GitHub.Token, statsCache)
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
