package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/trustline/server/internal/config"
	"github.com/trustline/server/internal/db"
	httphandler "github.com/trustline/server/internal/http"
	"github.com/trustline/server/internal/http/handlers"
	"github.com/trustline/server/internal/identity"
	"github.com/trustline/server/internal/repo"
	"github.com/trustline/server/internal/session"
	"github.com/trustline/server/internal/transport"

	_ "github.com/lib/pq"
)

func main() {
	// .env is optional; env vars override.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store := repo.NewSessionStore(database)

	validator := identity.NewTokenValidator(cfg.IdentityJWTSecret)
	provider := identity.NewHTTPClient(cfg.IdentityBaseURL, validator)
	var sender transport.Sender = transport.NewRetrySender(transport.NewHTTPSender(cfg.TransportBaseURL))
	if cfg.DevMode {
		log.Println("DEV_MODE: outbound messages are logged, not delivered")
		sender = transport.LogSender{}
	}

	manager := session.NewManager(store, provider, sender, session.ManagerConfig{
		SessionDurationDays: cfg.SessionDurationDays,
		CodeTTL:             cfg.OTPTTL,
		TrustedPrefix:       cfg.TrustedChannelPrefix,
		OTPSalt:             cfg.OTPSalt,
	})

	webhookHandler := handlers.NewWebhookHandler(manager)
	router := httphandler.NewRouter(webhookHandler, cfg.TransportWebhookSecret)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweeper := session.NewSweeper(store, cfg.SweepInterval)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && err != context.Canceled {
			return fmt.Errorf("sweeper: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the module root)")
	}

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
