package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/database"
	"github.com/groupmarket/backend/internal/handlers"
	"github.com/groupmarket/backend/internal/logging"
	mW "github.com/groupmarket/backend/internal/middleware"
	"github.com/groupmarket/backend/internal/services"
	"github.com/groupmarket/backend/internal/vault"
	"github.com/groupmarket/backend/internal/worker"
	"go.uber.org/zap"
)

const idempotencyTTL = 24 * time.Hour

func main() {
	config.Init()
	cfg := config.Load()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDB(ctx, logger)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer db.Close()

	if err := database.MigrateUp(db); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	redisClient := database.InitRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	v, err := vault.New(vault.Config{MasterKey: cfg.Vault.MasterKey, Salt: []byte(cfg.Vault.Salt)})
	if err != nil {
		logger.Fatal("failed to initialize vault", zap.Error(err))
	}

	auditLogger := audit.NewLogger(logger)
	ag := agent.NewBreaker(
		agent.NewHTTPClient(cfg.Agent.BaseURL, cfg.Agent.Token, cfg.Agent.Timeout),
		agent.DefaultBreakerConfig(),
		logger,
	)

	ledger := services.NewLedgerService(db, auditLogger, logger)
	if cfg.Market.ChargesFees() {
		if err := ledger.EnsureAccount(ctx, cfg.Market.FeeAccountID, "fees"); err != nil {
			logger.Fatal("failed to provision fee account", zap.Error(err))
		}
	} else if cfg.Market.SellingFeeRate.IsPositive() || cfg.Market.BuyingFeeRate.IsPositive() {
		logger.Warn("no fee account configured, buying and selling fees are not charged",
			zap.String("selling_fee_rate", cfg.Market.SellingFeeRate.String()),
			zap.String("buying_fee_rate", cfg.Market.BuyingFeeRate.String()))
	}

	pool := services.NewSessionPoolService(db, ag, v, cfg.Market.MaxSessionsPerOwner, auditLogger, logger)
	health := services.NewHealthMonitor(pool, ag, logger)
	listings := services.NewListingService(db, ledger, ag, pool, cfg.Market, auditLogger, logger)
	compensations := services.NewCompensationRepository(db)
	compensator := services.NewCompensator(compensations, ledger, cfg.Compensation, auditLogger, logger)
	purchases := services.NewPurchaseService(ledger, listings, pool, ag, compensator, compensations, services.PurchaseConfig{
		Market:          cfg.Market,
		Transfer:        cfg.Transfer,
		TransferTimeout: cfg.Market.ListingTimeout,
		StuckAfter:      cfg.Sweeper.StuckTransfer,
	}, auditLogger, logger)
	payerTags := services.NewPayerTagStore(db)
	payments := services.NewPaymentService(ledger, payerTags, services.NewValidationHelper(), cfg.Market.Currency, logger)
	withdrawals := services.NewWithdrawalService(db, ledger, cfg.Market, auditLogger, logger)

	secret := []byte(cfg.JWT.SecretKey)
	if len(secret) == 0 {
		logger.Fatal("JWT_SECRET_KEY is required")
	}
	authenticator := mW.NewAuthenticator(secret, redisClient, logger)
	provisioning := mW.NewAccountProvisioning(ledger, logger)
	idempotency := mW.NewIdempotency(redisClient, idempotencyTTL, logger)

	market := handlers.NewMarketHandler(listings, purchases, logger)
	account := handlers.NewAccountHandler(ledger, withdrawals, authenticator, logger)
	admin := handlers.NewAdminHandler(handlers.AdminDeps{
		Ledger:        ledger,
		Sessions:      pool,
		Health:        health,
		Withdrawals:   withdrawals,
		Interventions: compensations,
		Purchases:     purchases,
		Payers:        payerTags,
	}, logger)
	webhook := handlers.NewWebhookHandler(payments, []byte(cfg.Webhook.Secret), logger)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.IdempotencyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Route("/api/v1", func(r chi.Router) {
		market.Routes(r)
		r.Post("/webhooks/tips", webhook.Tips)

		r.Group(func(r chi.Router) {
			r.Use(authenticator.Middleware)
			r.Use(provisioning.Middleware)

			market.AuthenticatedRoutes(r)
			account.Routes(r)

			r.With(idempotency.Middleware).Post("/purchases", market.Buy)
			r.With(idempotency.Middleware).Post("/withdrawals", account.Withdraw)

			r.Route("/admin", func(r chi.Router) {
				r.Use(mW.AdminOnly)
				admin.Routes(r)
			})
		})
	})

	sweeper := worker.NewSweeper(purchases, health, redisClient, cfg.Sweeper, logger)
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}
