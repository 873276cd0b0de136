package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/database"
	"github.com/groupmarket/backend/internal/logging"
	"github.com/groupmarket/backend/internal/services"
	"github.com/groupmarket/backend/internal/vault"
	"go.uber.org/zap"
)

// app wires the services on first use so that offline commands never dial the database.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *sql.DB
	redis *redis.Client

	ledger      *services.LedgerService
	pool        *services.SessionPoolService
	health      *services.HealthMonitor
	purchases   *services.PurchaseService
	withdrawals *services.WithdrawalService
}

func newApp() *app {
	return &app{}
}

func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	config.Init()
	a.cfg = config.Load()

	logger, err := logging.New(a.cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	if err := a.load(); err != nil {
		return nil, err
	}
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.InitDB(ctx, a.logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) wire(ctx context.Context) error {
	if a.ledger != nil {
		return nil
	}
	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	cfg := a.cfg

	v, err := vault.New(vault.Config{MasterKey: cfg.Vault.MasterKey, Salt: []byte(cfg.Vault.Salt)})
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	a.redis = database.InitRedis(ctx, cfg.Redis, a.logger)

	auditLogger := audit.NewLogger(a.logger)
	ag := agent.NewBreaker(
		agent.NewHTTPClient(cfg.Agent.BaseURL, cfg.Agent.Token, cfg.Agent.Timeout),
		agent.DefaultBreakerConfig(),
		a.logger,
	)

	a.ledger = services.NewLedgerService(db, auditLogger, a.logger)
	a.pool = services.NewSessionPoolService(db, ag, v, cfg.Market.MaxSessionsPerOwner, auditLogger, a.logger)
	a.health = services.NewHealthMonitor(a.pool, ag, a.logger)
	listings := services.NewListingService(db, a.ledger, ag, a.pool, cfg.Market, auditLogger, a.logger)
	compensations := services.NewCompensationRepository(db)
	compensator := services.NewCompensator(compensations, a.ledger, cfg.Compensation, auditLogger, a.logger)
	a.purchases = services.NewPurchaseService(a.ledger, listings, a.pool, ag, compensator, compensations, services.PurchaseConfig{
		Market:          cfg.Market,
		Transfer:        cfg.Transfer,
		TransferTimeout: cfg.Market.ListingTimeout,
		StuckAfter:      cfg.Sweeper.StuckTransfer,
	}, auditLogger, a.logger)
	a.withdrawals = services.NewWithdrawalService(db, a.ledger, cfg.Market, auditLogger, a.logger)
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}
