// Package worker runs the periodic recovery sweep and session health checks.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/services"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned by RunOnce when another replica holds the sweeper lease.
var ErrLeaseHeld = errors.New("sweeper lease held elsewhere")

type Recoverer interface {
	Recover(ctx context.Context) (*services.RecoveryReport, error)
}

type HealthChecker interface {
	CheckAll(ctx context.Context) (*services.HealthReport, error)
}

// Sweeper runs recovery passes on a ticker. With Redis configured only the
// replica holding the lease runs a pass; without Redis every pass runs locally.
type Sweeper struct {
	recoverer Recoverer
	health    HealthChecker
	rs        *redsync.Redsync
	cfg       config.SweeperConfig
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	lastHealth time.Time
}

func NewSweeper(recoverer Recoverer, health HealthChecker, rdb *redis.Client, cfg config.SweeperConfig, logger *zap.Logger) *Sweeper {
	s := &Sweeper{
		recoverer: recoverer,
		health:    health,
		cfg:       cfg,
		logger:    logger.Named("sweeper"),
		now:       time.Now,
	}
	if rdb != nil {
		s.rs = redsync.New(goredis.NewPool(rdb))
	}
	return s
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", interval), zap.Bool("leased", s.rs != nil))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrLeaseHeld) {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one sweep under the lease.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if s.rs == nil {
		return s.sweep(ctx)
	}

	expiry := s.cfg.LeaseExpiry
	if expiry <= 0 {
		expiry = 2 * time.Minute
	}
	mutex := s.rs.NewMutex(s.cfg.LeaseKey,
		redsync.WithExpiry(expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		s.logger.Debug("sweeper lease not acquired", zap.String("key", s.cfg.LeaseKey), zap.Error(err))
		return ErrLeaseHeld
	}
	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			s.logger.Warn("failed to release sweeper lease", zap.Bool("ok", ok), zap.Error(err))
		}
	}()

	return s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) error {
	report, err := s.recoverer.Recover(ctx)
	if report != nil && (report.Expired+report.Compensated+report.Escalated+report.CompensationsRun > 0 || report.SessionsReleased > 0) {
		s.logger.Info("recovery pass",
			zap.Int("expired", report.Expired),
			zap.Int("compensated", report.Compensated),
			zap.Int("compensations_run", report.CompensationsRun),
			zap.Int("escalated", report.Escalated),
			zap.Int64("sessions_released", report.SessionsReleased),
			zap.Int("failures", report.Failures),
		)
	}

	if s.health != nil && s.healthDue() {
		hr, herr := s.health.CheckAll(ctx)
		if herr != nil {
			err = errors.Join(err, herr)
		} else {
			s.logger.Info("session health pass",
				zap.Int("checked", hr.Checked),
				zap.Int("healthy", hr.Healthy),
				zap.Int("unhealthy", hr.Unhealthy),
			)
		}
	}
	return err
}

func (s *Sweeper) healthDue() bool {
	if s.cfg.HealthInterval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastHealth.IsZero() && now.Sub(s.lastHealth) < s.cfg.HealthInterval {
		return false
	}
	s.lastHealth = now
	return true
}
