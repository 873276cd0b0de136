package services

import (
	"context"
	"fmt"

	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/models"
	"go.uber.org/zap"
)

// HealthReport summarizes one health check pass.
type HealthReport struct {
	Checked   int `json:"checked"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// HealthMonitor drives agent health checks over idle sessions.
type HealthMonitor struct {
	pool   *SessionPoolService
	agent  agent.Agent
	logger *zap.Logger
}

func NewHealthMonitor(pool *SessionPoolService, ag agent.Agent, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{pool: pool, agent: ag, logger: logger.Named("health")}
}

// CheckAll probes every idle authenticated or unhealthy session.
func (m *HealthMonitor) CheckAll(ctx context.Context) (*HealthReport, error) {
	sessions, err := m.pool.List(ctx, models.AuthAuthenticated, models.AuthUnhealthy)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	report := &HealthReport{}
	for _, session := range sessions {
		if session.InUseBy != nil {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		report.Checked++
		healthy, err := m.Check(ctx, session.ID)
		if err != nil {
			m.logger.Warn("health check failed", zap.Int64("session_id", session.ID), zap.Error(err))
		}
		if healthy {
			report.Healthy++
		} else {
			report.Unhealthy++
		}
	}
	return report, nil
}

// Check probes one session and records the outcome.
func (m *HealthMonitor) Check(ctx context.Context, sessionID int64) (bool, error) {
	ref, err := m.pool.Open(ctx, sessionID)
	if err != nil {
		return false, err
	}

	state, err := m.agent.HealthCheck(ctx, ref)
	if err == nil && state == agent.HealthOK {
		return true, m.pool.MarkHealthy(ctx, sessionID)
	}

	cause := string(state)
	if err != nil {
		cause = err.Error()
	}
	if merr := m.pool.MarkUnhealthy(ctx, sessionID, cause); merr != nil {
		return false, merr
	}
	return false, err
}
