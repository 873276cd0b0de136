package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/groupmarket/backend/internal/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the per-session circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Interval            time.Duration
	MaxRequests         uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 3,
		Timeout:             time.Minute,
		Interval:            5 * time.Minute,
		MaxRequests:         1,
	}
}

// Breaker wraps an Agent with one circuit breaker per session so that a
// flaky login does not keep eating transfer attempts.
type Breaker struct {
	next     Agent
	config   BreakerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ Agent = (*Breaker)(nil)

func NewBreaker(next Agent, config BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		next:     next,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breaker) breaker(name string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[name]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok = b.breakers[name]; ok {
		return cb
	}

	threshold := b.config.ConsecutiveFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: b.config.MaxRequests,
		Interval:    b.config.Interval,
		Timeout:     b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// business refusals say nothing about the session's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("agent circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	b.breakers[name] = cb
	return cb
}

// State reports the breaker state for a session.
func (b *Breaker) State(sessionID int64) gobreaker.State {
	return b.breaker(sessionKey(sessionID)).State()
}

func sessionKey(id int64) string {
	return "session-" + strconv.FormatInt(id, 10)
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w: %s", ErrCircuitOpen, ErrTransient, cb.Name())
		}
		return zero, err
	}
	return result.(T), nil
}

func (b *Breaker) Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error) {
	return execute(b.breaker("authenticate"), func() (*AuthResult, error) {
		return b.next.Authenticate(ctx, creds)
	})
}

func (b *Breaker) GroupInfo(ctx context.Context, session SessionRef, groupID int64) (*models.GroupInfo, error) {
	return execute(b.breaker(sessionKey(session.SessionID)), func() (*models.GroupInfo, error) {
		return b.next.GroupInfo(ctx, session, groupID)
	})
}

func (b *Breaker) VerifyMembership(ctx context.Context, session SessionRef, groupID, userID int64) (bool, error) {
	return execute(b.breaker(sessionKey(session.SessionID)), func() (bool, error) {
		return b.next.VerifyMembership(ctx, session, groupID, userID)
	})
}

func (b *Breaker) TransferOwnership(ctx context.Context, session SessionRef, groupID, newOwnerID int64) (*TransferResult, error) {
	return execute(b.breaker(sessionKey(session.SessionID)), func() (*TransferResult, error) {
		return b.next.TransferOwnership(ctx, session, groupID, newOwnerID)
	})
}

// HealthCheck bypasses the breaker: it is how an open breaker's session proves itself again.
func (b *Breaker) HealthCheck(ctx context.Context, session SessionRef) (HealthState, error) {
	return b.next.HealthCheck(ctx, session)
}
