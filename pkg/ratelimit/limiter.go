package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/config"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
)

// Level identifies one accounting level of the limiter.
type Level string

const (
	LevelUser    Level = "user"
	LevelSession Level = "session"
	LevelChannel Level = "channel"
)

// Error is returned when a limit is exceeded. It carries enough context for
// callers to communicate retry timing. Never retried internally.
type Error struct {
	Level      Level
	Limit      int
	Remaining  int
	ResetAt    float64 // epoch seconds when the oldest counted event leaves the window
	RetryAfter int     // whole seconds until ResetAt
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry in %ds", e.Level, e.RetryAfter)
}

// Status is the read-only view of one limit key.
type Status struct {
	Limit         int     `json:"limit"`
	Remaining     int     `json:"remaining"`
	ResetAt       float64 `json:"reset_at"`
	WindowSeconds int     `json:"window_seconds"`
}

// CounterStore is the sliding-window accounting backend. Allow must be an
// atomic check-and-increment per key: it either consumes one unit and
// returns true, or consumes nothing and returns false. Peek never consumes.
type CounterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Peek(ctx context.Context, key string, limit int, window time.Duration) (Status, error)
}

// memoryCounters is the default in-process CounterStore: per-key timestamp
// slices pruned to the window under a single mutex.
type memoryCounters struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func newMemoryCounters() *memoryCounters {
	return &memoryCounters{events: make(map[string][]time.Time)}
}

func (c *memoryCounters) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	kept := c.prune(key, now, window)
	if len(kept) >= limit {
		return false, nil
	}
	c.events[key] = append(kept, now)
	return true, nil
}

func (c *memoryCounters) Peek(_ context.Context, key string, limit int, window time.Duration) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	kept := c.prune(key, now, window)

	remaining := limit - len(kept)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(window)
	if len(kept) > 0 {
		resetAt = kept[0].Add(window)
	}

	return Status{
		Limit:         limit,
		Remaining:     remaining,
		ResetAt:       float64(resetAt.UnixMilli()) / 1000.0,
		WindowSeconds: int(window / time.Second),
	}, nil
}

// prune drops events older than the window; caller must hold the lock.
// The kept slice stays in oldest-first order.
func (c *memoryCounters) prune(key string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	events := c.events[key]

	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	kept := events[i:]
	if i > 0 {
		c.events[key] = kept
	}
	return kept
}

// Limiter enforces the three independent accounting levels: user, session
// and channel (keyed by channel+user). CheckAllLimits evaluates them in that
// order and stops at the first violation without consuming tokens at
// subsequent levels.
type Limiter struct {
	counters CounterStore
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewLimiter(counters CounterStore, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Limiter {
	if counters == nil {
		counters = newMemoryCounters()
	}
	return &Limiter{
		counters: counters,
		config:   cfg,
		logger:   logger,
		metrics:  m,
	}
}

func limitKey(level Level, identifier string) string {
	return "rate_limit:" + string(level) + ":" + identifier
}

func (l *Limiter) limitFor(level Level) int {
	switch level {
	case LevelUser:
		return l.config.UserRateLimit
	case LevelSession:
		return l.config.SessionRateLimit
	default:
		return l.config.ChannelRateLimit
	}
}

// check consumes one unit at the given level or returns *Error.
func (l *Limiter) check(ctx context.Context, level Level, identifier string) error {
	limit := l.limitFor(level)
	window := l.config.RateLimitWindow()
	key := limitKey(level, identifier)

	allowed, err := l.counters.Allow(ctx, key, limit, window)
	if err != nil {
		return fmt.Errorf("rate limit check failed for %s: %w", key, err)
	}
	if allowed {
		return nil
	}

	status, err := l.counters.Peek(ctx, key, limit, window)
	if err != nil {
		return fmt.Errorf("rate limit status failed for %s: %w", key, err)
	}

	retryAfter := int(status.ResetAt - float64(time.Now().UnixMilli())/1000.0)
	if retryAfter < 0 {
		retryAfter = 0
	}

	l.metrics.RateLimitRejectionsTotal.WithLabelValues(string(level)).Inc()
	l.logger.WithFields(logrus.Fields{
		"level":       level,
		"identifier":  identifier,
		"limit":       limit,
		"retry_after": retryAfter,
	}).Warn("Rate limit exceeded")

	return &Error{
		Level:      level,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    status.ResetAt,
		RetryAfter: retryAfter,
	}
}

// CheckUserLimit consumes one user-level unit.
func (l *Limiter) CheckUserLimit(ctx context.Context, userID string) error {
	return l.check(ctx, LevelUser, userID)
}

// CheckSessionLimit consumes one session-level unit.
func (l *Limiter) CheckSessionLimit(ctx context.Context, sessionID string) error {
	return l.check(ctx, LevelSession, sessionID)
}

// CheckChannelLimit consumes one channel-level unit, keyed by channel+user.
func (l *Limiter) CheckChannelLimit(ctx context.Context, channel models.ChannelType, userID string) error {
	return l.check(ctx, LevelChannel, string(channel)+":"+userID)
}

// CheckAllLimits evaluates user, then session, then channel. The first
// violation aborts the chain so later levels keep their tokens.
func (l *Limiter) CheckAllLimits(ctx context.Context, userID, sessionID string, channel models.ChannelType) error {
	if err := l.CheckUserLimit(ctx, userID); err != nil {
		return err
	}
	if err := l.CheckSessionLimit(ctx, sessionID); err != nil {
		return err
	}
	return l.CheckChannelLimit(ctx, channel, userID)
}

// GetStatus reports the current standing of each level without consuming
// tokens. Session and channel are included only when identifiers are given.
func (l *Limiter) GetStatus(ctx context.Context, userID, sessionID string, channel models.ChannelType) (map[Level]Status, error) {
	window := l.config.RateLimitWindow()
	result := make(map[Level]Status)

	userStatus, err := l.counters.Peek(ctx, limitKey(LevelUser, userID), l.config.UserRateLimit, window)
	if err != nil {
		return nil, err
	}
	result[LevelUser] = userStatus

	if sessionID != "" {
		sessionStatus, err := l.counters.Peek(ctx, limitKey(LevelSession, sessionID), l.config.SessionRateLimit, window)
		if err != nil {
			return nil, err
		}
		result[LevelSession] = sessionStatus
	}

	if channel != "" {
		channelStatus, err := l.counters.Peek(ctx, limitKey(LevelChannel, string(channel)+":"+userID), l.config.ChannelRateLimit, window)
		if err != nil {
			return nil, err
		}
		result[LevelChannel] = channelStatus
	}

	return result, nil
}
