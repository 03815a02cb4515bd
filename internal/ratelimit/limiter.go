package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

// Cache is the narrow KV dependency this package needs.
type Cache interface {
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Limiter implements fixed-window rate limiting over the shared KV.
type Limiter struct {
	cache Cache
}

func NewLimiter(cache Cache) *Limiter {
	return &Limiter{cache: cache}
}

// Config holds rate limit configuration.
type Config struct {
	Limit  int
	Window time.Duration
}

// Standard rate limit configurations, per SPEC_FULL.md's supplemented
// login-rate-limiting feature.
var (
	APIDefault      = Config{Limit: 100, Window: time.Minute}
	LoginAttempt    = Config{Limit: 5, Window: time.Minute}
	RegisterAttempt = Config{Limit: 3, Window: time.Minute}
)

// Check reports ErrRateLimited once key has exceeded cfg.Limit hits within
// cfg.Window. A cache failure fails open — a rate limiter must never be
// the reason a login is rejected.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) error {
	count, err := l.cache.IncrementWithExpiry(ctx, "ratelimit:"+key, cfg.Window)
	if err != nil {
		return nil
	}
	if int(count) > cfg.Limit {
		return ErrRateLimited
	}
	return nil
}

// CheckUsername rate-limits by username, for login/register attempts.
func (l *Limiter) CheckUsername(ctx context.Context, username, action string, cfg Config) error {
	key := fmt.Sprintf("user:%s:%s", username, action)
	return l.Check(ctx, key, cfg)
}

// CheckIP rate-limits by client IP.
func (l *Limiter) CheckIP(ctx context.Context, ip, action string, cfg Config) error {
	key := fmt.Sprintf("ip:%s:%s", ip, action)
	return l.Check(ctx, key, cfg)
}

// GetRemainingRequests returns how many requests remain in the current
// window, incrementing as a side effect (matches Check's accounting).
func (l *Limiter) GetRemainingRequests(ctx context.Context, key string, cfg Config) (int, error) {
	count, err := l.cache.IncrementWithExpiry(ctx, "ratelimit:"+key, cfg.Window)
	if err != nil {
		return cfg.Limit, nil
	}

	remaining := cfg.Limit - int(count) + 1
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RateLimitInfo is surfaced in response headers.
type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"`
}

func (l *Limiter) GetInfo(ctx context.Context, key string, cfg Config) (*RateLimitInfo, error) {
	remaining, err := l.GetRemainingRequests(ctx, key, cfg)
	if err != nil {
		return nil, err
	}
	return &RateLimitInfo{
		Limit:     cfg.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(cfg.Window).Unix(),
	}, nil
}
