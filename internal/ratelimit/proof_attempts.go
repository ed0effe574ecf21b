package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/medibill/internal/config"
)

const keyProofAttempts = "medibill:proof:attempts:%s"

// ProofAttemptLimiter throttles proof submissions per payment session so a
// payer cannot brute force references inside one window.
type ProofAttemptLimiter struct {
	bucket *TokenBucket
	limit  Limit
}

func NewProofAttemptLimiter(cfg config.Config, bucket *TokenBucket) (*ProofAttemptLimiter, error) {
	if !cfg.ProofRateLimitEnabled {
		return nil, nil
	}
	if bucket == nil {
		return nil, errors.New("proof rate limit requires redis")
	}
	limit := Limit{Rate: cfg.ProofAttemptRate, Burst: cfg.ProofAttemptBurst}
	if err := limit.validate(); err != nil {
		return nil, fmt.Errorf("proof attempts: %w", err)
	}
	return &ProofAttemptLimiter{bucket: bucket, limit: limit}, nil
}

func (l *ProofAttemptLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *ProofAttemptLimiter) AllowAttempt(ctx context.Context, sessionID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	d, err := l.bucket.Take(ctx, fmt.Sprintf(keyProofAttempts, strings.TrimSpace(sessionID)), l.limit)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}
