package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Config holds retry configuration for ledger submissions.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the default submission retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

func (cfg *Config) Validate() error {
	if cfg.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if cfg.BaseBackoff <= 0 {
		return errors.New("base backoff must be greater than 0")
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		return errors.New("max backoff must be >= base backoff")
	}
	return nil
}

// Do executes fn with exponential backoff, retrying only transient errors.
// Returns the last error if all attempts fail.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// IsTransient reports whether an error is a transient submission failure worth
// retrying: network trouble, RPC congestion, or blockhash/sequence expiry.
// Context cancellation and on-chain execution errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"blockhash not found",
		"block height exceeded",
		"node is behind",
		"transaction was not confirmed",
		"connection reset",
		"connection refused",
		"broken pipe",
		"eof",
		"timeout",
		"too many requests",
		"rate limit",
		"service unavailable",
		"temporary failure",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// backoff computes base * 2^attempt capped at max, with 0.5-1.0x jitter to
// spread concurrent retries.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt))
	if d > max {
		d = max
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
