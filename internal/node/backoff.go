package node

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

// RetryConfig controls exponential backoff for reconnect attempts. The
// transport never reconnects on its own; long-running callers such as the
// subscribe command use RetryWithBackoff.
type RetryConfig struct {
	MaxRetries int           // max retry attempts, negative = until ctx ends
	BaseDelay  time.Duration // initial backoff delay (default 2s)
	MaxDelay   time.Duration // maximum backoff delay (default 30s)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryWithBackoff runs fn until it succeeds, returns an error that is not
// retryable (format, trust, auth, pairing), retries run out, or ctx ends.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) (attempts int, err error) {
	for attempt := 0; cfg.MaxRetries < 0 || attempt <= cfg.MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		if !nodeerr.Retryable(err) {
			return attempt + 1, err
		}
		if cfg.MaxRetries >= 0 && attempt == cfg.MaxRetries {
			return attempt + 1, err
		}

		delay := backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt)
		slog.Info("node: retrying", "attempt", attempt+1, "delay", delay.Round(time.Millisecond), "error", err)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, ctx.Err()
		}
	}
	return cfg.MaxRetries + 1, err
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt) // base * 2^attempt
	if delay > max || delay <= 0 {
		delay = max
	}

	// Jitter: ±25% of delay
	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}
