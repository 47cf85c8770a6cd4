package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

var fast = RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

func TestRetryWithBackoff_SuccessAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := RetryWithBackoff(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return nodeerr.New(nodeerr.KindTransport, "", "refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoff_AllFail(t *testing.T) {
	calls := 0
	attempts, err := RetryWithBackoff(context.Background(), fast, func(context.Context) error {
		calls++
		return nodeerr.New(nodeerr.KindTransport, "", "refused")
	})
	if err == nil {
		t.Fatal("expected error after all retries")
	}
	if calls != 4 || attempts != 4 { // 1 initial + 3 retries
		t.Errorf("calls=%d attempts=%d, want 4", calls, attempts)
	}
}

func TestRetryWithBackoff_StopsOnNonRetryable(t *testing.T) {
	for _, kind := range []nodeerr.Kind{nodeerr.KindTrust, nodeerr.KindFormat, nodeerr.KindAuth, nodeerr.KindPairing} {
		calls := 0
		_, err := RetryWithBackoff(context.Background(), fast, func(context.Context) error {
			calls++
			return nodeerr.New(kind, "", "nope")
		})
		if nodeerr.KindOf(err) != kind {
			t.Errorf("%s: err = %v", kind, err)
		}
		if calls != 1 {
			t.Errorf("%s: retried %d times", kind, calls-1)
		}
	}
}

func TestRetryWithBackoff_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: -1, BaseDelay: time.Hour, MaxDelay: time.Hour}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := RetryWithBackoff(ctx, cfg, func(context.Context) error {
		return nodeerr.New(nodeerr.KindTransport, "", "down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffWithJitter_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second
	for attempt := 0; attempt < 40; attempt++ {
		d := backoffWithJitter(base, max, attempt)
		want := base << uint(min(attempt, 30))
		if want > max || want <= 0 {
			want = max
		}
		lo, hi := want-want/4, want+want/4
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}
}
