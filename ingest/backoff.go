package ingest

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff describes an exponential retry delay.
type Backoff struct {
	InitialDelay time.Duration
	// MaxDelay caps the delay. Zero means maxBackoffDelay.
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter scales every delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// maxBackoffDelay bounds the delay of policies without MaxDelay.
const maxBackoffDelay = 24 * time.Hour

// DefaultQueueBackoff is the reconnect policy of the queue channel.
var DefaultQueueBackoff = Backoff{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}

// Delay returns the delay before retry attempt n (1-based).
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}

	limit := b.MaxDelay
	if limit <= 0 {
		limit = maxBackoffDelay
	}

	// math.Pow overflows to +Inf for large attempts; the comparison catches it
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if delay > float64(limit) {
		delay = float64(limit)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}

	return time.Duration(delay)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
