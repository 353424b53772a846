package channel

import (
	"context"
	"time"
)

// sleepCtx blocks for d or until ctx is done. Returns true if the
// sleep completed (context still alive).
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff walks the fixed reconnect ladder 2s, 4s, 8s, 16s, 30s and
// stays at the cap until Reset.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base}
}

// Next returns the current delay, then doubles it up to the cap.
func (b *backoff) Next() time.Duration {
	d := b.current
	if next := b.current * 2; next > b.max {
		b.current = b.max
	} else {
		b.current = next
	}
	return d
}

// Exhausted reports whether the ladder has reached its cap.
func (b *backoff) Exhausted() bool {
	return b.current >= b.max
}

// Reset sets the delay back to the base value.
func (b *backoff) Reset() {
	b.current = b.base
}
