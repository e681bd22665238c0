package benchproxy

import "time"

type BackoffStrategy interface {
	Backoff()
	WithinBackoff() bool
	BackoffWait() time.Duration
}

// StaticBackoff waits a fixed interval after every Backoff call.
type StaticBackoff struct {
	lastBackoffTime time.Time
	interval        time.Duration
}

func NewStaticBackoff(interval time.Duration) *StaticBackoff {
	return &StaticBackoff{interval: interval}
}

func (b *StaticBackoff) Backoff() {
	b.lastBackoffTime = time.Now()
}

func (b *StaticBackoff) WithinBackoff() bool {
	if b.lastBackoffTime.IsZero() {
		return false
	}
	return time.Since(b.lastBackoffTime) < b.interval
}

func (b *StaticBackoff) BackoffWait() time.Duration {
	if b.WithinBackoff() {
		return b.interval - time.Since(b.lastBackoffTime)
	}
	return 0
}
