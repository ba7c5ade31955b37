package webhook

import (
	"time"

	"ExtensionHost/internal/manifest"
)

// Backoff computes the wait before the attempt following attempt n (1-based).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after attempt n for the given backoff kind.
func (b Backoff) Delay(kind string, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if kind == manifest.BackoffFixed {
		return b.capped(b.Base)
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return b.capped(d)
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Budget is the overall time a delivery may take: every attempt at its timeout plus every wait.
func (b Backoff) Budget(kind string, attempts int, attemptTimeout time.Duration) time.Duration {
	total := time.Duration(attempts) * attemptTimeout
	for n := 1; n < attempts; n++ {
		total += b.Delay(kind, n)
	}
	return total
}
