package pipeline

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before a failed job becomes claimable
// again: base * 2^attempt plus a random jitter in [0, base), capped. The
// jitter keeps a burst of failures (say, an external model outage) from
// retrying in lockstep.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the backoff for the given attempt count (1-based: the delay
// scheduled after the attempt that just failed).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 30 * time.Second
	}
	ceiling := p.Cap
	if ceiling <= 0 {
		ceiling = 30 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			d = ceiling
			break
		}
	}
	d += time.Duration(rand.Int63n(int64(base)))
	if d > ceiling {
		d = ceiling
	}
	return d
}
