package reconnect

import (
	"time"

	"github.com/kyson-dev/akon/internal/config"
)

// Backoff returns min(base * mult^(attempt-1), max). attempt is 1-indexed;
// values below 1 are treated as 1. The power is never materialized, so large
// attempts can not overflow.
func Backoff(p config.ReconnectionPolicy, attempt uint32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := uint64(p.MaxIntervalSecs)
	mult := uint64(p.BackoffMultiplier)
	interval := uint64(p.BaseIntervalSecs)

	for i := uint32(1); i < attempt && interval < limit && mult > 1; i++ {
		interval *= mult
	}
	if interval > limit {
		interval = limit
	}
	return time.Duration(interval) * time.Second
}
