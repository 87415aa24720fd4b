package transfer

import (
	"context"

	"golang.org/x/time/rate"
)

// NewRateGovernor builds a Governor backed by a token-bucket rate limiter,
// per spec §4.F "a token-bucket governor from the caller throttles I/O".
// bytesPerSecond <= 0 means unlimited (rate.Inf), matching
// syncthing-syncthing's connections/limiter.go convention for an
// unconfigured peer limit.
func NewRateGovernor(bytesPerSecond, burst int) Governor {
	limit := rate.Inf
	if bytesPerSecond > 0 {
		limit = rate.Limit(bytesPerSecond)
	}
	if burst <= 0 {
		burst = bytesPerSecond
		if burst <= 0 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(limit, burst)
	return func(ctx context.Context, chunkLen int) error {
		return limiter.WaitN(ctx, chunkLen)
	}
}
