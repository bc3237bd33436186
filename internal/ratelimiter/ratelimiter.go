package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles upload traffic in bytes per second using a token
// bucket.
//
// One token represents one byte. A payload larger than the bucket capacity is
// admitted in burst-sized slices, so callers never see the "exceeds burst"
// error that the underlying limiter would return for oversized requests.
//
// A nil *RateLimiter is valid and never throttles. This lets callers keep a
// single code path whether or not an upload rate was configured.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter admitting bytesPerSecond sustained with the given
// burst capacity.
//
// Special cases:
//   - bytesPerSecond = 0: returns nil (unlimited)
//   - burst = 0: burst defaults to one second worth of bytes
//
// Example:
//
//	// 64 MiB/s sustained, 8 MiB bursts
//	limiter := New(64<<20, 8<<20)
func New(bytesPerSecond, burst uint64) *RateLimiter {
	if bytesPerSecond == 0 {
		return nil
	}
	if burst == 0 {
		burst = bytesPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), clampBurst(burst)),
	}
}

// WaitN blocks until n bytes may be sent or ctx is cancelled.
//
// Returns:
//   - nil once all n bytes were admitted
//   - the context error if ctx ended first (bytes admitted so far are spent)
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r == nil || n <= 0 {
		return ctx.Err()
	}

	burst := r.limiter.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := r.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Burst returns the bucket capacity in bytes.
func (r *RateLimiter) Burst() int {
	if r == nil {
		return 0
	}
	return r.limiter.Burst()
}

func clampBurst(burst uint64) int {
	const maxBurst = 1 << 40
	if burst == 0 {
		return 1
	}
	if burst > maxBurst {
		return maxBurst
	}
	return int(burst)
}
