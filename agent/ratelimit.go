package agent

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/takt-io/takt/types"
)

// RateLimitedInvoker throttles invocations with a token bucket. Waiting for
// a token is a cancellable suspension point: cancelling the owning execution
// releases the wait immediately.
type RateLimitedInvoker struct {
	next    Invoker
	limiter *rate.Limiter
}

// NewRateLimitedInvoker wraps next with a limiter allowing rps invocations
// per second with the given burst.
func NewRateLimitedInvoker(next Invoker, rps float64, burst int) *RateLimitedInvoker {
	return &RateLimitedInvoker{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "invocation cancelled while rate limited").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrRateLimited, "rate limiter rejected invocation").
			WithRetryable(true).
			WithCause(err)
	}
	return r.next.Invoke(ctx, inv)
}
