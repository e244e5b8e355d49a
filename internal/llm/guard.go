package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/checkpoint/pkg/types"
)

// guard applies the shared call discipline of every provider: wait for the
// rate limiter, run through the circuit breaker, bound by a timeout, and
// report failures as types.ErrExternalService. There is no retry.
type guard struct {
	provider string
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *CircuitBreaker
}

func newGuard(provider string, timeout time.Duration, requestsPerSecond float64, burst int) *guard {
	g := &guard{
		provider: provider,
		timeout:  timeout,
		breaker:  NewCircuitBreaker(provider),
	}
	if requestsPerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return g
}

// call runs fn under g. It is a function rather than a method because Go
// methods cannot take type parameters.
func call[T any](ctx context.Context, g *guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, externalError(g.provider, op, err)
		}
	}

	result, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return fn(callCtx)
	})
	if err != nil {
		return zero, externalError(g.provider, op, err)
	}
	return result.(T), nil
}

func externalError(provider, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", types.ErrExternalService, provider, op, err)
}
