// Package retry wraps a unit of work with conditional retry and exponential
// backoff. An error is retried only when at least one configured condition
// matches it and the attempt cap has not been reached; everything else
// propagates immediately.
package retry

import (
	"context"
	"errors"
	"net"

	"github.com/takt-io/takt/types"
)

// Condition decides whether an error is worth retrying.
type Condition interface {
	// Name identifies the condition in logs and attempt history.
	Name() string
	// Matches reports whether the error falls in this condition's class.
	Matches(err error) bool
}

type condition struct {
	name string
	fn   func(err error) bool
}

func (c condition) Name() string           { return c.name }
func (c condition) Matches(err error) bool { return c.fn(err) }

// OnPredicate builds a custom condition from a predicate.
func OnPredicate(name string, fn func(err error) bool) Condition {
	return condition{name: name, fn: fn}
}

// OnNetworkErrors matches transport-level failures: net.Error values and
// structured NETWORK errors.
func OnNetworkErrors() Condition {
	return condition{name: "network", fn: func(err error) bool {
		if types.IsCode(err, types.ErrNetwork) {
			return true
		}
		var netErr net.Error
		return errors.As(err, &netErr)
	}}
}

// OnTimeouts matches deadline hits: structured TIMEOUT errors,
// context.DeadlineExceeded, and net.Error timeouts.
func OnTimeouts() Condition {
	return condition{name: "timeout", fn: func(err error) bool {
		if types.IsCode(err, types.ErrTimeout) {
			return true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}}
}

// OnRateLimits matches structured RATE_LIMITED errors.
func OnRateLimits() Condition {
	return condition{name: "rate_limit", fn: func(err error) bool {
		return types.IsCode(err, types.ErrRateLimited)
	}}
}

// OnServerErrors matches structured SERVER_ERROR errors.
func OnServerErrors() Condition {
	return condition{name: "server_error", fn: func(err error) bool {
		return types.IsCode(err, types.ErrServerError)
	}}
}

// OnAnyError matches every non-nil error.
func OnAnyError() Condition {
	return condition{name: "any", fn: func(err error) bool {
		return err != nil
	}}
}
