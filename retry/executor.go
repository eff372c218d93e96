package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Unbounded disables the retry cap: matching errors are retried until the
// context is cancelled.
const Unbounded = -1

// Policy configures retry behavior for one operation.
type Policy struct {
	// MaxRetries caps retry attempts. 0 disables retries, Unbounded (-1)
	// removes the cap.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Exponential doubles the delay per attempt; when false the delay is
	// constant at InitialDelay.
	Exponential bool `json:"exponential" yaml:"exponential"`
	// Jitter randomizes the delay by ±20% to avoid synchronized retries.
	Jitter bool `json:"jitter" yaml:"jitter"`
	// Conditions is the ordered list of retryable error classes. An error
	// matching none of them propagates immediately with zero retries.
	Conditions []Condition `json:"-" yaml:"-"`
	// RecordHistory toggles attempt-history retention independently from
	// retry behavior.
	RecordHistory bool `json:"record_history" yaml:"record_history"`
	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-" yaml:"-"`
}

// DefaultPolicy retries transient invocation failures three times with
// jittered exponential backoff.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Exponential:   true,
		Jitter:        true,
		RecordHistory: true,
		Conditions: []Condition{
			OnNetworkErrors(),
			OnTimeouts(),
			OnRateLimits(),
			OnServerErrors(),
		},
	}
}

// Attempt is one entry of an operation's retry history.
type Attempt struct {
	// Attempt is the 1-based retry number.
	Attempt int `json:"attempt"`
	// Error is the failure that triggered this retry.
	Error string `json:"error"`
	// Condition names the condition that matched the error.
	Condition string `json:"condition"`
	// Delay is the backoff slept before re-running the operation.
	Delay time.Duration `json:"delay"`
	// At is when the retry was scheduled.
	At time.Time `json:"at"`
}

// Executor runs a single operation under a Policy. One Executor covers one
// operation's attempt series; create a fresh Executor per step attempt run.
type Executor struct {
	policy *Policy
	logger *zap.Logger

	mu      sync.Mutex
	history []Attempt
}

// NewExecutor creates an executor for policy. A nil policy falls back to
// DefaultPolicy; invalid delays are normalized.
func NewExecutor(policy *Policy, logger *zap.Logger) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < Unbounded {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
	}
}

// Do runs op, retrying per policy.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := e.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	})
	return err
}

// DoWithResult runs op and returns its result, retrying per policy. The
// backoff sleep is a cancellable suspension point: ctx cancellation releases
// it immediately.
func (e *Executor) DoWithResult(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error

	for retryNum := 0; ; retryNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := op(ctx)
		if err == nil {
			if retryNum > 0 {
				e.logger.Info("operation succeeded after retries",
					zap.Int("retries", retryNum),
				)
			}
			return result, nil
		}
		lastErr = err

		matched, ok := e.matchCondition(err)
		if !ok {
			e.logger.Debug("error matches no retry condition, propagating",
				zap.Error(err),
			)
			return nil, err
		}

		if e.policy.MaxRetries != Unbounded && retryNum >= e.policy.MaxRetries {
			break
		}

		attempt := retryNum + 1
		delay := e.delayFor(attempt)

		if e.policy.RecordHistory {
			e.record(Attempt{
				Attempt:   attempt,
				Error:     err.Error(),
				Condition: matched.Name(),
				Delay:     delay,
				At:        time.Now(),
			})
		}

		e.logger.Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", e.policy.MaxRetries),
			zap.String("condition", matched.Name()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if e.policy.OnRetry != nil {
			e.policy.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	e.logger.Warn("retries exhausted",
		zap.Int("max_retries", e.policy.MaxRetries),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", e.policy.MaxRetries+1, lastErr)
}

// History returns a copy of the recorded attempt history.
func (e *Executor) History() []Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Attempt, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Executor) record(a Attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, a)
}

func (e *Executor) matchCondition(err error) (Condition, bool) {
	for _, c := range e.policy.Conditions {
		if c.Matches(err) {
			return c, true
		}
	}
	return nil, false
}

// delayFor computes the backoff for the given 1-based retry number:
// min(initial * 2^(attempt-1), max), optionally jittered by ±20%.
func (e *Executor) delayFor(attempt int) time.Duration {
	delay := float64(e.policy.InitialDelay)
	if e.policy.Exponential {
		delay *= math.Pow(2, float64(attempt-1))
	}
	if delay > float64(e.policy.MaxDelay) {
		delay = float64(e.policy.MaxDelay)
	}
	if e.policy.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * 0.2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
