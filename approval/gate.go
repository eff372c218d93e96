package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/takt-io/takt/audit"
	"github.com/takt-io/takt/types"
)

// Gate creates, awaits, and resolves approval requests. It is the single
// writer for request state: every transition goes through one mutex-guarded
// compare-and-set, so concurrent resolutions produce exactly one terminal
// outcome.
type Gate struct {
	store       Store
	sink        *audit.BestEffort
	autoApprove bool
	logger      *zap.Logger

	mu       sync.Mutex
	requests map[string]*Request
	waiters  map[string][]chan struct{}
}

// NewGate creates a gate over the given store. In auto-approve mode every
// created request is immediately approved with a synthetic resolver
// identity and a distinct audit event.
func NewGate(store Store, sink audit.Sink, autoApprove bool, logger *zap.Logger) *Gate {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:       store,
		sink:        audit.NewBestEffort(sink, logger),
		autoApprove: autoApprove,
		logger:      logger.With(zap.String("component", "approval_gate")),
		requests:    make(map[string]*Request),
		waiters:     make(map[string][]chan struct{}),
	}
}

// AutoApprove reports whether the gate runs in auto-approve mode.
func (g *Gate) AutoApprove() bool { return g.autoApprove }

// CreateRequest creates a Pending request for the given step. In
// auto-approve mode the returned request is already Approved.
func (g *Gate) CreateRequest(ctx context.Context, executionID, stepID string, reqCtx map[string]any) (*Request, error) {
	req := &Request{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      StatusPending,
		Context:     reqCtx,
		CreatedAt:   time.Now(),
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()

	if err := g.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist approval request: %w", err)
	}

	g.logger.Info("approval request created",
		zap.String("request_id", req.ID),
		zap.String("execution_id", executionID),
		zap.String("step_id", stepID),
		zap.Bool("auto_approve", g.autoApprove),
	)
	g.sink.Emit(ctx, audit.Event{
		Type:        audit.EventApprovalRequested,
		ExecutionID: executionID,
		StepID:      stepID,
		Data:        map[string]any{"request_id": req.ID},
	})

	if g.autoApprove {
		resolved, _, err := g.transition(ctx, req.ID, StatusApproved, AutoApproveResolver, "auto-approve mode")
		if err != nil {
			return nil, err
		}
		g.sink.Emit(ctx, audit.Event{
			Type:        audit.EventApprovalAutoApproved,
			ExecutionID: executionID,
			StepID:      stepID,
			Data:        map[string]any{"request_id": req.ID, "resolver": AutoApproveResolver},
		})
		return resolved, nil
	}

	return g.snapshot(req.ID), nil
}

// Get returns the current state of a request.
func (g *Gate) Get(ctx context.Context, requestID string) (*Request, error) {
	if req := g.snapshot(requestID); req != nil {
		return req, nil
	}
	req, err := g.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Resolve applies an external decision. Resolving an already-terminal
// request is idempotent: the existing terminal state is returned unchanged.
func (g *Gate) Resolve(ctx context.Context, requestID string, decision Decision, resolver, reason string) (*Request, error) {
	var target Status
	switch decision {
	case DecisionApprove:
		target = StatusApproved
	case DecisionReject:
		target = StatusRejected
	default:
		return nil, types.NewErrorf(types.ErrConfiguration, "unknown approval decision %q", decision)
	}

	req, applied, err := g.transition(ctx, requestID, target, resolver, reason)
	if err != nil {
		return nil, err
	}
	if applied {
		g.sink.Emit(ctx, audit.Event{
			Type:        audit.EventApprovalResolved,
			ExecutionID: req.ExecutionID,
			StepID:      req.StepID,
			Data: map[string]any{
				"request_id": req.ID,
				"status":     string(req.Status),
				"resolver":   resolver,
			},
		})
	}
	return req, nil
}

// WaitForResolution suspends until the request reaches a terminal state,
// the timeout elapses, or ctx is cancelled. On timeout the request is
// transitioned to TimedOut via the same compare-and-set as resolutions: if
// a resolution wins the race, the winning terminal state is returned.
func (g *Gate) WaitForResolution(ctx context.Context, requestID string, timeout time.Duration) (*Request, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		g.mu.Lock()
		req, ok := g.requests[requestID]
		if !ok {
			g.mu.Unlock()
			return nil, types.NewErrorf(types.ErrNotFound, "approval request %s not found", requestID)
		}
		if req.Status.Terminal() {
			out := *req
			g.mu.Unlock()
			return &out, nil
		}
		waiter := make(chan struct{})
		g.waiters[requestID] = append(g.waiters[requestID], waiter)
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrCancelled, "approval wait cancelled").WithCause(ctx.Err())
		case <-timer:
			req, _, err := g.transition(ctx, requestID, StatusTimedOut, "", fmt.Sprintf("no resolution within %s", timeout))
			if err != nil {
				return nil, err
			}
			return req, nil
		case <-waiter:
			// Re-check state on the next loop iteration.
		}
	}
}

// transition is the single-writer compare-and-set. It returns the resulting
// request state and whether this call performed the transition. A request
// already in a terminal state is left untouched.
func (g *Gate) transition(ctx context.Context, requestID string, to Status, resolver, reason string) (*Request, bool, error) {
	g.mu.Lock()
	req, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return nil, false, types.NewErrorf(types.ErrNotFound, "approval request %s not found", requestID)
	}
	if req.Status.Terminal() {
		out := *req
		g.mu.Unlock()
		return &out, false, nil
	}

	req.Status = to
	req.Resolver = resolver
	req.Reason = reason
	req.ResolvedAt = time.Now()
	out := *req

	waiters := g.waiters[requestID]
	delete(g.waiters, requestID)
	g.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if err := g.store.Save(ctx, &out); err != nil {
		// The in-memory transition is authoritative; persistence is
		// best-effort for terminal states.
		g.logger.Warn("failed to persist approval resolution",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	g.logger.Info("approval request resolved",
		zap.String("request_id", requestID),
		zap.String("status", string(to)),
		zap.String("resolver", resolver),
	)
	return &out, true, nil
}

func (g *Gate) snapshot(requestID string) *Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[requestID]
	if !ok {
		return nil
	}
	out := *req
	return &out
}
