package agent

import (
	"context"
	"sync"

	"github.com/takt-io/takt/types"
)

// Registry routes invocations to per-agent invokers by AgentRef.
// It implements Invoker itself, so an orchestrator can be wired with
// either a single invoker or a registry of them.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register binds an invoker to an agent reference, replacing any previous
// binding.
func (r *Registry) Register(agentRef string, invoker Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[agentRef] = invoker
}

// RegisterFunc binds a plain function to an agent reference.
func (r *Registry) RegisterFunc(agentRef string, fn InvokerFunc) {
	r.Register(agentRef, fn)
}

// Lookup returns the invoker bound to agentRef.
func (r *Registry) Lookup(agentRef string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[agentRef]
	return inv, ok
}

// Invoke dispatches to the registered invoker for inv.AgentRef.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	invoker, ok := r.Lookup(inv.AgentRef)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "no invoker registered for agent %q", inv.AgentRef)
	}
	return invoker.Invoke(ctx, inv)
}
