package gateway

import "context"

// Router decides whether a request's matching_pool field should be
// rewritten to a configured global pool, the mechanism by which heavy
// quoters are shed once they exhaust their per-ticker execution budget.
type Router struct {
	store      *Store
	globalPool string
}

func NewRouter(store *Store, globalPool string) *Router {
	if globalPool == "" {
		globalPool = "global"
	}
	return &Router{store: store, globalPool: globalPool}
}

// ShouldRouteToGlobal checks whether apiKeyID's execution-cost budget for
// ticker is exhausted (budget_used >= budget_limit, with a zero limit
// meaning unconstrained — a key never routed by default).
func (r *Router) ShouldRouteToGlobal(ctx context.Context, apiKeyID, ticker string) bool {
	used, limit, err := r.store.ExecutionCostBudget(ctx, apiKeyID, ticker)
	if err != nil || limit <= 0 {
		return false
	}
	return used >= limit
}

// ResolvePool returns the global pool when the caller's per-ticker budget
// is exhausted, else the key's own defaultPool ("default" when that is
// empty).
func (r *Router) ResolvePool(ctx context.Context, apiKeyID, ticker, defaultPool string) string {
	if r.ShouldRouteToGlobal(ctx, apiKeyID, ticker) {
		return r.globalPool
	}
	if defaultPool == "" {
		return "default"
	}
	return defaultPool
}
