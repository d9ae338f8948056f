package solver

import (
	"fmt"
	"sort"
	"sync"
)

// SolverInfo pairs a domain with the solver that serves it.
type SolverInfo struct {
	Domain string `json:"domain"`
	Solver string `json:"solver"`
}

// Registry holds registered solvers and resolves which one to use for a
// given domain type, falling back to a default when one is set.
type Registry struct {
	mu       sync.RWMutex
	solvers  map[string]Solver
	fallback Solver
}

// NewRegistry creates an empty solver registry.
func NewRegistry() *Registry {
	return &Registry{
		solvers: make(map[string]Solver),
	}
}

// Register routes a domain type to s.
func (r *Registry) Register(domain string, s Solver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solvers[domain] = s
}

// SetDefault sets the solver used for domains with no explicit registration.
func (r *Registry) SetDefault(s Solver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = s
}

// Resolve returns the solver for domain.
func (r *Registry) Resolve(domain string) (Solver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.solvers[domain]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no solver registered for domain %q", domain)
}

// List returns every explicit routing, sorted by domain for a stable response.
func (r *Registry) List() []SolverInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SolverInfo, 0, len(r.solvers))
	for domain, s := range r.solvers {
		infos = append(infos, SolverInfo{Domain: domain, Solver: s.Name()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Domain < infos[j].Domain
	})
	return infos
}

// DefaultName returns the name of the fallback solver, or "" when none is set.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == nil {
		return ""
	}
	return r.fallback.Name()
}
