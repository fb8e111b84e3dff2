// Package governor enforces per-scope invocation limits across one
// invocation tree. A Governor instance is created per root invocation and
// is the single synchronization point for call accounting within the tree.
package governor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLimitExceeded is returned by Reserve when the configured limit for a
// (scope, name) pair has been reached.
var ErrLimitExceeded = errors.New("invocation limit exceeded")

// Unlimited marks a name as having no invocation cap.
const Unlimited = -1

// Governor tracks invocation counts for one invocation tree and denies
// reservations past configured caps. Safe for concurrent use.
type Governor struct {
	mu     sync.Mutex
	limits map[string]map[string]int
	counts map[string]map[string]int
}

// New creates an empty Governor.
func New() *Governor {
	return &Governor{
		limits: make(map[string]map[string]int),
		counts: make(map[string]map[string]int),
	}
}

// SetLimits installs the invocation limits for one agent scope. Called once
// when the runtime enters the agent node identified by scope. Names absent
// from limits are unlimited.
func (g *Governor) SetLimits(scope string, limits map[string]int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	scoped := make(map[string]int, len(limits))
	for name, limit := range limits {
		scoped[name] = limit
	}
	g.limits[scope] = scoped
}

// Reserve atomically consumes one invocation unit for (scope, name).
// Returns ErrLimitExceeded once the configured limit is reached; the count
// is not incremented on denial.
func (g *Governor) Reserve(scope, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit, bounded := g.limits[scope][name]
	if bounded && limit != Unlimited && g.counts[scope][name] >= limit {
		return fmt.Errorf("%w: %s/%s used %d of %d", ErrLimitExceeded, scope, name, limit, limit)
	}

	if g.counts[scope] == nil {
		g.counts[scope] = make(map[string]int)
	}
	g.counts[scope][name]++
	return nil
}

// Remaining reports how many reservations are left for (scope, name).
// Returns Unlimited when no cap is configured.
func (g *Governor) Remaining(scope, name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit, bounded := g.limits[scope][name]
	if !bounded || limit == Unlimited {
		return Unlimited
	}
	left := limit - g.counts[scope][name]
	if left < 0 {
		return 0
	}
	return left
}

// Used reports how many reservations have been granted for (scope, name).
func (g *Governor) Used(scope, name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[scope][name]
}

// TotalBudget sums every bounded limit installed so far. The runtime uses
// it to cap the number of model rounds a tree may consume.
func (g *Governor) TotalBudget() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, scoped := range g.limits {
		for _, limit := range scoped {
			if limit != Unlimited {
				total += limit
			}
		}
	}
	return total
}
