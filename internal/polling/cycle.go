package polling

import (
	"context"
	"sync"
)

// Cycle collects the connections requested while serving one page. It is
// insertion ordered, ignores duplicates and is never persisted.
type Cycle struct {
	mu   sync.Mutex
	ids  []string
	seen map[string]struct{}
}

// NewCycle returns an empty cycle.
func NewCycle() *Cycle {
	return &Cycle{seen: make(map[string]struct{})}
}

// Add records id unless it was already requested.
func (c *Cycle) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.ids = append(c.ids, id)
}

// IDs returns the requested identifiers in request order.
func (c *Cycle) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type cycleKey struct{}

// WithCycle attaches c to ctx.
func WithCycle(ctx context.Context, c *Cycle) context.Context {
	return context.WithValue(ctx, cycleKey{}, c)
}

// CycleFrom returns the cycle attached to ctx.
func CycleFrom(ctx context.Context) (*Cycle, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(cycleKey{}).(*Cycle)
	return c, ok && c != nil
}
