package resilience

import (
	"sort"
	"sync"
)

// Group hands out one breaker per key, so a route keeps its failure
// history when it is dropped from a pool and staged again later.
type Group struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*Breaker
}

// NewGroup creates an empty group whose breakers share cfg.
func NewGroup(cfg Config) *Group {
	return &Group{
		config:   cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = NewBreaker(key, g.config)
		g.breakers[key] = b
	}
	return b
}

// Stats returns a snapshot of every breaker, sorted by name.
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
