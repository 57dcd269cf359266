package breaker

import "sort"

// Group holds one breaker per dependency name.
type Group struct {
	byName map[string]*Breaker
}

// NewGroup creates a breaker for each name using base settings.
func NewGroup(base Settings, names ...string) *Group {
	g := &Group{byName: make(map[string]*Breaker, len(names))}
	for _, n := range names {
		s := base
		s.Name = n
		g.byName[n] = New(s)
	}
	return g
}

// Add registers an externally constructed breaker under its name.
func (g *Group) Add(b *Breaker) {
	g.byName[b.Name()] = b
}

// Get returns the breaker for name, or nil.
func (g *Group) Get(name string) *Breaker {
	return g.byName[name]
}

// Snapshot returns the state of every breaker keyed by name.
func (g *Group) Snapshot() map[string]string {
	out := make(map[string]string, len(g.byName))
	for name, b := range g.byName {
		out[name] = b.State().String()
	}
	return out
}

// Names returns the registered dependency names in sorted order.
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.byName))
	for n := range g.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
