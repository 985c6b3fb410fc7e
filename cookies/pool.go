package cookies

import "sync"

// entry holds one cookie set and its smooth weighted round-robin state.
type entry struct {
	cookies string
	penalty int
	current int
}

// Pool hands out cookie sets for page fetches. Sets that got blocked are
// penalized and selected less often, but never excluded. Safe for use by
// every capture session at once.
type Pool struct {
	mu      sync.Mutex
	entries []entry
}

// NewPool creates a pool from the given cookie sets, dropping duplicates and
// empty strings.
func NewPool(sets []string) *Pool {
	p := &Pool{}
	p.Update(sets)
	return p
}

// Select picks a cookie set. Weights are maxPenalty-penalty+1, so the least
// penalized sets dominate while the rest still get a turn. Returns "" for an
// empty pool; a nil pool behaves as empty.
func (p *Pool) Select() string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch len(p.entries) {
	case 0:
		return ""
	case 1:
		return p.entries[0].cookies
	}

	maxPenalty := 0
	for _, e := range p.entries {
		maxPenalty = max(maxPenalty, e.penalty)
	}

	total, best := 0, 0
	for i := range p.entries {
		w := maxPenalty - p.entries[i].penalty + 1
		p.entries[i].current += w
		total += w
		if p.entries[i].current > p.entries[best].current {
			best = i
		}
	}
	p.entries[best].current -= total
	return p.entries[best].cookies
}

// Penalize deprioritizes the given cookie set.
func (p *Pool) Penalize(cookies string) {
	if p == nil || cookies == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].cookies == cookies {
			p.entries[i].penalty++
			break
		}
	}
	p.normalize()
}

// Update replaces the pool contents. Sets already present keep their
// penalty; new sets start at zero.
func (p *Pool) Update(sets []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	penalties := make(map[string]int, len(p.entries))
	for _, e := range p.entries {
		penalties[e.cookies] = e.penalty
	}

	seen := make(map[string]bool, len(sets))
	entries := make([]entry, 0, len(sets))
	for _, c := range sets {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		entries = append(entries, entry{cookies: c, penalty: penalties[c]})
	}
	p.entries = entries
	p.normalize()
}

// Count returns the number of cookie sets in the pool.
func (p *Pool) Count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// normalize shifts penalties so the smallest is 0. Callers hold p.mu.
func (p *Pool) normalize() {
	if len(p.entries) == 0 {
		return
	}
	lowest := p.entries[0].penalty
	for _, e := range p.entries[1:] {
		lowest = min(lowest, e.penalty)
	}
	for i := range p.entries {
		p.entries[i].penalty -= lowest
	}
}
