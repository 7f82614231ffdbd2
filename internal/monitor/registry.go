package monitor

import (
	"sort"
	"sync"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/state"
)

// registry holds the query-side indexes. Partitions write to it; HTTP and
// WebSocket readers read from it.
type registry struct {
	mu       sync.RWMutex
	byID     map[identity.Address]*PositionView
	bySymbol map[string]map[identity.Address]struct{}
	byOwner  map[identity.Owner]map[identity.Address]struct{}
	prices   map[string]event.PriceTick
}

func newRegistry() *registry {
	return &registry{
		byID:     make(map[identity.Address]*PositionView),
		bySymbol: make(map[string]map[identity.Address]struct{}),
		byOwner:  make(map[identity.Owner]map[identity.Address]struct{}),
		prices:   make(map[string]event.PriceTick),
	}
}

func (r *registry) upsert(v PositionView) {
	id := v.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[id] = &v
	addToSet(r.bySymbol, v.Symbol, id)
	addToSet(r.byOwner, v.Owner, id)
}

func (r *registry) remove(pos *state.Position) {
	id := pos.Address()

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, id)
	removeFromSet(r.bySymbol, pos.Symbol, id)
	removeFromSet(r.byOwner, pos.Owner, id)
}

func (r *registry) setPrice(t event.PriceTick) {
	r.mu.Lock()
	r.prices[t.Symbol] = t
	r.mu.Unlock()
}

func (r *registry) price(symbol string) (event.PriceTick, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.prices[symbol]
	return t, ok
}

func (r *registry) allPrices() map[string]event.PriceTick {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]event.PriceTick, len(r.prices))
	for k, v := range r.prices {
		out[k] = v
	}
	return out
}

func (r *registry) get(id identity.Address) (PositionView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byID[id]
	if !ok {
		return PositionView{}, false
	}
	return *v, true
}

func (r *registry) all() []PositionView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PositionView, 0, len(r.byID))
	for _, v := range r.byID {
		out = append(out, *v)
	}
	sortViews(out)
	return out
}

func (r *registry) bySymbolList(symbol string) []PositionView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.bySymbol[symbol])
}

func (r *registry) byOwnerList(owner identity.Owner) []PositionView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byOwner[owner])
}

// collect copies the views in ids. Caller holds r.mu.
func (r *registry) collect(ids map[identity.Address]struct{}) []PositionView {
	out := make([]PositionView, 0, len(ids))
	for id := range ids {
		if v, ok := r.byID[id]; ok {
			out = append(out, *v)
		}
	}
	sortViews(out)
	return out
}

func (r *registry) statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		BySymbol:     make(map[string]SymbolStats),
		LatestPrices: make(map[string]event.PriceTick, len(r.prices)),
	}
	for k, v := range r.prices {
		stats.LatestPrices[k] = v
	}

	for _, v := range r.byID {
		sym := stats.BySymbol[v.Symbol]
		sym.add(v)
		stats.BySymbol[v.Symbol] = sym
		stats.SymbolStats.add(v)
	}
	return stats
}

func (s *SymbolStats) add(v *PositionView) {
	s.OpenPositions++
	if v.Side == state.SideLong {
		s.LongPositions++
	} else {
		s.ShortPositions++
	}
	s.TotalNotional += v.Notional
	s.TotalMargin += v.Margin
	s.TotalUnrealizedPnL += v.UnrealizedPnL
	if v.Risk != RiskSafe {
		s.AtRisk++
	}
}

// sortViews orders by symbol, then owner, then index.
func sortViews(views []PositionView) {
	sort.Slice(views, func(i, j int) bool {
		a, b := &views[i], &views[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Owner != b.Owner {
			return a.Owner.String() < b.Owner.String()
		}
		return a.Index < b.Index
	})
}

func addToSet[K comparable](m map[K]map[identity.Address]struct{}, key K, id identity.Address) {
	set, ok := m[key]
	if !ok {
		set = make(map[identity.Address]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet[K comparable](m map[K]map[identity.Address]struct{}, key K, id identity.Address) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
