package pricegraph

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Market guards the live graph and store. Writers hold the lock only while mutating, readers
// only while cloning.
type Market struct {
	log *zap.Logger

	mu     sync.RWMutex
	graph  *Graph
	store  *Store
	source NodeID
}

func NewMarket(log *zap.Logger, g *Graph, s *Store, source NodeID) *Market {
	return &Market{
		log:    log,
		graph:  g,
		store:  s,
		source: source,
	}
}

// Snapshot returns a consistent copy of the graph and store that can be used without locking.
func (m *Market) Snapshot() (*Graph, *Store, NodeID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graph.Clone(), m.store.Clone(), m.source
}

// Apply stores new venue snapshots and reprices their edges. Venues that are not part of the
// graph are ignored. It returns the addresses that were applied.
func (m *Market) Apply(venues []*Venue) []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make([]common.Address, 0, len(venues))
	for _, v := range venues {
		if _, ok := m.store.Venue(v.Address); !ok {
			continue
		}
		m.store.Put(v)
		changed = append(changed, v.Address)
	}
	Update(m.log, m.graph, m.store, changed)
	return changed
}

// Venues returns the current venue snapshots.
func (m *Market) Venues() []*Venue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*Venue, 0, len(m.store.venues))
	for _, v := range m.store.venues {
		res = append(res, v)
	}
	return res
}
