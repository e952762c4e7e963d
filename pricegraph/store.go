package pricegraph

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var ErrUnknownEdge = errors.New("edge has no venue")

// Store maps graph edges to venue metadata. It is read during scoring and encoding, never
// during the search loop itself.
type Store struct {
	edgeVenue []common.Address
	venues    map[common.Address]*Venue
}

func NewStore() *Store {
	return &Store{
		venues: make(map[common.Address]*Venue),
	}
}

func (s *Store) bind(e EdgeID, venue common.Address) {
	for int(e) >= len(s.edgeVenue) {
		s.edgeVenue = append(s.edgeVenue, common.Address{})
	}
	s.edgeVenue[e] = venue
}

// Put stores a new snapshot of the venue, replacing the previous one.
func (s *Store) Put(v *Venue) {
	s.venues[v.Address] = v
}

func (s *Store) Venue(addr common.Address) (*Venue, bool) {
	v, ok := s.venues[addr]
	return v, ok
}

// VenueAddress returns the address of the venue behind the edge.
func (s *Store) VenueAddress(e EdgeID) (common.Address, bool) {
	if int(e) >= len(s.edgeVenue) {
		return common.Address{}, false
	}
	return s.edgeVenue[e], true
}

func (s *Store) EdgeVenue(e EdgeID) (*Venue, bool) {
	addr, ok := s.VenueAddress(e)
	if !ok {
		return nil, false
	}
	return s.Venue(addr)
}

func (s *Store) VenueCount() int {
	return len(s.venues)
}

// Clone copies the index. Venue snapshots are shared because they are immutable once stored.
func (s *Store) Clone() *Store {
	venues := make(map[common.Address]*Venue, len(s.venues))
	for k, v := range s.venues {
		venues[k] = v
	}
	return &Store{
		edgeVenue: append([]common.Address(nil), s.edgeVenue...),
		venues:    venues,
	}
}

// Resolve turns an edge sequence into concrete hops.
func (s *Store) Resolve(g *Graph, edges []EdgeID) ([]Hop, error) {
	hops := make([]Hop, 0, len(edges))
	for _, e := range edges {
		venue, ok := s.EdgeVenue(e)
		if !ok || int(e) >= len(g.Edges) {
			return nil, ErrUnknownEdge
		}
		edge := g.Edge(e)
		fee, concentrated := venue.FeeTier()
		hops = append(hops, Hop{
			Venue:        venue.Address,
			Router:       venue.Router,
			TokenIn:      g.Token(edge.From),
			TokenOut:     g.Token(edge.To),
			Fee:          fee,
			Concentrated: concentrated,
		})
	}
	return hops, nil
}

// Hop is one resolved step of a route.
type Hop struct {
	Venue        common.Address `json:"venue"`
	Router       common.Address `json:"router"`
	TokenIn      common.Address `json:"tokenIn"`
	TokenOut     common.Address `json:"tokenOut"`
	Fee          uint32         `json:"fee,omitempty"`
	Concentrated bool           `json:"concentrated"`
}

// Plan is a route that cleared the cycle filter and the optimizer.
type Plan struct {
	Hops     []Hop    `json:"hops"`
	AmountIn *big.Int `json:"amountIn"`
	Score    float64  `json:"score"`
	Weight   float64  `json:"weight"`
}

// Hash identifies the route of the plan regardless of its size.
func (p *Plan) Hash() common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	var fee [4]byte
	for _, hop := range p.Hops {
		hasher.Write(hop.Venue.Bytes())
		hasher.Write(hop.TokenIn.Bytes())
		hasher.Write(hop.TokenOut.Bytes())
		fee[0], fee[1], fee[2], fee[3] = byte(hop.Fee>>24), byte(hop.Fee>>16), byte(hop.Fee>>8), byte(hop.Fee)
		hasher.Write(fee[:])
	}
	var h common.Hash
	hasher.Sum(h[:0])
	return h
}
