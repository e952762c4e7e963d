package search

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/flashbots/mev-cycle-searcher/pricegraph"
)

// MaxPathLen is the capacity of a path in steps, including the source step.
const MaxPathLen = 8

// Step is a node of a path and the edge used to reach it. The first step has no edge.
type Step struct {
	Node pricegraph.NodeID
	Edge pricegraph.EdgeID
}

// Path is a fixed-capacity walk over the graph. It is a plain value: copying a Path copies its
// steps, so a branch of the search can own its path without sharing memory.
type Path struct {
	steps [MaxPathLen]Step
	n     uint8
}

func NewPath(source pricegraph.NodeID) Path {
	var p Path
	p.steps[0] = Step{Node: source}
	p.n = 1
	return p
}

// Push appends a step. It returns false when the path is full.
func (p *Path) Push(node pricegraph.NodeID, edge pricegraph.EdgeID) bool {
	if int(p.n) >= MaxPathLen {
		return false
	}
	p.steps[p.n] = Step{Node: node, Edge: edge}
	p.n++
	return true
}

func (p *Path) Pop() {
	if p.n > 1 {
		p.n--
	}
}

// Len is the number of hops (edges) in the path.
func (p *Path) Len() int {
	if p.n == 0 {
		return 0
	}
	return int(p.n) - 1
}

func (p *Path) First() pricegraph.NodeID {
	return p.steps[0].Node
}

func (p *Path) Last() pricegraph.NodeID {
	if p.n == 0 {
		return p.steps[0].Node
	}
	return p.steps[p.n-1].Node
}

func (p *Path) Edges() []pricegraph.EdgeID {
	edges := make([]pricegraph.EdgeID, 0, p.Len())
	for i := 1; i < int(p.n); i++ {
		edges = append(edges, p.steps[i].Edge)
	}
	return edges
}

func (p *Path) Contains(edge pricegraph.EdgeID) bool {
	for i := 1; i < int(p.n); i++ {
		if p.steps[i].Edge == edge {
			return true
		}
	}
	return false
}

func (p *Path) Key() Key {
	var k Key
	if p.n == 0 {
		return k
	}
	for i := 1; i < int(p.n); i++ {
		k.edges[i-1] = p.steps[i].Edge
	}
	k.n = p.n - 1
	return k
}

// Key identifies a path by its edge sequence. Two keys are equal iff the edge sequences are.
type Key struct {
	edges [MaxPathLen - 1]pricegraph.EdgeID
	n     uint8
}

func (k Key) Edges() []pricegraph.EdgeID {
	return append([]pricegraph.EdgeID(nil), k.edges[:k.n]...)
}

func (k Key) Len() int {
	return int(k.n)
}

func (k Key) String() string {
	buf := make([]byte, 0, 4*int(k.n))
	for _, e := range k.edges[:k.n] {
		buf = binary.BigEndian.AppendUint32(buf, uint32(e))
	}
	return hex.EncodeToString(buf)
}
