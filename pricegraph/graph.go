// Package pricegraph holds the directed price graph of tradeable tokens and the state store
// that maps its edges to venues.
//
// Nodes and edges live in arenas and are addressed by stable integer indices, so paths over
// the graph are plain copyable values. Every venue contributes exactly two directed edges
// (token0 -> token1 and token1 -> token0) whose weight is the raw exchange rate: the price of
// the edge's source token denominated in its target token. Weights are overwritten in place
// when venue state changes; topology is fixed once the graph is built.
package pricegraph

import (
	"errors"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

var ErrSettlementTokenMissing = errors.New("settlement token is not in the graph")

type (
	NodeID uint32
	EdgeID uint32
)

type Edge struct {
	From   NodeID
	To     NodeID
	Weight float64
}

type Graph struct {
	Tokens []common.Address
	Edges  []Edge

	out   [][]EdgeID
	index map[common.Address]NodeID
}

func NewGraph() *Graph {
	return &Graph{
		index: make(map[common.Address]NodeID),
	}
}

// AddNode returns the node of the token, inserting it if it is not known yet.
func (g *Graph) AddNode(token common.Address) NodeID {
	if id, ok := g.index[token]; ok {
		return id
	}
	id := NodeID(len(g.Tokens))
	g.Tokens = append(g.Tokens, token)
	g.out = append(g.out, nil)
	g.index[token] = id
	return id
}

func (g *Graph) AddEdge(from, to NodeID, weight float64) EdgeID {
	id := EdgeID(len(g.Edges))
	g.Edges = append(g.Edges, Edge{From: from, To: to, Weight: weight})
	g.out[from] = append(g.out[from], id)
	return id
}

func (g *Graph) OutEdges(n NodeID) []EdgeID {
	if int(n) >= len(g.out) {
		return nil
	}
	return g.out[n]
}

func (g *Graph) Edge(e EdgeID) Edge {
	return g.Edges[e]
}

func (g *Graph) SetWeight(e EdgeID, weight float64) {
	g.Edges[e].Weight = weight
}

func (g *Graph) NodeOf(token common.Address) (NodeID, bool) {
	id, ok := g.index[token]
	return id, ok
}

func (g *Graph) Token(n NodeID) common.Address {
	return g.Tokens[n]
}

func (g *Graph) NodeCount() int {
	return len(g.Tokens)
}

func (g *Graph) EdgeCount() int {
	return len(g.Edges)
}

// Clone returns a deep copy of the graph that can be searched without holding any lock.
func (g *Graph) Clone() *Graph {
	out := make([][]EdgeID, len(g.out))
	for i, edges := range g.out {
		out[i] = slices.Clone(edges)
	}
	index := make(map[common.Address]NodeID, len(g.index))
	for k, v := range g.index {
		index[k] = v
	}
	return &Graph{
		Tokens: slices.Clone(g.Tokens),
		Edges:  slices.Clone(g.Edges),
		out:    out,
		index:  index,
	}
}
