// Package graph reconstructs the directed propagation multigraph connecting
// derivative content back to its origin. The graph is an owned arena:
// index-based adjacency lists over a flat slice of posts, so concurrent
// readers get safe snapshots and there are no cyclic pointer structures.
package graph

import (
	"sort"

	"github.com/viraltrace/viraltrace/internal/models"
)

// Edge is a directed derivation link between arena indices: To derives
// from From.
type Edge struct {
	From    int
	To      int
	Kind    models.EdgeKind
	Weight  float64
	Suspect bool
}

// Graph is the propagation graph for one investigation session.
type Graph struct {
	SessionID string
	Nodes     []models.Post
	Edges     []Edge
	Out       [][]int // node index -> indices into Edges (outgoing)
	In        [][]int // node index -> indices into Edges (incoming)
	Partial   bool    // unknown seeds or a degraded similarity scan

	byID map[string]int
}

// New creates an empty graph for a session.
func New(sessionID string) *Graph {
	return &Graph{SessionID: sessionID, byID: make(map[string]int)}
}

// Index returns the arena index of a post id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.byID[id]
	return i, ok
}

// Post returns the post at arena index i.
func (g *Graph) Post(i int) models.Post {
	return g.Nodes[i]
}

// AddNode inserts a post into the arena, returning its index. Re-adding an
// existing post returns the existing index.
func (g *Graph) AddNode(p models.Post) int {
	if i, ok := g.byID[p.ID]; ok {
		return i
	}
	i := len(g.Nodes)
	g.Nodes = append(g.Nodes, p)
	g.Out = append(g.Out, nil)
	g.In = append(g.In, nil)
	g.byID[p.ID] = i
	return i
}

// AddEdge inserts a directed edge between arena indices.
func (g *Graph) AddEdge(e Edge) {
	idx := len(g.Edges)
	g.Edges = append(g.Edges, e)
	g.Out[e.From] = append(g.Out[e.From], idx)
	g.In[e.To] = append(g.In[e.To], idx)
}

// HasEdge reports whether any edge from -> to already exists.
func (g *Graph) HasEdge(from, to int) bool {
	for _, ei := range g.Out[from] {
		if g.Edges[ei].To == to {
			return true
		}
	}
	return false
}

// WireEdges resolves the arena edges back to post-id edges for transport.
// Output order is deterministic.
func (g *Graph) WireEdges() []models.Edge {
	out := make([]models.Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		out = append(out, models.Edge{
			From:    g.Nodes[e.From].ID,
			To:      g.Nodes[e.To].ID,
			Kind:    e.Kind,
			Weight:  e.Weight,
			Suspect: e.Suspect,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// sortEdges rewrites the edge list and adjacency into a canonical order so
// identical inputs always produce byte-identical graphs.
func (g *Graph) sortEdges() {
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Kind < b.Kind
	})
	for i := range g.Out {
		g.Out[i] = g.Out[i][:0]
	}
	for i := range g.In {
		g.In[i] = g.In[i][:0]
	}
	for idx, e := range g.Edges {
		g.Out[e.From] = append(g.Out[e.From], idx)
		g.In[e.To] = append(g.In[e.To], idx)
	}
}
