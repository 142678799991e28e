package graph

import "sort"

// unionFind implements union-find with path compression and union by rank
// over arena indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	if uf.parent[i] != i {
		uf.parent[i] = uf.find(uf.parent[i])
	}
	return uf.parent[i]
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}

// Components returns the weakly-connected components of the graph as sorted
// slices of arena indices, ordered by their smallest member. Suspect edges do
// not connect: they are excluded from origin tracing, so they must not fuse
// otherwise-unrelated components either.
func (g *Graph) Components() [][]int {
	uf := newUnionFind(len(g.Nodes))
	for _, e := range g.Edges {
		if e.Suspect {
			continue
		}
		uf.union(e.From, e.To)
	}

	groups := make(map[int][]int)
	for i := range g.Nodes {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	out := make([][]int, 0, len(groups))
	for _, members := range groups {
		sort.Ints(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
