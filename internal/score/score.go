// Package score computes virality and per-actor influence over a propagation
// graph. Output is deterministic: ranking ties break by earliest creation
// time, then lexicographic post id.
package score

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/viraltrace/viraltrace/internal/graph"
)

// Config holds the engagement weighting coefficients. They are a reconstruction
// of observed behavior, not calibrated constants, so they stay configurable.
type Config struct {
	LikeWeight    float64 `yaml:"like_weight"`
	ShareWeight   float64 `yaml:"share_weight"`
	CommentWeight float64 `yaml:"comment_weight"`
	MaxWorkers    int     `yaml:"max_workers"`
}

// DefaultConfig returns the documented weighting: likes×1, shares×3, comments×2.
func DefaultConfig() Config {
	return Config{
		LikeWeight:    1,
		ShareWeight:   3,
		CommentWeight: 2,
		MaxWorkers:    runtime.GOMAXPROCS(0),
	}
}

// Scores holds the computed values for one post.
type Scores struct {
	Virality       float64 `json:"virality"`
	ActorInfluence float64 `json:"actor_influence"`
	ReachDepth     int     `json:"reach_depth"` // descendants in the derivation subtree
}

// Scorer computes scores for propagation graphs.
type Scorer struct {
	config Config
}

// NewScorer creates a Scorer.
func NewScorer(config Config) *Scorer {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Scorer{config: config}
}

// Score computes virality and actor influence for every post in the graph.
//
//	virality = engagementNorm × (1 + log1p(reachDepth))
//
// engagementNorm is the weighted engagement normalized against the graph
// maximum; reachDepth counts derivation-subtree descendants via a single
// reverse-topological pass. Actor influence aggregates an actor's virality
// across their posts, normalized by the number of distinct actors, so one
// viral post does not make an inactive actor influential.
func (s *Scorer) Score(g *graph.Graph) map[string]Scores {
	n := len(g.Nodes)
	if n == 0 {
		return map[string]Scores{}
	}

	weighted := s.weightedEngagement(g)

	maxWeighted := 0.0
	for _, w := range weighted {
		if w > maxWeighted {
			maxWeighted = w
		}
	}

	reach := descendantCounts(g)

	out := make(map[string]Scores, n)
	actorTotals := make(map[string]float64)
	for i, p := range g.Nodes {
		norm := 0.0
		if maxWeighted > 0 {
			norm = weighted[i] / maxWeighted
		}
		v := norm * (1 + math.Log1p(float64(reach[i])))
		out[p.ID] = Scores{Virality: v, ReachDepth: reach[i]}
		actorTotals[p.AuthorID] += v
	}

	actorCount := float64(len(actorTotals))
	for i, p := range g.Nodes {
		sc := out[p.ID]
		sc.ActorInfluence = actorTotals[g.Nodes[i].AuthorID] / actorCount
		out[p.ID] = sc
	}
	return out
}

// Rank returns post ids ordered by descending virality with deterministic
// tie-breaks: earliest CreatedAt first, then lexicographic id.
func (s *Scorer) Rank(g *graph.Graph, scores map[string]Scores) []string {
	ids := make([]string, len(g.Nodes))
	byID := make(map[string]int, len(g.Nodes))
	for i, p := range g.Nodes {
		ids[i] = p.ID
		byID[p.ID] = i
	}
	sort.Slice(ids, func(i, j int) bool {
		vi, vj := scores[ids[i]].Virality, scores[ids[j]].Virality
		if vi != vj {
			return vi > vj
		}
		pi, pj := g.Nodes[byID[ids[i]]], g.Nodes[byID[ids[j]]]
		if !pi.CreatedAt.Equal(pj.CreatedAt) {
			return pi.CreatedAt.Before(pj.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// weightedEngagement computes the raw weighted engagement per node under a
// bounded worker pool.
func (s *Scorer) weightedEngagement(g *graph.Graph) []float64 {
	weighted := make([]float64, len(g.Nodes))

	var eg errgroup.Group
	eg.SetLimit(s.config.MaxWorkers)
	var mu sync.Mutex
	const chunk = 256
	for start := 0; start < len(g.Nodes); start += chunk {
		start := start
		end := start + chunk
		if end > len(g.Nodes) {
			end = len(g.Nodes)
		}
		eg.Go(func() error {
			local := make([]float64, end-start)
			for i := start; i < end; i++ {
				e := g.Nodes[i].Engagement
				local[i-start] = s.config.LikeWeight*float64(e.Likes) +
					s.config.ShareWeight*float64(e.Shares) +
					s.config.CommentWeight*float64(e.Comments)
			}
			mu.Lock()
			copy(weighted[start:end], local)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait() // workers never error

	return weighted
}

// descendantCounts counts derivation-subtree descendants per node with one
// reverse-topological (Kahn) pass over the non-suspect edges. Shared
// descendants along diamond shapes are counted once per incoming path, which
// matches subtree semantics.
func descendantCounts(g *graph.Graph) []int {
	n := len(g.Nodes)
	outDeg := make([]int, n)
	counts := make([]int, n)

	type edge struct{ from, to int }
	var edges []edge
	for _, e := range g.Edges {
		if e.Suspect {
			continue
		}
		edges = append(edges, edge{from: e.From, to: e.To})
		outDeg[e.From]++
	}

	// Start from sinks and propagate upward.
	queue := make([]int, 0, n)
	pending := make([]int, n)
	copy(pending, outDeg)
	for i := 0; i < n; i++ {
		if pending[i] == 0 {
			queue = append(queue, i)
		}
	}

	inEdges := make([][]int, n)
	for _, e := range edges {
		inEdges[e.to] = append(inEdges[e.to], e.from)
	}
	children := make([][]int, n)
	for _, e := range edges {
		children[e.from] = append(children[e.from], e.to)
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		sum := 0
		for _, c := range children[node] {
			sum += 1 + counts[c]
		}
		counts[node] = sum

		for _, parent := range inEdges[node] {
			pending[parent]--
			if pending[parent] == 0 {
				queue = append(queue, parent)
			}
		}
	}
	return counts
}
