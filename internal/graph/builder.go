package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/viraltrace/viraltrace/internal/content"
	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/similarity"
)

// ErrUnknownSeed is returned when one or more seed ids are absent from the
// content store. Partial graphs from the remaining valid seeds are still
// returned alongside it.
var ErrUnknownSeed = errors.New("graph: unknown seed")

// BuilderConfig bounds the graph construction. The coefficients are
// configurable rather than load-bearing constants.
type BuilderConfig struct {
	MaxDepth            int           `yaml:"max_depth"`            // explicit-link traversal bound
	SimilarityWindow    time.Duration `yaml:"similarity_window"`    // time window for inferred edges
	SimilarityThreshold float64       `yaml:"similarity_threshold"` // minimum cosine similarity
	WeightFloor         float64       `yaml:"weight_floor"`         // inferred edges below this are discarded
	MaxWorkers          int           `yaml:"max_workers"`          // similarity scan parallelism
	ScanTimeout         time.Duration `yaml:"scan_timeout"`         // similarity scan phase only
}

// DefaultBuilderConfig returns the documented defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		MaxDepth:            50,
		SimilarityWindow:    72 * time.Hour,
		SimilarityThreshold: 0.85,
		WeightFloor:         0.3,
		MaxWorkers:          runtime.GOMAXPROCS(0),
		ScanTimeout:         2 * time.Minute,
	}
}

// Builder constructs propagation graphs from content store state. Given
// identical store state and configuration the output is byte-identical:
// candidate ordering, pair enumeration and edge ordering are all fixed, and
// there is no sampling anywhere.
type Builder struct {
	store  *content.Store
	scorer similarity.Scorer
	config BuilderConfig
}

// NewBuilder creates a Builder over the store using the injected similarity
// scorer.
func NewBuilder(store *content.Store, scorer similarity.Scorer, config BuilderConfig) *Builder {
	if config.MaxDepth <= 0 {
		config.MaxDepth = 50
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Builder{store: store, scorer: scorer, config: config}
}

// Build constructs the propagation graph for a session starting from the seed
// posts. Unknown seeds do not abort the session: the graph built from the
// remaining seeds is returned together with an error wrapping ErrUnknownSeed.
func (b *Builder) Build(ctx context.Context, sessionID string, seedIDs []string) (*Graph, error) {
	g := New(sessionID)

	// Deterministic seed order regardless of caller ordering.
	seeds := append([]string(nil), seedIDs...)
	sort.Strings(seeds)

	var missing []string
	for _, id := range seeds {
		post, ok := b.store.Get(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		b.walkExplicit(g, post)
	}

	if len(g.Nodes) > 0 {
		if err := b.scanSimilarity(ctx, g); err != nil {
			return nil, err
		}
	}
	g.sortEdges()

	if len(missing) > 0 {
		g.Partial = true
		log.Warn().Str("session", sessionID).Strs("missing", missing).
			Msg("graph built without unknown seeds")
		return g, fmt.Errorf("%w: %s", ErrUnknownSeed, strings.Join(missing, ", "))
	}
	return g, nil
}

// walkExplicit follows platform-declared parent links transitively from a
// seed, bounded by MaxDepth to cap pathological chains.
func (b *Builder) walkExplicit(g *Graph, seed models.Post) {
	childIdx := g.AddNode(seed)
	child := seed
	for depth := 0; depth < b.config.MaxDepth && child.ParentRef != ""; depth++ {
		parent, ok := b.store.Get(child.ParentRef)
		if !ok {
			// Declared parent never ingested; the chain ends here.
			log.Debug().Str("post", child.ID).Str("parent", child.ParentRef).
				Msg("explicit parent not in content store")
			break
		}
		parentIdx := g.AddNode(parent)
		if !g.HasEdge(parentIdx, childIdx) {
			kind := child.ParentKind
			if kind == "" {
				kind = models.EdgeRepost
			}
			g.AddEdge(Edge{
				From:   parentIdx,
				To:     childIdx,
				Kind:   kind,
				Weight: 1.0,
				// Platform metadata claiming derivation from a later post is
				// stored but excluded from tracing.
				Suspect: parent.CreatedAt.After(child.CreatedAt),
			})
		}
		child, childIdx = parent, parentIdx
	}
}

type simPair struct {
	a, b int // arena indices, a < b by (CreatedAt, ID) order
}

type simResult struct {
	pair  simPair
	score float64
}

// scanSimilarity adds inferred-similarity edges between posts close in time
// and content. The per-pair comparisons are embarrassingly parallel and run
// under a bounded worker pool; the phase is the only cancellable part of the
// build.
func (b *Builder) scanSimilarity(ctx context.Context, g *Graph) error {
	parent := ctx
	if b.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.ScanTimeout)
		defer cancel()
	}

	included := len(g.Nodes)

	// Pull window candidates around the included posts' time span.
	minT, maxT := g.Nodes[0].CreatedAt, g.Nodes[0].CreatedAt
	for _, p := range g.Nodes[1:] {
		if p.CreatedAt.Before(minT) {
			minT = p.CreatedAt
		}
		if p.CreatedAt.After(maxT) {
			maxT = p.CreatedAt
		}
	}
	for p := range b.store.ListBetween(minT.Add(-b.config.SimilarityWindow), maxT.Add(b.config.SimilarityWindow)) {
		if _, ok := g.Index(p.ID); !ok {
			g.AddNode(p)
		}
	}

	// Enumerate pairs in a fixed order: every pair must involve at least one
	// already-included post, and both posts must sit within the window of
	// each other.
	order := make([]int, len(g.Nodes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := g.Nodes[order[i]], g.Nodes[order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var pairs []simPair
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			ai, bi := order[i], order[j]
			if ai >= included && bi >= included {
				continue
			}
			dt := g.Nodes[bi].CreatedAt.Sub(g.Nodes[ai].CreatedAt)
			if dt > b.config.SimilarityWindow {
				break // order is chronological; later j only grow dt
			}
			if g.HasEdge(ai, bi) || g.HasEdge(bi, ai) {
				continue
			}
			pairs = append(pairs, simPair{a: ai, b: bi})
		}
	}

	results := make([]simResult, 0, len(pairs))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.config.MaxWorkers)
	for _, pair := range pairs {
		pair := pair
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			pa, pb := g.Nodes[pair.a], g.Nodes[pair.b]
			score, err := b.scorer.Score(egCtx, pa.ID, pa.Text, pb.ID, pb.Text)
			if err != nil {
				return fmt.Errorf("score %s/%s: %w", pa.ID, pb.ID, err)
			}
			if score < b.config.SimilarityThreshold {
				return nil
			}
			mu.Lock()
			results = append(results, simResult{pair: pair, score: score})
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		// The scan deadline is a budget, not a hard failure: the explicit-edge
		// graph is still a valid, deterministic result. A caller abort still
		// propagates.
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			b.pruneUnlinked(g, included)
			g.Partial = true
			log.Warn().Str("session", g.SessionID).Int("pairs", len(pairs)).
				Msg("similarity scan timed out, returning explicit-edge graph")
			return nil
		}
		return fmt.Errorf("similarity scan: %w", err)
	}

	// Fixed edge insertion order: sort collected results, then append.
	sort.Slice(results, func(i, j int) bool {
		if results[i].pair.a != results[j].pair.a {
			return results[i].pair.a < results[j].pair.a
		}
		return results[i].pair.b < results[j].pair.b
	})

	for _, r := range results {
		earlier, later := r.pair.a, r.pair.b
		if g.Nodes[later].CreatedAt.Before(g.Nodes[earlier].CreatedAt) {
			earlier, later = later, earlier
		}
		dt := g.Nodes[later].CreatedAt.Sub(g.Nodes[earlier].CreatedAt)
		decay := 1 - float64(dt)/float64(b.config.SimilarityWindow)
		if decay < 0 {
			decay = 0
		}
		weight := r.score * decay
		if weight < b.config.WeightFloor {
			continue
		}
		g.AddEdge(Edge{From: earlier, To: later, Kind: models.EdgeSimilarity, Weight: weight})
	}

	b.pruneUnlinked(g, included)
	return nil
}

// pruneUnlinked drops window candidates that gained no edge, rebuilding the
// arena so indices stay dense.
func (b *Builder) pruneUnlinked(g *Graph, included int) {
	keep := make([]bool, len(g.Nodes))
	for i := 0; i < included; i++ {
		keep[i] = true
	}
	for _, e := range g.Edges {
		keep[e.From] = true
		keep[e.To] = true
	}

	all := true
	for _, k := range keep {
		if !k {
			all = false
			break
		}
	}
	if all {
		return
	}

	remap := make([]int, len(g.Nodes))
	nodes := make([]models.Post, 0, len(g.Nodes))
	for i, k := range keep {
		if !k {
			remap[i] = -1
			continue
		}
		remap[i] = len(nodes)
		nodes = append(nodes, g.Nodes[i])
	}

	edges := make([]Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		e.From, e.To = remap[e.From], remap[e.To]
		edges = append(edges, e)
	}

	g.Nodes = nodes
	g.Edges = edges
	g.Out = make([][]int, len(nodes))
	g.In = make([][]int, len(nodes))
	g.byID = make(map[string]int, len(nodes))
	for i, p := range nodes {
		g.byID[p.ID] = i
	}
	for idx, e := range g.Edges {
		g.Out[e.From] = append(g.Out[e.From], idx)
		g.In[e.To] = append(g.In[e.To], idx)
	}
}
