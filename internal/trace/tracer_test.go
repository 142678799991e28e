package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viraltrace/viraltrace/internal/content"
	"github.com/viraltrace/viraltrace/internal/graph"
	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/score"
	"github.com/viraltrace/viraltrace/internal/similarity"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func node(id, author string, created time.Time) models.Post {
	return models.Post{
		ID:        "twitter:" + id,
		AuthorID:  "twitter:" + author,
		Platform:  "twitter",
		CreatedAt: created,
		Text:      "text " + id,
	}
}

func TestTraceEmptyGraph(t *testing.T) {
	_, err := Trace(graph.New("s"))
	assert.ErrorIs(t, err, ErrEmptyGraph)

	_, err = Trace(nil)
	assert.ErrorIs(t, err, ErrEmptyGraph)
}

func TestTraceExplicitOrigin(t *testing.T) {
	// Repost chain with an inferred tail: explicit A to B, inferred B to C.
	g := graph.New("s")
	a := g.AddNode(node("a", "alice", t0))
	b := g.AddNode(node("b", "bob", t0.Add(time.Hour)))
	c := g.AddNode(node("c", "carol", t0.Add(2*time.Hour)))
	g.AddEdge(graph.Edge{From: a, To: b, Kind: models.EdgeRepost, Weight: 1})
	g.AddEdge(graph.Edge{From: b, To: c, Kind: models.EdgeSimilarity, Weight: 0.82})

	res, err := Trace(g)
	require.NoError(t, err)
	require.Len(t, res.Origins, 1)

	origin := res.Origins[0]
	assert.Equal(t, "twitter:a", origin.OriginID)
	assert.True(t, origin.Explicit)
	// 1 of 2 edges explicit, sole explicit candidate: confidence 0.5.
	assert.InDelta(t, 0.5, origin.Confidence, 0.2)
	assert.GreaterOrEqual(t, origin.Confidence, 0.4)
	assert.False(t, origin.LowConfidence)
	assert.Equal(t, []string{"twitter:a", "twitter:b", "twitter:c"}, origin.Members)
}

func TestTraceFullyInferredFallback(t *testing.T) {
	// No explicit metadata at all: earliest post with maximal outgoing weight
	// wins, confidence is the inferred fraction times dominance.
	g := graph.New("s")
	a := g.AddNode(node("a", "alice", t0))
	b := g.AddNode(node("b", "bob", t0.Add(time.Hour)))
	c := g.AddNode(node("c", "carol", t0.Add(2*time.Hour)))
	g.AddEdge(graph.Edge{From: a, To: b, Kind: models.EdgeSimilarity, Weight: 0.9})
	g.AddEdge(graph.Edge{From: a, To: c, Kind: models.EdgeSimilarity, Weight: 0.85})

	res, err := Trace(g)
	require.NoError(t, err)
	require.Len(t, res.Origins, 1)

	origin := res.Origins[0]
	assert.Equal(t, "twitter:a", origin.OriginID)
	assert.False(t, origin.Explicit)
	// Zero explicit edges: the explicit fraction drives confidence to zero
	// and the result must be flagged, never silently treated as certain.
	assert.True(t, origin.LowConfidence)
}

func TestTraceExplicitCycleFallsBack(t *testing.T) {
	// Two posts claiming each other as parent at the same instant.
	g := graph.New("s")
	a := g.AddNode(node("a", "alice", t0))
	b := g.AddNode(node("b", "bob", t0))
	g.AddEdge(graph.Edge{From: a, To: b, Kind: models.EdgeRepost, Weight: 1})
	g.AddEdge(graph.Edge{From: b, To: a, Kind: models.EdgeRepost, Weight: 1})

	res, err := Trace(g)
	require.NoError(t, err)
	require.Len(t, res.Origins, 1)

	origin := res.Origins[0]
	assert.False(t, origin.Explicit)
	// Equal weights, equal timestamps: lexicographic id decides.
	assert.Equal(t, "twitter:a", origin.OriginID)
}

func TestTraceDisjointComponentsNeverMerged(t *testing.T) {
	g := graph.New("s")
	a := g.AddNode(node("a", "alice", t0))
	b := g.AddNode(node("b", "bob", t0.Add(time.Hour)))
	x := g.AddNode(node("x", "xavier", t0))
	y := g.AddNode(node("y", "yolanda", t0.Add(time.Hour)))
	g.AddEdge(graph.Edge{From: a, To: b, Kind: models.EdgeRepost, Weight: 1})
	g.AddEdge(graph.Edge{From: x, To: y, Kind: models.EdgeRepost, Weight: 1})

	res, err := Trace(g)
	require.NoError(t, err)
	require.Len(t, res.Origins, 2)
	assert.Equal(t, "twitter:a", res.Origins[0].OriginID)
	assert.Equal(t, "twitter:x", res.Origins[1].OriginID)
}

func TestTraceSingletonComponent(t *testing.T) {
	g := graph.New("s")
	g.AddNode(node("a", "alice", t0))

	res, err := Trace(g)
	require.NoError(t, err)
	require.Len(t, res.Origins, 1)
	assert.Equal(t, 1.0, res.Origins[0].Confidence)
}

func TestTraceTimeline(t *testing.T) {
	g := graph.New("s")
	a := g.AddNode(node("a", "alice", t0))
	b := g.AddNode(node("b", "bob", t0.Add(4*time.Hour)))
	g.AddEdge(graph.Edge{From: a, To: b, Kind: models.EdgeRepost, Weight: 1})

	res, err := Trace(g)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Timeline.TotalPosts)
	assert.Equal(t, 4.0, res.Timeline.TimeSpanHours)
	assert.InDelta(t, 0.5, res.Timeline.SpreadVelocity, 1e-9)
}

func newManager(t *testing.T, posts ...models.Post) *Manager {
	t.Helper()
	store := content.NewStore()
	for _, p := range posts {
		_, err := store.Upsert(p)
		require.NoError(t, err)
	}
	cfg := graph.DefaultBuilderConfig()
	builder := graph.NewBuilder(store, similarity.NewShingleScorer(3), cfg)
	return NewManager(builder, score.NewScorer(score.DefaultConfig()))
}

func TestManagerTraceThenRetraceConflicts(t *testing.T) {
	a := node("a", "alice", t0)
	b := node("b", "bob", t0.Add(time.Hour))
	b.ParentRef = "twitter:a"
	m := newManager(t, a, b)

	ctx := context.Background()
	res, err := m.Trace(ctx, "case-1", []string{"twitter:b"})
	require.NoError(t, err)
	assert.Equal(t, "twitter:a", res.Origins[0].OriginID)

	_, err = m.Trace(ctx, "case-1", []string{"twitter:b"})
	assert.ErrorIs(t, err, ErrAlreadyTraced)

	// Invalidation re-opens the session.
	require.NoError(t, m.Invalidate("case-1"))
	_, err = m.Trace(ctx, "case-1", []string{"twitter:b"})
	assert.NoError(t, err)
}

func TestManagerPartialSeeds(t *testing.T) {
	a := node("a", "alice", t0)
	m := newManager(t, a)

	res, err := m.Trace(context.Background(), "case-2", []string{"twitter:a", "twitter:ghost"})
	require.NoError(t, err)
	assert.True(t, res.Partial)
}

func TestManagerUnknownSessionReads(t *testing.T) {
	m := newManager(t)
	_, err := m.Result("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = m.Graph("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerEmptySeedSet(t *testing.T) {
	m := newManager(t)
	_, err := m.Trace(context.Background(), "case-3", nil)
	assert.Error(t, err)
}
