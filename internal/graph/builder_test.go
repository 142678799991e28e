package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viraltrace/viraltrace/internal/content"
	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/similarity"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T, posts ...models.Post) *content.Store {
	t.Helper()
	s := content.NewStore()
	for _, p := range posts {
		_, err := s.Upsert(p)
		require.NoError(t, err)
	}
	return s
}

func post(id, author, text string, created time.Time) models.Post {
	return models.Post{
		ID:        "twitter:" + id,
		AuthorID:  "twitter:" + author,
		Platform:  "twitter",
		CreatedAt: created,
		Text:      text,
	}
}

func newTestBuilder(s *content.Store) *Builder {
	cfg := DefaultBuilderConfig()
	cfg.SimilarityThreshold = 0.8
	return NewBuilder(s, similarity.NewShingleScorer(3), cfg)
}

// Repost chain with an unlinked near-duplicate: A at t=0, B reposts A an hour
// later, C at t=+2h is near-identical to B but carries no parent link.
func exampleStore(t *testing.T) *content.Store {
	a := post("a", "alice", "huge breaking story about the dam failure upstream", t0)
	a.Engagement = models.Engagement{Likes: 100}
	b := post("b", "bob", "completely different words reposting the dam story", t0.Add(time.Hour))
	b.Engagement = models.Engagement{Likes: 50}
	b.ParentRef = "twitter:a"
	b.ParentKind = models.EdgeRepost
	c := post("c", "carol", "completely different words reposting the dam situation", t0.Add(2*time.Hour))
	c.Engagement = models.Engagement{Likes: 30}
	return seedStore(t, a, b, c)
}

func TestBuildExampleScenario(t *testing.T) {
	b := newTestBuilder(exampleStore(t))

	g, err := b.Build(context.Background(), "session-1", []string{"twitter:a", "twitter:b", "twitter:c"})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)
	assert.False(t, g.Partial)

	edges := g.WireEdges()
	require.Len(t, edges, 2)

	assert.Equal(t, "twitter:a", edges[0].From)
	assert.Equal(t, "twitter:b", edges[0].To)
	assert.Equal(t, models.EdgeRepost, edges[0].Kind)
	assert.Equal(t, 1.0, edges[0].Weight)

	assert.Equal(t, "twitter:b", edges[1].From)
	assert.Equal(t, "twitter:c", edges[1].To)
	assert.Equal(t, models.EdgeSimilarity, edges[1].Kind)
	assert.Greater(t, edges[1].Weight, 0.7)
	assert.Less(t, edges[1].Weight, 1.0)
}

func TestBuildFollowsExplicitChainFromSingleSeed(t *testing.T) {
	b := newTestBuilder(exampleStore(t))

	// Seeding only B still pulls in A through the parent link.
	g, err := b.Build(context.Background(), "session-2", []string{"twitter:b"})
	require.NoError(t, err)

	_, hasA := g.Index("twitter:a")
	assert.True(t, hasA)
}

func TestBuildUnknownSeedPartial(t *testing.T) {
	b := newTestBuilder(exampleStore(t))

	g, err := b.Build(context.Background(), "session-3", []string{"twitter:a", "twitter:missing"})
	require.ErrorIs(t, err, ErrUnknownSeed)
	require.NotNil(t, g)
	assert.True(t, g.Partial)

	_, hasA := g.Index("twitter:a")
	assert.True(t, hasA)
}

func TestBuildAllSeedsUnknown(t *testing.T) {
	b := newTestBuilder(exampleStore(t))

	g, err := b.Build(context.Background(), "session-4", []string{"twitter:nope"})
	require.ErrorIs(t, err, ErrUnknownSeed)
	assert.Empty(t, g.Nodes)
}

func TestBuildMarksFutureEdgeSuspect(t *testing.T) {
	// Platform metadata claims the earlier post derives from the later one.
	parent := post("late", "mallory", "some text", t0.Add(3*time.Hour))
	child := post("early", "bob", "other text entirely here", t0)
	child.ParentRef = "twitter:late"
	s := seedStore(t, parent, child)

	g, err := newTestBuilder(s).Build(context.Background(), "session-5", []string{"twitter:early"})
	require.NoError(t, err)

	edges := g.WireEdges()
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Suspect)

	// No-future-edges invariant: every non-suspect edge flows forward in time.
	for _, e := range edges {
		if e.Suspect {
			continue
		}
		from, _ := g.Index(e.From)
		to, _ := g.Index(e.To)
		assert.False(t, g.Post(from).CreatedAt.After(g.Post(to).CreatedAt))
	}
}

func TestBuildDepthBound(t *testing.T) {
	// A 10-deep repost chain with MaxDepth 3 keeps only the nearest ancestors.
	posts := make([]models.Post, 0, 10)
	for i := 0; i < 10; i++ {
		p := post(string(rune('a'+i)), "chain", "unique text number "+string(rune('a'+i)), t0.Add(time.Duration(i)*time.Hour))
		if i > 0 {
			p.ParentRef = "twitter:" + string(rune('a'+i-1))
		}
		posts = append(posts, p)
	}
	s := seedStore(t, posts...)

	cfg := DefaultBuilderConfig()
	cfg.MaxDepth = 3
	b := NewBuilder(s, similarity.NewShingleScorer(3), cfg)

	g, err := b.Build(context.Background(), "session-6", []string{"twitter:j"})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 4) // seed + 3 ancestors
}

func TestBuildWeightFloorDiscards(t *testing.T) {
	// Two similar posts far apart in time: decay pushes weight under the floor.
	a := post("a", "alice", "exact same words in this post body", t0)
	c := post("c", "carol", "exact same words in this post body", t0.Add(70*time.Hour))
	s := seedStore(t, a, c)

	cfg := DefaultBuilderConfig()
	cfg.WeightFloor = 0.3
	b := NewBuilder(s, similarity.NewShingleScorer(3), cfg)

	g, err := b.Build(context.Background(), "session-7", []string{"twitter:a", "twitter:c"})
	require.NoError(t, err)
	assert.Empty(t, g.Edges) // weight ≈ 1.0 × (1 − 70/72) ≈ 0.028
}

func TestBuildDeterministic(t *testing.T) {
	s := exampleStore(t)
	b := newTestBuilder(s)

	first, err := b.Build(context.Background(), "session-8", []string{"twitter:c", "twitter:a", "twitter:b"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := b.Build(context.Background(), "session-8", []string{"twitter:a", "twitter:b", "twitter:c"})
		require.NoError(t, err)
		assert.Equal(t, first.WireEdges(), again.WireEdges())
		assert.Equal(t, first.Nodes, again.Nodes)
	}
}

// stallScorer blocks until the scan context expires.
type stallScorer struct{}

func (stallScorer) Score(ctx context.Context, _, _, _, _ string) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestBuildScanTimeoutDegradesToExplicitGraph(t *testing.T) {
	cfg := DefaultBuilderConfig()
	cfg.ScanTimeout = 20 * time.Millisecond
	b := NewBuilder(exampleStore(t), stallScorer{}, cfg)

	g, err := b.Build(context.Background(), "session-11", []string{"twitter:a", "twitter:b", "twitter:c"})
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.True(t, g.Partial)

	// Only the explicit repost edge survives; no half-finished inferred edges.
	edges := g.WireEdges()
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeRepost, edges[0].Kind)
}

func TestBuildScanCancellation(t *testing.T) {
	b := newTestBuilder(exampleStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Build(ctx, "session-9", []string{"twitter:a", "twitter:b", "twitter:c"})
	assert.Error(t, err)
}

func TestComponents(t *testing.T) {
	// Two disjoint explicit chains.
	a := post("a", "alice", "first story one", t0)
	b1 := post("b", "bob", "first story reposted", t0.Add(time.Hour))
	b1.ParentRef = "twitter:a"
	x := post("x", "xavier", "unrelated other topic", t0)
	y := post("y", "yolanda", "unrelated other topic reposted", t0.Add(time.Hour))
	y.ParentRef = "twitter:x"
	s := seedStore(t, a, b1, x, y)

	cfg := DefaultBuilderConfig()
	cfg.SimilarityThreshold = 0.99 // keep the chains apart
	bld := NewBuilder(s, similarity.NewShingleScorer(3), cfg)

	g, err := bld.Build(context.Background(), "session-10", []string{"twitter:b", "twitter:y"})
	require.NoError(t, err)
	assert.Len(t, g.Components(), 2)
}

func TestComponentsSuspectEdgesDoNotConnect(t *testing.T) {
	g := New("s")
	i := g.AddNode(post("a", "alice", "x", t0))
	j := g.AddNode(post("b", "bob", "y", t0.Add(time.Hour)))
	g.AddEdge(Edge{From: j, To: i, Kind: models.EdgeRepost, Weight: 1, Suspect: true})

	assert.Len(t, g.Components(), 2)
}
