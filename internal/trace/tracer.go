// Package trace identifies the most probable true-origin node of each
// weakly-connected component of a propagation graph and assigns a confidence
// value, even when explicit platform metadata is incomplete or contradictory.
package trace

import (
	"errors"
	"sort"
	"time"

	"github.com/viraltrace/viraltrace/internal/graph"
)

// ErrEmptyGraph distinguishes "nothing to trace" from "traced with low
// confidence".
var ErrEmptyGraph = errors.New("trace: empty graph")

// LowConfidenceFloor is the threshold below which an origin must be surfaced
// as low-confidence, never silently treated as certain.
const LowConfidenceFloor = 0.4

// Origin is the traced origin of one component. Components are never merged:
// merging is a human investigative decision.
type Origin struct {
	Component     int      `json:"component"`
	OriginID      string   `json:"origin_id"`
	RunnerUpID    string   `json:"runner_up_id,omitempty"`
	Confidence    float64  `json:"confidence"`
	LowConfidence bool     `json:"low_confidence"`
	Explicit      bool     `json:"explicit"` // chosen by explicit in-degree, not fallback
	Members       []string `json:"members"`
}

// Timeline summarizes the temporal spread of the traced session.
type Timeline struct {
	TotalPosts     int       `json:"total_posts"`
	FirstPostAt    time.Time `json:"first_post_at"`
	LastPostAt     time.Time `json:"last_post_at"`
	TimeSpanHours  float64   `json:"time_span_hours"`
	SpreadVelocity float64   `json:"spread_velocity"` // posts per hour over the span
}

// Result is the outcome of tracing one session's graph.
type Result struct {
	SessionID string    `json:"session_id"`
	TracedAt  time.Time `json:"traced_at"`
	Origins   []Origin  `json:"origins"`
	Timeline  Timeline  `json:"timeline"`
	Partial   bool      `json:"partial"` // unknown seeds or a degraded similarity scan
}

// Trace runs the reverse chronological traversal with confidence accumulation
// over every component of g.
func Trace(g *graph.Graph) (Result, error) {
	if g == nil || len(g.Nodes) == 0 {
		return Result{}, ErrEmptyGraph
	}

	res := Result{
		SessionID: g.SessionID,
		Partial:   g.Partial,
		Timeline:  timeline(g),
	}
	for idx, members := range g.Components() {
		res.Origins = append(res.Origins, traceComponent(g, idx, members))
	}
	return res, nil
}

func traceComponent(g *graph.Graph, componentIdx int, members []int) Origin {
	inComponent := make(map[int]bool, len(members))
	for _, i := range members {
		inComponent[i] = true
	}

	// Component-local edge stats over non-suspect edges.
	explicitIn := make(map[int]int)
	outWeight := make(map[int]float64)
	explicitEdges, totalEdges := 0, 0
	hasExplicit := make(map[int]bool)
	for _, e := range g.Edges {
		if e.Suspect || !inComponent[e.From] || !inComponent[e.To] {
			continue
		}
		totalEdges++
		outWeight[e.From] += e.Weight
		if e.Kind.Explicit() {
			explicitEdges++
			explicitIn[e.To]++
			hasExplicit[e.From] = true
			hasExplicit[e.To] = true
		}
	}

	// Step 2: true sources per platform metadata — nodes participating in
	// explicit edges with explicit in-degree zero.
	var candidates []int
	for _, i := range members {
		if hasExplicit[i] && explicitIn[i] == 0 {
			candidates = append(candidates, i)
		}
	}
	explicit := len(candidates) > 0

	if !explicit {
		// Step 3 fallback (cycle, or fully-inferred component): earliest post
		// among those with maximal total outgoing weight explains the most
		// downstream content.
		maxW := -1.0
		for _, i := range members {
			if outWeight[i] > maxW {
				maxW = outWeight[i]
			}
		}
		for _, i := range members {
			if outWeight[i] == maxW {
				candidates = append(candidates, i)
			}
		}
	}

	// Rank candidates: outgoing weight desc, then earliest, then id.
	sort.Slice(candidates, func(a, b int) bool {
		i, j := candidates[a], candidates[b]
		if outWeight[i] != outWeight[j] {
			return outWeight[i] > outWeight[j]
		}
		pi, pj := g.Nodes[i], g.Nodes[j]
		if !pi.CreatedAt.Equal(pj.CreatedAt) {
			return pi.CreatedAt.Before(pj.CreatedAt)
		}
		return pi.ID < pj.ID
	})

	chosen := candidates[0]

	// Step 4: confidence = explicit edge fraction × weight dominance over the
	// runner-up candidate.
	explicitFraction := 1.0
	if totalEdges > 0 {
		explicitFraction = float64(explicitEdges) / float64(totalEdges)
	}
	dominance := 1.0
	var runnerUpID string
	if len(candidates) > 1 {
		runnerUp := candidates[1]
		runnerUpID = g.Nodes[runnerUp].ID
		if sum := outWeight[chosen] + outWeight[runnerUp]; sum > 0 {
			dominance = outWeight[chosen] / sum
		}
	}
	confidence := explicitFraction * dominance

	memberIDs := make([]string, 0, len(members))
	for _, i := range members {
		memberIDs = append(memberIDs, g.Nodes[i].ID)
	}
	sort.Strings(memberIDs)

	return Origin{
		Component:     componentIdx,
		OriginID:      g.Nodes[chosen].ID,
		RunnerUpID:    runnerUpID,
		Confidence:    confidence,
		LowConfidence: confidence < LowConfidenceFloor,
		Explicit:      explicit,
		Members:       memberIDs,
	}
}

func timeline(g *graph.Graph) Timeline {
	first, last := g.Nodes[0].CreatedAt, g.Nodes[0].CreatedAt
	for _, p := range g.Nodes[1:] {
		if p.CreatedAt.Before(first) {
			first = p.CreatedAt
		}
		if p.CreatedAt.After(last) {
			last = p.CreatedAt
		}
	}
	span := last.Sub(first).Hours()
	velocity := float64(len(g.Nodes))
	if span > 1 {
		velocity = float64(len(g.Nodes)) / span
	}
	return Timeline{
		TotalPosts:     len(g.Nodes),
		FirstPostAt:    first,
		LastPostAt:     last,
		TimeSpanHours:  span,
		SpreadVelocity: velocity,
	}
}
