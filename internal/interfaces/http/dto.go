package http

import (
	"time"

	"github.com/viraltrace/viraltrace/internal/graph"
	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/score"
)

// traceRequest is the body of POST /sessions/{id}/trace. The analysis is an
// investigative action, so it carries the acting identity and the legal
// authorization backing it.
type traceRequest struct {
	SeedIDs         []string `json:"seed_ids"`
	ActorID         string   `json:"actor_id"`
	AuthorizationID string   `json:"authorization_id"`
}

// ingestRequest is the body of POST /posts.
type ingestRequest struct {
	ActorID         string        `json:"actor_id"`
	AuthorizationID string        `json:"authorization_id"`
	Platform        string        `json:"platform"`
	Posts           []models.Post `json:"posts"`
}

// ingestResponse reports what the submission actually changed. Conflicting
// payloads are named, never merged.
type ingestResponse struct {
	Stored    int      `json:"stored"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// nodeDTO carries one graph node with its scores for the dashboard.
type nodeDTO struct {
	ID              string            `json:"id"`
	AuthorID        string            `json:"author_id"`
	Platform        string            `json:"platform"`
	CreatedAt       time.Time         `json:"created_at"`
	Engagement      models.Engagement `json:"engagement"`
	EngagementTotal int64             `json:"engagement_total"`
	Retracted       bool              `json:"retracted,omitempty"`
	Virality        float64           `json:"virality"`
	ActorInfluence  float64           `json:"actor_influence"`
	ReachDepth      int               `json:"reach_depth"`
}

// graphResponse is the body of GET /sessions/{id}/graph.
type graphResponse struct {
	SessionID string        `json:"session_id"`
	Partial   bool          `json:"partial"`
	Nodes     []nodeDTO     `json:"nodes"`
	Edges     []models.Edge `json:"edges"`
	Ranked    []string      `json:"ranked"` // post ids, most viral first
}

// verifyResponse is the body of GET /ledger/verify.
type verifyResponse struct {
	Valid       bool    `json:"valid"`
	FirstBadSeq *uint64 `json:"first_bad_seq"` // null when valid
}

// exportRequest is the body of POST /ledger/export.
type exportRequest struct {
	ActorID         string `json:"actor_id"`
	AuthorizationID string `json:"authorization_id"`
	FromSeq         uint64 `json:"from_seq"`
	ToSeq           uint64 `json:"to_seq"`
	ExposesPII      bool   `json:"exposes_pii"`
}

// errorResponse carries a typed failure to the caller.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func buildGraphResponse(g *graph.Graph, scores map[string]score.Scores, ranked []string) graphResponse {
	resp := graphResponse{
		SessionID: g.SessionID,
		Partial:   g.Partial,
		Edges:     g.WireEdges(),
		Ranked:    ranked,
		Nodes:     make([]nodeDTO, 0, len(g.Nodes)),
	}
	for _, p := range g.Nodes {
		sc := scores[p.ID]
		resp.Nodes = append(resp.Nodes, nodeDTO{
			ID:              p.ID,
			AuthorID:        p.AuthorID,
			Platform:        p.Platform,
			CreatedAt:       p.CreatedAt,
			Engagement:      p.Engagement,
			EngagementTotal: p.Engagement.Total(),
			Retracted:       p.Retracted,
			Virality:        sc.Virality,
			ActorInfluence:  sc.ActorInfluence,
			ReachDepth:      sc.ReachDepth,
		})
	}
	return resp
}
