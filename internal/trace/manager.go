package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/viraltrace/viraltrace/internal/graph"
	"github.com/viraltrace/viraltrace/internal/score"
)

var (
	// ErrAlreadyTraced is returned when a session is re-traced without
	// explicit invalidation. Silently rerunning on stale state would allow
	// inconsistent evidentiary conclusions across repeated queries.
	ErrAlreadyTraced = errors.New("trace: session already traced")

	// ErrSessionNotFound is returned for reads of sessions that were never
	// traced.
	ErrSessionNotFound = errors.New("trace: session not found")
)

// State is the per-session trace lifecycle.
type State string

const (
	StatePending State = "pending"
	StateTraced  State = "traced"
)

type session struct {
	mu     sync.Mutex
	state  State
	graph  *graph.Graph
	scores map[string]score.Scores
	result Result
}

// Manager owns the Build → Score → Trace pipeline per session. A session's
// graph is owned by exactly one trace invocation at a time, runs to
// completion before the session flips to Traced, and a failed or cancelled
// run commits nothing.
type Manager struct {
	builder *graph.Builder
	scorer  *score.Scorer

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager over the builder and scorer.
func NewManager(builder *graph.Builder, scorer *score.Scorer) *Manager {
	return &Manager{
		builder:  builder,
		scorer:   scorer,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) session(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &session{state: StatePending}
		m.sessions[id] = s
	}
	return s
}

// Trace runs the full pipeline for a session. Unknown seeds produce a
// partial-but-labeled result as long as at least one seed resolved.
func (m *Manager) Trace(ctx context.Context, sessionID string, seedIDs []string) (Result, error) {
	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTraced {
		return Result{}, ErrAlreadyTraced
	}

	g, buildErr := m.builder.Build(ctx, sessionID, seedIDs)
	if buildErr != nil && !errors.Is(buildErr, graph.ErrUnknownSeed) {
		return Result{}, fmt.Errorf("build graph: %w", buildErr)
	}
	if g == nil || len(g.Nodes) == 0 {
		if buildErr != nil {
			return Result{}, buildErr
		}
		return Result{}, ErrEmptyGraph
	}

	scores := m.scorer.Score(g)

	result, err := Trace(g)
	if err != nil {
		return Result{}, err
	}
	result.TracedAt = time.Now().UTC()

	// Commit only after the whole pipeline completed.
	s.graph = g
	s.scores = scores
	s.result = result
	s.state = StateTraced

	log.Info().Str("session", sessionID).
		Int("nodes", len(g.Nodes)).
		Int("components", len(result.Origins)).
		Bool("partial", result.Partial).
		Msg("session traced")
	return result, nil
}

// Result returns a previously traced session's result.
func (m *Manager) Result(sessionID string) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Result{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTraced {
		return Result{}, ErrSessionNotFound
	}
	return s.result, nil
}

// Graph returns a traced session's graph and node scores.
func (m *Manager) Graph(sessionID string) (*graph.Graph, map[string]score.Scores, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTraced {
		return nil, nil, ErrSessionNotFound
	}
	return s.graph, s.scores, nil
}

// Invalidate flips a traced session back to Pending so it can be re-traced.
// The explicit step exists so stale re-traces never happen by accident.
func (m *Manager) Invalidate(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StatePending
	s.graph = nil
	s.scores = nil
	s.result = Result{}
	log.Info().Str("session", sessionID).Msg("session invalidated")
	return nil
}
