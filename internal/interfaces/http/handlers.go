package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/viraltrace/viraltrace/internal/graph"
	"github.com/viraltrace/viraltrace/internal/ingest"
	"github.com/viraltrace/viraltrace/internal/ledger"
	"github.com/viraltrace/viraltrace/internal/metrics"
	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/persistence"
	"github.com/viraltrace/viraltrace/internal/score"
	"github.com/viraltrace/viraltrace/internal/trace"
)

// Handlers holds the endpoint implementations and their dependencies.
type Handlers struct {
	manager  *trace.Manager
	scorer   *score.Scorer
	ledger   *ledger.Ledger
	ingester *ingest.Service
	health   persistence.RepositoryHealth
	metrics  *metrics.Registry
}

// NewHandlers wires the handler dependencies. ingester, health and m may be
// nil.
func NewHandlers(manager *trace.Manager, scorer *score.Scorer, l *ledger.Ledger, ingester *ingest.Service, health persistence.RepositoryHealth, m *metrics.Registry) *Handlers {
	return &Handlers{
		manager:  manager,
		scorer:   scorer,
		ledger:   l,
		ingester: ingester,
		health:   health,
		metrics:  m,
	}
}

// Trace runs the Build-Score-Trace pipeline for a session. The analysis is
// itself an evidentiary action: it is gated and recorded before the pipeline
// runs, and a refused gate means no trace.
func (h *Handlers) Trace(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.SeedIDs) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "seed_ids must not be empty")
		return
	}

	// A re-trace conflict is a caller mistake, not an investigative action;
	// reject it before anything is recorded.
	if _, err := h.manager.Result(sessionID); err == nil {
		writeError(w, http.StatusConflict, "already_traced",
			"session is already traced; invalidate it to re-trace")
		return
	}

	subjects := append([]string(nil), req.SeedIDs...)
	sort.Strings(subjects)
	if _, err := h.ledger.Append(models.ActionRequest{
		ActorID:         req.ActorID,
		Action:          models.ActionAnalyze,
		AuthorizationID: req.AuthorizationID,
		SubjectRefs:     subjects,
	}); err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "unauthorized", denialReason(err))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	var timer *metrics.StageTimer
	if h.metrics != nil {
		h.metrics.ActiveTraces.Inc()
		defer h.metrics.ActiveTraces.Dec()
		timer = h.metrics.StartStageTimer("trace")
	}

	result, err := h.manager.Trace(r.Context(), sessionID, req.SeedIDs)
	if timer != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		timer.Stop(outcome)
	}
	if err != nil {
		switch {
		case errors.Is(err, trace.ErrAlreadyTraced):
			writeError(w, http.StatusConflict, "already_traced",
				"session is already traced; invalidate it to re-trace")
		case errors.Is(err, graph.ErrUnknownSeed), errors.Is(err, trace.ErrEmptyGraph):
			writeError(w, http.StatusBadRequest, "validation", err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, "timeout", "trace cancelled")
		default:
			zerolog.Ctx(r.Context()).Error().Err(err).Str("session", sessionID).Msg("trace failed")
			writeError(w, http.StatusInternalServerError, "internal", "trace failed")
		}
		return
	}

	h.recordGraphMetrics(sessionID)
	writeJSON(w, http.StatusOK, result)
}

// Invalidate flips a traced session back to pending.
func (h *Handlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := h.manager.Invalidate(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "state": string(trace.StatePending)})
}

// Graph returns a traced session's nodes, edges, scores and ranking. Reading
// evidence is an access action: it is gated and recorded, naming every node
// the caller sees.
func (h *Handlers) Graph(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	g, scores, err := h.manager.Graph(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	subjects := make([]string, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		subjects = append(subjects, node.ID)
	}
	sort.Strings(subjects)
	if _, err := h.ledger.Append(models.ActionRequest{
		ActorID:         r.URL.Query().Get("actor_id"),
		Action:          models.ActionAccess,
		AuthorizationID: r.URL.Query().Get("authorization_id"),
		SubjectRefs:     subjects,
	}); err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "unauthorized", denialReason(err))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, buildGraphResponse(g, scores, h.scorer.Rank(g, scores)))
}

// Verify checks the hash chain over a sequence range. Without parameters the
// whole chain is verified.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	to := h.ledger.Len()

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "from must be a positive integer")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "to must be a positive integer")
			return
		}
	}

	if to == 0 { // empty ledger
		writeJSON(w, http.StatusOK, verifyResponse{Valid: true})
		return
	}

	valid, firstBad, err := h.ledger.VerifyChain(from, to)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	h.countVerify(valid)
	resp := verifyResponse{Valid: valid}
	if !valid {
		resp.FirstBadSeq = &firstBad
	}
	writeJSON(w, http.StatusOK, resp)
}

// Export produces a signed disclosure bundle. The export itself is an
// evidentiary action: it is gated and recorded before the bundle is built.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.AuthorizationID == "" {
		writeError(w, http.StatusBadRequest, "validation", "authorization_id is required")
		return
	}

	from, to := req.FromSeq, req.ToSeq
	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = h.ledger.Len()
	}

	subjects := rangeSubjects(h.ledger, from, to)

	// The export is not platform-targeted; the gate scopes it by the
	// platforms of the subjects being disclosed.
	_, err := h.ledger.Append(models.ActionRequest{
		ActorID:         req.ActorID,
		Action:          models.ActionExport,
		AuthorizationID: req.AuthorizationID,
		SubjectRefs:     subjects,
		ExposesPII:      req.ExposesPII,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "unauthorized", denialReason(err))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	bundle, err := h.ledger.ExportRange(from, to)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.ExportBundles.Inc()
	}
	writeJSON(w, http.StatusOK, bundle)
}

// Report summarizes all custody records touching one subject.
func (h *Handlers) Report(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "validation", "subject is required")
		return
	}

	report, err := h.ledger.Report(subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health reports process and storage liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":             "ok",
		"time":               time.Now().UTC().Format(time.RFC3339),
		"ledger_records":     h.ledger.Len(),
		"ledger_compromised": h.ledger.Compromised(),
	}
	status := http.StatusOK
	if h.health != nil {
		check := h.health.Health(r.Context())
		resp["storage"] = check
		if !check.Healthy {
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// Ingest accepts a batch of posts submitted directly over HTTP, outside the
// connector poll loop. The batch passes through the same gated collection
// path; immutable-field conflicts reject the offending posts with a 422 and
// store the rest.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest_disabled", "ingestion is not configured")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Platform == "" {
		writeError(w, http.StatusBadRequest, "validation", "platform is required")
		return
	}
	if len(req.Posts) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "posts must not be empty")
		return
	}

	stored, conflicts, err := h.ingester.Submit(ingest.Batch{
		ActorID:         req.ActorID,
		AuthorizationID: req.AuthorizationID,
		Platform:        req.Platform,
		Posts:           req.Posts,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "unauthorized", denialReason(err))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	resp := ingestResponse{Stored: stored, Conflicts: conflicts}
	if len(conflicts) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) recordGraphMetrics(sessionID string) {
	if h.metrics == nil {
		return
	}
	g, _, err := h.manager.Graph(sessionID)
	if err != nil {
		return
	}
	h.metrics.GraphNodes.Set(float64(len(g.Nodes)))
	counts := make(map[string]int)
	for _, e := range g.Edges {
		counts[string(e.Kind)]++
	}
	for kind, n := range counts {
		h.metrics.GraphEdges.WithLabelValues(kind).Set(float64(n))
	}
}

func (h *Handlers) countVerify(valid bool) {
	if h.metrics == nil {
		return
	}
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	h.metrics.ChainVerifies.WithLabelValues(outcome).Inc()
}

// rangeSubjects collects the distinct subject refs of the records being
// exported so the disclosure action names what it discloses.
func rangeSubjects(l *ledger.Ledger, from, to uint64) []string {
	report := map[string]struct{}{}
	recs, err := l.Records(from, to)
	if err != nil {
		return nil
	}
	for _, rec := range recs {
		for _, ref := range rec.SubjectRefs {
			report[ref] = struct{}{}
		}
	}
	out := make([]string, 0, len(report))
	for ref := range report {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// denialReason strips the sentinel prefix so the response carries only the
// gate's reason text.
func denialReason(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, errorResponse{Error: kind, Reason: reason})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "not_found", "unknown route")
}
