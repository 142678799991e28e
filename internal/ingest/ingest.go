// Package ingest moves posts into the content store under compliance control,
// either pulled from platform connectors on a poll loop or submitted directly
// through the HTTP surface. Every accepted batch leaves a collect record on
// the evidence ledger; a denied authorization stops the batch before any post
// is stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/viraltrace/viraltrace/internal/content"
	"github.com/viraltrace/viraltrace/internal/ledger"
	"github.com/viraltrace/viraltrace/internal/metrics"
	"github.com/viraltrace/viraltrace/internal/models"
)

// Connector supplies normalized posts from one platform. Implementations are
// external; the service only requires the fetch contract.
type Connector interface {
	// Platform returns the platform name the connector serves.
	Platform() string

	// Fetch returns up to limit posts created at or after since.
	Fetch(ctx context.Context, since time.Time, limit int) ([]models.Post, error)
}

// Recorder is the slice of the evidence ledger the service needs.
type Recorder interface {
	Append(req models.ActionRequest) (models.EvidenceRecord, error)
}

// PostArchiver receives a copy of each stored post for durable archival.
// Archival is write-behind: a failure is logged, never surfaced to the
// submitter.
type PostArchiver interface {
	ArchivePost(post models.Post) error
}

// Batch is one ingestion submission: a set of posts from one platform backed
// by one legal authorization.
type Batch struct {
	ActorID         string
	AuthorizationID string
	Platform        string
	Posts           []models.Post
}

// Config controls one ingestion service.
type Config struct {
	RatePerSecond   float64       `yaml:"rate_per_second"`  // fetch calls per second per connector
	Burst           int           `yaml:"burst"`            // limiter burst
	BatchLimit      int           `yaml:"batch_limit"`      // max posts per fetch
	PollInterval    time.Duration `yaml:"poll_interval"`    // sleep between cycles
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`    // per-fetch deadline
	ActorID         string        `yaml:"actor_id"`         // identity recorded on collect records
	AuthorizationID string        `yaml:"authorization_id"` // legal authorization backing collection
}

// DefaultConfig returns conservative ingestion defaults.
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 2.0,
		Burst:         4,
		BatchLimit:    200,
		PollInterval:  30 * time.Second,
		FetchTimeout:  15 * time.Second,
		ActorID:       "system:ingest",
	}
}

// Service drives connectors on a poll loop. Each connector gets its own rate
// limiter so one slow platform cannot starve the others.
type Service struct {
	cfg     Config
	store   *content.Store
	ledger  Recorder
	metrics *metrics.Registry
	logger  zerolog.Logger

	archive PostArchiver

	limiters map[string]*rate.Limiter
	cursors  map[string]time.Time
}

// NewService wires a Service. The metrics registry may be nil.
func NewService(cfg Config, store *content.Store, rec Recorder, m *metrics.Registry, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		ledger:   rec,
		metrics:  m,
		logger:   logger.With().Str("component", "ingest").Logger(),
		limiters: make(map[string]*rate.Limiter),
		cursors:  make(map[string]time.Time),
	}
}

// WithArchiver attaches a durable archive sink for stored posts.
func (s *Service) WithArchiver(a PostArchiver) *Service {
	s.archive = a
	return s
}

// Run polls the connectors until ctx is canceled.
func (s *Service) Run(ctx context.Context, connectors []Connector) error {
	if len(connectors) == 0 {
		return errors.New("ingest: no connectors configured")
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, c := range connectors {
			if err := s.Cycle(ctx, c); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.logger.Warn().Err(err).Str("platform", c.Platform()).Msg("ingest cycle failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one fetch-gate-store pass for a connector. Exported so the CLI
// can run a single bounded ingestion.
func (s *Service) Cycle(ctx context.Context, c Connector) error {
	platform := c.Platform()

	if err := s.limiter(platform).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", platform, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	posts, err := c.Fetch(fetchCtx, s.cursors[platform], s.cfg.BatchLimit)
	if err != nil {
		s.countError("fetch")
		return fmt.Errorf("failed to fetch from %s: %w", platform, err)
	}
	if len(posts) == 0 {
		return nil
	}

	accepted, _, err := s.Submit(Batch{
		ActorID:         s.cfg.ActorID,
		AuthorizationID: s.cfg.AuthorizationID,
		Platform:        platform,
		Posts:           posts,
	})
	if err != nil {
		return err
	}

	// The whole batch was either stored or individually rejected, so the
	// cursor can move past everything fetched.
	for _, p := range posts {
		if p.CreatedAt.After(s.cursors[platform]) {
			s.cursors[platform] = p.CreatedAt
		}
	}

	s.logger.Info().
		Str("platform", platform).
		Int("fetched", len(posts)).
		Int("accepted", accepted).
		Msg("ingest cycle complete")
	return nil
}

// Submit records the collect action first, then stores the batch. The ledger
// append is the authorization checkpoint: a denial means nothing from the
// batch reaches the store. Posts whose payload conflicts with an already
// stored record are rejected individually and returned in conflicts.
func (s *Service) Submit(b Batch) (accepted int, conflicts []string, err error) {
	refs := make([]string, 0, len(b.Posts))
	for _, p := range b.Posts {
		refs = append(refs, p.ID)
	}

	_, err = s.ledger.Append(models.ActionRequest{
		ActorID:         b.ActorID,
		Action:          models.ActionCollect,
		Platform:        b.Platform,
		AccountID:       models.ScopeWildcard,
		AuthorizationID: b.AuthorizationID,
		SubjectRefs:     refs,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			s.countError("unauthorized")
			return 0, nil, fmt.Errorf("collection from %s denied: %w", b.Platform, err)
		}
		s.countError("ledger")
		return 0, nil, fmt.Errorf("failed to record collection from %s: %w", b.Platform, err)
	}

	for _, post := range b.Posts {
		if _, err := s.store.Upsert(post); err != nil {
			if errors.Is(err, content.ErrImmutableFieldConflict) {
				// Tampering signal per the custody model: surface loudly,
				// keep ingesting the rest of the batch.
				s.countError("immutable_conflict")
				s.logger.Error().Str("post", post.ID).Err(err).
					Msg("conflicting re-ingestion payload rejected")
				conflicts = append(conflicts, post.ID)
				continue
			}
			s.countError("store")
			return accepted, conflicts, fmt.Errorf("failed to store post %s: %w", post.ID, err)
		}
		accepted++
		if s.metrics != nil {
			s.metrics.PostsIngested.WithLabelValues(b.Platform).Inc()
		}
		if s.archive != nil {
			if err := s.archive.ArchivePost(post); err != nil {
				s.logger.Error().Str("post", post.ID).Err(err).Msg("post archive write failed")
			}
		}
	}
	return accepted, conflicts, nil
}

func (s *Service) limiter(platform string) *rate.Limiter {
	lim, ok := s.limiters[platform]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)
		s.limiters[platform] = lim
	}
	return lim
}

func (s *Service) countError(reason string) {
	if s.metrics != nil {
		s.metrics.IngestErrors.WithLabelValues(reason).Inc()
	}
}
