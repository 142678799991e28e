package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viraltrace/viraltrace/internal/content"
	"github.com/viraltrace/viraltrace/internal/ledger"
	"github.com/viraltrace/viraltrace/internal/models"
)

type fakeConnector struct {
	platform string
	batches  [][]models.Post
	calls    int
	sinces   []time.Time
}

func (f *fakeConnector) Platform() string { return f.platform }

func (f *fakeConnector) Fetch(_ context.Context, since time.Time, _ int) ([]models.Post, error) {
	f.sinces = append(f.sinces, since)
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, nil
}

type fakeRecorder struct {
	requests []models.ActionRequest
	err      error
}

func (f *fakeRecorder) Append(req models.ActionRequest) (models.EvidenceRecord, error) {
	if f.err != nil {
		return models.EvidenceRecord{}, f.err
	}
	f.requests = append(f.requests, req)
	return models.EvidenceRecord{SequenceNumber: uint64(len(f.requests))}, nil
}

func ingestPost(id string, createdAt time.Time) models.Post {
	return models.Post{
		ID:        "twitter:" + id,
		AuthorID:  "twitter:author",
		Platform:  "twitter",
		CreatedAt: createdAt,
		Text:      "post " + id,
	}
}

func newTestService(rec Recorder) (*Service, *content.Store) {
	store := content.NewStore()
	cfg := DefaultConfig()
	cfg.RatePerSecond = 1000
	cfg.Burst = 1000
	cfg.AuthorizationID = "warrant-77"
	svc := NewService(cfg, store, rec, nil, zerolog.Nop())
	return svc, store
}

func TestCycleStoresBatchAndRecordsCollect(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	conn := &fakeConnector{
		platform: "twitter",
		batches: [][]models.Post{{
			ingestPost("1", base),
			ingestPost("2", base.Add(time.Minute)),
		}},
	}
	rec := &fakeRecorder{}
	svc, store := newTestService(rec)

	require.NoError(t, svc.Cycle(context.Background(), conn))

	assert.Equal(t, 2, store.Len())
	require.Len(t, rec.requests, 1)
	req := rec.requests[0]
	assert.Equal(t, models.ActionCollect, req.Action)
	assert.Equal(t, "warrant-77", req.AuthorizationID)
	assert.Equal(t, []string{"twitter:1", "twitter:2"}, req.SubjectRefs)
}

func TestCycleAdvancesCursor(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	conn := &fakeConnector{
		platform: "twitter",
		batches: [][]models.Post{
			{ingestPost("1", base)},
			{ingestPost("2", base.Add(time.Hour))},
		},
	}
	svc, _ := newTestService(&fakeRecorder{})

	require.NoError(t, svc.Cycle(context.Background(), conn))
	require.NoError(t, svc.Cycle(context.Background(), conn))

	require.Len(t, conn.sinces, 2)
	assert.True(t, conn.sinces[0].IsZero())
	assert.Equal(t, base, conn.sinces[1])
}

func TestCycleDeniedCollectionStoresNothing(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	conn := &fakeConnector{
		platform: "twitter",
		batches:  [][]models.Post{{ingestPost("1", base)}},
	}
	rec := &fakeRecorder{err: fmt.Errorf("%w: platform out of scope", ledger.ErrUnauthorized)}
	svc, store := newTestService(rec)

	err := svc.Cycle(context.Background(), conn)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.Zero(t, store.Len())
}

func TestCycleSkipsConflictingPayloads(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	original := ingestPost("1", base)
	tampered := ingestPost("1", base)
	tampered.Text = "rewritten content"

	conn := &fakeConnector{
		platform: "twitter",
		batches: [][]models.Post{{
			original,
			tampered,
			ingestPost("2", base.Add(time.Minute)),
		}},
	}
	svc, store := newTestService(&fakeRecorder{})

	require.NoError(t, svc.Cycle(context.Background(), conn))

	assert.Equal(t, 2, store.Len())
	got, ok := store.Get("twitter:1")
	require.True(t, ok)
	assert.Equal(t, "post 1", got.Text)
}

type fakeArchive struct {
	posts []models.Post
	err   error
}

func (f *fakeArchive) ArchivePost(post models.Post) error {
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, post)
	return nil
}

func TestSubmitReportsConflicts(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	original := ingestPost("1", base)
	tampered := ingestPost("1", base)
	tampered.Text = "rewritten content"

	svc, store := newTestService(&fakeRecorder{})

	accepted, conflicts, err := svc.Submit(Batch{
		ActorID:         "officer-1",
		AuthorizationID: "warrant-77",
		Platform:        "twitter",
		Posts:           []models.Post{original, tampered, ingestPost("2", base.Add(time.Minute))},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Equal(t, []string{"twitter:1"}, conflicts)
	assert.Equal(t, 2, store.Len())
}

func TestSubmitArchivesStoredPosts(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	archive := &fakeArchive{}
	svc, _ := newTestService(&fakeRecorder{})
	svc.WithArchiver(archive)

	accepted, conflicts, err := svc.Submit(Batch{
		ActorID:         "officer-1",
		AuthorizationID: "warrant-77",
		Platform:        "twitter",
		Posts:           []models.Post{ingestPost("1", base), ingestPost("2", base.Add(time.Minute))},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Empty(t, conflicts)
	require.Len(t, archive.posts, 2)
	assert.Equal(t, "twitter:1", archive.posts[0].ID)
}

func TestSubmitArchiveFailureDoesNotRejectBatch(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	archive := &fakeArchive{err: fmt.Errorf("archive down")}
	svc, store := newTestService(&fakeRecorder{})
	svc.WithArchiver(archive)

	accepted, _, err := svc.Submit(Batch{
		ActorID:         "officer-1",
		AuthorizationID: "warrant-77",
		Platform:        "twitter",
		Posts:           []models.Post{ingestPost("1", base)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, store.Len())
}

func TestCycleEmptyFetchRecordsNothing(t *testing.T) {
	conn := &fakeConnector{platform: "twitter"}
	rec := &fakeRecorder{}
	svc, _ := newTestService(rec)

	require.NoError(t, svc.Cycle(context.Background(), conn))
	assert.Empty(t, rec.requests)
}

func TestRunStopsOnCancel(t *testing.T) {
	conn := &fakeConnector{platform: "twitter"}
	svc, _ := newTestService(&fakeRecorder{})
	svc.cfg.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, []Connector{conn}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunRequiresConnectors(t *testing.T) {
	svc, _ := newTestService(&fakeRecorder{})
	assert.Error(t, svc.Run(context.Background(), nil))
}
