// Package content implements the normalized, deduplicated store of ingested
// posts. It is the leaf dependency of the propagation pipeline: everything
// downstream reads through it and nothing ever deletes from it.
package content

import (
	"errors"
	"hash/fnv"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/viraltrace/viraltrace/internal/models"
)

var (
	// ErrImmutableFieldConflict is returned when a re-ingested post carries a
	// different text, author or timestamp than the stored record. Conflicting
	// payloads are a tampering signal and are surfaced, never merged.
	ErrImmutableFieldConflict = errors.New("content: immutable field conflict")

	// ErrBusy is returned after bounded retries fail to acquire the shard lock.
	ErrBusy = errors.New("content: store busy")
)

const (
	defaultShardCount   = 64
	lockRetryAttempts   = 3
	lockRetryBaseDelay  = 250 * time.Microsecond
	lockRetryMaxBackoff = 2 * time.Millisecond
)

type shard struct {
	mu    sync.RWMutex
	posts map[string]models.Post
}

// Store is a sharded in-memory content store. Shards are keyed by an FNV hash
// of the post id so concurrent ingestion from multiple platform connectors
// never serializes on a single lock.
type Store struct {
	shards []*shard
}

// NewStore creates a Store with the default shard count.
func NewStore() *Store {
	return NewStoreWithShards(defaultShardCount)
}

// NewStoreWithShards creates a Store with n lock shards (minimum 1).
func NewStoreWithShards(n int) *Store {
	if n < 1 {
		n = 1
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{posts: make(map[string]models.Post)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// lockShard acquires sh.mu with bounded backoff so a pathological writer
// cannot wedge ingestion indefinitely.
func lockShard(sh *shard) error {
	delay := lockRetryBaseDelay
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		if sh.mu.TryLock() {
			return nil
		}
		time.Sleep(delay)
		delay *= 2
		if delay > lockRetryMaxBackoff {
			delay = lockRetryMaxBackoff
		}
	}
	return ErrBusy
}

// Upsert inserts or refreshes a post. The operation is idempotent keyed by
// post id: for an existing record only Engagement and Retracted may change.
// Any attempt to rewrite text, authorship or creation time fails with
// ErrImmutableFieldConflict.
func (s *Store) Upsert(post models.Post) (isNew bool, err error) {
	if err := post.Validate(); err != nil {
		return false, err
	}
	post.CreatedAt = post.CreatedAt.UTC()

	sh := s.shardFor(post.ID)
	if err := lockShard(sh); err != nil {
		return false, err
	}
	defer sh.mu.Unlock()

	existing, ok := sh.posts[post.ID]
	if !ok {
		sh.posts[post.ID] = post
		return true, nil
	}

	if existing.Text != post.Text ||
		existing.AuthorID != post.AuthorID ||
		!existing.CreatedAt.Equal(post.CreatedAt) ||
		existing.Platform != post.Platform {
		return false, ErrImmutableFieldConflict
	}

	existing.Engagement = post.Engagement
	existing.Retracted = existing.Retracted || post.Retracted
	sh.posts[post.ID] = existing
	return false, nil
}

// Get returns the post with the given id.
func (s *Store) Get(id string) (models.Post, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.posts[id]
	return p, ok
}

// Retract marks a post as superseded for evidentiary continuity. The record
// itself is never removed.
func (s *Store) Retract(id string) error {
	sh := s.shardFor(id)
	if err := lockShard(sh); err != nil {
		return err
	}
	defer sh.mu.Unlock()

	p, ok := sh.posts[id]
	if !ok {
		return errors.New("content: unknown post " + id)
	}
	p.Retracted = true
	sh.posts[id] = p
	return nil
}

// Len returns the number of stored posts.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.posts)
		sh.mu.RUnlock()
	}
	return n
}

// ListByAuthor yields the author's posts ordered by CreatedAt ascending with
// id as tiebreak. The sequence is finite and restartable: each range takes a
// fresh snapshot.
func (s *Store) ListByAuthor(authorID string) iter.Seq[models.Post] {
	return func(yield func(models.Post) bool) {
		for _, p := range s.snapshot(func(p models.Post) bool { return p.AuthorID == authorID }) {
			if !yield(p) {
				return
			}
		}
	}
}

// ListBetween yields posts with CreatedAt in [from, to], ordered by CreatedAt
// ascending with id as tiebreak. Used by the graph builder's similarity scan;
// the deterministic ordering keeps rebuilt graphs byte-identical.
func (s *Store) ListBetween(from, to time.Time) iter.Seq[models.Post] {
	return func(yield func(models.Post) bool) {
		match := func(p models.Post) bool {
			return !p.CreatedAt.Before(from) && !p.CreatedAt.After(to)
		}
		for _, p := range s.snapshot(match) {
			if !yield(p) {
				return
			}
		}
	}
}

func (s *Store) snapshot(match func(models.Post) bool) []models.Post {
	var out []models.Post
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.posts {
			if match(p) {
				out = append(out, p)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
