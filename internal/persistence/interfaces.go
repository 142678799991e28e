// Package persistence defines the durable storage contracts behind the
// in-memory content store and the evidence ledger. Implementations live in
// driver-specific subpackages.
package persistence

import (
	"context"
	"time"

	"github.com/viraltrace/viraltrace/internal/models"
)

// TimeRange is a closed time window for archive queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PostsRepo archives normalized posts. The in-memory store remains the
// source of truth for analysis; the archive exists for restart recovery and
// disclosure requests.
type PostsRepo interface {
	// Upsert inserts or refreshes a post keyed by its platform-namespaced id.
	Upsert(ctx context.Context, post models.Post) error

	// Get returns the archived post, or nil when the id is unknown.
	Get(ctx context.Context, id string) (*models.Post, error)

	// ListBetween returns posts created inside the window, ordered by
	// (created_at, id) ascending.
	ListBetween(ctx context.Context, tr TimeRange, limit int) ([]models.Post, error)

	// Retract marks a post retracted without deleting it.
	Retract(ctx context.Context, id string) error

	// Count returns total archived posts.
	Count(ctx context.Context) (int64, error)
}

// EvidenceRepo archives hash-chained evidence records. Records are append
// only; there is deliberately no update or delete.
type EvidenceRepo interface {
	// Append stores one record. A duplicate sequence number is an error.
	Append(ctx context.Context, rec models.EvidenceRecord) error

	// Range returns records with sequence numbers in [from, to], ascending.
	Range(ctx context.Context, from, to uint64) ([]models.EvidenceRecord, error)

	// Latest returns the highest-sequence record, or nil when empty.
	Latest(ctx context.Context) (*models.EvidenceRecord, error)

	// Count returns total archived records.
	Count(ctx context.Context) (int64, error)
}

// Repository aggregates the persistence interfaces.
type Repository struct {
	Posts    PostsRepo
	Evidence EvidenceRepo
}

// HealthCheck is the repository health snapshot served on /health.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status.
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database.
	Ping(ctx context.Context) error
}
