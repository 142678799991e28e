package persistence

import (
	"context"
	"time"

	"github.com/viraltrace/viraltrace/internal/models"
)

// LedgerArchiver adapts an EvidenceRepo to the ledger's write-behind archive
// sink. The ledger's archive hook carries no context, so the adapter owns the
// deadline.
type LedgerArchiver struct {
	repo    EvidenceRepo
	timeout time.Duration
}

// NewLedgerArchiver wraps repo with a per-write timeout.
func NewLedgerArchiver(repo EvidenceRepo, timeout time.Duration) *LedgerArchiver {
	return &LedgerArchiver{repo: repo, timeout: timeout}
}

// Archive stores one appended record.
func (a *LedgerArchiver) Archive(rec models.EvidenceRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.repo.Append(ctx, rec)
}

// PostsArchiver adapts a PostsRepo to the ingest service's write-behind
// archive sink, owning the deadline the same way.
type PostsArchiver struct {
	repo    PostsRepo
	timeout time.Duration
}

// NewPostsArchiver wraps repo with a per-write timeout.
func NewPostsArchiver(repo PostsRepo, timeout time.Duration) *PostsArchiver {
	return &PostsArchiver{repo: repo, timeout: timeout}
}

// ArchivePost stores one accepted post.
func (a *PostsArchiver) ArchivePost(post models.Post) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.repo.Upsert(ctx, post)
}
