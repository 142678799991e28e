// Package postgres implements the persistence contracts on PostgreSQL via
// sqlx. Schema lives in db/migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/persistence"
)

// postsRepo implements PostsRepo for PostgreSQL.
type postsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostsRepo creates a PostgreSQL posts archive.
func NewPostsRepo(db *sqlx.DB, timeout time.Duration) persistence.PostsRepo {
	return &postsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Upsert inserts or refreshes a post. Engagement counts and the retraction
// flag are the only columns an existing row accepts changes to; retraction is
// sticky, matching the in-memory store.
func (r *postsRepo) Upsert(ctx context.Context, post models.Post) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := post.Validate(); err != nil {
		return fmt.Errorf("invalid post: %w", err)
	}

	query := `
		INSERT INTO posts (id, author_id, platform, created_at, text, media_refs,
			likes, shares, comments, views, parent_ref, parent_kind, retracted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			likes = EXCLUDED.likes,
			shares = EXCLUDED.shares,
			comments = EXCLUDED.comments,
			views = EXCLUDED.views,
			retracted = posts.retracted OR EXCLUDED.retracted`

	_, err := r.db.ExecContext(ctx, query,
		post.ID, post.AuthorID, post.Platform, post.CreatedAt.UTC(), post.Text,
		pq.Array(post.MediaRefs),
		post.Engagement.Likes, post.Engagement.Shares,
		post.Engagement.Comments, post.Engagement.Views,
		post.ParentRef, string(post.ParentKind), post.Retracted)
	if err != nil {
		return fmt.Errorf("failed to upsert post %s: %w", post.ID, err)
	}

	return nil
}

// Get returns the archived post, or nil when unknown.
func (r *postsRepo) Get(ctx context.Context, id string) (*models.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, author_id, platform, created_at, text, media_refs,
			likes, shares, comments, views, parent_ref, parent_kind, retracted
		FROM posts
		WHERE id = $1`

	post, err := scanPost(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get post %s: %w", id, err)
	}
	return post, nil
}

// ListBetween returns posts created inside the window, oldest first.
func (r *postsRepo) ListBetween(ctx context.Context, tr persistence.TimeRange, limit int) ([]models.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, author_id, platform, created_at, text, media_refs,
			likes, shares, comments, views, parent_ref, parent_kind, retracted
		FROM posts
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts between: %w", err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		post, err := scanPostRows(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating post rows: %w", err)
	}
	return posts, nil
}

// Retract flips the retraction flag. Unknown ids are an error so callers can
// surface the miss instead of silently succeeding.
func (r *postsRepo) Retract(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE posts SET retracted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to retract post %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read retract result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("post %s not archived", id)
	}
	return nil
}

// Count returns total archived posts.
func (r *postsRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		post       models.Post
		mediaRefs  pq.StringArray
		parentKind string
	)
	err := row.Scan(
		&post.ID, &post.AuthorID, &post.Platform, &post.CreatedAt, &post.Text,
		&mediaRefs,
		&post.Engagement.Likes, &post.Engagement.Shares,
		&post.Engagement.Comments, &post.Engagement.Views,
		&post.ParentRef, &parentKind, &post.Retracted)
	if err != nil {
		return nil, err
	}
	post.MediaRefs = []string(mediaRefs)
	post.ParentKind = models.EdgeKind(parentKind)
	return &post, nil
}

func scanPostRows(rows *sqlx.Rows) (*models.Post, error) {
	post, err := scanPost(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan post row: %w", err)
	}
	return post, nil
}
