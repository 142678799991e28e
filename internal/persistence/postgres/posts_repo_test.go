package postgres

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func archivePost() models.Post {
	return models.Post{
		ID:        "twitter:1001",
		AuthorID:  "twitter:acct-1",
		Platform:  "twitter",
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		Text:      "breaking: something happened",
		MediaRefs: []string{"media:abc"},
		Engagement: models.Engagement{
			Likes: 10, Shares: 4, Comments: 2, Views: 900,
		},
	}
}

func postColumns() []string {
	return []string{
		"id", "author_id", "platform", "created_at", "text", "media_refs",
		"likes", "shares", "comments", "views", "parent_ref", "parent_kind", "retracted",
	}
}

func postRow(p models.Post) []driverValue {
	return []driverValue{
		p.ID, p.AuthorID, p.Platform, p.CreatedAt, p.Text,
		"{" + joinRefs(p.MediaRefs) + "}",
		p.Engagement.Likes, p.Engagement.Shares, p.Engagement.Comments,
		p.Engagement.Views, p.ParentRef, string(p.ParentKind), p.Retracted,
	}
}

type driverValue = driver.Value

func joinRefs(refs []string) string {
	out := ""
	for i, r := range refs {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func TestPostsRepoUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)
	post := archivePost()

	mock.ExpectExec("INSERT INTO posts").
		WithArgs(post.ID, post.AuthorID, post.Platform, post.CreatedAt.UTC(),
			post.Text, pq.Array(post.MediaRefs),
			post.Engagement.Likes, post.Engagement.Shares,
			post.Engagement.Comments, post.Engagement.Views,
			post.ParentRef, string(post.ParentKind), post.Retracted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), post))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostsRepoUpsertRejectsInvalid(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)

	post := archivePost()
	post.ID = "no-namespace"

	err := repo.Upsert(context.Background(), post)
	assert.ErrorContains(t, err, "platform-namespaced")
	assert.NoError(t, mock.ExpectationsWereMet()) // no query reached the db
}

func TestPostsRepoGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)
	want := archivePost()

	mock.ExpectQuery("SELECT (.+) FROM posts").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows(postColumns()).AddRow(postRow(want)...))

	got, err := repo.Get(context.Background(), want.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Engagement, got.Engagement)
	assert.Equal(t, want.MediaRefs, got.MediaRefs)
}

func TestPostsRepoGetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)

	mock.ExpectQuery("SELECT (.+) FROM posts").
		WithArgs("twitter:404").
		WillReturnRows(sqlmock.NewRows(postColumns()))

	got, err := repo.Get(context.Background(), "twitter:404")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostsRepoListBetween(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)

	first := archivePost()
	second := archivePost()
	second.ID = "twitter:1002"
	second.CreatedAt = first.CreatedAt.Add(time.Hour)

	tr := persistence.TimeRange{
		From: first.CreatedAt.Add(-time.Hour),
		To:   second.CreatedAt.Add(time.Hour),
	}

	mock.ExpectQuery("SELECT (.+) FROM posts").
		WithArgs(tr.From, tr.To, 100).
		WillReturnRows(sqlmock.NewRows(postColumns()).
			AddRow(postRow(first)...).
			AddRow(postRow(second)...))

	posts, err := repo.ListBetween(context.Background(), tr, 100)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "twitter:1001", posts[0].ID)
	assert.Equal(t, "twitter:1002", posts[1].ID)
}

func TestPostsRepoRetract(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)

	mock.ExpectExec("UPDATE posts SET retracted").
		WithArgs("twitter:1001").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Retract(context.Background(), "twitter:1001"))
}

func TestPostsRepoRetractUnknown(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)

	mock.ExpectExec("UPDATE posts SET retracted").
		WithArgs("twitter:404").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Retract(context.Background(), "twitter:404")
	assert.ErrorContains(t, err, "not archived")
}

func TestPostsRepoCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, 5*time.Second)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}
