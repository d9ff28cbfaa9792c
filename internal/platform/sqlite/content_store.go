package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

var (
	_ store.PostStore    = (*ContentStore)(nil)
	_ store.CommentStore = (*ContentStore)(nil)
)

// ContentStore implements the post and comment adapters.
type ContentStore struct {
	db store.DBTX
}

// NewContentStore creates a new ContentStore.
func NewContentStore(db store.DBTX) *ContentStore {
	return &ContentStore{db: db}
}

func (s *ContentStore) GetPost(ctx context.Context, id int64) (*store.Post, error) {
	var (
		p           store.Post
		publishedAt sql.NullInt64
		updatedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, slug, summary, status, published_at, updated_at FROM posts WHERE id = ?`, id).
		Scan(&p.ID, &p.Title, &p.Slug, &p.Summary, &p.Status, &publishedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	if publishedAt.Valid {
		t := fromMillis(publishedAt.Int64)
		p.PublishedAt = &t
	}
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

func (s *ContentStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, published_at = ?, updated_at = ? WHERE id = ?`,
		string(store.PostPublished), toMillis(at), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to publish post: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrPostNotFound
	}
	return nil
}

// InsertPost adds a post; used by seeding and tests.
func (s *ContentStore) InsertPost(ctx context.Context, p store.Post) error {
	var publishedAt sql.NullInt64
	if p.PublishedAt != nil {
		publishedAt = sql.NullInt64{Int64: toMillis(*p.PublishedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts (id, title, slug, summary, status, published_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Slug, p.Summary, string(p.Status), publishedAt, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

// InsertComment adds a comment; used by seeding and tests.
func (s *ContentStore) InsertComment(ctx context.Context, c store.Comment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, post_id, author_name, author_email, content, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PostID, c.AuthorName, c.AuthorEmail, c.Content, string(c.Status), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

func (s *ContentStore) GetComment(ctx context.Context, id int64) (*store.Comment, error) {
	var (
		c         store.Comment
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, post_id, author_name, author_email, content, status, created_at FROM comments WHERE id = ?`, id).
		Scan(&c.ID, &c.PostID, &c.AuthorName, &c.AuthorEmail, &c.Content, &c.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func (s *ContentStore) SetCommentStatus(ctx context.Context, id int64, status store.CommentStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE comments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update comment status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrCommentNotFound
	}
	return nil
}
