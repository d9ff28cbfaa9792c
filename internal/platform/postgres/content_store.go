package postgres

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

// ContentStore adapts the blog's posts and comments tables.
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
		publishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, slug, summary, status, published_at, updated_at
		FROM posts WHERE id = $1
	`, id).Scan(&p.ID, &p.Title, &p.Slug, &p.Summary, &p.Status, &publishedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", MapError(err))
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		p.PublishedAt = &t
	}
	return &p, nil
}

func (s *ContentStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = $2, published_at = $3, updated_at = $4 WHERE id = $1
	`, id, store.PostPublished, at.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to publish post: %w", MapError(err))
	}
	return CheckRowsAffected(result, store.ErrPostNotFound)
}

func (s *ContentStore) GetComment(ctx context.Context, id int64) (*store.Comment, error) {
	var c store.Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, author_name, author_email, content, status, created_at
		FROM comments WHERE id = $1
	`, id).Scan(&c.ID, &c.PostID, &c.AuthorName, &c.AuthorEmail, &c.Content, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", MapError(err))
	}
	return &c, nil
}

func (s *ContentStore) SetCommentStatus(ctx context.Context, id int64, status store.CommentStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE comments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update comment status: %w", MapError(err))
	}
	return CheckRowsAffected(result, store.ErrCommentNotFound)
}
