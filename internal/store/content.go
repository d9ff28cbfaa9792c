package store

import (
	"context"
	"time"
)

// PostStatus is the publication state of a post.
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"
	PostPublished PostStatus = "published"
)

// Post is the subset of a blog post the background layer reads and writes.
type Post struct {
	ID          int64
	Title       string
	Slug        string
	Summary     string
	Status      PostStatus
	PublishedAt *time.Time
	UpdatedAt   time.Time
}

// CommentStatus is the visibility state of a comment.
type CommentStatus string

const (
	CommentPending   CommentStatus = "pending"
	CommentPublished CommentStatus = "published"
	CommentRejected  CommentStatus = "rejected"
)

// Comment is a reader comment awaiting or past moderation.
type Comment struct {
	ID          int64
	PostID      int64
	AuthorName  string
	AuthorEmail string
	Content     string
	Status      CommentStatus
	CreatedAt   time.Time
}

// PostStore is the narrow view of the content database used by workflows.
type PostStore interface {
	GetPost(ctx context.Context, id int64) (*Post, error)
	// MarkPublished sets the post to published at the given time.
	MarkPublished(ctx context.Context, id int64, at time.Time) error
}

// CommentStore is the narrow view of comment storage used by moderation.
type CommentStore interface {
	GetComment(ctx context.Context, id int64) (*Comment, error)
	SetCommentStatus(ctx context.Context, id int64, status CommentStatus) error
}
