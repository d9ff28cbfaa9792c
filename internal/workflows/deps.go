package workflows

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/flare-worker/internal/moderation"
	"github.com/phrazzld/flare-worker/internal/queue"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/phrazzld/flare-worker/internal/workflow"
)

// Workflow names.
const (
	PostProcess       = "post-process"
	ScheduledPublish  = "scheduled-publish"
	CommentModeration = "comment-moderation"
)

// CacheInvalidator drops cached reads after content changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key ...string) error
	InvalidatePrefix(ctx context.Context, prefix ...string) (int, error)
}

// Deps are the collaborators the workflows act on.
type Deps struct {
	Posts     store.PostStore
	Comments  store.CommentStore
	Search    SearchIndex
	Cache     CacheInvalidator
	Moderator moderation.Moderator
	Mail      queue.Producer
	// AdminEmail receives notifications. Notifications are skipped when empty.
	AdminEmail string
	Now        func() time.Time
	Logger     *slog.Logger
}

// PostProcessParams start a post-process instance.
type PostProcessParams struct {
	PostID      int64      `json:"postId" validate:"required"`
	IsPublished bool       `json:"isPublished"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// ScheduledPublishParams start a scheduled-publish instance.
type ScheduledPublishParams struct {
	PostID      int64     `json:"postId" validate:"required"`
	PublishedAt time.Time `json:"publishedAt" validate:"required"`
}

// CommentModerationParams start a comment-moderation instance.
type CommentModerationParams struct {
	CommentID int64 `json:"commentId" validate:"required"`
}

type definitions struct {
	Deps
	log *slog.Logger
}

// Definitions returns the workflow definitions bound to d.
func Definitions(d Deps) []workflow.Definition {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	w := &definitions{Deps: d, log: d.Logger.With("component", "workflows")}
	v := validator.New()

	return []workflow.Definition{
		{
			Name:     PostProcess,
			Steps:    w.postProcessSteps(),
			Validate: workflow.ValidateParams[PostProcessParams](v.Struct),
		},
		{
			Name:     ScheduledPublish,
			Steps:    w.scheduledPublishSteps(),
			Validate: workflow.ValidateParams[ScheduledPublishParams](v.Struct),
		},
		{
			Name:     CommentModeration,
			Steps:    w.commentModerationSteps(),
			Validate: workflow.ValidateParams[CommentModerationParams](v.Struct),
		},
	}
}
