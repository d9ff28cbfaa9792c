package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/phrazzld/flare-worker/internal/events"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/phrazzld/flare-worker/internal/workflow"
)

// Starter starts and cancels workflow instances.
type Starter interface {
	Start(ctx context.Context, name string, params any, opts workflow.StartOptions) (string, error)
	Cancel(ctx context.Context, id string) error
}

// ScheduledPublishID is the instance id of the scheduled publication of a
// post at a given time. Moving the schedule yields a new id.
func ScheduledPublishID(postID int64, at time.Time) string {
	return fmt.Sprintf("%s-%d-%d", ScheduledPublish, postID, at.Unix())
}

// CommentModerationID is the instance id for moderating a comment.
func CommentModerationID(commentID int64) string {
	return CommentModeration + "-" + strconv.FormatInt(commentID, 10)
}

// TriggerHandler starts workflows in response to domain events.
type TriggerHandler struct {
	starter Starter
	logger  *slog.Logger
}

var _ events.Handler = (*TriggerHandler)(nil)

// NewTriggerHandler creates a TriggerHandler.
func NewTriggerHandler(starter Starter, logger *slog.Logger) *TriggerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerHandler{starter: starter, logger: logger.With("component", "workflow_trigger")}
}

// HandleEvent implements events.Handler. Events of other types are ignored.
func (h *TriggerHandler) HandleEvent(ctx context.Context, ev *events.Event) error {
	switch ev.Type {
	case events.PostPublishStateChanged:
		var p events.PublishStateChange
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", ev.Type, err)
		}
		return h.start(ctx, PostProcess, PostProcessParams{
			PostID:      p.PostID,
			IsPublished: p.IsPublished,
			PublishedAt: p.PublishedAt,
		}, workflow.StartOptions{})

	case events.PostScheduled:
		var p events.Schedule
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", ev.Type, err)
		}
		if p.Previous != nil && !p.Previous.Equal(p.PublishedAt) {
			if err := h.cancel(ctx, ScheduledPublishID(p.PostID, *p.Previous)); err != nil {
				return err
			}
		}
		return h.start(ctx, ScheduledPublish, ScheduledPublishParams{
			PostID:      p.PostID,
			PublishedAt: p.PublishedAt,
		}, workflow.StartOptions{
			ID:      ScheduledPublishID(p.PostID, p.PublishedAt),
			StartAt: p.PublishedAt,
		})

	case events.PostScheduleCancelled:
		var p events.Schedule
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", ev.Type, err)
		}
		return h.cancel(ctx, ScheduledPublishID(p.PostID, p.PublishedAt))

	case events.CommentSubmitted:
		var p events.Comment
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", ev.Type, err)
		}
		return h.start(ctx, CommentModeration, CommentModerationParams{CommentID: p.CommentID},
			workflow.StartOptions{ID: CommentModerationID(p.CommentID)})

	default:
		h.logger.DebugContext(ctx, "ignoring event", "event_type", ev.Type)
		return nil
	}
}

// start treats an existing instance with the same id as already started, so
// duplicate events are harmless.
func (h *TriggerHandler) start(ctx context.Context, name string, params any, opts workflow.StartOptions) error {
	id, err := h.starter.Start(ctx, name, params, opts)
	if store.IsDuplicateError(err) {
		h.logger.InfoContext(ctx, "workflow already started", "workflow", name, "instance_id", opts.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	h.logger.InfoContext(ctx, "workflow triggered", "workflow", name, "instance_id", id)
	return nil
}

// cancel removes a pending scheduled trigger. An instance that is unknown or
// already running is left alone; verify-schedule skips stale triggers.
func (h *TriggerHandler) cancel(ctx context.Context, id string) error {
	err := h.starter.Cancel(ctx, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, workflow.ErrInstanceNotFound):
		h.logger.DebugContext(ctx, "no scheduled trigger to cancel", "instance_id", id)
		return nil
	case errors.Is(err, workflow.ErrNotCancellable):
		h.logger.WarnContext(ctx, "scheduled trigger already running", "instance_id", id)
		return nil
	default:
		return fmt.Errorf("failed to cancel %s: %w", id, err)
	}
}
