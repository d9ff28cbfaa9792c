package workflows

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/phrazzld/flare-worker/internal/queue"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/phrazzld/flare-worker/internal/workflow"
)

// postSnapshot is the recorded output of load-post.
type postSnapshot struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Slug        string           `json:"slug"`
	Summary     string           `json:"summary"`
	Status      store.PostStatus `json:"status"`
	PublishedAt *time.Time       `json:"publishedAt,omitempty"`
}

func (p postSnapshot) published() bool {
	return p.Status == store.PostPublished && p.PublishedAt != nil
}

type notifyResult struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"messageId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// announceFunc reports whether the instance announces a newly published post.
type announceFunc func(sc *workflow.StepContext) (bool, error)

func (w *definitions) postProcessSteps() []workflow.Step {
	return w.sideEffectSteps(func(sc *workflow.StepContext) (bool, error) {
		var p PostProcessParams
		if err := sc.Params(&p); err != nil {
			return false, err
		}
		return p.IsPublished, nil
	})
}

func (w *definitions) scheduledPublishSteps() []workflow.Step {
	steps := []workflow.Step{
		{Name: "verify-schedule", Run: w.verifySchedule},
		{Name: "publish-post", Run: w.publishPost},
	}
	return append(steps, w.sideEffectSteps(func(*workflow.StepContext) (bool, error) {
		return true, nil
	})...)
}

func (w *definitions) sideEffectSteps(announce announceFunc) []workflow.Step {
	return []workflow.Step{
		{Name: "load-post", Run: w.loadPost},
		{Name: "sync-search-index", Run: w.syncSearchIndex},
		{Name: "invalidate-cache", Run: w.invalidateCache},
		{Name: "notify", Run: func(ctx context.Context, sc *workflow.StepContext) (any, error) {
			return w.notifyPublished(ctx, sc, announce)
		}},
	}
}

func postID(sc *workflow.StepContext) (int64, error) {
	var p struct {
		PostID int64 `json:"postId"`
	}
	if err := sc.Params(&p); err != nil {
		return 0, err
	}
	return p.PostID, nil
}

func (w *definitions) getPost(ctx context.Context, id int64) (*store.Post, error) {
	post, err := w.Posts.GetPost(ctx, id)
	if store.IsNotFoundError(err) {
		return nil, workflow.Fatalf("post %d no longer exists", id)
	}
	return post, err
}

func (w *definitions) verifySchedule(ctx context.Context, sc *workflow.StepContext) (any, error) {
	var p ScheduledPublishParams
	if err := sc.Params(&p); err != nil {
		return nil, err
	}
	post, err := w.getPost(ctx, p.PostID)
	if err != nil {
		return nil, err
	}

	skip := func(reason string) (any, error) {
		sc.Logger.InfoContext(ctx, "scheduled publish skipped", "post_id", p.PostID, "reason", reason)
		return map[string]string{"skipped": reason}, workflow.ErrSkipRemaining
	}
	switch {
	case post.Status == store.PostPublished:
		return skip("already published")
	case post.Status != store.PostScheduled:
		return skip("no longer scheduled")
	case post.PublishedAt == nil || !post.PublishedAt.Equal(p.PublishedAt):
		return skip("rescheduled")
	}

	if now := w.Now(); now.Before(p.PublishedAt) {
		return nil, fmt.Errorf("post %d is not due until %s", p.PostID, p.PublishedAt.Format(time.RFC3339))
	}
	return map[string]bool{"due": true}, nil
}

func (w *definitions) publishPost(ctx context.Context, sc *workflow.StepContext) (any, error) {
	var p ScheduledPublishParams
	if err := sc.Params(&p); err != nil {
		return nil, err
	}
	if err := w.Posts.MarkPublished(ctx, p.PostID, p.PublishedAt); err != nil {
		if store.IsNotFoundError(err) {
			return nil, workflow.Fatal(err)
		}
		return nil, err
	}
	sc.Logger.InfoContext(ctx, "post published", "post_id", p.PostID)
	return map[string]any{"publishedAt": p.PublishedAt}, nil
}

func (w *definitions) loadPost(ctx context.Context, sc *workflow.StepContext) (any, error) {
	id, err := postID(sc)
	if err != nil {
		return nil, err
	}
	post, err := w.getPost(ctx, id)
	if err != nil {
		return nil, err
	}
	return postSnapshot{
		ID:          post.ID,
		Title:       post.Title,
		Slug:        post.Slug,
		Summary:     post.Summary,
		Status:      post.Status,
		PublishedAt: post.PublishedAt,
	}, nil
}

func loadedPost(sc *workflow.StepContext) (postSnapshot, error) {
	var p postSnapshot
	ok, err := sc.Output("load-post", &p)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, workflow.Fatalf("load-post output missing")
	}
	return p, nil
}

// syncSearchIndex indexes the post as it is now, not as the trigger saw it.
func (w *definitions) syncSearchIndex(ctx context.Context, sc *workflow.StepContext) (any, error) {
	post, err := loadedPost(sc)
	if err != nil {
		return nil, err
	}

	if !post.published() {
		if err := w.Search.Remove(ctx, post.ID); err != nil {
			return nil, fmt.Errorf("failed to remove post %d from search index: %w", post.ID, err)
		}
		return map[string]bool{"indexed": false}, nil
	}

	err = w.Search.Upsert(ctx, SearchDocument{
		PostID:      post.ID,
		Title:       post.Title,
		Slug:        post.Slug,
		Summary:     post.Summary,
		PublishedAt: *post.PublishedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index post %d: %w", post.ID, err)
	}
	return map[string]bool{"indexed": true}, nil
}

func (w *definitions) invalidateCache(ctx context.Context, sc *workflow.StepContext) (any, error) {
	post, err := loadedPost(sc)
	if err != nil {
		return nil, err
	}

	removed, err := w.Cache.InvalidatePrefix(ctx, "posts")
	if err != nil {
		return nil, fmt.Errorf("failed to invalidate post lists: %w", err)
	}
	if post.Slug != "" {
		if err := w.Cache.Invalidate(ctx, "post", post.Slug); err != nil {
			return nil, fmt.Errorf("failed to invalidate post %s: %w", post.Slug, err)
		}
	}
	return map[string]int{"removed": removed}, nil
}

func (w *definitions) notifyPublished(ctx context.Context, sc *workflow.StepContext, announce announceFunc) (any, error) {
	wanted, err := announce(sc)
	if err != nil {
		return nil, err
	}
	post, err := loadedPost(sc)
	if err != nil {
		return nil, err
	}

	switch {
	case !wanted || !post.published():
		return notifyResult{Reason: "not a publication"}, nil
	case w.AdminEmail == "":
		return notifyResult{Reason: "no admin address"}, nil
	}

	return w.mailAdmin(ctx, sc,
		"Post published: "+post.Title,
		fmt.Sprintf("<p>&ldquo;%s&rdquo; is now live at /post/%s.</p>",
			html.EscapeString(post.Title), html.EscapeString(post.Slug)),
	)
}

// mailAdmin enqueues an email to the admin. The idempotency key is stable
// across retries of the same step, so a redelivered enqueue cannot send twice.
func (w *definitions) mailAdmin(ctx context.Context, sc *workflow.StepContext, subject, body string) (notifyResult, error) {
	id, err := w.Mail.Send(ctx, queue.NewEmailMessage(queue.EmailData{
		To:             w.AdminEmail,
		Subject:        subject,
		HTML:           body,
		IdempotencyKey: sc.InstanceID + ":" + sc.Step,
	}))
	if err != nil {
		return notifyResult{}, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return notifyResult{Sent: true, MessageID: id}, nil
}
