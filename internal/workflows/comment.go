package workflows

import (
	"context"
	"fmt"
	"html"

	"github.com/phrazzld/flare-worker/internal/moderation"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/phrazzld/flare-worker/internal/workflow"
)

// moderateAttempts is how many times the moderator is asked before the
// comment is held for review instead.
const moderateAttempts = 3

type moderationOutcome struct {
	moderation.Verdict
	PostID    int64  `json:"postId"`
	PostTitle string `json:"postTitle"`
	Author    string `json:"author"`
}

func (w *definitions) commentModerationSteps() []workflow.Step {
	return []workflow.Step{
		{Name: "moderate", Run: w.moderate, MaxAttempts: moderateAttempts},
		{Name: "apply-verdict", Run: w.applyVerdict},
		{Name: "notify", Run: w.notifyReview},
	}
}

func commentID(sc *workflow.StepContext) (int64, error) {
	var p CommentModerationParams
	if err := sc.Params(&p); err != nil {
		return 0, err
	}
	return p.CommentID, nil
}

func (w *definitions) moderate(ctx context.Context, sc *workflow.StepContext) (any, error) {
	id, err := commentID(sc)
	if err != nil {
		return nil, err
	}
	comment, err := w.Comments.GetComment(ctx, id)
	if store.IsNotFoundError(err) {
		return nil, workflow.Fatalf("comment %d no longer exists", id)
	}
	if err != nil {
		return nil, err
	}
	if comment.Status != store.CommentPending {
		sc.Logger.InfoContext(ctx, "comment already moderated", "comment_id", id, "status", comment.Status)
		return map[string]string{"skipped": string(comment.Status)}, workflow.ErrSkipRemaining
	}

	out := moderationOutcome{PostID: comment.PostID, Author: comment.AuthorName}
	if post, err := w.Posts.GetPost(ctx, comment.PostID); err == nil {
		out.PostTitle = post.Title
	} else if !store.IsNotFoundError(err) {
		return nil, err
	}

	verdict, err := w.Moderator.Moderate(ctx, moderation.Input{
		PostTitle:   out.PostTitle,
		AuthorName:  comment.AuthorName,
		AuthorEmail: comment.AuthorEmail,
		Content:     comment.Content,
	})
	if err != nil {
		if sc.Attempt < moderateAttempts {
			return nil, fmt.Errorf("moderator failed: %w", err)
		}
		sc.Logger.WarnContext(ctx, "moderator unavailable, holding comment for review",
			"comment_id", id,
			"error", err)
		verdict = moderation.Verdict{Decision: moderation.Review, Reason: "moderator unavailable"}
	}

	out.Verdict = verdict
	sc.Logger.InfoContext(ctx, "comment moderated",
		"comment_id", id,
		"decision", verdict.Decision,
		"reason", verdict.Reason)
	return out, nil
}

func moderated(sc *workflow.StepContext) (moderationOutcome, error) {
	var out moderationOutcome
	ok, err := sc.Output("moderate", &out)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, workflow.Fatalf("moderate output missing")
	}
	return out, nil
}

func (w *definitions) applyVerdict(ctx context.Context, sc *workflow.StepContext) (any, error) {
	id, err := commentID(sc)
	if err != nil {
		return nil, err
	}
	out, err := moderated(sc)
	if err != nil {
		return nil, err
	}

	var status store.CommentStatus
	switch out.Decision {
	case moderation.Approve:
		status = store.CommentPublished
	case moderation.Reject:
		status = store.CommentRejected
	case moderation.Review:
		return map[string]string{"status": string(store.CommentPending)}, nil
	default:
		return nil, workflow.Fatalf("unknown moderation decision %q", out.Decision)
	}

	if err := w.Comments.SetCommentStatus(ctx, id, status); err != nil {
		if store.IsNotFoundError(err) {
			return nil, workflow.Fatal(err)
		}
		return nil, err
	}
	return map[string]string{"status": string(status)}, nil
}

func (w *definitions) notifyReview(ctx context.Context, sc *workflow.StepContext) (any, error) {
	out, err := moderated(sc)
	if err != nil {
		return nil, err
	}

	switch {
	case out.Decision != moderation.Review:
		return notifyResult{Reason: "no review needed"}, nil
	case w.AdminEmail == "":
		return notifyResult{Reason: "no admin address"}, nil
	}

	title := out.PostTitle
	if title == "" {
		title = fmt.Sprintf("post %d", out.PostID)
	}
	return w.mailAdmin(ctx, sc,
		"Comment awaiting review on "+title,
		fmt.Sprintf("<p>A comment by %s needs review: %s</p>",
			html.EscapeString(out.Author), html.EscapeString(out.Reason)),
	)
}
