package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/flare-worker/internal/events"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emit(t *testing.T, h *TriggerHandler, eventType string, payload any) {
	t.Helper()
	ev, err := events.New(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, h.HandleEvent(context.Background(), ev))
}

func TestTrigger_CommentSubmittedIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.content.PutComment(store.Comment{ID: 7, Content: "hi", Status: store.CommentPending})

	emit(t, f.trigger, events.CommentSubmitted, events.Comment{CommentID: 7})
	emit(t, f.trigger, events.CommentSubmitted, events.Comment{CommentID: 7})
	f.drain(t)

	assert.Equal(t, store.InstanceCompleted, f.status(t, CommentModerationID(7)).Status)
	assert.Equal(t, 1, f.mod.calls)
}

func TestTrigger_PublishStateChanged(t *testing.T) {
	f := newFixture(t)
	at := now0
	f.content.PutPost(store.Post{ID: 1, Slug: "p", Status: store.PostPublished, PublishedAt: &at})

	emit(t, f.trigger, events.PostPublishStateChanged, events.PublishStateChange{PostID: 1, IsPublished: true, PublishedAt: &at})
	f.drain(t)

	_, ok, err := f.search.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.mail.sent, 1)
}

func TestTrigger_RescheduleCancelsPreviousTrigger(t *testing.T) {
	f := newFixture(t)
	first := now0.Add(time.Hour)
	second := now0.Add(2 * time.Hour)

	emit(t, f.trigger, events.PostScheduled, events.Schedule{PostID: 9, PublishedAt: first})
	emit(t, f.trigger, events.PostScheduled, events.Schedule{PostID: 9, PublishedAt: second, Previous: &first})

	assert.Equal(t, store.InstanceCancelled, f.status(t, ScheduledPublishID(9, first)).Status)
	inst := f.status(t, ScheduledPublishID(9, second))
	assert.Equal(t, store.InstanceQueued, inst.Status)
	assert.True(t, inst.RunAt.Equal(second))
}

func TestTrigger_ScheduleCancelled(t *testing.T) {
	f := newFixture(t)
	at := now0.Add(time.Hour)

	emit(t, f.trigger, events.PostScheduled, events.Schedule{PostID: 4, PublishedAt: at})
	emit(t, f.trigger, events.PostScheduleCancelled, events.Schedule{PostID: 4, PublishedAt: at})
	assert.Equal(t, store.InstanceCancelled, f.status(t, ScheduledPublishID(4, at)).Status)

	// Cancelling again, or cancelling an unknown schedule, is a no-op.
	emit(t, f.trigger, events.PostScheduleCancelled, events.Schedule{PostID: 4, PublishedAt: at})
	emit(t, f.trigger, events.PostScheduleCancelled, events.Schedule{PostID: 5, PublishedAt: at})
}

func TestTrigger_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	emit(t, f.trigger, "user.signed_up", map[string]int{"id": 1})
}

func TestTrigger_BadPayload(t *testing.T) {
	f := newFixture(t)
	ev := &events.Event{Type: events.CommentSubmitted, Payload: []byte(`{"commentId":"x"}`)}
	assert.Error(t, f.trigger.HandleEvent(context.Background(), ev))
}
