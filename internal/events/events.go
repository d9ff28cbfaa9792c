package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Domain event types.
const (
	PostPublishStateChanged = "post.publish_state_changed"
	PostScheduled           = "post.scheduled"
	PostScheduleCancelled   = "post.schedule_cancelled"
	CommentSubmitted        = "comment.submitted"
)

// Event is something that happened in the content domain.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// New builds an event with a JSON-encoded payload.
func New(eventType string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         uuid.New(),
		Type:       eventType,
		Payload:    raw,
		OccurredAt: time.Now(),
	}, nil
}

// PublishStateChange is the payload of PostPublishStateChanged.
type PublishStateChange struct {
	PostID      int64      `json:"postId"`
	IsPublished bool       `json:"isPublished"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// Schedule is the payload of PostScheduled and PostScheduleCancelled.
// Previous is set when an existing schedule was moved.
type Schedule struct {
	PostID      int64      `json:"postId"`
	PublishedAt time.Time  `json:"publishedAt"`
	Previous    *time.Time `json:"previousPublishedAt,omitempty"`
}

// Comment is the payload of CommentSubmitted.
type Comment struct {
	CommentID int64 `json:"commentId"`
}

// Handler reacts to events.
type Handler interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Emitter publishes events.
type Emitter interface {
	Emit(ctx context.Context, event *Event) error
}
