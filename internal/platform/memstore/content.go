package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

var (
	_ store.PostStore    = (*ContentStore)(nil)
	_ store.CommentStore = (*ContentStore)(nil)
)

// ContentStore holds posts and comments in memory.
type ContentStore struct {
	mu       sync.RWMutex
	posts    map[int64]store.Post
	comments map[int64]store.Comment
	now      Clock
}

// NewContentStore creates an empty ContentStore.
func NewContentStore(opts ...Option) *ContentStore {
	o := buildOptions(opts)
	return &ContentStore{
		posts:    make(map[int64]store.Post),
		comments: make(map[int64]store.Comment),
		now:      o.clock,
	}
}

// PutPost inserts or replaces a post.
func (s *ContentStore) PutPost(p store.Post) {
	s.mu.Lock()
	s.posts[p.ID] = p
	s.mu.Unlock()
}

// PutComment inserts or replaces a comment.
func (s *ContentStore) PutComment(c store.Comment) {
	s.mu.Lock()
	s.comments[c.ID] = c
	s.mu.Unlock()
}

func (s *ContentStore) GetPost(_ context.Context, id int64) (*store.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, store.ErrPostNotFound
	}
	return &p, nil
}

func (s *ContentStore) MarkPublished(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return store.ErrPostNotFound
	}
	p.Status = store.PostPublished
	p.PublishedAt = &at
	p.UpdatedAt = s.now()
	s.posts[id] = p
	return nil
}

func (s *ContentStore) GetComment(_ context.Context, id int64) (*store.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, store.ErrCommentNotFound
	}
	return &c, nil
}

func (s *ContentStore) SetCommentStatus(_ context.Context, id int64, status store.CommentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[id]
	if !ok {
		return store.ErrCommentNotFound
	}
	c.Status = status
	s.comments[id] = c
	return nil
}
