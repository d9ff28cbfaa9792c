package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

// SearchDocument is the indexed form of a published post.
type SearchDocument struct {
	PostID      int64     `json:"postId"`
	Title       string    `json:"title"`
	Slug        string    `json:"slug"`
	Summary     string    `json:"summary"`
	PublishedAt time.Time `json:"publishedAt"`
}

// SearchIndex keeps published posts searchable.
type SearchIndex interface {
	Upsert(ctx context.Context, doc SearchDocument) error
	Remove(ctx context.Context, postID int64) error
}

// KVSearchIndex stores search documents in a KVStore.
type KVSearchIndex struct {
	kv store.KVStore
}

var _ SearchIndex = (*KVSearchIndex)(nil)

// NewKVSearchIndex creates a KVSearchIndex.
func NewKVSearchIndex(kv store.KVStore) *KVSearchIndex {
	return &KVSearchIndex{kv: kv}
}

func searchKey(postID int64) string {
	return "search:post:" + strconv.FormatInt(postID, 10)
}

// Upsert implements SearchIndex.
func (s *KVSearchIndex) Upsert(ctx context.Context, doc SearchDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode search document: %w", err)
	}
	return s.kv.Set(ctx, searchKey(doc.PostID), raw, 0)
}

// Remove implements SearchIndex.
func (s *KVSearchIndex) Remove(ctx context.Context, postID int64) error {
	return s.kv.Delete(ctx, searchKey(postID))
}

// Lookup returns the indexed document for a post.
func (s *KVSearchIndex) Lookup(ctx context.Context, postID int64) (SearchDocument, bool, error) {
	raw, ok, err := s.kv.Get(ctx, searchKey(postID))
	if err != nil || !ok {
		return SearchDocument{}, false, err
	}
	var doc SearchDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return SearchDocument{}, false, fmt.Errorf("failed to decode search document: %w", err)
	}
	return doc, true, nil
}
