// Package cache implements a cache-aside service over the shared key-value
// store. Values are JSON documents validated against the struct tags of the
// caller's type on every read and before every write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/store"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidValue is returned when a fetcher produces a value that fails validation.
	ErrInvalidValue = errors.New("cache value failed validation")

	// ErrInvalidTTL is returned for TTL strings that cannot be parsed.
	ErrInvalidTTL = errors.New("invalid cache ttl")
)

const keyPrefix = "cache"

// Options control a single cache write.
type Options struct {
	// TTL is a duration string such as "1h", "30m" or "7d". Empty uses the service default.
	TTL string
}

// Service is the cache-aside service.
type Service struct {
	kv         store.KVStore
	validate   *validator.Validate
	group      singleflight.Group
	defaultTTL string
	fetchLimit time.Duration
	logger     *slog.Logger
	metrics    *metrics.Collector
	background sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultTTL sets the TTL used when Options.TTL is empty.
func WithDefaultTTL(ttl string) Option {
	return func(s *Service) { s.defaultTTL = ttl }
}

// WithFetchTimeout bounds a shared fetch. The fetch runs detached from any
// single caller, so this is what stops it once every caller has given up.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) { s.fetchLimit = d }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records lookups on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// New creates a Service over kv.
func New(kv store.KVStore, opts ...Option) *Service {
	s := &Service{
		kv:         kv,
		validate:   validator.New(),
		defaultTTL: "1h",
		fetchLimit: 30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache")
	return s
}

// Key joins semantic key segments into a storage key.
func Key(segments ...string) string {
	return keyPrefix + ":" + strings.Join(segments, ":")
}

// ParseTTL parses a duration string. In addition to time.ParseDuration units
// it accepts a whole number of days ("7d").
func ParseTTL(ttl string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(ttl, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTTL, ttl)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(ttl)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTTL, ttl)
	}
	return d, nil
}

func (s *Service) ttl(opts Options) (time.Duration, error) {
	if opts.TTL == "" {
		return ParseTTL(s.defaultTTL)
	}
	return ParseTTL(opts.TTL)
}

// check validates v when it is a struct or pointer to struct.
func (s *Service) check(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return errors.New("nil value")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return s.validate.Struct(rv.Interface())
}

// Get returns the cached value at key when it decodes and validates as T.
// Otherwise it calls fetch, validates the result, stores it with the
// configured TTL and returns it. Fetch errors are returned unchanged and
// nothing is cached. Concurrent misses on the same key share one fetch; the
// shared fetch ignores the cancellation of whichever caller started it, and
// each caller stops waiting when its own ctx is done.
func Get[T any](
	ctx context.Context,
	s *Service,
	key []string,
	fetch func(ctx context.Context) (T, error),
	opts Options,
) (T, error) {
	var zero T
	k := Key(key...)
	log := s.logger.With("cache_key", k)

	ttl, err := s.ttl(opts)
	if err != nil {
		return zero, err
	}

	raw, ok, err := s.kv.Get(ctx, k)
	switch {
	case err != nil:
		log.Warn("cache read failed, treating as miss", "error", err)
		s.metrics.CacheLookup("error")
	case ok:
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			if err := s.check(cached); err == nil {
				s.metrics.CacheLookup("hit")
				return cached, nil
			}
		}
		log.Warn("cached value failed validation, refetching")
		s.metrics.CacheLookup("invalid")
	default:
		s.metrics.CacheLookup("miss")
	}

	ch := s.group.DoChan(k, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchLimit)
		defer cancel()

		fresh, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if err := s.check(fresh); err != nil {
			log.Error("fetcher returned invalid value", "error", err)
			s.metrics.CacheLookup("fill_error")
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		if err := s.store(fctx, k, fresh, ttl); err != nil {
			log.Error("failed to populate cache", "error", err)
		}
		return fresh, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if res.Err != nil {
		return zero, res.Err
	}

	fresh, ok := res.Val.(T)
	if !ok {
		// Another caller used the same key with a different type.
		return zero, fmt.Errorf("%w: type mismatch for key %s", ErrInvalidValue, k)
	}
	return fresh, nil
}

func (s *Service) store(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return s.kv.Set(ctx, key, raw, ttl)
}

// Set stores value at key unconditionally.
func (s *Service) Set(ctx context.Context, key []string, value any, opts Options) error {
	ttl, err := s.ttl(opts)
	if err != nil {
		return err
	}
	if err := s.check(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return s.store(ctx, Key(key...), value, ttl)
}

// SetAsync performs Set in the background. The write outlives ctx
// cancellation; failures are logged. Wait blocks until pending writes finish.
func (s *Service) SetAsync(ctx context.Context, key []string, value any, opts Options) {
	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.Set(bg, key, value, opts); err != nil {
			s.logger.Error("background cache write failed",
				"cache_key", Key(key...),
				"error", err)
		}
	}()
}

// Wait blocks until all SetAsync writes have completed.
func (s *Service) Wait() {
	s.background.Wait()
}

// Invalidate removes a single key.
func (s *Service) Invalidate(ctx context.Context, key ...string) error {
	return s.kv.Delete(ctx, Key(key...))
}

// InvalidatePrefix removes every key under the given segments.
func (s *Service) InvalidatePrefix(ctx context.Context, prefix ...string) (int, error) {
	return s.kv.DeletePrefix(ctx, Key(prefix...)+":")
}
