// Package version checks GitHub for newer releases of the deployed build.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/flare-worker/internal/cache"
)

// ErrFetchFailed is returned when no update information could be obtained.
var ErrFetchFailed = errors.New("FETCH_FAILED")

// DefaultBaseURL is the GitHub REST API root.
const DefaultBaseURL = "https://api.github.com"

var cacheKey = []string{"version", "update-check"}

const cacheTTL = "1h"

// UpdateCheckResult is the cached outcome of a check.
type UpdateCheckResult struct {
	LatestVersion  string `json:"latestVersion" validate:"required"`
	CurrentVersion string `json:"currentVersion" validate:"required"`
	HasUpdate      bool   `json:"hasUpdate"`
	ReleaseURL     string `json:"releaseUrl" validate:"required"`
	PublishedAt    string `json:"publishedAt,omitempty"`
	// CheckedAt is in unix milliseconds.
	CheckedAt int64 `json:"checkedAt" validate:"required"`
}

type githubRelease struct {
	TagName     string `json:"tag_name" validate:"required"`
	HTMLURL     string `json:"html_url" validate:"required"`
	PublishedAt string `json:"published_at"`
}

// Service answers "is there a newer release?".
type Service struct {
	cache      *cache.Service
	repository string
	current    string
	baseURL    string
	client     *http.Client
	now        func() time.Time
	validate   *validator.Validate
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBaseURL points the service at another API root.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service for repository ("owner/name") running current.
func NewService(c *cache.Service, repository, current string, opts ...Option) *Service {
	s := &Service{
		cache:      c,
		repository: repository,
		current:    current,
		baseURL:    DefaultBaseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		validate:   validator.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "version_service")
	return s
}

// CheckForUpdate returns the latest release information. Results are cached
// for an hour; force fetches fresh data and refreshes the cache in the
// background. Any failure is reported as ErrFetchFailed.
func (s *Service) CheckForUpdate(ctx context.Context, force bool) (UpdateCheckResult, error) {
	var (
		res UpdateCheckResult
		err error
	)
	if force {
		res, err = s.fetch(ctx)
		if err == nil {
			s.cache.SetAsync(ctx, cacheKey, res, cache.Options{TTL: cacheTTL})
		}
	} else {
		res, err = cache.Get(ctx, s.cache, cacheKey, s.fetch, cache.Options{TTL: cacheTTL})
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check for update", "error", err)
		return UpdateCheckResult{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return res, nil
}

func (s *Service) fetch(ctx context.Context) (UpdateCheckResult, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", s.baseURL, s.repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return UpdateCheckResult{}, err
	}
	req.Header.Set("User-Agent", "flare-worker")
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return UpdateCheckResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UpdateCheckResult{}, fmt.Errorf("github api error: %s", resp.Status)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return UpdateCheckResult{}, fmt.Errorf("failed to decode release: %w", err)
	}
	if err := s.validate.Struct(rel); err != nil {
		return UpdateCheckResult{}, fmt.Errorf("invalid release payload: %w", err)
	}

	return UpdateCheckResult{
		LatestVersion:  rel.TagName,
		CurrentVersion: s.current,
		HasUpdate:      IsNewer(rel.TagName, s.current),
		ReleaseURL:     rel.HTMLURL,
		PublishedAt:    rel.PublishedAt,
		CheckedAt:      s.now().UnixMilli(),
	}, nil
}

// IsNewer reports whether latest is a higher dotted version than current.
// A leading "v" is ignored, each part is read by its leading digits (so
// "3-rc1" is 3 and "beta" is 0), and missing parts count as 0.
func IsNewer(latest, current string) bool {
	l, c := parts(latest), parts(current)
	n := max(len(l), len(c))
	for i := 0; i < n; i++ {
		var lp, cp int
		if i < len(l) {
			lp = l[i]
		}
		if i < len(c) {
			cp = c[i]
		}
		if lp != cp {
			return lp > cp
		}
	}
	return false
}

func parts(v string) []int {
	fields := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		end := 0
		for end < len(f) && f[end] >= '0' && f[end] <= '9' {
			end++
		}
		if n, err := strconv.Atoi(f[:end]); err == nil {
			out[i] = n
		}
	}
	return out
}
