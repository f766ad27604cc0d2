package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/cache"
	"github.com/UniQw/notejobs/internal/notes"
	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"
)

const (
	// RecommendTaskName is the queue name of the recommendation job.
	RecommendTaskName = "recommand"
	// RecommendCacheKey holds the fetched feed grouped by account id.
	RecommendCacheKey = "recommand_list"

	publicListPath = "/api/v1/note/public-list"
)

// FollowSource lists the sites the user follows.
type FollowSource interface {
	FollowingSites(ctx context.Context) ([]notes.Follow, error)
}

// RecommendResult is stored as the recommendation job result.
type RecommendResult struct {
	FollowCount int    `json:"followCount"`
	TotalItems  int    `json:"totalItems"`
	Message     string `json:"message,omitempty"`
}

// RecommendOption tunes a Recommend job.
type RecommendOption func(*Recommend)

// WithHTTPClient replaces the client used for remote fetches.
func WithHTTPClient(c *http.Client) RecommendOption {
	return func(r *Recommend) {
		if c != nil {
			r.http = c
		}
	}
}

// WithFanOut sets the concurrent fetch limit and the pause between batches.
func WithFanOut(limit int, pause time.Duration) RecommendOption {
	return func(r *Recommend) {
		if limit > 0 {
			r.limit = limit
		}
		r.pause = pause
	}
}

// Recommend pulls the public note lists of followed sites into the cache.
type Recommend struct {
	*notejobs.Runner

	follows FollowSource
	cache   cache.Store
	http    *http.Client
	limit   int
	pause   time.Duration
	log     notejobs.Logger
}

func NewRecommend(backend notejobs.Backend, follows FollowSource, c cache.Store, log notejobs.Logger, opts ...RecommendOption) *Recommend {
	if log == nil {
		log = notejobs.NopLogger()
	}
	r := &Recommend{
		follows: follows,
		cache:   c,
		http:    &http.Client{Timeout: 10 * time.Second},
		limit:   5,
		pause:   100 * time.Millisecond,
		log:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Runner = notejobs.NewRunner(backend, r, notejobs.WithLogger(log))
	return r
}

func (r *Recommend) Name() string            { return RecommendTaskName }
func (r *Recommend) DefaultSchedule() string { return "0 */6 * * *" }

// InitializeTask registers the worker and queues one run, but only when at
// least one site is followed. It reports whether anything was started.
func (r *Recommend) InitializeTask(ctx context.Context) (bool, error) {
	follows, err := r.follows.FollowingSites(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count follows: %w", err)
	}
	if len(follows) == 0 {
		return false, nil
	}
	if err := r.Initialize(ctx); err != nil {
		return false, err
	}
	if _, err := r.TriggerNow(ctx, nil); err != nil && !errors.Is(err, notejobs.ErrDuplicateTask) {
		return false, err
	}
	return true, nil
}

func (r *Recommend) RunTask(ctx context.Context, _ *notejobs.Job) (any, error) {
	follows, err := r.follows.FollowingSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	if len(follows) == 0 {
		if err := r.cache.Delete(ctx, RecommendCacheKey); err != nil && !errors.Is(err, cache.ErrNotFound) {
			r.log.Debugf("recommend: cache delete ignored: err=%v", err)
		}
		return RecommendResult{Message: "No follows", FollowCount: 0}, nil
	}

	var mu sync.Mutex
	feed := make(map[string][]map[string]any)

	for i := 0; i < len(follows); i += r.limit {
		end := min(i+r.limit, len(follows))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.limit)
		for _, f := range follows[i:end] {
			g.Go(func() error {
				items, err := r.fetch(gctx, f.SiteURL)
				if err != nil {
					r.log.Warnf("recommend: fetch failed: site=%s err=%v", f.SiteURL, err)
					return nil
				}
				key := strconv.FormatInt(f.AccountID, 10)
				mu.Lock()
				if feed[key] == nil {
					// an empty site still shows up as [] rather than null
					feed[key] = make([]map[string]any, 0, len(items))
				}
				feed[key] = append(feed[key], items...)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if end < len(follows) && r.pause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.pause):
			}
		}
	}

	raw, err := json.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feed: %w", err)
	}
	if _, err := r.cache.Upsert(ctx, RecommendCacheKey, raw); err != nil {
		return nil, fmt.Errorf("failed to store feed: %w", err)
	}

	total := 0
	for _, items := range feed {
		total += len(items)
	}
	r.log.Infof("recommend: feed refreshed: follows=%d items=%d", len(follows), total)
	return RecommendResult{FollowCount: len(follows), TotalItems: total}, nil
}

// fetch posts to the site's public list endpoint and tags every item with
// the site origin.
func (r *Recommend) fetch(ctx context.Context, site string) ([]map[string]any, error) {
	u, err := url.Parse(site)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid site url %q", site)
	}
	origin := u.Scheme + "://" + u.Host

	body, _ := json.Marshal(map[string]int{"page": 1, "size": 30})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, origin+publicListPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var items []map[string]any
	if err := sonic.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode public list: %w", err)
	}
	for _, item := range items {
		item["originURL"] = origin
		atts, ok := item["attachments"].([]any)
		if !ok {
			continue
		}
		for _, a := range atts {
			if m, ok := a.(map[string]any); ok {
				if p, ok := m["path"].(string); ok {
					m["path"] = origin + p
				}
			}
		}
	}
	return items, nil
}
