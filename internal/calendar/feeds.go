package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

const (
	// DefaultFeedTTL is how long a fetched feed body is reused.
	DefaultFeedTTL = 5 * time.Minute

	// DefaultMaxFeedBytes caps the size of a single feed body.
	DefaultMaxFeedBytes = 4 << 20

	defaultFetchTimeout = 10 * time.Second
	maxConcurrentFeeds  = 4
)

// FeedOption configures a FeedReader.
type FeedOption func(*FeedReader)

// WithHTTPClient sets the client used to download feeds.
func WithHTTPClient(c *http.Client) FeedOption {
	return func(r *FeedReader) { r.client = c }
}

// WithCache reuses feed bodies for ttl.
func WithCache(c ports.ByteCache, ttl time.Duration) FeedOption {
	return func(r *FeedReader) {
		r.cache = c
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxFeedBytes caps the accepted body size.
func WithMaxFeedBytes(n int64) FeedOption {
	return func(r *FeedReader) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// WithLogger sets the reader logger.
func WithLogger(l *slog.Logger) FeedOption {
	return func(r *FeedReader) { r.logger = l }
}

// FeedReader implements ports.CalendarRepository over the iCal
// subscriptions a user has registered.
type FeedReader struct {
	feeds    ports.CalendarFeedStore
	client   *http.Client
	cache    ports.ByteCache
	ttl      time.Duration
	maxBytes int64
	logger   *slog.Logger
}

var _ ports.CalendarRepository = (*FeedReader)(nil)

// NewFeedReader creates a reader over the registered feeds.
func NewFeedReader(feeds ports.CalendarFeedStore, opts ...FeedOption) *FeedReader {
	r := &FeedReader{
		feeds:    feeds,
		ttl:      DefaultFeedTTL,
		maxBytes: DefaultMaxFeedBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{
			Timeout:   defaultFetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return r
}

// EventsBetween fetches every registered feed and returns the events that
// overlap [start, end). Feeds that fail are logged and skipped; an error is
// returned only when the user has feeds and none of them could be read.
func (r *FeedReader) EventsBetween(ctx context.Context, userID string, start, end time.Time) ([]domain.CalendarEvent, error) {
	feeds, err := r.feeds.CalendarFeeds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendar feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		events []domain.CalendarEvent
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFeeds)
	for _, feed := range feeds {
		g.Go(func() error {
			evs, err := r.feedEvents(gctx, feed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("calendar feed unavailable",
					slog.String("user_id", userID),
					slog.String("feed", feed.Name),
					slog.String("error", err.Error()),
				)
				errs = append(errs, fmt.Errorf("feed %s: %w", feed.Name, err))
				return nil
			}
			for _, ev := range evs {
				if Overlaps(ev, start, end) {
					events = append(events, ev)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(feeds) {
		return nil, errors.Join(errs...)
	}
	r.logger.Debug("calendar feeds read",
		slog.String("user_id", userID),
		slog.Int("feeds", len(feeds)),
		slog.Int("failed", len(errs)),
		slog.Int("events", len(events)),
	)
	sortEvents(events)
	return events, nil
}

func (r *FeedReader) feedEvents(ctx context.Context, feed domain.CalendarFeed) ([]domain.CalendarEvent, error) {
	body, err := r.body(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	name := feed.Name
	if name == "" {
		name = "ical"
	}
	return ParseEvents(bytes.NewReader(body), feed.UserID, name)
}

// body returns the feed body, from cache when possible.
func (r *FeedReader) body(ctx context.Context, url string) ([]byte, error) {
	key := "ical:" + url
	if r.cache != nil {
		if b, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			return b, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > r.maxBytes {
		return nil, fmt.Errorf("feed exceeds %d bytes", r.maxBytes)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, b, r.ttl); err != nil {
			r.logger.Debug("feed not cached", slog.String("error", err.Error()))
		}
	}
	return b, nil
}
