// Package email reads purchase receipts and flight confirmations from a
// user's Gmail mailbox through the Gmail REST API.
//
// Messages are fetched as metadata plus snippet only. Records are
// extracted from the subject, sender and snippet by pattern matching, and
// messages that do not look like a receipt or a booking are skipped.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

const (
	defaultBaseURL     = "https://gmail.googleapis.com/gmail/v1"
	defaultMaxMessages = 15
	defaultTimeout     = 15 * time.Second
	maxConcurrentGets  = 4
	maxResponseBytes   = 1 << 20

	receiptQuery = "subject:(receipt OR order OR confirmation OR invoice OR purchase OR payment) -label:spam"
	flightQuery  = "subject:(flight OR booking OR itinerary OR boarding OR e-ticket OR airline OR reservation) -label:spam"
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another Gmail-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxMessages caps the messages read per search.
func WithMaxMessages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// WithCache keeps fetched message metadata for ttl. Messages never change
// once delivered.
func WithCache(cache ports.ByteCache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.ttl = ttl
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client implements ports.EmailSource over Gmail. Each user's mailbox is
// reached with that user's OAuth access token.
type Client struct {
	tokens      map[string]string
	baseURL     string
	http        *http.Client
	maxMessages int
	cache       ports.ByteCache
	ttl         time.Duration
	logger      *slog.Logger
}

var _ ports.EmailSource = (*Client)(nil)

// NewClient creates a client. tokens maps user ids to Gmail access tokens.
func NewClient(tokens map[string]string, opts ...Option) *Client {
	c := &Client{
		tokens:      make(map[string]string, len(tokens)),
		baseURL:     defaultBaseURL,
		maxMessages: defaultMaxMessages,
		logger:      slog.Default(),
	}
	for user, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			c.tokens[user] = tok
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c
}

// Connected reports whether userID has a mailbox token.
func (c *Client) Connected(userID string) bool {
	_, ok := c.tokens[userID]
	return ok
}

// Receipts implements ports.EmailSource.
func (c *Client) Receipts(ctx context.Context, userID string, since time.Time) ([]domain.Purchase, error) {
	msgs, err := c.messages(ctx, userID, receiptQuery, since)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Purchase, 0, len(msgs))
	for _, m := range msgs {
		if p, ok := extractReceipt(userID, m); ok {
			out = append(out, p)
		}
	}
	c.logger.Debug("email receipts read",
		slog.String("user_id", userID),
		slog.Int("messages", len(msgs)),
		slog.Int("receipts", len(out)),
	)
	return out, nil
}

// Flights implements ports.EmailSource.
func (c *Client) Flights(ctx context.Context, userID string, since time.Time) ([]domain.FlightBooking, error) {
	msgs, err := c.messages(ctx, userID, flightQuery, since)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FlightBooking, 0, len(msgs))
	for _, m := range msgs {
		if b, ok := extractFlight(userID, m); ok {
			out = append(out, b)
		}
	}
	c.logger.Debug("email flights read",
		slog.String("user_id", userID),
		slog.Int("messages", len(msgs)),
		slog.Int("flights", len(out)),
	)
	return out, nil
}

// message is the metadata view of one Gmail message.
type message struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (m *message) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// messages searches the mailbox and fetches each hit. Messages that fail to
// load are logged and skipped; the search itself failing is an error.
func (c *Client) messages(ctx context.Context, userID, query string, since time.Time) ([]*message, error) {
	token, ok := c.tokens[userID]
	if !ok {
		return nil, nil
	}
	if !since.IsZero() {
		query += " after:" + since.UTC().Format("2006/01/02")
	}

	ids, err := c.search(ctx, token, query)
	if err != nil {
		return nil, err
	}

	msgs := make([]*message, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentGets)
	for i, id := range ids {
		g.Go(func() error {
			m, err := c.message(gctx, token, id)
			if err != nil {
				c.logger.Warn("email message unavailable",
					slog.String("user_id", userID),
					slog.String("message_id", id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			msgs[i] = m
			return nil
		})
	}
	_ = g.Wait()

	out := msgs[:0]
	for _, m := range msgs {
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, token, query string) ([]string, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", fmt.Sprint(c.maxMessages))

	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.get(ctx, token, "/users/me/messages?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("search mailbox: %w", err)
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (c *Client) message(ctx context.Context, token, id string) (*message, error) {
	key := "gmail:" + id
	if c.cache != nil {
		if b, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			var m message
			if json.Unmarshal(b, &m) == nil {
				return &m, nil
			}
		}
	}

	q := url.Values{}
	q.Set("format", "metadata")
	for _, h := range []string{"Subject", "From", "Date"} {
		q.Add("metadataHeaders", h)
	}
	var m message
	if err := c.get(ctx, token, "/users/me/messages/"+url.PathEscape(id)+"?"+q.Encode(), &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = id
	}

	if c.cache != nil {
		if b, err := json.Marshal(&m); err == nil {
			if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
				c.logger.Debug("email message not cached", slog.String("error", err.Error()))
			}
		}
	}
	return &m, nil
}

func (c *Client) get(ctx context.Context, token, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gmail error (status %d): %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
