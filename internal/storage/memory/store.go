// Package memory is an in-process implementation of ports.Store, used for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store is an in-memory implementation of ports.Store
type Store struct {
	mu           sync.RWMutex
	events       map[string]domain.CalendarEvent
	feeds        []domain.CalendarFeed
	flights      []domain.FlightBooking
	purchases    []domain.Purchase
	interactions map[string]*domain.InteractionRecord
	now          func() time.Time
}

var _ ports.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		events:       make(map[string]domain.CalendarEvent),
		interactions: make(map[string]*domain.InteractionRecord),
		now:          time.Now,
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) EventsBetween(ctx context.Context, userID string, start, end time.Time) ([]domain.CalendarEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CalendarEvent
	for _, ev := range s.events {
		if ev.UserID == userID && ev.Start.Before(end) && ev.End.After(start) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Store) AddCalendarEvent(ctx context.Context, ev *domain.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Source == "" {
		ev.Source = "stored"
	}
	s.events[ev.ID] = *ev
	return nil
}

func (s *Store) CalendarFeeds(ctx context.Context, userID string) ([]domain.CalendarFeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CalendarFeed
	for _, f := range s.feeds {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) AddCalendarFeed(ctx context.Context, feed *domain.CalendarFeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.feeds {
		if f.UserID == feed.UserID && f.URL == feed.URL {
			return domain.InvalidRequest(fmt.Sprintf("calendar feed %s is already registered", feed.URL))
		}
	}
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = s.now().UTC()
	}
	s.feeds = append(s.feeds, *feed)
	return nil
}

func (s *Store) DeleteCalendarFeed(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.feeds {
		if f.ID == id && f.UserID == userID {
			s.feeds = slices.Delete(s.feeds, i, i+1)
			return nil
		}
	}
	return domain.NotFound("calendar feed", id)
}

func (s *Store) FlightsNear(ctx context.Context, userID string, dates []time.Time, windowDays int) ([]domain.FlightBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if windowDays < 0 {
		windowDays = 0
	}
	var out []domain.FlightBooking
	for _, f := range s.flights {
		if f.UserID != userID {
			continue
		}
		for _, d := range dates {
			day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
			lo, hi := day.AddDate(0, 0, -windowDays), day.AddDate(0, 0, windowDays+1)
			if !f.DepartureDate.Before(lo) && f.DepartureDate.Before(hi) {
				out = append(out, f)
				break
			}
		}
	}
	sortFlights(out)
	return out, nil
}

func (s *Store) FlightsToDestination(ctx context.Context, userID, destination string, since time.Time) ([]domain.FlightBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	destination = strings.ToLower(strings.TrimSpace(destination))
	if destination == "" {
		return nil, nil
	}
	var out []domain.FlightBooking
	for _, f := range s.flights {
		if f.UserID == userID && !f.DepartureDate.Before(since) &&
			strings.Contains(strings.ToLower(f.Destination), destination) {
			out = append(out, f)
		}
	}
	sortFlights(out)
	return out, nil
}

func sortFlights(fs []domain.FlightBooking) {
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].DepartureDate.Before(fs[j].DepartureDate) })
}

func (s *Store) SaveFlightLegs(ctx context.Context, legs []domain.FlightBooking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range legs {
		if legs[i].ID == "" {
			legs[i].ID = uuid.NewString()
		}
		if legs[i].BookedAt.IsZero() {
			legs[i].BookedAt = s.now()
		}
	}
	s.flights = append(s.flights, legs...)
	return nil
}

func (s *Store) PurchasesSince(ctx context.Context, userID string, since time.Time) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Purchase
	for _, p := range s.purchases {
		if p.UserID == userID && !p.Returned && !p.PurchasedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PurchasedAt.After(out[j].PurchasedAt) })
	return out, nil
}

func (s *Store) SavePurchases(ctx context.Context, items []domain.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		if items[i].PurchasedAt.IsZero() {
			items[i].PurchasedAt = s.now()
		}
	}
	s.purchases = append(s.purchases, items...)
	return nil
}

func (s *Store) SaveInteraction(ctx context.Context, rec *domain.InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		return domain.InvalidRequest("interaction id is required")
	}
	if _, exists := s.interactions[rec.ID]; exists {
		return fmt.Errorf("interaction %s already exists", rec.ID)
	}
	cp := *rec
	if cp.AnalyzedAt.IsZero() {
		cp.AnalyzedAt = s.now()
	}
	if cp.RiskFactors == nil {
		cp.RiskFactors = []string{}
	}
	s.interactions[rec.ID] = &cp
	return nil
}

func (s *Store) GetInteraction(ctx context.Context, userID, id string) (*domain.InteractionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.interactions[id]
	if !ok || (userID != "" && rec.UserID != userID) {
		return nil, domain.NotFound("interaction", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ListInteractions(ctx context.Context, opts domain.InteractionListOptions) ([]*domain.InteractionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*domain.InteractionRecord
	for _, rec := range s.interactions {
		if opts.UserID != "" && rec.UserID != opts.UserID {
			continue
		}
		if opts.Domain != "" && rec.Domain != opts.Domain {
			continue
		}
		cp := *rec
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].AnalyzedAt.Equal(all[j].AnalyzedAt) {
			return all[i].AnalyzedAt.After(all[j].AnalyzedAt)
		}
		return all[i].ID < all[j].ID
	})

	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	offset := max(opts.Offset, 0)
	if offset >= len(all) {
		return []*domain.InteractionRecord{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (s *Store) UpdateFeedback(ctx context.Context, userID, id string, fb domain.Feedback) error {
	if !fb.Valid() {
		return domain.InvalidRequest(fmt.Sprintf("feedback must be %q or %q", domain.FeedbackPositive, domain.FeedbackNegative))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.interactions[id]
	if !ok || (userID != "" && rec.UserID != userID) {
		return domain.NotFound("interaction", id)
	}
	rec.Feedback = fb
	return nil
}

func (s *Store) InteractionStats(ctx context.Context, userID string) (*domain.InteractionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDomain := make(map[string]*domain.DomainStats)
	for _, rec := range s.interactions {
		if rec.UserID != userID {
			continue
		}
		d, ok := byDomain[rec.Domain]
		if !ok {
			d = &domain.DomainStats{Domain: rec.Domain}
			byDomain[rec.Domain] = d
		}
		d.Total++
		if rec.WasIntervened {
			d.Intervened++
		}
		d.MoneySaved += rec.MoneySaved
		d.ComputeCost += rec.ComputeCost
		d.PlatformFee += rec.PlatformFee
	}

	list := make([]domain.DomainStats, 0, len(byDomain))
	for _, d := range byDomain {
		list = append(list, *d)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Total != list[j].Total {
			return list[i].Total > list[j].Total
		}
		return list[i].Domain < list[j].Domain
	})
	return domain.SummarizeStats(list), nil
}
