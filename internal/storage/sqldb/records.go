package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

const storedEventSource = "stored"

// EventsBetween returns stored events that overlap [start, end).
func (s *Store) EventsBetween(ctx context.Context, userID string, start, end time.Time) ([]domain.CalendarEvent, error) {
	query := s.dialect.Rebind(`SELECT id, user_id, summary, starts_at, ends_at, all_day, source, tz
		FROM calendar_events
		WHERE user_id = ? AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at`)

	var events []domain.CalendarEvent
	if err := s.db.SelectContext(ctx, &events, query, userID, end.UTC(), start.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query calendar events: %w", err)
	}
	for i := range events {
		if loc := zoneLocation(events[i].Zone); loc != nil {
			events[i].Start = events[i].Start.In(loc)
			events[i].End = events[i].End.In(loc)
		}
	}
	return events, nil
}

// AddCalendarEvent inserts or replaces a stored event.
func (s *Store) AddCalendarEvent(ctx context.Context, ev *domain.CalendarEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Source == "" {
		ev.Source = storedEventSource
	}
	ev.Zone = zoneName(ev.Start)
	query := s.dialect.Rebind(`INSERT INTO calendar_events (id, user_id, summary, starts_at, ends_at, all_day, source, tz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"summary", "starts_at", "ends_at", "all_day", "source", "tz"}))

	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.UserID, ev.Summary, ev.Start.UTC(), ev.End.UTC(), ev.AllDay, ev.Source, ev.Zone)
	if err != nil {
		return fmt.Errorf("failed to save calendar event: %w", err)
	}
	return nil
}

// zoneName names t's location so it survives a UTC round trip. UTC
// yields "". Zones without a loadable name fall back to their offset.
func zoneName(t time.Time) string {
	name := t.Location().String()
	if name == "UTC" {
		return ""
	}
	if name != "Local" && name != "" {
		if _, err := time.LoadLocation(name); err == nil {
			return name
		}
	}
	if _, offset := t.Zone(); offset != 0 {
		return t.Format("-07:00")
	}
	return ""
}

// zoneLocation resolves a stored zone, returning nil for UTC or names
// this host cannot load.
func zoneLocation(zone string) *time.Location {
	if zone == "" {
		return nil
	}
	if off, err := time.Parse("-07:00", zone); err == nil {
		_, secs := off.Zone()
		return time.FixedZone(zone, secs)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil
	}
	return loc
}

// CalendarFeeds lists a user's iCal subscriptions, oldest first.
func (s *Store) CalendarFeeds(ctx context.Context, userID string) ([]domain.CalendarFeed, error) {
	query := s.dialect.Rebind(`SELECT id, user_id, name, url, created_at
		FROM calendar_feeds WHERE user_id = ? ORDER BY created_at, id`)

	var feeds []domain.CalendarFeed
	if err := s.db.SelectContext(ctx, &feeds, query, userID); err != nil {
		return nil, fmt.Errorf("failed to query calendar feeds: %w", err)
	}
	return feeds, nil
}

// AddCalendarFeed registers a subscription. A user may register a URL once.
func (s *Store) AddCalendarFeed(ctx context.Context, feed *domain.CalendarFeed) error {
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = s.now()
	}
	feed.CreatedAt = feed.CreatedAt.UTC()

	var exists int
	check := s.dialect.Rebind(`SELECT COUNT(*) FROM calendar_feeds WHERE user_id = ? AND url = ?`)
	if err := s.db.GetContext(ctx, &exists, check, feed.UserID, feed.URL); err != nil {
		return fmt.Errorf("failed to check calendar feed: %w", err)
	}
	if exists > 0 {
		return domain.InvalidRequest(fmt.Sprintf("calendar feed %s is already registered", feed.URL))
	}

	query := s.dialect.Rebind(`INSERT INTO calendar_feeds (id, user_id, name, url, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, feed.ID, feed.UserID, feed.Name, feed.URL, feed.CreatedAt); err != nil {
		return fmt.Errorf("failed to save calendar feed: %w", err)
	}
	return nil
}

// DeleteCalendarFeed removes a subscription owned by userID.
func (s *Store) DeleteCalendarFeed(ctx context.Context, userID, id string) error {
	query := s.dialect.Rebind(`DELETE FROM calendar_feeds WHERE id = ? AND user_id = ?`)

	result, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete calendar feed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.NotFound("calendar feed", id)
	}
	return nil
}

const flightColumns = `id, user_id, trip_id, leg, airline, flight_number, departure_date, departure_time,
	departure_airport, arrival_time, arrival_airport, destination, price_amount, price_currency,
	self_transfer, booked_at`

// FlightsNear returns legs departing within windowDays of any of dates.
func (s *Store) FlightsNear(ctx context.Context, userID string, dates []time.Time, windowDays int) ([]domain.FlightBooking, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	if windowDays < 0 {
		windowDays = 0
	}

	clauses := make([]string, 0, len(dates))
	args := []any{userID}
	for _, d := range dates {
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		clauses = append(clauses, "(departure_date >= ? AND departure_date < ?)")
		args = append(args, day.AddDate(0, 0, -windowDays), day.AddDate(0, 0, windowDays+1))
	}

	query := s.dialect.Rebind(`SELECT ` + flightColumns + ` FROM flight_bookings
		WHERE user_id = ? AND (` + strings.Join(clauses, " OR ") + `)
		ORDER BY departure_date, id`)

	var out []domain.FlightBooking
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query nearby flights: %w", err)
	}
	return out, nil
}

// FlightsToDestination returns legs whose destination contains destination,
// ignoring case, departing on or after since.
func (s *Store) FlightsToDestination(ctx context.Context, userID, destination string, since time.Time) ([]domain.FlightBooking, error) {
	destination = strings.ToLower(strings.TrimSpace(destination))
	if destination == "" {
		return nil, nil
	}
	query := s.dialect.Rebind(`SELECT ` + flightColumns + ` FROM flight_bookings
		WHERE user_id = ? AND LOWER(destination) LIKE ? AND departure_date >= ?
		ORDER BY departure_date, id`)

	var out []domain.FlightBooking
	if err := s.db.SelectContext(ctx, &out, query, userID, "%"+destination+"%", since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query flights to destination: %w", err)
	}
	return out, nil
}

// SaveFlightLegs stores the legs of one trip atomically.
func (s *Store) SaveFlightLegs(ctx context.Context, legs []domain.FlightBooking) error {
	if len(legs) == 0 {
		return nil
	}
	query := s.dialect.Rebind(`INSERT INTO flight_bookings (` + flightColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i := range legs {
			l := &legs[i]
			if l.ID == "" {
				l.ID = uuid.NewString()
			}
			if l.BookedAt.IsZero() {
				l.BookedAt = s.now()
			}
			_, err := tx.ExecContext(ctx, query,
				l.ID, l.UserID, l.TripID, l.Leg, l.Airline, l.FlightNumber, l.DepartureDate.UTC(), l.DepartureTime,
				l.DepartureAirport, l.ArrivalTime, l.ArrivalAirport, l.Destination, l.PriceAmount, l.PriceCurrency,
				l.SelfTransfer, l.BookedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to save flight leg: %w", err)
			}
		}
		return nil
	})
}

const purchaseColumns = `id, user_id, item_name, category, price, currency, quantity, domain, product_url, returned, purchased_at`

// PurchasesSince returns non-returned purchases made on or after since,
// newest first.
func (s *Store) PurchasesSince(ctx context.Context, userID string, since time.Time) ([]domain.Purchase, error) {
	query := s.dialect.Rebind(`SELECT ` + purchaseColumns + ` FROM purchases
		WHERE user_id = ? AND returned = ? AND purchased_at >= ?
		ORDER BY purchased_at DESC, id`)

	var out []domain.Purchase
	if err := s.db.SelectContext(ctx, &out, query, userID, false, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	return out, nil
}

// SavePurchases stores the line items of one order atomically.
func (s *Store) SavePurchases(ctx context.Context, items []domain.Purchase) error {
	if len(items) == 0 {
		return nil
	}
	query := s.dialect.Rebind(`INSERT INTO purchases (` + purchaseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i := range items {
			p := &items[i]
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			if p.PurchasedAt.IsZero() {
				p.PurchasedAt = s.now()
			}
			_, err := tx.ExecContext(ctx, query,
				p.ID, p.UserID, p.ItemName, p.Category, p.Price, p.Currency, p.Quantity,
				p.Domain, p.ProductURL, p.Returned, p.PurchasedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to save purchase: %w", err)
			}
		}
		return nil
	})
}
