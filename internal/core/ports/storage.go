package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

// CalendarRepository reads calendar events.
type CalendarRepository interface {
	// EventsBetween returns events that overlap [start, end).
	EventsBetween(ctx context.Context, userID string, start, end time.Time) ([]domain.CalendarEvent, error)
}

// CalendarFeedStore manages a user's iCal subscriptions.
type CalendarFeedStore interface {
	CalendarFeeds(ctx context.Context, userID string) ([]domain.CalendarFeed, error)
	AddCalendarFeed(ctx context.Context, feed *domain.CalendarFeed) error
	DeleteCalendarFeed(ctx context.Context, userID, id string) error
}

// BookingRepository reads and writes flight legs.
type BookingRepository interface {
	// FlightsNear returns legs departing within windowDays of any of dates.
	FlightsNear(ctx context.Context, userID string, dates []time.Time, windowDays int) ([]domain.FlightBooking, error)

	// FlightsToDestination returns legs whose destination matches, departing
	// on or after since.
	FlightsToDestination(ctx context.Context, userID, destination string, since time.Time) ([]domain.FlightBooking, error)

	// SaveFlightLegs stores the legs of one trip.
	SaveFlightLegs(ctx context.Context, legs []domain.FlightBooking) error
}

// PurchaseRepository reads and writes purchases.
type PurchaseRepository interface {
	// PurchasesSince returns non-returned purchases made on or after since,
	// newest first.
	PurchasesSince(ctx context.Context, userID string, since time.Time) ([]domain.Purchase, error)

	// SavePurchases stores the line items of one order.
	SavePurchases(ctx context.Context, items []domain.Purchase) error
}

// EmailSource reads purchase receipts and flight confirmations from a
// user's mailbox. Users without a connected mailbox yield no records.
type EmailSource interface {
	Connected(userID string) bool

	// Receipts returns purchases from receipts received on or after since.
	Receipts(ctx context.Context, userID string, since time.Time) ([]domain.Purchase, error)

	// Flights returns bookings from confirmations received on or after since.
	Flights(ctx context.Context, userID string, since time.Time) ([]domain.FlightBooking, error)
}

// InteractionRepository stores analysis outcomes.
type InteractionRepository interface {
	// SaveInteraction writes a new interaction record.
	SaveInteraction(ctx context.Context, rec *domain.InteractionRecord) error

	// GetInteraction returns one record. userID may be empty to skip the
	// ownership check.
	GetInteraction(ctx context.Context, userID, id string) (*domain.InteractionRecord, error)

	// ListInteractions returns records newest first.
	ListInteractions(ctx context.Context, opts domain.InteractionListOptions) ([]*domain.InteractionRecord, error)

	// UpdateFeedback records user feedback on an interaction.
	UpdateFeedback(ctx context.Context, userID, id string, fb domain.Feedback) error

	// InteractionStats aggregates a user's records.
	InteractionStats(ctx context.Context, userID string) (*domain.InteractionStats, error)
}

// Store bundles every repository a storage backend provides.
type Store interface {
	CalendarRepository
	CalendarFeedStore
	BookingRepository
	PurchaseRepository
	InteractionRepository

	// AddCalendarEvent stores a calendar event directly.
	AddCalendarEvent(ctx context.Context, ev *domain.CalendarEvent) error

	Close() error
}
