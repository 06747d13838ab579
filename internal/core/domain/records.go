package domain

import "time"

// SourceEmail marks records extracted from a user's mailbox.
const SourceEmail = "email"

// CalendarEvent is a single event from a user's calendar.
type CalendarEvent struct {
	ID      string    `json:"id" db:"id"`
	UserID  string    `json:"user_id" db:"user_id"`
	Summary string    `json:"summary" db:"summary"`
	Start   time.Time `json:"start" db:"starts_at"`
	End     time.Time `json:"end" db:"ends_at"`
	AllDay  bool      `json:"all_day" db:"all_day"`

	// Zone is the IANA name or "+hh:mm" offset the event was created in.
	// Stores that persist instants in UTC use it to restore the wall clock.
	Zone string `json:"-" db:"tz"`

	// Source is "stored" for events held in the database, or the feed name
	// for events read from an iCal subscription.
	Source string `json:"source" db:"source"`
}

// CalendarFeed is an iCal subscription URL registered by a user.
type CalendarFeed struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"ical_url" db:"url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// FlightBooking is one leg of a booked trip.
type FlightBooking struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	TripID           string    `json:"trip_id" db:"trip_id"`
	Leg              string    `json:"leg" db:"leg"`
	Airline          string    `json:"airline,omitempty" db:"airline"`
	FlightNumber     string    `json:"flight_number,omitempty" db:"flight_number"`
	DepartureDate    time.Time `json:"departure_date" db:"departure_date"`
	DepartureTime    string    `json:"departure_time,omitempty" db:"departure_time"`
	DepartureAirport string    `json:"departure_airport,omitempty" db:"departure_airport"`
	ArrivalTime      string    `json:"arrival_time,omitempty" db:"arrival_time"`
	ArrivalAirport   string    `json:"arrival_airport,omitempty" db:"arrival_airport"`
	Destination      string    `json:"destination,omitempty" db:"destination"`
	PriceAmount      float64   `json:"price_amount" db:"price_amount"`
	PriceCurrency    string    `json:"price_currency" db:"price_currency"`
	SelfTransfer     bool      `json:"self_transfer" db:"self_transfer"`
	BookedAt         time.Time `json:"booked_at" db:"booked_at"`

	// Source and SourceRef record where a booking read from outside the
	// database came from, e.g. "email" and a message id.
	Source     string `json:"source,omitempty" db:"-"`
	SourceRef  string `json:"source_ref,omitempty" db:"-"`
	BookingRef string `json:"booking_reference,omitempty" db:"-"`
}

// Purchase is one line item of a completed order.
type Purchase struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	ItemName    string    `json:"item_name" db:"item_name"`
	Category    string    `json:"category,omitempty" db:"category"`
	Price       float64   `json:"price" db:"price"`
	Currency    string    `json:"currency" db:"currency"`
	Quantity    int       `json:"quantity" db:"quantity"`
	Domain      string    `json:"domain,omitempty" db:"domain"`
	ProductURL  string    `json:"product_url,omitempty" db:"product_url"`
	Returned    bool      `json:"returned" db:"returned"`
	PurchasedAt time.Time `json:"purchased_at" db:"purchased_at"`

	Source    string `json:"source,omitempty" db:"-"`
	SourceRef string `json:"source_ref,omitempty" db:"-"`
}

// LineTotal is price times quantity, treating a zero quantity as one.
func (p Purchase) LineTotal() float64 {
	q := p.Quantity
	if q <= 0 {
		q = 1
	}
	return p.Price * float64(q)
}
