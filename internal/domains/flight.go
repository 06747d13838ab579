package domains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// FlightHandlerName identifies the flight handler.
const FlightHandlerName = "flight"

// FlightConfig tunes the flight checks.
type FlightConfig struct {
	// TravelBuffer is the time assumed to reach or leave the airport.
	TravelBuffer time.Duration

	// BookingWindowDays is how far either side of a leg date to look for
	// calendar events and other bookings.
	BookingWindowDays int

	// DestinationLookbackDays bounds the search for earlier trips to the
	// same destination.
	DestinationLookbackDays int

	// EarlyDepartureHour flags departures before this hour.
	EarlyDepartureHour int

	// LateArrivalHour flags arrivals at or after this hour.
	LateArrivalHour int
}

// DefaultFlightConfig returns the standard flight settings.
func DefaultFlightConfig() FlightConfig {
	return FlightConfig{
		TravelBuffer:            2 * time.Hour,
		BookingWindowDays:       3,
		DestinationLookbackDays: 180,
		EarlyDepartureHour:      6,
		LateArrivalHour:         23,
	}
}

// FlightHandler analyses flight bookings against the user's calendar and
// existing trips.
type FlightHandler struct {
	base
	calendar ports.CalendarRepository
	bookings ports.BookingRepository
	cfg      FlightConfig
}

var (
	_ ports.DomainHandler   = (*FlightHandler)(nil)
	_ ports.IntentValidator = (*FlightHandler)(nil)
)

// NewFlightHandler creates a flight handler.
func NewFlightHandler(calendar ports.CalendarRepository, bookings ports.BookingRepository, cfg FlightConfig, opts ...Option) *FlightHandler {
	return &FlightHandler{
		base:     newBase(opts),
		calendar: calendar,
		bookings: bookings,
		cfg:      cfg,
	}
}

type flightLeg struct {
	DepartureDate    string `json:"departure_date"`
	DepartureTime    string `json:"departure_time"`
	ArrivalDate      string `json:"arrival_date,omitempty"`
	ArrivalTime      string `json:"arrival_time"`
	DepartureAirport string `json:"departure_airport"`
	ArrivalAirport   string `json:"arrival_airport"`
	Airline          string `json:"airline,omitempty"`
	FlightNumber     string `json:"flight_number,omitempty"`
	SelfTransfer     bool   `json:"self_transfer,omitempty"`
}

type money struct {
	Amount   domain.Amount `json:"amount"`
	Currency string        `json:"currency"`
}

type flightIntent struct {
	Type          string     `json:"type,omitempty"`
	Outbound      *flightLeg `json:"outbound"`
	Return        *flightLeg `json:"return,omitempty"`
	SelectedPrice money      `json:"selected_price"`
}

// leg is a parsed flight leg with resolved wall-clock times.
type leg struct {
	name string
	raw  *flightLeg
	date time.Time

	// departs and arrives are zero when the intent has no times.
	departs time.Time
	arrives time.Time
}

func (l leg) timed() bool {
	return !l.departs.IsZero() && !l.arrives.IsZero()
}

func (l leg) route() string {
	dep, arr := airportLabel(l.raw.DepartureAirport), airportLabel(l.raw.ArrivalAirport)
	if dep == "" || arr == "" {
		return "flight"
	}
	return dep + " → " + arr
}

func parseFlightIntent(raw json.RawMessage) (*flightIntent, []leg, error) {
	var fi flightIntent
	if err := json.Unmarshal(raw, &fi); err != nil {
		return nil, nil, domain.MalformedIntent(FlightHandlerName, "intent is not a flight booking", err)
	}
	if fi.Outbound == nil {
		return nil, nil, domain.MalformedIntent(FlightHandlerName, "outbound leg is missing", nil)
	}

	var legs []leg
	for _, named := range []struct {
		name string
		raw  *flightLeg
	}{{"outbound", fi.Outbound}, {"return", fi.Return}} {
		if named.raw == nil {
			continue
		}
		d, ok := parseDate(named.raw.DepartureDate)
		if !ok {
			return nil, nil, domain.MalformedIntent(FlightHandlerName,
				fmt.Sprintf("%s leg has no valid departure_date (%q)", named.name, named.raw.DepartureDate), nil)
		}
		l := leg{name: named.name, raw: named.raw, date: d}
		if dh, dm, ok := parseClock(named.raw.DepartureTime); ok {
			l.departs = d.Add(time.Duration(dh)*time.Hour + time.Duration(dm)*time.Minute)
			arrDay := d
			if ad, ok := parseDate(named.raw.ArrivalDate); ok {
				arrDay = ad
			}
			if ah, am, ok := parseClock(named.raw.ArrivalTime); ok {
				l.arrives = arrDay.Add(time.Duration(ah)*time.Hour + time.Duration(am)*time.Minute)
				// Overnight flights land the next day.
				if !l.arrives.After(l.departs) {
					l.arrives = l.arrives.Add(24 * time.Hour)
				}
			}
		}
		legs = append(legs, l)
	}
	return &fi, legs, nil
}

// Name implements ports.DomainHandler.
func (h *FlightHandler) Name() string { return FlightHandlerName }

// ValidateIntent implements ports.IntentValidator.
func (h *FlightHandler) ValidateIntent(intent json.RawMessage) error {
	_, _, err := parseFlightIntent(intent)
	return err
}

// ContextRequirements implements ports.DomainHandler.
func (h *FlightHandler) ContextRequirements(json.RawMessage) []domain.SourceName {
	return []domain.SourceName{domain.SourceCalendar, domain.SourceBookings}
}

// FetchContext implements ports.DomainHandler.
func (h *FlightHandler) FetchContext(ctx context.Context, source domain.SourceName, env *domain.IntentEnvelope) (any, error) {
	fi, legs, err := parseFlightIntent(env.Intent)
	if err != nil {
		return nil, err
	}

	switch source {
	case domain.SourceCalendar:
		start, end := h.window(legs)
		events, err := h.calendar.EventsBetween(ctx, env.UserID, start, end)
		if err != nil {
			return nil, err
		}
		h.logger.Debug("calendar fetched",
			slog.String("user_id", env.UserID),
			slog.Time("window_start", start),
			slog.Time("window_end", end),
			slog.Int("events", len(events)),
		)
		return events, nil

	case domain.SourceBookings:
		return h.fetchBookings(ctx, env.UserID, fi, legs)

	default:
		return nil, fmt.Errorf("flight handler cannot fetch source %q", source)
	}
}

// window returns the calendar window: BookingWindowDays either side of the
// leg dates, end exclusive.
func (h *FlightHandler) window(legs []leg) (time.Time, time.Time) {
	first, last := legs[0].date, legs[0].date
	for _, l := range legs[1:] {
		if l.date.Before(first) {
			first = l.date
		}
		if l.date.After(last) {
			last = l.date
		}
	}
	days := time.Duration(h.cfg.BookingWindowDays) * 24 * time.Hour
	return first.Add(-days), last.Add(days + 24*time.Hour)
}

// fetchBookings merges legs near the trip dates with earlier trips to the
// same destination. One failing query degrades to the other's results.
func (h *FlightHandler) fetchBookings(ctx context.Context, userID string, fi *flightIntent, legs []leg) ([]domain.FlightBooking, error) {
	dates := make([]time.Time, 0, len(legs))
	for _, l := range legs {
		dates = append(dates, l.date)
	}

	near, nearErr := h.bookings.FlightsNear(ctx, userID, dates, h.cfg.BookingWindowDays)
	if nearErr != nil {
		h.logger.Warn("nearby flight query failed", slog.String("user_id", userID), slog.String("error", nearErr.Error()))
	}

	var toDest []domain.FlightBooking
	var destErr error
	dest := destinationName(fi.Outbound.ArrivalAirport)
	if dest != "" {
		since := dayStart(h.now()).AddDate(0, 0, -h.cfg.DestinationLookbackDays)
		toDest, destErr = h.bookings.FlightsToDestination(ctx, userID, dest, since)
		if destErr != nil {
			h.logger.Warn("destination flight query failed", slog.String("user_id", userID), slog.String("error", destErr.Error()))
		}
	}

	if nearErr != nil && (destErr != nil || dest == "") {
		return nil, errors.Join(nearErr, destErr)
	}
	return mergeBy(bookingKey, near, toDest, h.emailFlights(ctx, userID, fi, legs)), nil
}

// emailFlights returns mailbox confirmations near the trip dates or to the
// same destination. Mailbox failures are logged and yield nothing.
func (h *FlightHandler) emailFlights(ctx context.Context, userID string, fi *flightIntent, legs []leg) []domain.FlightBooking {
	mb, ok := h.mailbox(userID)
	if !ok {
		return nil
	}
	since := dayStart(h.now()).AddDate(0, 0, -h.cfg.DestinationLookbackDays)
	found, err := mb.Flights(ctx, userID, since)
	if err != nil {
		h.logger.Warn("email flight lookup failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return nil
	}

	var out []domain.FlightBooking
	for _, b := range found {
		if h.nearLegs(b.DepartureDate, legs) || sameArrival(fi, b) {
			out = append(out, b)
		}
	}
	h.logger.Debug("email flights merged",
		slog.String("user_id", userID),
		slog.Int("found", len(found)),
		slog.Int("relevant", len(out)),
	)
	return out
}

// nearLegs reports whether day falls within BookingWindowDays of a leg.
func (h *FlightHandler) nearLegs(day time.Time, legs []leg) bool {
	if day.IsZero() {
		return false
	}
	window := time.Duration(h.cfg.BookingWindowDays) * 24 * time.Hour
	day = dayStart(day)
	for _, l := range legs {
		if d := day.Sub(l.date); d <= window && d >= -window {
			return true
		}
	}
	return false
}

// sameArrival compares a booking with the intent's outbound arrival, by
// destination name or airport code.
func sameArrival(fi *flightIntent, b domain.FlightBooking) bool {
	label := b.Destination
	if label == "" {
		label = destinationName(b.ArrivalAirport)
	}
	if dest := strings.ToLower(destinationName(fi.Outbound.ArrivalAirport)); dest != "" && sameDestination(dest, label) {
		return true
	}
	code := airportLabel(fi.Outbound.ArrivalAirport)
	return code != "" && airportCode.MatchString(code) && strings.EqualFold(code, airportLabel(b.ArrivalAirport))
}

// BuildAuditRequest implements ports.DomainHandler.
func (h *FlightHandler) BuildAuditRequest(env *domain.IntentEnvelope, bundle *domain.ContextBundle) (*domain.JudgmentRequest, error) {
	fi, legs, err := parseFlightIntent(env.Intent)
	if err != nil {
		return nil, err
	}

	events, haveEvents := domain.Records[domain.CalendarEvent](bundle, domain.SourceCalendar)
	bookings, haveBookings := domain.Records[domain.FlightBooking](bundle, domain.SourceBookings)

	var findings []domain.Finding
	if haveEvents {
		findings = append(findings, h.scheduleFindings(legs, events)...)
	}
	if haveBookings {
		findings = append(findings, h.bookingFindings(fi, legs, bookings)...)
	}
	findings = append(findings, h.legFindings(legs)...)

	var p promptBuilder
	p.line("You are protecting a neurodivergent user from double-booking flights, scheduling conflicts, and travel fatigue.")
	p.b.WriteByte('\n')
	p.contextHeader(bundle)
	p.section("Flight the user wants to book RIGHT NOW", json.RawMessage(env.Intent))
	if haveEvents {
		p.section(fmt.Sprintf("Their calendar events for ±%d days around each flight leg", h.cfg.BookingWindowDays), events)
	} else {
		p.unavailable("Their calendar events", domain.SourceCalendar)
	}
	if haveBookings {
		p.section("Their existing flight bookings and travel history", bookings)
	} else {
		p.unavailable("Their existing flight bookings", domain.SourceBookings)
	}
	p.findings(findings)
	p.line("Look for ALL of the following risk categories:")
	p.line("1. Schedule conflict: a calendar event overlapping or falling close to a flight, allowing ~%s to get to or from the airport.", h.cfg.TravelBuffer)
	p.line("2. Double booking: an existing flight to the same destination or overlapping travel dates.")
	p.line("3. Fatigue: arriving late then an early event, red-eye flights followed by commitments, short turnarounds.")
	for _, l := range legs {
		p.line("   - %s departs %s at %s, arrives %s", l.name, l.raw.DepartureDate, orUnknown(l.raw.DepartureTime), orUnknown(l.raw.ArrivalTime))
	}
	p.line("4. Too-early or too-late flights: departing before %02d:00 or arriving after %02d:00.", h.cfg.EarlyDepartureHour, h.cfg.LateArrivalHour)
	p.line("5. Wasted money: an existing booking already covering the same or an overlapping period.")
	p.line("6. Self-transfer: any leg with \"self_transfer\": true means collecting luggage, security and check-in again. Always flag it.")
	p.b.WriteByte('\n')
	p.line("%s", auditReplyFormat)

	return &domain.JudgmentRequest{
		Kind:        domain.JudgmentAudit,
		Domain:      env.Domain,
		Handler:     FlightHandlerName,
		System:      "You are a careful travel assistant. Reply with JSON only.",
		Prompt:      p.String(),
		Findings:    findings,
		Unavailable: bundle.Unavailable(),
	}, nil
}

// scheduleFindings compares timed legs with calendar events. Events inside
// the flight window are conflicts; events within the travel buffer are
// tight connections. All-day events are left to the model.
func (h *FlightHandler) scheduleFindings(legs []leg, events []domain.CalendarEvent) []domain.Finding {
	var out []domain.Finding
	for _, l := range legs {
		if !l.timed() {
			continue
		}
		for _, ev := range events {
			if ev.AllDay {
				continue
			}
			start, end := wallClock(ev.Start), wallClock(ev.End)
			if !end.After(start) {
				end = start.Add(time.Minute)
			}
			evDesc := fmt.Sprintf("%q (%s)", ev.Summary, span(start, end))
			switch {
			case start.Before(l.arrives) && end.After(l.departs):
				out = append(out, domain.Finding{
					Kind: "schedule_conflict",
					Description: fmt.Sprintf("Schedule conflict: %s overlaps your %s flight %s (%s).",
						evDesc, l.name, l.route(), span(l.departs, l.arrives)),
				})
			case start.Before(l.arrives.Add(h.cfg.TravelBuffer)) && end.After(l.departs.Add(-h.cfg.TravelBuffer)):
				out = append(out, domain.Finding{
					Kind: "tight_schedule",
					Description: fmt.Sprintf("Tight schedule: %s is within %s of your %s flight %s (%s), leaving little time to get to or from the airport.",
						evDesc, humanDuration(h.cfg.TravelBuffer), l.name, l.route(), span(l.departs, l.arrives)),
				})
			}
		}
	}
	return out
}

// bookingFindings flags existing legs departing within the booking window
// of a new leg. Same destination is a double booking; elsewhere it is
// overlapping travel.
func (h *FlightHandler) bookingFindings(fi *flightIntent, legs []leg, bookings []domain.FlightBooking) []domain.Finding {
	var out []domain.Finding
	for _, b := range bookings {
		if !h.nearLegs(b.DepartureDate, legs) {
			continue
		}
		bDate := dayStart(b.DepartureDate)

		label := b.Destination
		if label == "" {
			label = destinationName(b.ArrivalAirport)
		}
		ref := ""
		if b.FlightNumber != "" {
			ref = " (" + b.FlightNumber + ")"
		}
		if sameArrival(fi, b) {
			out = append(out, domain.Finding{
				Kind: "double_booking",
				Description: fmt.Sprintf("Possible double booking: you already have a flight to %s on %s%s.",
					label, bDate.Format(dateLayout), ref),
			})
			continue
		}
		route := airportLabel(b.DepartureAirport) + " → " + airportLabel(b.ArrivalAirport)
		if strings.TrimSpace(route) == "→" {
			route = "to " + label
		}
		out = append(out, domain.Finding{
			Kind: "overlapping_travel",
			Description: fmt.Sprintf("Overlapping travel: you are already booked on %s on %s%s.",
				route, bDate.Format(dateLayout), ref),
		})
	}
	return out
}

func sameDestination(want, got string) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	if got == "" {
		return false
	}
	return got == want || strings.Contains(got, want) || strings.Contains(want, got)
}

// legFindings covers checks that need only the intent.
func (h *FlightHandler) legFindings(legs []leg) []domain.Finding {
	var out []domain.Finding
	for _, l := range legs {
		if l.raw.SelfTransfer {
			out = append(out, domain.Finding{
				Kind: "self_transfer",
				Description: fmt.Sprintf("Self-transfer on the %s flight %s: you will need to collect your luggage, go through security and check in again at the connecting airport.",
					l.name, l.route()),
			})
		}
		if !l.departs.IsZero() && l.departs.Hour() < h.cfg.EarlyDepartureHour {
			out = append(out, domain.Finding{
				Kind:        "early_departure",
				Description: fmt.Sprintf("Very early departure: the %s flight %s leaves at %s.", l.name, l.route(), l.departs.Format("15:04")),
			})
		}
		if !l.arrives.IsZero() && (l.arrives.Hour() >= h.cfg.LateArrivalHour || dayStart(l.arrives).After(l.date)) {
			out = append(out, domain.Finding{
				Kind:        "late_arrival",
				Description: fmt.Sprintf("Late arrival: the %s flight %s lands at %s.", l.name, l.route(), l.arrives.Format("15:04")),
			})
		}
	}
	return out
}

// BuildDraftingRequest implements ports.DomainHandler.
func (h *FlightHandler) BuildDraftingRequest(env *domain.IntentEnvelope, verdict domain.Verdict) (*domain.JudgmentRequest, error) {
	_, legs, err := parseFlightIntent(env.Intent)
	if err != nil {
		return nil, err
	}
	subject := fmt.Sprintf("book a flight (%s)", legs[0].route())
	guidance := "If the risk involves tiredness or scheduling stress, acknowledge how exhausting travel can be and gently suggest they double-check. " +
		"If it involves a self-transfer, explain that they will need to collect luggage, clear security and check in again."
	return &domain.JudgmentRequest{
		Kind:    domain.JudgmentDrafting,
		Domain:  env.Domain,
		Handler: FlightHandlerName,
		System:  "You write brief, kind travel warnings.",
		Prompt:  draftingPrompt(subject, verdict.RiskFactors, guidance),
	}, nil
}

// DefaultIntervention implements ports.DomainHandler.
func (h *FlightHandler) DefaultIntervention(env *domain.IntentEnvelope, verdict domain.Verdict) domain.Intervention {
	route := "this flight"
	if _, legs, err := parseFlightIntent(env.Intent); err == nil {
		route = legs[0].route()
	}
	return domain.Intervention{
		Title:   "Check this flight before you book",
		Message: defaultMessage(fmt.Sprintf("✈️ Before you book %s, please double-check:", route), verdict.RiskFactors),
	}
}

// ExtractPrice implements ports.DomainHandler. The selected fare covers
// every leg, so the whole ticket price is at stake.
func (h *FlightHandler) ExtractPrice(env *domain.IntentEnvelope) float64 {
	var fi flightIntent
	if err := json.Unmarshal(env.Intent, &fi); err != nil {
		return 0
	}
	return float64(fi.SelectedPrice.Amount)
}

// ExtractHour implements ports.DomainHandler using the outbound departure.
func (h *FlightHandler) ExtractHour(env *domain.IntentEnvelope) (int, bool) {
	var fi flightIntent
	if err := json.Unmarshal(env.Intent, &fi); err != nil || fi.Outbound == nil {
		return 0, false
	}
	hour, _, ok := parseClock(fi.Outbound.DepartureTime)
	return hour, ok
}

// Summarize implements ports.DomainHandler.
func (h *FlightHandler) Summarize(env *domain.IntentEnvelope) domain.IntentSummary {
	title := "Flight"
	var fi flightIntent
	if err := json.Unmarshal(env.Intent, &fi); err == nil && fi.Outbound != nil {
		dep, arr := stripHTML(fi.Outbound.DepartureAirport), stripHTML(fi.Outbound.ArrivalAirport)
		route := "flight"
		if dep != "" && arr != "" {
			route = dep + " → " + arr
		}
		title = "Flight " + route
		if d := stripHTML(fi.Outbound.DepartureDate); d != "" {
			title += " on " + d
		}
	}
	return domain.IntentSummary{
		IntentType: "flight_booking",
		Title:      title,
		Categories: []string{domain.CategoryTravel},
	}
}

// Store implements ports.DomainHandler. Each leg becomes one booking row
// sharing a trip id.
func (h *FlightHandler) Store(ctx context.Context, env *domain.IntentEnvelope, _ domain.Economics) ([]string, error) {
	fi, legs, err := parseFlightIntent(env.Intent)
	if err != nil {
		return nil, err
	}

	currency := fi.SelectedPrice.Currency
	if currency == "" {
		currency = "GBP"
	}
	tripID := uuid.NewString()
	bookedAt := h.now().UTC()

	rows := make([]domain.FlightBooking, 0, len(legs))
	ids := make([]string, 0, len(legs))
	for _, l := range legs {
		row := domain.FlightBooking{
			ID:               uuid.NewString(),
			UserID:           env.UserID,
			TripID:           tripID,
			Leg:              l.name,
			Airline:          l.raw.Airline,
			FlightNumber:     l.raw.FlightNumber,
			DepartureDate:    l.date,
			DepartureAirport: stripHTML(l.raw.DepartureAirport),
			ArrivalAirport:   stripHTML(l.raw.ArrivalAirport),
			Destination:      destinationName(l.raw.ArrivalAirport),
			PriceAmount:      float64(fi.SelectedPrice.Amount),
			PriceCurrency:    currency,
			SelfTransfer:     l.raw.SelfTransfer,
			BookedAt:         bookedAt,
		}
		if !l.departs.IsZero() {
			row.DepartureTime = l.departs.Format("15:04")
		}
		if !l.arrives.IsZero() {
			row.ArrivalTime = l.arrives.Format("15:04")
		}
		rows = append(rows, row)
		ids = append(ids, row.ID)
	}

	if err := h.bookings.SaveFlightLegs(ctx, rows); err != nil {
		return nil, err
	}
	h.logger.Info("flight legs stored",
		slog.String("user_id", env.UserID),
		slog.String("trip_id", tripID),
		slog.Int("legs", len(rows)),
	)
	return ids, nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

// span renders a time range, omitting the second date when it matches the first.
func span(start, end time.Time) string {
	if dayStart(start).Equal(dayStart(end)) {
		return fmt.Sprintf("%s %s–%s", start.Format(dateLayout), start.Format("15:04"), end.Format("15:04"))
	}
	return fmt.Sprintf("%s %s – %s %s", start.Format(dateLayout), start.Format("15:04"), end.Format(dateLayout), end.Format("15:04"))
}

func humanDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		return fmt.Sprintf("%d %s", h, plural(h, "hour", "hours"))
	}
	return d.String()
}
