package domains

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

var testNow = time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fakeCalendar struct {
	events []domain.CalendarEvent
	err    error

	gotStart, gotEnd time.Time
}

func (f *fakeCalendar) EventsBetween(_ context.Context, _ string, start, end time.Time) ([]domain.CalendarEvent, error) {
	f.gotStart, f.gotEnd = start, end
	return f.events, f.err
}

type fakeBookings struct {
	mu       sync.Mutex
	near     []domain.FlightBooking
	toDest   []domain.FlightBooking
	nearErr  error
	destErr  error
	saved    []domain.FlightBooking
	gotDest  string
	gotSince time.Time
}

func (f *fakeBookings) FlightsNear(context.Context, string, []time.Time, int) ([]domain.FlightBooking, error) {
	return f.near, f.nearErr
}

func (f *fakeBookings) FlightsToDestination(_ context.Context, _ string, dest string, since time.Time) ([]domain.FlightBooking, error) {
	f.gotDest, f.gotSince = dest, since
	return f.toDest, f.destErr
}

func (f *fakeBookings) SaveFlightLegs(_ context.Context, legs []domain.FlightBooking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, legs...)
	return nil
}

type fakePurchases struct {
	history  []domain.Purchase
	err      error
	saved    []domain.Purchase
	gotSince time.Time
}

func (f *fakePurchases) PurchasesSince(_ context.Context, _ string, since time.Time) ([]domain.Purchase, error) {
	f.gotSince = since
	return f.history, f.err
}

func (f *fakePurchases) SavePurchases(_ context.Context, items []domain.Purchase) error {
	f.saved = append(f.saved, items...)
	return nil
}

type fakeEmail struct {
	connected bool
	flights   []domain.FlightBooking
	receipts  []domain.Purchase
	err       error
	gotSince  time.Time
	calls     int
}

func (f *fakeEmail) Connected(string) bool { return f.connected }

func (f *fakeEmail) Receipts(_ context.Context, _ string, since time.Time) ([]domain.Purchase, error) {
	f.calls++
	f.gotSince = since
	return f.receipts, f.err
}

func (f *fakeEmail) Flights(_ context.Context, _ string, since time.Time) ([]domain.FlightBooking, error) {
	f.calls++
	f.gotSince = since
	return f.flights, f.err
}

const flightIntentJSON = `{
	"type": "flight_booking",
	"outbound": {
		"departure_date": "2026-04-25",
		"departure_time": "14:15",
		"arrival_time": "17:35",
		"departure_airport": "LHR London Heathrow",
		"arrival_airport": "BCN Barcelona",
		"airline": "Vueling",
		"flight_number": "VY7821"
	},
	"return": {
		"departure_date": "2026-04-29",
		"departure_time": "19:05",
		"arrival_time": "20:30",
		"departure_airport": "BCN Barcelona",
		"arrival_airport": "LHR London Heathrow"
	},
	"selected_price": {"amount": "189.50", "currency": "GBP"}
}`

func flightEnvelope(intent string) *domain.IntentEnvelope {
	return &domain.IntentEnvelope{UserID: "user-1", Domain: "www.skyscanner.net", Intent: json.RawMessage(intent)}
}

func bundleFor(t *testing.T, h interface {
	ContextRequirements(json.RawMessage) []domain.SourceName
	FetchContext(context.Context, domain.SourceName, *domain.IntentEnvelope) (any, error)
}, env *domain.IntentEnvelope) *domain.ContextBundle {
	t.Helper()
	sources := h.ContextRequirements(env.Intent)
	var results []domain.SourceResult
	for _, s := range sources {
		recs, err := h.FetchContext(context.Background(), s, env)
		if err != nil {
			results = append(results, domain.SourceResult{Source: s, Reason: err.Error()})
			continue
		}
		results = append(results, domain.SourceResult{Source: s, Records: recs, Available: true})
	}
	return domain.NewContextBundle(sources, results)
}

func findingKinds(req *domain.JudgmentRequest) map[string]int {
	out := make(map[string]int)
	for _, f := range req.Findings {
		out[f.Kind]++
	}
	return out
}

func TestFlightHandler_ScheduleConflict(t *testing.T) {
	cal := &fakeCalendar{events: []domain.CalendarEvent{{
		ID:      "ev-1",
		Summary: "Team offsite",
		Start:   time.Date(2026, 4, 25, 9, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 4, 25, 16, 0, 0, 0, time.UTC),
	}}}
	h := NewFlightHandler(cal, &fakeBookings{}, DefaultFlightConfig(), WithClock(fixedClock))
	env := flightEnvelope(flightIntentJSON)

	req, err := h.BuildAuditRequest(env, bundleFor(t, h, env))
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}

	var conflict *domain.Finding
	for i := range req.Findings {
		if req.Findings[i].Kind == "schedule_conflict" {
			conflict = &req.Findings[i]
		}
	}
	if conflict == nil {
		t.Fatalf("expected schedule_conflict finding, got %+v", req.Findings)
	}
	for _, want := range []string{"Team offsite", "LHR → BCN", "14:15–17:35"} {
		if !strings.Contains(conflict.Description, want) {
			t.Errorf("description %q missing %q", conflict.Description, want)
		}
	}
	if !strings.Contains(req.Prompt, "Team offsite") {
		t.Error("prompt should include the calendar events")
	}
	if len(req.Unavailable) != 0 {
		t.Errorf("Unavailable = %v, want none", req.Unavailable)
	}

	wantStart := time.Date(2026, 4, 22, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	if !cal.gotStart.Equal(wantStart) || !cal.gotEnd.Equal(wantEnd) {
		t.Errorf("calendar window = [%v, %v), want [%v, %v)", cal.gotStart, cal.gotEnd, wantStart, wantEnd)
	}
}

func TestFlightHandler_CalendarFindings(t *testing.T) {
	tests := []struct {
		name  string
		event domain.CalendarEvent
		want  string
	}{
		{
			name: "evening event after landing is tight",
			event: domain.CalendarEvent{
				Summary: "Dinner",
				Start:   time.Date(2026, 4, 25, 18, 30, 0, 0, time.UTC),
				End:     time.Date(2026, 4, 25, 20, 0, 0, 0, time.UTC),
			},
			want: "tight_schedule",
		},
		{
			name: "event well before departure is fine",
			event: domain.CalendarEvent{
				Summary: "Breakfast",
				Start:   time.Date(2026, 4, 25, 8, 0, 0, 0, time.UTC),
				End:     time.Date(2026, 4, 25, 9, 0, 0, 0, time.UTC),
			},
			want: "",
		},
		{
			name: "all-day events are left to the model",
			event: domain.CalendarEvent{
				Summary: "Conference",
				Start:   time.Date(2026, 4, 25, 0, 0, 0, 0, time.UTC),
				End:     time.Date(2026, 4, 26, 0, 0, 0, 0, time.UTC),
				AllDay:  true,
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := &fakeCalendar{events: []domain.CalendarEvent{tt.event}}
			h := NewFlightHandler(cal, &fakeBookings{}, DefaultFlightConfig(), WithClock(fixedClock))
			env := flightEnvelope(flightIntentJSON)

			req, err := h.BuildAuditRequest(env, bundleFor(t, h, env))
			if err != nil {
				t.Fatalf("BuildAuditRequest() error = %v", err)
			}
			kinds := findingKinds(req)
			if kinds["schedule_conflict"] != 0 {
				t.Errorf("unexpected schedule_conflict: %+v", req.Findings)
			}
			if tt.want == "" && kinds["tight_schedule"] != 0 {
				t.Errorf("unexpected tight_schedule: %+v", req.Findings)
			}
			if tt.want != "" && kinds[tt.want] == 0 {
				t.Errorf("expected %s finding, got %+v", tt.want, req.Findings)
			}
		})
	}
}

func TestFlightHandler_BookingFindings(t *testing.T) {
	bookings := &fakeBookings{
		near: []domain.FlightBooking{
			{ID: "b-1", DepartureDate: time.Date(2026, 4, 26, 0, 0, 0, 0, time.UTC), Destination: "Barcelona", FlightNumber: "BA478"},
			{ID: "b-2", DepartureDate: time.Date(2026, 4, 27, 0, 0, 0, 0, time.UTC), DepartureAirport: "LGW", ArrivalAirport: "FCO Rome", Destination: "Rome"},
		},
		toDest: []domain.FlightBooking{
			{ID: "b-1", DepartureDate: time.Date(2026, 4, 26, 0, 0, 0, 0, time.UTC), Destination: "Barcelona", FlightNumber: "BA478"},
			{ID: "b-3", DepartureDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), Destination: "Barcelona"},
		},
	}
	h := NewFlightHandler(&fakeCalendar{}, bookings, DefaultFlightConfig(), WithClock(fixedClock))
	env := flightEnvelope(flightIntentJSON)

	bundle := bundleFor(t, h, env)
	recs, ok := domain.Records[domain.FlightBooking](bundle, domain.SourceBookings)
	if !ok {
		t.Fatal("bookings source should be available")
	}
	if len(recs) != 3 {
		t.Errorf("merged bookings = %d, want 3 (deduplicated by id)", len(recs))
	}
	if bookings.gotDest != "Barcelona" {
		t.Errorf("destination query = %q, want Barcelona", bookings.gotDest)
	}
	if want := time.Date(2025, 10, 22, 0, 0, 0, 0, time.UTC); !bookings.gotSince.Equal(want) {
		t.Errorf("destination lookback = %v, want %v", bookings.gotSince, want)
	}

	req, err := h.BuildAuditRequest(env, bundle)
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	kinds := findingKinds(req)
	if kinds["double_booking"] != 1 {
		t.Errorf("double_booking findings = %d, want 1: %+v", kinds["double_booking"], req.Findings)
	}
	if kinds["overlapping_travel"] != 1 {
		t.Errorf("overlapping_travel findings = %d, want 1: %+v", kinds["overlapping_travel"], req.Findings)
	}
}

func TestFlightHandler_BookingsDegradeToOneQuery(t *testing.T) {
	bookings := &fakeBookings{
		nearErr: errors.New("connection reset"),
		toDest:  []domain.FlightBooking{{ID: "b-9", Destination: "Barcelona"}},
	}
	h := NewFlightHandler(&fakeCalendar{}, bookings, DefaultFlightConfig(), WithClock(fixedClock))

	got, err := h.FetchContext(context.Background(), domain.SourceBookings, flightEnvelope(flightIntentJSON))
	if err != nil {
		t.Fatalf("FetchContext() error = %v", err)
	}
	if recs := got.([]domain.FlightBooking); len(recs) != 1 {
		t.Errorf("bookings = %d, want 1", len(recs))
	}

	bookings.destErr = errors.New("timeout")
	if _, err := h.FetchContext(context.Background(), domain.SourceBookings, flightEnvelope(flightIntentJSON)); err == nil {
		t.Error("expected error when both booking queries fail")
	}
}

func TestFlightHandler_EmptyDestinationResultIsAvailable(t *testing.T) {
	// sqlx hands back a nil slice for zero rows.
	bookings := &fakeBookings{nearErr: errors.New("connection reset")}
	h := NewFlightHandler(&fakeCalendar{}, bookings, DefaultFlightConfig(), WithClock(fixedClock))

	got, err := h.FetchContext(context.Background(), domain.SourceBookings, flightEnvelope(flightIntentJSON))
	if err != nil {
		t.Fatalf("FetchContext() error = %v", err)
	}
	if recs := got.([]domain.FlightBooking); len(recs) != 0 {
		t.Errorf("bookings = %d, want 0", len(recs))
	}
	if bookings.gotDest != "Barcelona" {
		t.Errorf("destination query = %q, want Barcelona", bookings.gotDest)
	}
}

func emailFlight(ref, arrival string, day time.Time) domain.FlightBooking {
	return domain.FlightBooking{
		ID:               "email-" + ref,
		UserID:           "user-1",
		Leg:              "outbound",
		DepartureAirport: "LHR",
		ArrivalAirport:   arrival,
		Destination:      arrival,
		DepartureDate:    day,
		Source:           domain.SourceEmail,
		SourceRef:        ref,
	}
}

func TestFlightHandler_MergesMailboxBookings(t *testing.T) {
	bookings := &fakeBookings{near: []domain.FlightBooking{
		{ID: "b-1", DepartureDate: time.Date(2026, 4, 26, 0, 0, 0, 0, time.UTC), Destination: "Barcelona", FlightNumber: "BA478"},
	}}
	confirmed := emailFlight("m-1", "BCN", time.Date(2026, 4, 25, 0, 0, 0, 0, time.UTC))
	confirmed.FlightNumber = "VY 7821"
	mail := &fakeEmail{connected: true, flights: []domain.FlightBooking{
		confirmed,
		confirmed,
		emailFlight("m-2", "LIS", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)),
		emailFlight("m-3", "BCN", time.Time{}),
	}}
	h := NewFlightHandler(&fakeCalendar{}, bookings, DefaultFlightConfig(), WithClock(fixedClock), WithEmail(mail))
	env := flightEnvelope(flightIntentJSON)

	bundle := bundleFor(t, h, env)
	recs, ok := domain.Records[domain.FlightBooking](bundle, domain.SourceBookings)
	if !ok {
		t.Fatal("bookings source should be available")
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	if want := []string{"b-1", "email-m-1", "email-m-3"}; !slices.Equal(ids, want) {
		t.Errorf("merged bookings = %v, want %v", ids, want)
	}
	if want := time.Date(2025, 10, 22, 0, 0, 0, 0, time.UTC); !mail.gotSince.Equal(want) {
		t.Errorf("mailbox lookback = %v, want %v", mail.gotSince, want)
	}

	req, err := h.BuildAuditRequest(env, bundle)
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	if kinds := findingKinds(req); kinds["double_booking"] != 2 {
		t.Errorf("double_booking findings = %d, want 2: %+v", kinds["double_booking"], req.Findings)
	}
}

func TestFlightHandler_MailboxFailureKeepsBookings(t *testing.T) {
	tests := []struct {
		name      string
		mail      *fakeEmail
		wantCalls int
	}{
		{"error", &fakeEmail{connected: true, err: errors.New("gmail error (status 401)")}, 1},
		{"not connected", &fakeEmail{flights: []domain.FlightBooking{emailFlight("m-1", "BCN", testNow)}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bookings := &fakeBookings{near: []domain.FlightBooking{{ID: "b-1", Destination: "Barcelona"}}}
			h := NewFlightHandler(&fakeCalendar{}, bookings, DefaultFlightConfig(), WithClock(fixedClock), WithEmail(tt.mail))

			got, err := h.FetchContext(context.Background(), domain.SourceBookings, flightEnvelope(flightIntentJSON))
			if err != nil {
				t.Fatalf("FetchContext() error = %v", err)
			}
			if recs := got.([]domain.FlightBooking); len(recs) != 1 || recs[0].ID != "b-1" {
				t.Errorf("bookings = %+v, want only b-1", recs)
			}
			if tt.mail.calls != tt.wantCalls {
				t.Errorf("mailbox calls = %d, want %d", tt.mail.calls, tt.wantCalls)
			}
		})
	}
}

func TestFlightHandler_UnavailableSourceIsMarked(t *testing.T) {
	h := NewFlightHandler(&fakeCalendar{}, &fakeBookings{}, DefaultFlightConfig(), WithClock(fixedClock))
	env := flightEnvelope(flightIntentJSON)
	bundle := domain.NewContextBundle(
		[]domain.SourceName{domain.SourceCalendar, domain.SourceBookings},
		[]domain.SourceResult{
			{Source: domain.SourceCalendar, Reason: "timeout"},
			{Source: domain.SourceBookings, Records: []domain.FlightBooking{}, Available: true},
		},
	)

	req, err := h.BuildAuditRequest(env, bundle)
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	if len(req.Unavailable) != 1 || req.Unavailable[0] != domain.SourceCalendar {
		t.Errorf("Unavailable = %v, want [calendar]", req.Unavailable)
	}
	if !strings.Contains(req.Prompt, "UNAVAILABLE: the calendar source") {
		t.Errorf("prompt should mark the calendar as unavailable:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, `"reason": "timeout"`) {
		t.Error("context header should carry the unavailability reason")
	}
}

func TestFlightHandler_LegFindings(t *testing.T) {
	intent := `{
		"outbound": {
			"departure_date": "2026-05-02", "departure_time": "05:40", "arrival_time": "01:10",
			"departure_airport": "STN London Stansted", "arrival_airport": "ATH Athens",
			"self_transfer": true
		},
		"selected_price": {"amount": 99}
	}`
	h := NewFlightHandler(&fakeCalendar{}, &fakeBookings{}, DefaultFlightConfig(), WithClock(fixedClock))
	env := flightEnvelope(intent)

	req, err := h.BuildAuditRequest(env, bundleFor(t, h, env))
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	kinds := findingKinds(req)
	for _, want := range []string{"self_transfer", "early_departure", "late_arrival"} {
		if kinds[want] != 1 {
			t.Errorf("%s findings = %d, want 1", want, kinds[want])
		}
	}
}

func TestFlightHandler_MalformedIntent(t *testing.T) {
	tests := []struct {
		name   string
		intent string
	}{
		{"not json", `flight please`},
		{"missing outbound", `{"selected_price": {"amount": 10}}`},
		{"bad date", `{"outbound": {"departure_date": "next tuesday"}}`},
	}

	h := NewFlightHandler(&fakeCalendar{}, &fakeBookings{}, DefaultFlightConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ValidateIntent(json.RawMessage(tt.intent))
			if !domain.IsKind(err, domain.ErrorKindMalformedIntent) {
				t.Errorf("ValidateIntent() error = %v, want malformed_intent", err)
			}
		})
	}
}

func TestFlightHandler_PriceHourAndSummary(t *testing.T) {
	h := NewFlightHandler(&fakeCalendar{}, &fakeBookings{}, DefaultFlightConfig())
	env := flightEnvelope(flightIntentJSON)

	if got := h.ExtractPrice(env); got != 189.50 {
		t.Errorf("ExtractPrice() = %v, want 189.50", got)
	}
	if hour, ok := h.ExtractHour(env); !ok || hour != 14 {
		t.Errorf("ExtractHour() = %d, %v, want 14, true", hour, ok)
	}
	if _, ok := h.ExtractHour(flightEnvelope(`{"outbound": {"departure_date": "2026-04-25"}}`)); ok {
		t.Error("ExtractHour() should report no hour without a departure time")
	}

	sum := h.Summarize(env)
	if sum.IntentType != "flight_booking" {
		t.Errorf("IntentType = %q", sum.IntentType)
	}
	if want := "Flight LHR London Heathrow → BCN Barcelona on 2026-04-25"; sum.Title != want {
		t.Errorf("Title = %q, want %q", sum.Title, want)
	}
	if len(sum.Categories) != 1 || sum.Categories[0] != domain.CategoryTravel {
		t.Errorf("Categories = %v, want [travel]", sum.Categories)
	}
}

func TestFlightHandler_StoreWritesOneRowPerLeg(t *testing.T) {
	bookings := &fakeBookings{}
	h := NewFlightHandler(&fakeCalendar{}, bookings, DefaultFlightConfig(), WithClock(fixedClock))

	ids, err := h.Store(context.Background(), flightEnvelope(flightIntentJSON), domain.Economics{})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if len(ids) != 2 || len(bookings.saved) != 2 {
		t.Fatalf("stored %d ids / %d rows, want 2", len(ids), len(bookings.saved))
	}
	out, ret := bookings.saved[0], bookings.saved[1]
	if out.TripID == "" || out.TripID != ret.TripID {
		t.Errorf("legs should share a trip id: %q vs %q", out.TripID, ret.TripID)
	}
	if out.Leg != "outbound" || ret.Leg != "return" {
		t.Errorf("legs = %q, %q", out.Leg, ret.Leg)
	}
	if out.Destination != "Barcelona" || out.PriceAmount != 189.50 {
		t.Errorf("outbound row = %+v", out)
	}
}

func purchase(id, name, category string, price float64, daysAgo int) domain.Purchase {
	return domain.Purchase{
		ID:          id,
		ItemName:    name,
		Category:    category,
		Price:       price,
		Currency:    "GBP",
		Quantity:    1,
		PurchasedAt: testNow.AddDate(0, 0, -daysAgo).Add(-3 * time.Hour),
	}
}

const cartJSON = `{
	"items": [
		{"name": "Sony WH-1000XM5 Wireless Headphones", "category": "Electronics", "price": 279.00, "quantity": 1}
	]
}`

func shoppingEnvelope(intent string) *domain.IntentEnvelope {
	return &domain.IntentEnvelope{UserID: "user-1", Domain: "amazon.co.uk", Intent: json.RawMessage(intent)}
}

func TestShoppingHandler_DuplicatePurchase(t *testing.T) {
	repo := &fakePurchases{history: []domain.Purchase{
		purchase("p-1", "Sony WH-1000XM4 Wireless Headphones", "Electronics", 249.99, 10),
		purchase("p-2", "Garden hose", "Garden", 19.99, 5),
	}}
	h := NewShoppingHandler(repo, DefaultShoppingConfig(), WithClock(fixedClock))
	env := shoppingEnvelope(cartJSON)

	req, err := h.BuildAuditRequest(env, bundleFor(t, h, env))
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}

	kinds := findingKinds(req)
	if kinds["duplicate_purchase"] != 1 {
		t.Fatalf("duplicate_purchase findings = %d, want 1: %+v", kinds["duplicate_purchase"], req.Findings)
	}
	if !strings.Contains(req.Findings[0].Description, "10 days ago") {
		t.Errorf("description = %q", req.Findings[0].Description)
	}
	if kinds["impulse_buying"] != 0 || kinds["budget_concern"] != 0 {
		t.Errorf("unexpected findings: %+v", req.Findings)
	}
	if got := h.ExtractPrice(env); got != 279.00 {
		t.Errorf("ExtractPrice() = %v, want 279.00", got)
	}
	if want := testNow.AddDate(0, 0, -365).Truncate(24 * time.Hour); !repo.gotSince.Equal(want) {
		t.Errorf("lookback = %v, want %v", repo.gotSince, want)
	}
	if !strings.Contains(req.Prompt, "Total spent in last 30 days: 269.98") {
		t.Errorf("prompt missing 30-day spending:\n%s", req.Prompt)
	}
}

func TestShoppingHandler_MailboxReceiptIsDuplicate(t *testing.T) {
	repo := &fakePurchases{history: []domain.Purchase{
		purchase("p-2", "Garden hose", "Garden", 19.99, 5),
	}}
	receipt := purchase("email-m-1", "Sony WH-1000XM4 Wireless Headphones", "", 249.99, 10)
	receipt.Domain = "Amazon.co.uk"
	receipt.Source, receipt.SourceRef = domain.SourceEmail, "m-1"
	mail := &fakeEmail{connected: true, receipts: []domain.Purchase{receipt, receipt}}
	h := NewShoppingHandler(repo, DefaultShoppingConfig(), WithClock(fixedClock), WithEmail(mail))
	env := shoppingEnvelope(cartJSON)

	bundle := bundleFor(t, h, env)
	recs, ok := domain.Records[domain.Purchase](bundle, domain.SourcePurchases)
	if !ok {
		t.Fatal("purchases source should be available")
	}
	if len(recs) != 2 {
		t.Errorf("merged purchases = %d, want 2", len(recs))
	}
	if !mail.gotSince.Equal(repo.gotSince) {
		t.Errorf("mailbox lookback = %v, want %v", mail.gotSince, repo.gotSince)
	}

	req, err := h.BuildAuditRequest(env, bundle)
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	if kinds := findingKinds(req); kinds["duplicate_purchase"] != 1 {
		t.Errorf("duplicate_purchase findings = %d, want 1: %+v", kinds["duplicate_purchase"], req.Findings)
	}
}

func TestShoppingHandler_MailboxFailureKeepsHistory(t *testing.T) {
	repo := &fakePurchases{history: []domain.Purchase{purchase("p-2", "Garden hose", "Garden", 19.99, 5)}}
	mail := &fakeEmail{connected: true, err: errors.New("gmail error (status 500)")}
	h := NewShoppingHandler(repo, DefaultShoppingConfig(), WithClock(fixedClock), WithEmail(mail))

	got, err := h.FetchContext(context.Background(), domain.SourcePurchases, shoppingEnvelope(cartJSON))
	if err != nil {
		t.Fatalf("FetchContext() error = %v", err)
	}
	if recs := got.([]domain.Purchase); len(recs) != 1 {
		t.Errorf("purchases = %d, want 1", len(recs))
	}
}

func TestShoppingHandler_ImpulseAndBudget(t *testing.T) {
	repo := &fakePurchases{history: []domain.Purchase{
		purchase("p-1", "USB-C Hub", "Electronics", 34.99, 2),
		purchase("p-2", "Mechanical Keyboard", "Electronics", 120.00, 8),
		purchase("p-3", "Webcam", "Electronics", 60.00, 20),
		purchase("p-4", "Monitor Arm", "Electronics", 45.00, 45),
	}}
	cfg := DefaultShoppingConfig()
	cfg.MonthlyBudget = 300
	h := NewShoppingHandler(repo, cfg, WithClock(fixedClock))
	env := shoppingEnvelope(cartJSON)

	req, err := h.BuildAuditRequest(env, bundleFor(t, h, env))
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	kinds := findingKinds(req)
	if kinds["impulse_buying"] != 1 {
		t.Errorf("impulse_buying findings = %d, want 1: %+v", kinds["impulse_buying"], req.Findings)
	}
	if kinds["budget_concern"] != 1 {
		t.Errorf("budget_concern findings = %d, want 1: %+v", kinds["budget_concern"], req.Findings)
	}
}

func TestShoppingHandler_LateNightIsContextOnly(t *testing.T) {
	late := func() time.Time { return time.Date(2026, 4, 20, 23, 45, 0, 0, time.UTC) }
	h := NewShoppingHandler(&fakePurchases{}, DefaultShoppingConfig(), WithClock(late))
	env := shoppingEnvelope(cartJSON)

	req, err := h.BuildAuditRequest(env, bundleFor(t, h, env))
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	if len(req.Findings) != 0 {
		t.Errorf("findings = %+v, want none from the clock", req.Findings)
	}
	if !strings.Contains(req.Prompt, "Current time: 23:45") {
		t.Errorf("prompt missing current time:\n%s", req.Prompt)
	}
}

func TestShoppingHandler_ExtractPrice(t *testing.T) {
	tests := []struct {
		name   string
		intent string
		want   float64
	}{
		{"cart total wins", `{"items":[{"name":"Mug","price":5,"quantity":2}],"cart_total":{"amount":"£12.00"}}`, 12},
		{"sum of items", `{"items":[{"name":"Mug","price":5,"quantity":2},{"name":"Tea","price":"3.50"}]}`, 13.5},
		{"invalid json", `nope`, 0},
	}

	h := NewShoppingHandler(&fakePurchases{}, DefaultShoppingConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.ExtractPrice(shoppingEnvelope(tt.intent)); got != tt.want {
				t.Errorf("ExtractPrice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShoppingHandler_ValidateAndSummarize(t *testing.T) {
	h := NewShoppingHandler(&fakePurchases{}, DefaultShoppingConfig())

	if err := h.ValidateIntent(json.RawMessage(`{"items":[{"name":"  "}]}`)); !domain.IsKind(err, domain.ErrorKindMalformedIntent) {
		t.Errorf("ValidateIntent() error = %v, want malformed_intent", err)
	}

	sum := h.Summarize(shoppingEnvelope(`{"items":[{"name":"<b>Kettle</b>"},{"name":"Toaster"},{"name":"Mugs"}]}`))
	if sum.Title != "Kettle + 2 more" || sum.IntentType != "purchase" {
		t.Errorf("Summarize() = %+v", sum)
	}
	sum = h.Summarize(shoppingEnvelope(`{"items":[{"name":"USB-C charger","category":"Electronics"},{"name":"Rain jacket"},{"name":"Phone case","category":"Electronics"}]}`))
	if want := []string{domain.CategoryElectronics, domain.CategoryClothing}; !slices.Equal(sum.Categories, want) {
		t.Errorf("Categories = %v, want %v", sum.Categories, want)
	}
	if _, ok := h.ExtractHour(shoppingEnvelope(cartJSON)); ok {
		t.Error("shopping intents carry no hour")
	}
}

func TestShoppingHandler_StoreWritesOneRowPerItem(t *testing.T) {
	repo := &fakePurchases{}
	h := NewShoppingHandler(repo, DefaultShoppingConfig(), WithClock(fixedClock))
	env := shoppingEnvelope(`{"items":[{"name":"Kettle","price":30,"quantity":1},{"name":"Mugs","price":4,"quantity":4}],"cart_total":{"amount":46,"currency":"EUR"}}`)

	ids, err := h.Store(context.Background(), env, domain.Economics{})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if len(ids) != 2 || len(repo.saved) != 2 {
		t.Fatalf("stored %d ids / %d rows, want 2", len(ids), len(repo.saved))
	}
	if repo.saved[1].Quantity != 4 || repo.saved[1].Currency != "EUR" || repo.saved[1].Domain != "amazon.co.uk" {
		t.Errorf("row = %+v", repo.saved[1])
	}
}

func TestFallbackHandler(t *testing.T) {
	h := NewFallbackHandler(nil, 0)

	prices := []struct {
		intent string
		want   float64
	}{
		{`{"amount": 10, "price": 20}`, 10},
		{`{"price": "£7.25"}`, 7.25},
		{`{"product": {"name": "Lamp", "price": 42}, "shipping": {"total": 5}}`, 42},
		{`{"note": "hello"}`, 0},
		{`[1, 2, 3]`, 0},
	}
	for _, tt := range prices {
		env := &domain.IntentEnvelope{Domain: "example.org", Intent: json.RawMessage(tt.intent)}
		if got := h.ExtractPrice(env); got != tt.want {
			t.Errorf("ExtractPrice(%s) = %v, want %v", tt.intent, got, tt.want)
		}
	}

	env := &domain.IntentEnvelope{Domain: "tickets.example.org", Intent: json.RawMessage(`{"type": "ticket_purchase"}`)}
	if sum := h.Summarize(env); sum.Title != "ticket_purchase on tickets.example.org" {
		t.Errorf("Summarize() = %+v", sum)
	}
	env = &domain.IntentEnvelope{Domain: "example.org", Intent: json.RawMessage(`"just a string"`)}
	if sum := h.Summarize(env); sum.Title != "Action on example.org" {
		t.Errorf("Summarize() = %+v", sum)
	}

	if len(h.ContextRequirements(env.Intent)) != 0 {
		t.Error("fallback without a purchase repository needs no context")
	}
	req, err := h.BuildAuditRequest(env, domain.NewContextBundle(nil, nil))
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	if len(req.Findings) != 0 || req.Handler != FallbackHandlerName {
		t.Errorf("request = %+v", req)
	}

	ids, err := h.Store(context.Background(), env, domain.Economics{})
	if err != nil || len(ids) != 0 {
		t.Errorf("Store() = %v, %v, want no records", ids, err)
	}
}

func TestFallbackHandler_DuplicateFromHistory(t *testing.T) {
	repo := &fakePurchases{history: []domain.Purchase{
		purchase("p-1", "Anglepoise Desk Lamp", "Home", 120, 12),
	}}
	h := NewFallbackHandler(repo, 90, WithClock(fixedClock))
	env := &domain.IntentEnvelope{UserID: "user-1", Domain: "lamps.example", Intent: json.RawMessage(`{"name": "Anglepoise Desk Lamp Mini", "price": 95}`)}

	req, err := h.BuildAuditRequest(env, bundleFor(t, h, env))
	if err != nil {
		t.Fatalf("BuildAuditRequest() error = %v", err)
	}
	if findingKinds(req)["duplicate_purchase"] != 1 {
		t.Errorf("expected duplicate_purchase finding, got %+v", req.Findings)
	}
}

func TestDefaultMessage(t *testing.T) {
	tests := []struct {
		risks []string
		want  string
	}{
		{nil, "Careful:"},
		{[]string{"a"}, "Careful: a"},
		{[]string{"a", "b"}, "Careful: a (plus 1 other concern)"},
		{[]string{"a", "b", "c"}, "Careful: a (plus 2 other concerns)"},
	}
	for _, tt := range tests {
		if got := defaultMessage("Careful:", tt.risks); got != tt.want {
			t.Errorf("defaultMessage(%v) = %q, want %q", tt.risks, got, tt.want)
		}
	}
}

func TestSimilarNames(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Sony WH-1000XM5 Headphones", "Sony WH-1000XM4 Headphones", true},
		{"Kindle", "Kindle Paperwhite", true},
		{"USB-C Hub", "USB-C Cable", false},
		{"Garden hose", "Sony Headphones", false},
		{"", "anything", false},
	}
	for _, tt := range tests {
		if got := similarNames(tt.a, tt.b); got != tt.want {
			t.Errorf("similarNames(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		texts []string
		want  string
	}{
		{[]string{"Electronics", "Wireless Mouse"}, domain.CategoryElectronics},
		{[]string{"", "Noise-cancelling headphones"}, domain.CategoryElectronics},
		{[]string{"Grocery", "Oat milk"}, domain.CategoryGroceries},
		{[]string{"Fashion", "Linen shirt"}, domain.CategoryClothing},
		{[]string{"hotel_booking", "booking.com"}, domain.CategoryTravel},
		{[]string{"concert_ticket", "tickets.example.org"}, domain.CategoryOther},
		{[]string{"Garden", "Garden hose"}, domain.CategoryOther},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.texts, "/"), func(t *testing.T) {
			if got := categorize(tt.texts...); got != tt.want {
				t.Errorf("categorize(%q) = %q, want %q", tt.texts, got, tt.want)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in         string
		hour, min  int
		wantParsed bool
	}{
		{"14:15", 14, 15, true},
		{"07:05:30", 7, 5, true},
		{"2:15 PM", 14, 15, true},
		{"9", 9, 0, true},
		{"", 0, 0, false},
		{"noon", 0, 0, false},
	}
	for _, tt := range tests {
		h, m, ok := parseClock(tt.in)
		if ok != tt.wantParsed || h != tt.hour || m != tt.min {
			t.Errorf("parseClock(%q) = %d, %d, %v", tt.in, h, m, ok)
		}
	}
}
