package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/intentguard/internal/cache"
	"github.com/tjfontaine/intentguard/internal/core/domain"
)

type fakeMessage struct {
	subject, from, date, snippet string
}

var inbox = map[string]fakeMessage{
	"m-receipt": {
		subject: `Your Amazon.co.uk order of "Sony WH-1000XM5 Headphones"`,
		from:    `"Amazon.co.uk" <auto-confirm@amazon.co.uk>`,
		date:    "Mon, 13 Apr 2026 10:12:00 +0100",
		snippet: "Order total: £279.00. Item subtotal £279.00, delivery £0.00",
	},
	"m-newsletter": {
		subject: "Your weekly order of deals",
		from:    "deals@shop.example",
		date:    "Tue, 14 Apr 2026 08:00:00 +0000",
		snippet: "Great offers inside, don&#39;t miss out",
	},
	"m-flight": {
		subject: "Booking confirmation: BA 478 LHR to BCN",
		from:    "British Airways <ba@email.ba.com>",
		date:    "Fri, 10 Apr 2026 09:30:00 +0000",
		snippet: "Booking reference: X7K2QP. Departs 25 Apr 2026 07:10. Total paid GBP 189.50",
	},
	"m-deal": {
		subject: "Flight deals this weekend",
		from:    "offers@travel.example",
		date:    "Sat, 11 Apr 2026 09:30:00 +0000",
		snippet: "Cheap flights to sunny places",
	},
}

func gmailServer(t *testing.T, searches, gets *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, `{"error":{"code":401}}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/users/me/messages":
			searches.Add(1)
			q := r.URL.Query().Get("q")
			var ids []map[string]string
			switch {
			case strings.Contains(q, "receipt"):
				ids = []map[string]string{{"id": "m-receipt"}, {"id": "m-newsletter"}, {"id": "m-missing"}}
			case strings.Contains(q, "itinerary"):
				ids = []map[string]string{{"id": "m-flight"}, {"id": "m-deal"}}
			}
			json.NewEncoder(w).Encode(map[string]any{"messages": ids})
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/"):
			gets.Add(1)
			id := strings.TrimPrefix(r.URL.Path, "/users/me/messages/")
			m, ok := inbox[id]
			if !ok {
				http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id":      id,
				"snippet": m.snippet,
				"payload": map[string]any{"headers": []map[string]string{
					{"name": "Subject", "value": m.subject},
					{"name": "From", "value": m.from},
					{"name": "Date", "value": m.date},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Receipts(t *testing.T) {
	var searches, gets atomic.Int32
	srv := gmailServer(t, &searches, &gets)
	c := NewClient(map[string]string{"user-1": "tok-1"}, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	got, err := c.Receipts(context.Background(), "user-1", time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Receipts() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Receipts() = %+v, want one receipt", got)
	}
	p := got[0]
	if p.ItemName != "Sony WH-1000XM5 Headphones" || p.Price != 279 || p.Currency != "GBP" {
		t.Errorf("receipt = %+v", p)
	}
	if p.Domain != "Amazon.co.uk" || p.UserID != "user-1" {
		t.Errorf("receipt merchant/user = %q/%q", p.Domain, p.UserID)
	}
	if p.Source != domain.SourceEmail || p.SourceRef != "m-receipt" || p.ID != "email-m-receipt" {
		t.Errorf("provenance = %q/%q/%q", p.Source, p.SourceRef, p.ID)
	}
	if want := time.Date(2026, 4, 13, 9, 12, 0, 0, time.UTC); !p.PurchasedAt.Equal(want) {
		t.Errorf("purchased at = %v, want %v", p.PurchasedAt, want)
	}
	if searches.Load() != 1 || gets.Load() != 3 {
		t.Errorf("searches/gets = %d/%d, want 1/3", searches.Load(), gets.Load())
	}
}

func TestClient_Flights(t *testing.T) {
	var searches, gets atomic.Int32
	srv := gmailServer(t, &searches, &gets)
	c := NewClient(map[string]string{"user-1": "tok-1"}, WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))

	got, err := c.Flights(context.Background(), "user-1", time.Time{})
	if err != nil {
		t.Fatalf("Flights() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Flights() = %+v, want one booking", got)
	}
	b := got[0]
	if b.FlightNumber != "BA 478" || b.DepartureAirport != "LHR" || b.ArrivalAirport != "BCN" || b.Destination != "BCN" {
		t.Errorf("flight = %+v", b)
	}
	if want := time.Date(2026, 4, 25, 0, 0, 0, 0, time.UTC); !b.DepartureDate.Equal(want) {
		t.Errorf("departure date = %v, want %v", b.DepartureDate, want)
	}
	if b.PriceAmount != 189.5 || b.PriceCurrency != "GBP" || b.BookingRef != "X7K2QP" {
		t.Errorf("price/ref = %v %s %s", b.PriceAmount, b.PriceCurrency, b.BookingRef)
	}
	if b.Airline != "British Airways" || b.Source != domain.SourceEmail || b.SourceRef != "m-flight" {
		t.Errorf("airline/provenance = %q %q %q", b.Airline, b.Source, b.SourceRef)
	}
}

func TestClient_UnconnectedUserReadsNothing(t *testing.T) {
	var searches, gets atomic.Int32
	srv := gmailServer(t, &searches, &gets)
	c := NewClient(map[string]string{"user-1": "tok-1", "user-2": "  "}, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	if c.Connected("user-2") || c.Connected("nobody") || !c.Connected("user-1") {
		t.Error("Connected() should only be true for users with a token")
	}
	got, err := c.Receipts(context.Background(), "nobody", time.Time{})
	if err != nil || got != nil {
		t.Errorf("Receipts(nobody) = %v, %v; want nil, nil", got, err)
	}
	if searches.Load() != 0 {
		t.Errorf("searches = %d, want 0", searches.Load())
	}
}

func TestClient_SearchFailureIsAnError(t *testing.T) {
	var searches, gets atomic.Int32
	srv := gmailServer(t, &searches, &gets)
	c := NewClient(map[string]string{"user-1": "expired"}, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	_, err := c.Flights(context.Background(), "user-1", time.Time{})
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("Flights() error = %v, want a 401", err)
	}
}

func TestClient_CachesMessages(t *testing.T) {
	var searches, gets atomic.Int32
	srv := gmailServer(t, &searches, &gets)
	mc, err := cache.New(1 << 20)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(mc.Close)
	c := NewClient(map[string]string{"user-1": "tok-1"},
		WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithCache(mc, time.Minute))

	for i := 0; i < 2; i++ {
		if _, err := c.Flights(context.Background(), "user-1", time.Time{}); err != nil {
			t.Fatalf("Flights() error = %v", err)
		}
	}
	if searches.Load() != 2 || gets.Load() != 2 {
		t.Errorf("searches/gets = %d/%d, want 2/2", searches.Load(), gets.Load())
	}
}

func TestLargestAmount(t *testing.T) {
	tests := []struct {
		text     string
		want     float64
		currency string
		ok       bool
	}{
		{"Total £1,299.00 incl. VAT £216.50", 1299, "GBP", true},
		{"You paid $45", 45, "USD", true},
		{"Amount: 89.90 EUR", 89.9, "EUR", true},
		{"USD 12.5 charged", 12.5, "USD", true},
		{"No price here", 0, "", false},
		{"£0.00 due", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := largestAmount(tt.text)
			if ok != tt.ok || got.value != tt.want || got.currency != tt.currency {
				t.Errorf("largestAmount(%q) = %+v, %v; want %v %s %v", tt.text, got, ok, tt.want, tt.currency, tt.ok)
			}
		})
	}
}

func TestSender(t *testing.T) {
	tests := []struct{ from, want string }{
		{`"Amazon.co.uk" <auto-confirm@amazon.co.uk>`, "Amazon.co.uk"},
		{"noreply@mail.easyjet.com", "easyjet.com"},
		{"not an address", "not an address"},
	}
	for _, tt := range tests {
		if got := sender(tt.from); got != tt.want {
			t.Errorf("sender(%q) = %q, want %q", tt.from, got, tt.want)
		}
	}
}

func TestDepartureDate(t *testing.T) {
	tests := []struct {
		text string
		want time.Time
		ok   bool
	}{
		{"Departs 2026-05-02 at 09:00", time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), true},
		{"Your trip on 3rd June 2026", time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC), true},
		{"Flying 14 SEP 2026", time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC), true},
		{"See you soon", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := departureDate(tt.text)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("departureDate(%q) = %v, %v; want %v, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}
