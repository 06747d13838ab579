package email

import (
	"html"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

const defaultCurrency = "GBP"

var (
	moneyPattern   = regexp.MustCompile(`(£|€|\$|\b(?:GBP|USD|EUR)\s?)(\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+(?:\.\d{1,2})?)|\b(\d+(?:\.\d{1,2})?)\s?(GBP|USD|EUR)\b`)
	quotedPattern  = regexp.MustCompile(`["“]([^"”]{2,120})["”]`)
	flightNumber   = regexp.MustCompile(`\b([A-Z]{2}|[A-Z][0-9]|[0-9][A-Z])\s?([0-9]{1,4})\b`)
	routePattern   = regexp.MustCompile(`\b([A-Z]{3})\s*(?:-|–|→|->|to)\s*([A-Z]{3})\b`)
	isoDate        = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	textDate       = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{4})\b`)
	bookingPattern = regexp.MustCompile(`(?i:booking|confirmation|reservation)(?:\s+(?i:reference|ref|code|number))?\s*[:#]?\s*([A-Z0-9]{6})\b`)
)

var currencySymbols = map[string]string{"£": "GBP", "€": "EUR", "$": "USD"}

// amount is one price found in message text.
type amount struct {
	value    float64
	currency string
}

// largestAmount returns the biggest price in text, which on a receipt is
// the order total.
func largestAmount(text string) (amount, bool) {
	var best amount
	found := false
	for _, m := range moneyPattern.FindAllStringSubmatch(text, -1) {
		a := amount{}
		if m[2] != "" {
			a.value = domain.ParseAmount(m[2])
			sym := strings.TrimSpace(m[1])
			if code, ok := currencySymbols[sym]; ok {
				a.currency = code
			} else {
				a.currency = strings.ToUpper(sym)
			}
		} else {
			a.value = domain.ParseAmount(m[3])
			a.currency = strings.ToUpper(m[4])
		}
		if a.value <= 0 {
			continue
		}
		if !found || a.value > best.value {
			best, found = a, true
		}
	}
	return best, found
}

// sender returns the display name of a From header, or the domain of its
// address when there is no name.
func sender(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return strings.TrimSpace(from)
	}
	if name := strings.TrimSpace(addr.Name); name != "" {
		return name
	}
	if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
		return strings.TrimPrefix(addr.Address[at+1:], "mail.")
	}
	return addr.Address
}

func sentAt(m *message) (time.Time, bool) {
	t, err := mail.ParseDate(m.header("Date"))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func messageText(m *message) string {
	return strings.TrimSpace(m.header("Subject") + " " + html.UnescapeString(m.Snippet))
}

func recordID(m *message) string {
	return "email-" + m.ID
}

// extractReceipt turns a receipt message into a purchase. Messages without
// a price or a date are not receipts.
func extractReceipt(userID string, m *message) (domain.Purchase, bool) {
	text := messageText(m)
	price, ok := largestAmount(text)
	if !ok {
		return domain.Purchase{}, false
	}
	at, ok := sentAt(m)
	if !ok {
		return domain.Purchase{}, false
	}

	item := "Order"
	if q := quotedPattern.FindStringSubmatch(text); q != nil {
		item = strings.TrimSpace(q[1])
	}
	return domain.Purchase{
		ID:          recordID(m),
		UserID:      userID,
		ItemName:    item,
		Price:       price.value,
		Currency:    price.currency,
		Quantity:    1,
		Domain:      sender(m.header("From")),
		PurchasedAt: at,
		Source:      domain.SourceEmail,
		SourceRef:   m.ID,
	}, true
}

// extractFlight turns a booking confirmation into a flight leg. A message
// needs a route or a flight number to count as a booking.
func extractFlight(userID string, m *message) (domain.FlightBooking, bool) {
	text := messageText(m)
	route := routePattern.FindStringSubmatch(text)
	number := flightNumber.FindStringSubmatch(text)
	if route == nil && number == nil {
		return domain.FlightBooking{}, false
	}

	b := domain.FlightBooking{
		ID:            recordID(m),
		UserID:        userID,
		Leg:           "outbound",
		Airline:       sender(m.header("From")),
		PriceCurrency: defaultCurrency,
		Source:        domain.SourceEmail,
		SourceRef:     m.ID,
	}
	if route != nil {
		b.DepartureAirport, b.ArrivalAirport, b.Destination = route[1], route[2], route[2]
	}
	if number != nil {
		b.FlightNumber = number[1] + " " + number[2]
	}
	if d, ok := departureDate(text); ok {
		b.DepartureDate = d
	}
	if price, ok := largestAmount(text); ok {
		b.PriceAmount, b.PriceCurrency = price.value, price.currency
	}
	if ref := bookingPattern.FindStringSubmatch(text); ref != nil {
		b.BookingRef = ref[1]
	}
	if at, ok := sentAt(m); ok {
		b.BookedAt = at
	}
	return b, true
}

func departureDate(text string) (time.Time, bool) {
	if m := isoDate.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]); err == nil {
			return t, true
		}
	}
	if m := textDate.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse("2 Jan 2006", m[1]+" "+strings.ToUpper(m[2][:1])+strings.ToLower(m[2][1:])+" "+m[3]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
