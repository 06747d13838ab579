// Package domains implements the per-domain analysis strategies: flight
// bookings, shopping carts, and a fallback for any other website.
//
// Each handler declares which context sources it needs, turns the fetched
// context into rule-based findings plus a prompt for the judgment service,
// and knows how to price and persist its own intents.
package domains

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

const dateLayout = "2006-01-02"

// auditReplyFormat is appended to every audit prompt.
const auditReplyFormat = `Return ONLY raw JSON: {"risks": ["risk description 1", "risk description 2"]}
If there are absolutely NO risks, return: {"risks": []}`

// Option configures a handler.
type Option func(*base)

// WithClock overrides the clock used for lookback windows and hour-of-day.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) { b.logger = logger }
}

// WithEmail merges mailbox receipts and flight confirmations into the
// purchase and booking sources.
func WithEmail(src ports.EmailSource) Option {
	return func(b *base) { b.email = src }
}

// base carries the dependencies shared by every handler.
type base struct {
	now    func() time.Time
	logger *slog.Logger
	email  ports.EmailSource
}

// mailbox returns the email source when userID has one connected.
func (b *base) mailbox(userID string) (ports.EmailSource, bool) {
	if b.email == nil || !b.email.Connected(userID) {
		return nil, false
	}
	return b.email, true
}

// mergeBy concatenates lists, keeping the first record for each key.
func mergeBy[T any](key func(T) string, lists ...[]T) []T {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	seen := make(map[string]struct{}, n)
	out := make([]T, 0, n)
	for _, l := range lists {
		for _, rec := range l {
			k := key(rec)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}

// bookingKey identifies a booking by provenance, then id, then by
// airline, price and date.
func bookingKey(b domain.FlightBooking) string {
	switch {
	case b.Source != "" && b.SourceRef != "":
		return b.Source + ":" + b.SourceRef
	case b.ID != "":
		return "id:" + b.ID
	}
	return fmt.Sprintf("%s|%.2f|%s", strings.ToLower(strings.TrimSpace(b.Airline)), b.PriceAmount, b.DepartureDate.Format(dateLayout))
}

// purchaseKey identifies a purchase by provenance, then id, then by
// merchant or item, price and date.
func purchaseKey(p domain.Purchase) string {
	switch {
	case p.Source != "" && p.SourceRef != "":
		return p.Source + ":" + p.SourceRef
	case p.ID != "":
		return "id:" + p.ID
	}
	name := p.Domain
	if name == "" {
		name = p.ItemName
	}
	return fmt.Sprintf("%s|%.2f|%s", strings.ToLower(strings.TrimSpace(name)), p.Price, p.PurchasedAt.Format(dateLayout))
}

func newBase(opts []Option) base {
	b := base{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// contextEntry is one line of the context header placed at the top of
// every audit prompt.
type contextEntry struct {
	Source    domain.SourceName `json:"source"`
	Available bool              `json:"available"`
	Records   int               `json:"records"`
	Reason    string            `json:"reason,omitempty"`
}

// promptBuilder assembles audit and drafting prompts section by section.
type promptBuilder struct {
	b strings.Builder
}

func (p *promptBuilder) line(format string, args ...any) {
	fmt.Fprintf(&p.b, format, args...)
	p.b.WriteByte('\n')
}

// contextHeader writes the availability of every declared source so the
// model knows which data it was not given.
func (p *promptBuilder) contextHeader(bundle *domain.ContextBundle) {
	entries := make([]contextEntry, 0)
	for _, s := range bundle.Sources() {
		r, _ := bundle.Get(s)
		entries = append(entries, contextEntry{
			Source:    s,
			Available: r.Available,
			Records:   recordCount(r.Records),
			Reason:    r.Reason,
		})
	}
	p.section("Context sources", entries)
}

// section writes a titled JSON block.
func (p *promptBuilder) section(title string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	p.line("**%s:**", title)
	p.b.Write(data)
	p.b.WriteString("\n\n")
}

// unavailable writes a placeholder for a source the handler wanted but
// could not get.
func (p *promptBuilder) unavailable(title string, source domain.SourceName) {
	p.line("**%s:**", title)
	p.line("UNAVAILABLE: the %s source could not be fetched. Do not assume it is empty.", source)
	p.b.WriteByte('\n')
}

// findings writes the rule-based findings the model should confirm and extend.
func (p *promptBuilder) findings(fs []domain.Finding) {
	if len(fs) == 0 {
		return
	}
	p.line("**Risks already detected by deterministic checks (keep them, add any others):**")
	for _, f := range fs {
		p.line("- [%s] %s", f.Kind, f.Description)
	}
	p.b.WriteByte('\n')
}

func (p *promptBuilder) String() string {
	return p.b.String()
}

func recordCount(v any) int {
	switch recs := v.(type) {
	case []domain.CalendarEvent:
		return len(recs)
	case []domain.FlightBooking:
		return len(recs)
	case []domain.Purchase:
		return len(recs)
	default:
		return 0
	}
}

// draftingPrompt renders the shared drafting instructions around a
// handler-specific subject line.
func draftingPrompt(subject string, risks []string, guidance string) string {
	var p promptBuilder
	p.line("Write a single short, empathetic warning for a user who is about to %s.", subject)
	p.line("Address these risks:")
	for _, r := range risks {
		p.line("- %s", r)
	}
	p.b.WriteByte('\n')
	p.line("Start with an appropriate emoji. Keep it under 2 sentences. Be warm and supportive, never patronising.")
	if guidance != "" {
		p.line("%s", guidance)
	}
	return p.String()
}

// defaultMessage is the intervention text used when drafting is unavailable.
func defaultMessage(prefix string, risks []string) string {
	if len(risks) == 0 {
		return prefix
	}
	msg := prefix + " " + risks[0]
	if n := len(risks) - 1; n == 1 {
		msg += " (plus 1 other concern)"
	} else if n > 1 {
		msg += fmt.Sprintf(" (plus %d other concerns)", n)
	}
	return msg
}

// parseClock parses "14:15", "14:15:00" or "2:15 PM" into hours and minutes.
func parseClock(s string) (hour, minute int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false
	}
	for _, layout := range []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "3:04 pm", "3:04pm"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour(), t.Minute(), true
		}
	}
	// Tolerate "14" or "14h".
	if h, err := strconv.Atoi(strings.TrimSuffix(s, "h")); err == nil && h >= 0 && h < 24 {
		return h, 0, true
	}
	return 0, 0, false
}

// parseDate parses an ISO date, also accepting a full timestamp.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return wallClock(t).Truncate(24 * time.Hour), true
	}
	return time.Time{}, false
}

// wallClock reinterprets t's local wall-clock reading as UTC. Intent times
// are local to the traveller and carry no zone, so comparisons happen on
// wall-clock readings. Calendar events must therefore arrive in the zone
// they were created in; the SQL store restores it from the tz column.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	airportCode       = regexp.MustCompile(`^[A-Z]{3,4}$`)
	nonWordPattern    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// categoryStems map word prefixes to interaction categories, checked in order.
var categoryStems = []struct {
	category string
	stems    []string
}{
	{domain.CategoryElectronics, []string{"electronic", "computer", "laptop", "phone", "headphone", "earbud", "camera", "tablet", "television", "console", "charger", "monitor", "keyboard", "speaker", "gadget"}},
	{domain.CategoryGroceries, []string{"grocer", "food", "snack", "beverage", "drink", "coffee", "fruit", "vegetable", "pantry", "supermarket"}},
	{domain.CategoryClothing, []string{"cloth", "apparel", "fashion", "shirt", "dress", "jacket", "coat", "shoe", "trainer", "sneaker", "jean", "trouser", "sock", "boot"}},
	{domain.CategoryTravel, []string{"flight", "hotel", "travel", "airline", "rail", "holiday", "luggage", "suitcase"}},
}

// categorize returns the first category whose stem starts a word of texts,
// or CategoryOther.
func categorize(texts ...string) string {
	var words []string
	for _, t := range texts {
		words = append(words, strings.Fields(nonWordPattern.ReplaceAllString(strings.ToLower(t), " "))...)
	}
	for _, c := range categoryStems {
		for _, stem := range c.stems {
			for _, w := range words {
				if strings.HasPrefix(w, stem) {
					return c.category
				}
			}
		}
	}
	return domain.CategoryOther
}

// stripHTML removes tags and collapses whitespace.
func stripHTML(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// destinationName turns "BCN Barcelona" into "Barcelona". Values without an
// airport-code prefix are returned trimmed.
func destinationName(arrival string) string {
	arrival = stripHTML(arrival)
	parts := strings.SplitN(arrival, " ", 2)
	if len(parts) == 2 && airportCode.MatchString(parts[0]) {
		return strings.TrimSpace(parts[1])
	}
	return arrival
}

// airportLabel prefers the code in "BCN Barcelona", falling back to the full text.
func airportLabel(airport string) string {
	airport = stripHTML(airport)
	parts := strings.SplitN(airport, " ", 2)
	if len(parts) >= 1 && airportCode.MatchString(parts[0]) {
		return parts[0]
	}
	return airport
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "new": {}, "pack": {}, "set": {},
}

// keywords returns up to five distinct lowercase words longer than two
// characters.
func keywords(name string) []string {
	words := nonWordPattern.Split(strings.ToLower(name), -1)
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// similarNames reports whether two product names describe the same or a
// closely related item: at least half of the shorter keyword set appears
// in the other, with a minimum of two shared words unless one name has a
// single keyword.
func similarNames(a, b string) bool {
	ka, kb := keywords(a), keywords(b)
	if len(ka) == 0 || len(kb) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(kb))
	for _, w := range kb {
		set[w] = struct{}{}
	}
	shared := 0
	for _, w := range ka {
		if _, ok := set[w]; ok {
			shared++
		}
	}
	shorter := min(len(ka), len(kb))
	if shorter == 1 {
		return shared == 1
	}
	return shared >= 2 && shared*2 >= shorter
}

// sortedByDate returns purchases ordered newest first.
func sortedByDate(ps []domain.Purchase) []domain.Purchase {
	out := append([]domain.Purchase(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PurchasedAt.After(out[j].PurchasedAt)
	})
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
