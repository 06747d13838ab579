// Package calendar reads users' calendars: iCal subscriptions fetched over
// HTTP and events held in storage, merged behind ports.CalendarRepository.
package calendar

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

// defaultEventLength is used for timed events without DTEND.
const defaultEventLength = time.Hour

// ParseEvents parses an iCal body into events tagged with the feed name.
// Events without a usable DTSTART are skipped.
func ParseEvents(r io.Reader, userID, feedName string) ([]domain.CalendarEvent, error) {
	cal, err := ics.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse ical: %w", err)
	}

	var out []domain.CalendarEvent
	for _, ev := range cal.Events() {
		e, err := convert(ev)
		if err != nil {
			continue
		}
		e.UserID = userID
		e.Source = feedName
		out = append(out, e)
	}
	return out, nil
}

func convert(ev *ics.VEvent) (domain.CalendarEvent, error) {
	start := ev.GetProperty(ics.ComponentPropertyDtStart)
	if start == nil {
		return domain.CalendarEvent{}, errors.New("event has no DTSTART")
	}

	e := domain.CalendarEvent{ID: ev.Id()}
	if s := ev.GetProperty(ics.ComponentPropertySummary); s != nil {
		e.Summary = oneLine(s.Value)
	}

	if isDateOnly(start) {
		s, err := ev.GetAllDayStartAt()
		if err != nil {
			return domain.CalendarEvent{}, err
		}
		e.AllDay = true
		e.Start = utcDate(s)
		e.End = e.Start.AddDate(0, 0, 1)
		if end, err := ev.GetAllDayEndAt(); err == nil && utcDate(end).After(e.Start) {
			e.End = utcDate(end)
		}
		return e, nil
	}

	s, err := ev.GetStartAt()
	if err != nil {
		return domain.CalendarEvent{}, err
	}
	e.Start = s
	e.End = s.Add(defaultEventLength)
	if end, err := ev.GetEndAt(); err == nil && end.After(s) {
		e.End = end
	}
	return e, nil
}

func isDateOnly(p *ics.IANAProperty) bool {
	if v, ok := p.ICalParameters[string(ics.ParameterValue)]; ok && len(v) > 0 && strings.EqualFold(v[0], "DATE") {
		return true
	}
	return len(strings.TrimSpace(p.Value)) == len("20060102")
}

func utcDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// oneLine collapses the line breaks a multi-line SUMMARY may carry.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Overlaps reports whether ev intersects [start, end).
func Overlaps(ev domain.CalendarEvent, start, end time.Time) bool {
	return ev.Start.Before(end) && ev.End.After(start)
}
