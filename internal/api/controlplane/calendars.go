package controlplane

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/intentguard/internal/api/respond"
	"github.com/tjfontaine/intentguard/internal/core/domain"
)

type AddCalendarRequest struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	ICalURL string `json:"ical_url"`
}

type CalendarListResponse struct {
	Calendars []domain.CalendarFeed `json:"calendars"`
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	feeds, err := s.store.CalendarFeeds(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if feeds == nil {
		feeds = []domain.CalendarFeed{}
	}
	respond.JSON(w, http.StatusOK, CalendarListResponse{Calendars: feeds})
}

func (s *Server) handleAddCalendar(w http.ResponseWriter, r *http.Request) {
	var req AddCalendarRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.UserID == "" {
		fail(w, r, domain.InvalidRequest("user_id is required"))
		return
	}
	feedURL, err := normalizeFeedURL(req.ICalURL)
	if err != nil {
		fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Calendar"
	}

	feed := &domain.CalendarFeed{UserID: req.UserID, Name: name, URL: feedURL}
	if err := s.store.AddCalendarFeed(r.Context(), feed); err != nil {
		fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, feed)
}

func (s *Server) handleDeleteCalendar(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := s.store.DeleteCalendarFeed(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// normalizeFeedURL accepts http, https and webcal URLs. webcal is the
// subscription scheme calendar apps hand out and is fetched over https.
func normalizeFeedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", domain.InvalidRequest("ical_url must be an absolute URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "webcal":
		u.Scheme = "https"
	default:
		return "", domain.InvalidRequest("ical_url must use http, https or webcal")
	}
	return u.String(), nil
}
