package controlplane

import (
	"net/http"
	"time"

	"github.com/tjfontaine/intentguard/internal/api/respond"
	"github.com/tjfontaine/intentguard/internal/core/domain"
)

const (
	defaultReceiptLookbackDays = 90
	defaultFlightLookbackDays  = 180
	maxEmailLookbackDays       = 730
)

// EmailRecordsResponse lists records read from a mailbox.
type EmailRecordsResponse[T any] struct {
	Items  []T    `json:"items"`
	Count  int    `json:"count"`
	Source string `json:"source"`
}

// mailboxRequest reads the user and lookback start for an email listing.
func (s *Server) mailboxRequest(r *http.Request, defDays int) (string, time.Time, error) {
	userID, err := requireUser(r)
	if err != nil {
		return "", time.Time{}, err
	}
	if s.email == nil || !s.email.Connected(userID) {
		return "", time.Time{}, domain.NotFound("email connection for user", userID)
	}
	days, err := intParam(r, "lookback_days", defDays)
	if err != nil {
		return "", time.Time{}, err
	}
	if days > maxEmailLookbackDays {
		return "", time.Time{}, domain.InvalidRequest("lookback_days must be at most 730")
	}
	return userID, s.now().AddDate(0, 0, -days), nil
}

func (s *Server) handleEmailReceipts(w http.ResponseWriter, r *http.Request) {
	userID, since, err := s.mailboxRequest(r, defaultReceiptLookbackDays)
	if err != nil {
		fail(w, r, err)
		return
	}
	items, err := s.email.Receipts(r.Context(), userID, since)
	if err != nil {
		fail(w, r, domain.FetchUnavailable(domain.SourceName(domain.SourceEmail), err))
		return
	}
	writeEmailRecords(w, items)
}

func (s *Server) handleEmailFlights(w http.ResponseWriter, r *http.Request) {
	userID, since, err := s.mailboxRequest(r, defaultFlightLookbackDays)
	if err != nil {
		fail(w, r, err)
		return
	}
	items, err := s.email.Flights(r.Context(), userID, since)
	if err != nil {
		fail(w, r, domain.FetchUnavailable(domain.SourceName(domain.SourceEmail), err))
		return
	}
	writeEmailRecords(w, items)
}

func writeEmailRecords[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	respond.JSON(w, http.StatusOK, EmailRecordsResponse[T]{Items: items, Count: len(items), Source: domain.SourceEmail})
}
