package controlplane

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/intentguard/internal/api/respond"
	"github.com/tjfontaine/intentguard/internal/core/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type InterventionListResponse struct {
	Interventions []*domain.InteractionRecord `json:"interventions"`
	Count         int                         `json:"count"`
	Limit         int                         `json:"limit"`
	Offset        int                         `json:"offset"`
}

type FeedbackRequest struct {
	Feedback domain.Feedback `json:"feedback"`
	UserID   string          `json:"user_id,omitempty"`
}

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		fail(w, r, err)
		return
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		fail(w, r, err)
		return
	}

	records, err := s.store.ListInteractions(r.Context(), domain.InteractionListOptions{
		UserID: userID,
		Domain: r.URL.Query().Get("domain"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.InteractionRecord{}
	}

	respond.JSON(w, http.StatusOK, InterventionListResponse{
		Interventions: records,
		Count:         len(records),
		Limit:         limit,
		Offset:        offset,
	})
}

func (s *Server) handleInterventionStats(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	stats, err := s.store.InteractionStats(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

func (s *Server) handleInterventionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetInteraction(r.Context(), r.URL.Query().Get("user_id"), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, rec)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if !req.Feedback.Valid() {
		fail(w, r, domain.InvalidRequest(`feedback must be "positive" or "negative"`))
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}

	if err := s.store.UpdateFeedback(r.Context(), userID, chi.URLParam(r, "id"), req.Feedback); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
