// Package controlplane serves the read and feedback side of intentguard:
// health, runtime stats, the interventions history, calendar feed
// subscriptions and a read-only view of connected mailboxes.
package controlplane

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/intentguard/internal/api/respond"
	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
	"github.com/tjfontaine/intentguard/internal/server"
)

// Store is the storage the control plane reads and updates.
type Store interface {
	ports.InteractionRepository
	ports.CalendarFeedStore
}

// Overview describes the running configuration.
type Overview struct {
	Storage          string   `json:"storage"`
	AuditBackend     string   `json:"audit_backend"`
	DraftingBackend  string   `json:"drafting_backend"`
	Domains          []string `json:"domains"`
	FallbackHandler  string   `json:"fallback_handler"`
	CalendarFeeds    bool     `json:"calendar_feeds"`
	EmailMailboxes   int      `json:"email_mailboxes"`
	StoreDomainData  bool     `json:"store_domain_records"`
	RateLimitPerIP   float64  `json:"rate_limit_per_ip"`
	RateLimitBurst   int      `json:"rate_limit_burst"`
	AuditTimeout     string   `json:"audit_timeout"`
	DraftingTimeout  string   `json:"drafting_timeout"`
	SourceTimeout    string   `json:"source_timeout"`
	EconomicsPerMTok float64  `json:"cost_per_million_tokens"`
}

type Server struct {
	router    chi.Router
	startTime time.Time
	store     Store
	overview  Overview
	email     ports.EmailSource
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithEmail serves mailbox receipts and flights from src.
func WithEmail(src ports.EmailSource) Option {
	return func(s *Server) { s.email = src }
}

// WithClock overrides the clock used for lookback windows.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer registers the control plane routes on r.
func NewServer(r chi.Router, store Store, overview Overview, opts ...Option) *Server {
	s := &Server{
		router:    r,
		startTime: time.Now(),
		store:     store,
		overview:  overview,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/overview", s.handleOverview)

	s.router.Get("/api/interventions", s.handleListInterventions)
	s.router.Get("/api/interventions/stats", s.handleInterventionStats)
	s.router.Get("/api/interventions/{id}", s.handleInterventionDetail)
	s.router.Put("/api/interventions/{id}/feedback", s.handleFeedback)

	s.router.Get("/api/calendars", s.handleListCalendars)
	s.router.Post("/api/calendars", s.handleAddCalendar)
	s.router.Delete("/api/calendars/{id}", s.handleDeleteCalendar)

	s.router.Get("/api/email/receipts", s.handleEmailReceipts)
	s.router.Get("/api/email/flights", s.handleEmailFlights)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type StatsResponse struct {
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	respond.JSON(w, http.StatusOK, StatsResponse{
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov := s.overview
	if ov.Domains == nil {
		ov.Domains = []string{}
	}
	respond.JSON(w, http.StatusOK, ov)
}

// fail logs err on the request and writes the error envelope.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	respond.Error(w, err)
}

// requireUser reads the user_id query parameter.
func requireUser(r *http.Request) (string, error) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		return "", domain.InvalidRequest("user_id is required")
	}
	server.AddLogField(r.Context(), "user_id", userID)
	return userID, nil
}

// intParam parses a non-negative integer query parameter, or returns def.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domain.InvalidRequest(name + " must be a non-negative integer")
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.InvalidRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
