package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeguard/audit"
	coreerrors "tradeguard/core/errors"
	"tradeguard/native/escrow"
)

const maxEntriesPage = 1000

// EscrowReader serves escrow projections.
type EscrowReader interface {
	Status(ctx context.Context, escrowID string) (escrow.View, error)
}

// AuditReader serves the audit trail.
type AuditReader interface {
	VerifyAll(ctx context.Context) (audit.IntegrityReport, error)
	Export(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Escrows EscrowReader
	Audit   AuditReader
	// Ping checks the database; nil reports healthy.
	Ping    func(ctx context.Context) error
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server exposes the read-only operations surface of escrowd.
type Server struct {
	escrows EscrowReader
	audit   AuditReader
	ping    func(ctx context.Context) error
	metrics http.Handler
	logger  *slog.Logger

	router http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	srv := &Server{
		escrows: cfg.Escrows,
		audit:   cfg.Audit,
		ping:    cfg.Ping,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if srv.metrics == nil {
		srv.metrics = promhttp.Handler()
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", s.metrics)
	r.Get("/escrows/{id}", s.GetEscrow)
	r.Route("/audit", func(a chi.Router) {
		a.Get("/integrity", s.Integrity)
		a.Get("/entries", s.Entries)
	})
	return r
}

// Health reports whether the database answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", slog.Any("error", err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetEscrow returns the projection of one escrow.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	view, err := s.escrows.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// Integrity verifies the whole chain. A broken chain answers 409 with the
// full report.
func (s *Server) Integrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.audit.VerifyAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.IsValid {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, report)
}

type entryView struct {
	ID             string          `json:"id"`
	SegmentID      string          `json:"segmentId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	EventType      string          `json:"eventType"`
	Severity       audit.Severity  `json:"severity"`
	ActorRef       string          `json:"actorRef,omitempty"`
	Resource       string          `json:"resource"`
	Action         string          `json:"action"`
	Details        json.RawMessage `json:"details"`
	Timestamp      time.Time       `json:"timestamp"`
	Hash           string          `json:"hash"`
	PreviousHash   string          `json:"previousHash"`
	ComplianceTags []string        `json:"complianceTags"`
}

// Entries exports audit entries matching the query string filter. Session
// references and source addresses are not exposed.
func (s *Server) Entries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.audit.Export(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		tags := e.Tags()
		if tags == nil {
			tags = []string{}
		}
		out = append(out, entryView{
			ID:             e.ID.String(),
			SegmentID:      e.SegmentID.String(),
			SequenceNumber: e.SequenceNumber,
			EventType:      e.EventType,
			Severity:       e.Severity,
			ActorRef:       e.ActorRef,
			Resource:       e.Resource,
			Action:         e.Action,
			Details:        json.RawMessage(e.Details),
			Timestamp:      e.Timestamp,
			Hash:           e.Hash,
			PreviousHash:   e.PreviousHash,
			ComplianceTags: tags,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		EventTypePrefix: strings.TrimSpace(q.Get("eventType")),
		ActorRef:        strings.TrimSpace(q.Get("actor")),
		Resource:        strings.TrimSpace(q.Get("resource")),
		Tag:             strings.TrimSpace(q.Get("tag")),
		Limit:           100,
	}
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		severity, ok := parseSeverity(raw)
		if !ok {
			return f, coreerrors.Validation(coreerrors.CodeInvalidInput, "unknown severity %q", raw)
		}
		f.Severity = severity
	}
	if raw := strings.TrimSpace(q.Get("segment")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, coreerrors.Validation(coreerrors.CodeInvalidInput, "invalid segment id")
		}
		f.SegmentID = id
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := strings.TrimSpace(q.Get(name)); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, coreerrors.Validation(coreerrors.CodeInvalidInput, "%s must be RFC3339", name)
			}
			*dst = t
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if raw := strings.TrimSpace(q.Get(name)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return f, coreerrors.Validation(coreerrors.CodeInvalidInput, "%s must be a non-negative integer", name)
			}
			*dst = n
		}
	}
	if f.Limit == 0 || f.Limit > maxEntriesPage {
		f.Limit = maxEntriesPage
	}
	return f, nil
}

func parseSeverity(raw string) (audit.Severity, bool) {
	for _, s := range []audit.Severity{audit.SeverityInfo, audit.SeverityWarning, audit.SeverityError, audit.SeverityCritical} {
		if strings.EqualFold(raw, string(s)) {
			return s, true
		}
	}
	return "", false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coreerrors.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, coreerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("ops request failed", slog.Any("error", err))
		s.writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: coreerrors.CodeOf(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", slog.Any("error", err))
	}
}
