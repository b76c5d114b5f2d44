// Package api provides the HTTP surface of the edupay daemon: health and
// metrics, read access to tuition ledgers and dead letters, administrative
// status changes, and a synchronous payment-notification intake that feeds
// the same pipeline as the broker.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/edupay/edupay/internal/app/pipeline"
	"github.com/edupay/edupay/internal/domain"
	"github.com/edupay/edupay/internal/infra/sqlite"
)

// Server is the edupay HTTP API server.
type Server struct {
	db             *sqlite.DB
	processor      *pipeline.Processor
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(db *sqlite.DB, processor *pipeline.Processor) *Server {
	return &Server{db: db, processor: processor}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/ledgers/{enrollmentID}", s.handleGetLedger)
		r.Patch("/ledgers/{enrollmentID}/status", s.handlePatchStatus)
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/notifications", s.handleNotification)
	})

	return r
}

// handleGetLedger returns the current ledger state for an enrollment.
func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "enrollmentID")
	ledger, err := s.db.GetLedger(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrLedgerNotFound) {
			writeError(w, http.StatusNotFound, "no ledger for enrollment "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// handlePatchStatus moves a ledger into (or out of) an administrative
// status. Derived statuses are owned by the payment machine and rejected.
func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "enrollmentID")

	var body struct {
		Status domain.PaymentStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if !body.Status.Administrative() {
		writeError(w, http.StatusBadRequest,
			"status "+string(body.Status)+" is derived from amounts and cannot be set directly")
		return
	}

	if err := s.db.SetAdministrativeStatus(r.Context(), id, body.Status); err != nil {
		if errors.Is(err, domain.ErrLedgerNotFound) {
			writeError(w, http.StatusNotFound, "no ledger for enrollment "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ledger, err := s.db.GetLedger(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// handleListDeadLetters lists parked messages. ?pending=false includes
// already-requeued entries; ?limit caps the page size.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	pending := true
	if v := r.URL.Query().Get("pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pending value: "+v)
			return
		}
		pending = b
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit value: "+v)
			return
		}
		limit = n
	}

	letters, err := s.db.ListDeadLetters(r.Context(), pending, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// notificationRequest is the intake body for a pre-resolved payment.
type notificationRequest struct {
	EnrollmentID         string          `json:"enrollment_id"`
	InstitutionAccountID string          `json:"institution_account_id"`
	Matricule            string          `json:"matricule"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Reference            string          `json:"reference"`
}

// handleNotification funnels a payment notification through the same dedup
// guard and ledger machine as broker deliveries, synchronously.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Reference == "" || req.EnrollmentID == "" || req.Matricule == "" {
		writeError(w, http.StatusBadRequest, "reference, enrollment_id and matricule are required")
		return
	}

	disposition, err := s.processor.HandleNotification(r.Context(), domain.PaymentNotification{
		EnrollmentID:         req.EnrollmentID,
		InstitutionAccountID: req.InstitutionAccountID,
		Matricule:            req.Matricule,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Reference:            req.Reference,
	})
	if err != nil {
		// Transient trouble: the caller may retry with the same reference.
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	status := http.StatusOK
	if disposition == pipeline.DispositionFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{
		"reference":   req.Reference,
		"disposition": string(disposition),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
