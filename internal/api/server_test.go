package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edupay/edupay/internal/app/pipeline"
	"github.com/edupay/edupay/internal/domain"
	"github.com/edupay/edupay/internal/infra/memqueue"
	"github.com/edupay/edupay/internal/infra/resolve"
	"github.com/edupay/edupay/internal/infra/sqlite"
)

func newTestServer(t *testing.T) (*Server, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.UpsertStudent(ctx, domain.Student{Matricule: "MAT-001", FullName: "Test Student", Enrolled: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertInstitution(ctx, domain.Institution{ID: "I1", Name: "Test University", AccountID: "ACC1", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.SeedLedger(ctx, domain.TuitionLedger{
		EnrollmentID: "E1",
		StudentID:    "S1",
		Matricule:    "MAT-001",
		TotalAmount:  decimal.RequireFromString("250000"),
		Currency:     "XAF",
		UpdatedAt:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	proc := pipeline.NewProcessor(db, db, db, resolve.NewDescriptionExtractor(), memqueue.NewOutbox())
	return NewServer(db, proc), db
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestMetricsGated(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without EnableMetrics = %d, want 404", rec.Code)
	}

	s.EnableMetrics()
	rec = doRequest(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics with EnableMetrics = %d, want 200", rec.Code)
	}
}

func TestGetLedger(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/ledgers/E1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/ledgers/E1 = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var ledger domain.TuitionLedger
	if err := json.Unmarshal(rec.Body.Bytes(), &ledger); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if ledger.EnrollmentID != "E1" || ledger.Status != domain.StatusUnpaid {
		t.Errorf("ledger = %+v, want E1 UNPAID", ledger)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/ledgers/E404", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /api/ledgers/E404 = %d, want 404", rec.Code)
	}
}

func TestPatchStatus(t *testing.T) {
	s, db := newTestServer(t)

	rec := doRequest(t, s, http.MethodPatch, "/api/ledgers/E1/status", map[string]string{"status": "PENDING_VALIDATION"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	ledger, err := db.GetLedger(context.Background(), "E1")
	if err != nil {
		t.Fatal(err)
	}
	if ledger.Status != domain.StatusPendingValidation {
		t.Errorf("status = %s, want PENDING_VALIDATION", ledger.Status)
	}

	// Derived statuses belong to the payment machine.
	rec = doRequest(t, s, http.MethodPatch, "/api/ledgers/E1/status", map[string]string{"status": "PAID"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("PATCH derived status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPatch, "/api/ledgers/E404/status", map[string]string{"status": "CANCELLED"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("PATCH missing ledger = %d, want 404", rec.Code)
	}
}

func TestListDeadLetters(t *testing.T) {
	s, db := newTestServer(t)

	ev := domain.TransactionCreatedEvent{
		EventID: "evt-1",
		Payload: domain.TransactionPayload{
			Category:  domain.CategoryTuitionPayment,
			Reference: "R-DEAD",
		},
	}
	if err := db.DeadLetter(context.Background(), ev, 3, "datastore unavailable"); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/deadletters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/deadletters = %d; body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/deadletters?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestPostNotification(t *testing.T) {
	s, db := newTestServer(t)

	body := map[string]interface{}{
		"enrollment_id":          "E1",
		"institution_account_id": "ACC1",
		"matricule":              "MAT-001",
		"amount":                 "100000",
		"currency":               "XAF",
		"reference":              "NOTIF-1",
	}
	rec := doRequest(t, s, http.MethodPost, "/api/notifications", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/notifications = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["disposition"] != string(pipeline.DispositionConfirmed) {
		t.Errorf("disposition = %q, want CONFIRMED", resp["disposition"])
	}

	ledger, err := db.GetLedger(context.Background(), "E1")
	if err != nil {
		t.Fatal(err)
	}
	if ledger.Status != domain.StatusPartiallyPaid {
		t.Errorf("status = %s, want PARTIALLY_PAID", ledger.Status)
	}

	// Same reference again: settled, not re-applied.
	rec = doRequest(t, s, http.MethodPost, "/api/notifications", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate POST = %d; body %s", rec.Code, rec.Body)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["disposition"] != string(pipeline.DispositionDuplicate) {
		t.Errorf("duplicate disposition = %q, want DUPLICATE", resp["disposition"])
	}
}

func TestPostNotification_UnknownAccount(t *testing.T) {
	s, _ := newTestServer(t)

	body := map[string]interface{}{
		"enrollment_id":          "E1",
		"institution_account_id": "ACC-404",
		"matricule":              "MAT-001",
		"amount":                 "100000",
		"currency":               "XAF",
		"reference":              "NOTIF-2",
	}
	rec := doRequest(t, s, http.MethodPost, "/api/notifications", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown account = %d, want 422; body %s", rec.Code, rec.Body)
	}
}

func TestPostNotification_MissingFields(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/notifications", map[string]string{"reference": "R1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fields = %d, want 400", rec.Code)
	}
}
