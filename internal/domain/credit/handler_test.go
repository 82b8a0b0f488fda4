package credit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// auditStub answers only the audit call; the embedded interface covers
// the rest of the surface for compilation.
type auditStub struct {
	Service

	balance int
	sum     int
	ok      bool
	err     error
}

func (s auditStub) Audit(ctx context.Context, userID uuid.UUID) (int, int, bool, error) {
	return s.balance, s.sum, s.ok, s.err
}

func newAuditRouter(s Service) chi.Router {
	r := chi.NewRouter()
	r.Get("/credits/{userID}/audit", NewHandler(s).Audit)
	return r
}

func TestAuditReportsConsistency(t *testing.T) {
	r := newAuditRouter(auditStub{balance: 585, sum: 585, ok: true})

	req := httptest.NewRequest(http.MethodGet, "/credits/"+uuid.New().String()+"/audit", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"consistent":true`) {
		t.Fatalf("expected consistent result, got %s", body)
	}
	if !strings.Contains(body, `"ledger_sum":585`) {
		t.Fatalf("expected ledger sum in body, got %s", body)
	}
}

func TestAuditReportsDivergence(t *testing.T) {
	r := newAuditRouter(auditStub{balance: 100, sum: 95, ok: false})

	req := httptest.NewRequest(http.MethodGet, "/credits/"+uuid.New().String()+"/audit", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"consistent":false`) {
		t.Fatalf("expected divergence flagged, got %s", w.Body.String())
	}
}

func TestAuditRejectsMalformedUserID(t *testing.T) {
	r := newAuditRouter(auditStub{})

	req := httptest.NewRequest(http.MethodGet, "/credits/not-a-uuid/audit", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAuditUnknownUser(t *testing.T) {
	r := newAuditRouter(auditStub{err: ErrUserNotFound})

	req := httptest.NewRequest(http.MethodGet, "/credits/"+uuid.New().String()+"/audit", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
