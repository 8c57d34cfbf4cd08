package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rotator_go/internal/domain"
	"rotator_go/internal/infra"
)

type fakeReader struct {
	held    string
	open    []domain.Transition
	byID    map[string]*domain.Transition
	history []domain.Transition
	scouts  []domain.ScoutRecord
}

func (f *fakeReader) GetCurrentCoin() (string, error)               { return f.held, nil }
func (f *fakeReader) OpenTransitions() ([]domain.Transition, error) { return f.open, nil }
func (f *fakeReader) GetTransition(id string) (*domain.Transition, error) {
	return f.byID[id], nil
}
func (f *fakeReader) History(limit int) ([]domain.Transition, error) {
	if limit > 0 && limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}
func (f *fakeReader) RecentScouts(limit int) ([]domain.ScoutRecord, error) { return f.scouts, nil }

type fakeEngine struct {
	halted bool
	reason string
}

func (f *fakeEngine) Halted() bool       { return f.halted }
func (f *fakeEngine) HaltReason() string { return f.reason }

func testServer(reader *fakeReader, engine *fakeEngine) *Server {
	return NewServer(":0", reader, engine, &infra.Metrics{})
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := testServer(&fakeReader{}, &fakeEngine{})
	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	open := *domain.NewTransition("BTC", "ETH")
	reader := &fakeReader{held: "BTC", open: []domain.Transition{open}}
	engine := &fakeEngine{halted: true, reason: "multiple open transitions found"}
	s := testServer(reader, engine)

	rec := get(t, s, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		HeldCoin       string             `json:"held_coin"`
		OpenTransition *domain.Transition `json:"open_transition"`
		RotationHalted bool               `json:"rotation_halted"`
		HaltReason     string             `json:"halt_reason"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.HeldCoin != "BTC" {
		t.Errorf("expected held_coin BTC, got %s", resp.HeldCoin)
	}
	if resp.OpenTransition == nil || resp.OpenTransition.ID != open.ID {
		t.Error("expected the open transition in the status payload")
	}
	if !resp.RotationHalted || resp.HaltReason == "" {
		t.Error("expected halt state surfaced")
	}
}

func TestTransitionByID(t *testing.T) {
	tr := domain.NewTransition("BTC", "ETH")
	reader := &fakeReader{byID: map[string]*domain.Transition{tr.ID: tr}}
	s := testServer(reader, &fakeEngine{})

	rec := get(t, s, "/api/v1/transitions/"+tr.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got domain.Transition
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ID != tr.ID || got.FromCoinSymbol != "BTC" {
		t.Errorf("unexpected payload: %+v", got)
	}

	rec = get(t, s, "/api/v1/transitions/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown transition, got %d", rec.Code)
	}
}

func TestHistoryLimit(t *testing.T) {
	reader := &fakeReader{history: []domain.Transition{
		*domain.NewTransition("A", "B"),
		*domain.NewTransition("B", "C"),
		*domain.NewTransition("C", "A"),
	}}
	s := testServer(reader, &fakeEngine{})

	rec := get(t, s, "/api/v1/transitions?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []domain.Transition
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected limit applied, got %d rows", len(got))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(&fakeReader{}, &fakeEngine{})
	rec := get(t, s, "/api/v1/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap infra.MetricsSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}
