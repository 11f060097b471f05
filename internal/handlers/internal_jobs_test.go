package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

type stubSweeper struct {
	result services.SweepResult
	err    error
	calls  int
}

func (s *stubSweeper) Sweep(context.Context) (services.SweepResult, error) {
	s.calls++
	return s.result, s.err
}

var _ services.OrderSweeper = (*stubSweeper)(nil)

func TestInternalJobHandlersSweep(t *testing.T) {
	sweeper := &stubSweeper{result: services.SweepResult{Scanned: 4, Expired: 3, PaymentsFailed: 2}}
	router := chi.NewRouter()
	router.Route("/internal", NewInternalJobHandlers(sweeper).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders/sweep", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["scanned"] != float64(4) || body["expired"] != float64(3) || body["paymentsFailed"] != float64(2) {
		t.Fatalf("unexpected body %v", body)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}
}

func TestInternalJobHandlersSweepFailure(t *testing.T) {
	sweeper := &stubSweeper{result: services.SweepResult{Expired: 1}, err: errors.New("connection reset")}
	router := chi.NewRouter()
	router.Route("/internal", NewInternalJobHandlers(sweeper).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders/sweep", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["error"] != "sweep_failed" || body["expired"] != float64(1) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestInternalJobHandlersWithoutSweeper(t *testing.T) {
	router := chi.NewRouter()
	router.Route("/internal", NewInternalJobHandlers(nil).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders/sweep", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
