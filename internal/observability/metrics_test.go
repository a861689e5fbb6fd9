package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/sitestock/sitestock/internal/jobs"
	"github.com/sitestock/sitestock/internal/shared"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("ledger:reconcile").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, "sitestock_jobs_total") {
		t.Fatalf("expected body to contain sitestock_jobs_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/waybills")

	req := httptest.NewRequest(http.MethodGet, "/api/waybills", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `sitestock_http_requests_total{code="418",route="/api/waybills"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `sitestock_http_request_duration_seconds_bucket{route="/api/waybills"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestObserveOperationLabelsOutcome(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveOperation("process_return", 3*time.Millisecond, nil)
	metrics.ObserveOperation("process_return", time.Millisecond, fmt.Errorf("ledger: %w: too many", shared.ErrValidation))
	metrics.ObserveOperation("send_to_site", time.Millisecond, errors.New("connection reset"))

	body := scrape(t, metrics)
	for _, want := range []string{
		`sitestock_ledger_operations_total{op="process_return",outcome="ok"} 1`,
		`sitestock_ledger_operations_total{op="process_return",outcome="rejected"} 1`,
		`sitestock_ledger_operations_total{op="send_to_site",outcome="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveOperation("noop", time.Millisecond, nil)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
