package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/postal-weather-service/internal/observability"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		wantSame bool
	}{
		{"generated when absent", "", false},
		{"client value propagated", "client-provided-id", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			var ctxID string
			router := mux.NewRouter()
			router.Use(CorrelationIDMiddleware(zap.New(core)))
			router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
				ctxID = observability.CorrelationID(r.Context())
				observability.LoggerFrom(r.Context(), nil).Info("inside handler")
			})

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.incoming != "" {
				req.Header.Set(CorrelationIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get(CorrelationIDHeader)
			if got == "" || got != ctxID {
				t.Fatalf("header %q, context %q; want equal and non-empty", got, ctxID)
			}
			if tt.wantSame && got != tt.incoming {
				t.Errorf("correlation ID = %q, want %q", got, tt.incoming)
			}
			entries := logs.FilterMessage("inside handler").All()
			if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != got {
				t.Errorf("request logger not scoped with correlation_id: %v", entries)
			}
		})
	}
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/items/{id}", "4xx")
	before := testutil.ToFloat64(counter)
	for _, id := range []string{"a", "b", "c"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}
	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("requests counted under template = %v, want 3", got)
	}
	if InFlightCount() != 0 {
		t.Errorf("InFlightCount() = %d after requests completed, want 0", InFlightCount())
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := TimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok || time.Until(deadline) > 50*time.Millisecond {
		t.Errorf("deadline = %v (set=%v), want within 50ms", deadline, ok)
	}
}

func TestThrottleMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := 0
	h := ThrottleMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called++ }))
	for i := 0; i < 5; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if called != 5 {
		t.Errorf("handler called %d times, want 5", called)
	}
}

func TestThrottleMiddleware_CountsDenials(t *testing.T) {
	counter := observability.RateLimitDeniedTotal.WithLabelValues("throttle")
	before := testutil.ToFloat64(counter)

	h := ThrottleMiddleware(rate.NewLimiter(rate.Limit(0.001), 2))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("throttle denials = %v, want 1", got)
	}
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name   string
		trust  bool
		remote string
		xff    string
		want   string
	}{
		{"remote host", false, "203.0.113.5:4444", "", "203.0.113.5"},
		{"ipv6 remote", false, "[2001:db8::1]:4444", "", "2001:db8::1"},
		{"xff ignored when untrusted", false, "10.0.0.1:80", "203.0.113.5", "10.0.0.1"},
		{"first xff hop when trusted", true, "10.0.0.1:80", " 203.0.113.5 , 10.0.0.2", "203.0.113.5"},
		{"empty xff falls back", true, "10.0.0.1:80", " , 10.0.0.2", "10.0.0.1"},
		{"remote without port", false, "203.0.113.5", "", "203.0.113.5"},
		{"no address", false, "", "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientAddress(tt.trust)(r); got != tt.want {
				t.Errorf("ClientAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInFlight_WaitReturnsWhenIdle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForInFlight(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() = %v, want nil with no requests", err)
	}
}
