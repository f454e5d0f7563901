package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	r := New(prometheus.NewRegistry())
	r.ObserveItem("logged")
	r.ObserveItem("logged")
	r.ObserveStage("transform", "invalid_cog", time.Second, true)
	r.ObserveStage("fetch", "", time.Second, false)
	r.ObserveDiscovered("2016", 3)
	r.ObserveUpload("cog", nil)
	r.ObserveUpload("zip", errors.New("denied"))
	r.ObserveLogFlush(nil)
	r.ObserveFetch("https://Data.Example/x.zip", 1024)
	r.ObserveHTTPRequest("GET", "/healthz", 200, time.Millisecond)

	if got := testutil.ToFloat64(r.itemsTotal.WithLabelValues("logged")); got != 2 {
		t.Fatalf("items logged = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.stageFailuresTotal.WithLabelValues("transform", "invalid_cog")); got != 1 {
		t.Fatalf("transform failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.discoveredLinksTotal.WithLabelValues("2016")); got != 3 {
		t.Fatalf("discovered = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.uploadsTotal.WithLabelValues("zip", "error")); got != 1 {
		t.Fatalf("zip upload errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.fetchBytesTotal.WithLabelValues("data.example")); got != 1024 {
		t.Fatalf("fetch bytes = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(r.httpRequestsTotal.WithLabelValues("GET", "200")); got != 1 {
		t.Fatalf("http requests = %v, want 1", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.ObserveItem("logged")
	r.ObserveStage("fetch", "fetch", time.Second, true)
	r.ObserveUpload("cog", nil)
	r.ObserveLogFlush(nil)
	r.ObserveFetch("x", 1)
	r.ObserveDiscovered("2016", 1)
	r.ObserveHTTPRequest("GET", "/", 200, time.Second)
	if r.Handler() == nil {
		t.Fatal("expected default handler")
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	r := New(nil)
	r.ObserveItem("failed")
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `rivercog_items_total{outcome="failed"} 1`) {
		t.Fatalf("metrics output missing item counter:\n%s", rec.Body.String())
	}
}
