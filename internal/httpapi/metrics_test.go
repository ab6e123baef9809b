package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddleware_CountsByStatus(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		// Implicit 200 on first write.
		_, _ = w.Write([]byte("ok"))
	})
	h := MetricsMiddleware(next)

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/ping", http.MethodGet, "200"))
	failBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/ping", http.MethodGet, "418"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping?fail=1", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/ping", http.MethodGet, "200")); got != okBefore+2 {
		t.Fatalf("200 count=%v want %v", got, okBefore+2)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/ping", http.MethodGet, "418")); got != failBefore+1 {
		t.Fatalf("418 count=%v want %v", got, failBefore+1)
	}
	if got := testutil.ToFloat64(httpInflight.WithLabelValues(http.MethodGet)); got != 0 {
		t.Fatalf("inflight=%v after requests finished", got)
	}
}
