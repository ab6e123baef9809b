package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"llamactx/internal/manager"
)

func TestIncrementBackpressure_UnspecifiedReason(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")); got != before+1 {
		t.Fatalf("unspecified reason: before=%v after=%v", before, got)
	}
}

func TestWriteError_ClientErrorIsNotBackpressure(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue"))

	rr := httptest.NewRecorder()
	if status := writeError(rr, manager.ErrInvalidArgument("x")); status != 400 {
		t.Fatalf("status=%d", status)
	}
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue")); got != before {
		t.Fatalf("400 must not count as backpressure: %v -> %v", before, got)
	}
}
