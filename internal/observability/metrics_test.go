package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(tilesFetched.WithLabelValues(OutcomeFailure))
	ObserveTileFetch(OutcomeFailure, 0.01)
	if got := testutil.ToFloat64(tilesFetched.WithLabelValues(OutcomeFailure)); got != before+1 {
		t.Errorf("tiles_fetched_total{failure} = %v, want %v", got, before+1)
	}

	hits := testutil.ToFloat64(cacheResults.WithLabelValues(OutcomeHit))
	IncCacheHit()
	if got := testutil.ToFloat64(cacheResults.WithLabelValues(OutcomeHit)); got != hits+1 {
		t.Errorf("cache hits = %v, want %v", got, hits+1)
	}

	SetOutputBytes(1234)
	if got := testutil.ToFloat64(outputBytes); got != 1234 {
		t.Errorf("mosaic_output_bytes = %v", got)
	}
}

func TestRouter(t *testing.T) {
	IncMergeComposite("0")
	h := Router()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("/healthz = %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, "merge_composites_total") {
		t.Fatalf("metrics payload missing merge_composites_total:\n%s", body)
	}
}
