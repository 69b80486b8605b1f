package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Submissions.WithLabelValues("accepted").Inc()
	GatewayRequests.WithLabelValues("face", "hit").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"faas_submissions_total", "faas_gateway_requests_total", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in body", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(PersistRetries.WithLabelValues("agender"))
	PersistRetries.WithLabelValues("agender").Inc()
	if got := testutil.ToFloat64(PersistRetries.WithLabelValues("agender")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}
