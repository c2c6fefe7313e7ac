package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesSettlementMetrics(t *testing.T) {
	ObserveOperation("payment", "execute", nil)
	ObserveOperation("payment", "execute", errors.New("boom"))
	ObserveBatch(2, 1)
	ObservePermissionDenial("Exceeds daily limit")
	ObserveHTTPRequest("/api/v1/payments", "POST", 201, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`openmcp_pay_operations_total{component="payment",operation="execute",outcome="failure"}`,
		`openmcp_pay_batch_items_total{outcome="failure"}`,
		`openmcp_pay_permission_denials_total{reason="Exceeds daily limit"}`,
		`openmcp_pay_http_requests_total{code="201",handler="/api/v1/payments",method="POST"}`,
		`openmcp_pay_http_request_duration_seconds_bucket`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
