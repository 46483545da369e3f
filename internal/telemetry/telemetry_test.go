package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLedgerAppend(t *testing.T) {
	before := testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues("SECURITY_EVENT"))
	RecordLedgerAppend("SECURITY_EVENT", 42)

	if got := testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues("SECURITY_EVENT")); got != before+1 {
		t.Errorf("appends = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(ledgerTreeSize); got != 42 {
		t.Errorf("tree size = %v, want 42", got)
	}
}

func TestRecordAlert(t *testing.T) {
	raised := testutil.ToFloat64(alertsRaisedTotal.WithLabelValues("critical"))
	resolved := testutil.ToFloat64(alertsResolvedTotal.WithLabelValues("critical"))

	RecordAlert("critical", false)
	RecordAlert("critical", false)
	RecordAlert("critical", true)

	if got := testutil.ToFloat64(alertsRaisedTotal.WithLabelValues("critical")); got != raised+2 {
		t.Errorf("raised = %v, want %v", got, raised+2)
	}
	if got := testutil.ToFloat64(alertsResolvedTotal.WithLabelValues("critical")); got != resolved+1 {
		t.Errorf("resolved = %v, want %v", got, resolved+1)
	}

	SetOpenAlerts("critical", 3)
	if got := testutil.ToFloat64(alertsOpen.WithLabelValues("critical")); got != 3 {
		t.Errorf("open = %v, want 3", got)
	}
}

func TestRecordRegeneration_ignoresZeroGain(t *testing.T) {
	count := testutil.ToFloat64(regenerationsTotal.WithLabelValues("time"))
	gain := testutil.ToFloat64(regenerationGain.WithLabelValues("time"))

	RecordRegeneration("time", 0.25)
	RecordRegeneration("time", 0)

	if got := testutil.ToFloat64(regenerationsTotal.WithLabelValues("time")); got != count+2 {
		t.Errorf("regenerations = %v, want %v", got, count+2)
	}
	if got := testutil.ToFloat64(regenerationGain.WithLabelValues("time")); got != gain+0.25 {
		t.Errorf("gain = %v, want %v", got, gain+0.25)
	}
}

func TestRecordDecayDelivery(t *testing.T) {
	ok := testutil.ToFloat64(decayNotificationsTotal.WithLabelValues("success"))
	failed := testutil.ToFloat64(decayNotificationsTotal.WithLabelValues("failure"))

	RecordDecayDelivery(true)
	RecordDecayDelivery(false)

	if got := testutil.ToFloat64(decayNotificationsTotal.WithLabelValues("success")); got != ok+1 {
		t.Errorf("success = %v, want %v", got, ok+1)
	}
	if got := testutil.ToFloat64(decayNotificationsTotal.WithLabelValues("failure")); got != failed+1 {
		t.Errorf("failure = %v, want %v", got, failed+1)
	}
}

func TestPrometheusMiddleware_andHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/metrics", MetricsHandler())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(requestsTotal.WithLabelValues(http.MethodGet, "/ping", "204"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	if got := testutil.ToFloat64(requestsTotal.WithLabelValues(http.MethodGet, "/ping", "204")); got != before+1 {
		t.Errorf("requests = %v, want %v", got, before+1)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "trustcore_requests_total") {
		t.Error("metrics output missing trustcore_requests_total")
	}
}

func TestRecordRateLimited(t *testing.T) {
	before := testutil.ToFloat64(rateLimitedTotal.WithLabelValues("unmatched"))
	RecordRateLimited("")
	if got := testutil.ToFloat64(rateLimitedTotal.WithLabelValues("unmatched")); got != before+1 {
		t.Errorf("rate limited = %v, want %v", got, before+1)
	}
}
