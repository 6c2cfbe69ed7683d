package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RelayLifecycle(t *testing.T) {
	m := New("")
	m.RelayStarted()
	m.RelayStarted()
	m.RelayEnded("echoed", 3*time.Second)

	if got := testutil.ToFloat64(m.RelaysActive); got != 1 {
		t.Fatalf("relays_active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RelaysTotal.WithLabelValues("echoed")); got != 1 {
		t.Fatalf("relays_total{echoed}=%v, want 1", got)
	}
}

func TestMetrics_FramesFinalizeAnalysis(t *testing.T) {
	m := New("test")
	m.RecordFrame("client", "binary", 320)
	m.RecordFrame("client", "binary", 320)
	m.RecordFrame("upstream", "text", 12)
	m.RecordFinalize("performed")
	m.RecordFinalize("already_done")
	m.RecordAnalysis(nil, time.Second)
	m.RecordAnalysis(errors.New("x"), time.Second)
	m.RecordUpstreamFailure()

	if got := testutil.ToFloat64(m.FramesTotal.WithLabelValues("client", "binary")); got != 2 {
		t.Fatalf("frames_total{client,binary}=%v", got)
	}
	if got := testutil.ToFloat64(m.FrameBytesTotal.WithLabelValues("client")); got != 640 {
		t.Fatalf("frame_bytes_total{client}=%v", got)
	}
	if got := testutil.ToFloat64(m.FinalizeTotal.WithLabelValues("performed")); got != 1 {
		t.Fatalf("finalize_total{performed}=%v", got)
	}
	if got := testutil.ToFloat64(m.AnalysisTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("analysis_total{error}=%v", got)
	}
	if got := testutil.ToFloat64(m.UpstreamFailures); got != 1 {
		t.Fatalf("upstream failures=%v", got)
	}
}

func TestMetrics_HandlerExposesNamespace(t *testing.T) {
	m := New("formvoice")
	m.RecordRequest("/health", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `formvoice_http_requests_total{route="/health",status="200"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RelayStarted()
	m.RelayEnded("relayed", time.Second)
	m.RecordFrame("client", "text", 1)
	m.RecordFinalize("performed")
	m.RecordAnalysis(nil, 0)
	m.RecordRequest("/", 200, 0)
	m.RecordUpstreamFailure()
}
