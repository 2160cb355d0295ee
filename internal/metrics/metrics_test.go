package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_bridge")

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.registry == nil {
		t.Error("Registry is nil")
	}
	if m.operations == nil {
		t.Error("operations is nil")
	}
	if m.calls == nil {
		t.Error("calls is nil")
	}
}

func TestMetrics_ObserveOperation(t *testing.T) {
	m := NewMetrics("test")

	m.ObserveOperation("browse_list", "ok", 20*time.Millisecond)
	m.ObserveOperation("browse_list", "ok", 30*time.Millisecond)
	m.ObserveOperation("put", "fault", time.Millisecond)

	value := testutil.ToFloat64(m.operations.With(prometheus.Labels{
		"operation": "browse_list",
		"outcome":   "ok",
	}))
	if value != 2.0 {
		t.Errorf("Expected value 2.0, got %f", value)
	}

	if count := testutil.CollectAndCount(m.operations); count != 2 {
		t.Errorf("Expected 2 series, got %d", count)
	}
	if testutil.CollectAndCount(m.operationDuration) == 0 {
		t.Error("operationDuration has no observations")
	}
}

func TestMetrics_CountCall(t *testing.T) {
	m := NewMetrics("test")

	m.CountCall("MQGET", mq.RCNone)
	m.CountCall("MQGET", mq.RCNoMsgAvailable)
	m.CountCall("MQPUT", mq.RCNotAuthorized)

	value := testutil.ToFloat64(m.calls.With(prometheus.Labels{
		"verb":   "MQGET",
		"reason": "MQRC_NO_MSG_AVAILABLE",
	}))
	if value != 1.0 {
		t.Errorf("Expected value 1.0, got %f", value)
	}

	if count := testutil.CollectAndCount(m.faults); count != 1 {
		t.Errorf("Expected only the authorization fault, got %d series", count)
	}
	value = testutil.ToFloat64(m.faults.WithLabelValues("MQRC_NOT_AUTHORIZED"))
	if value != 1.0 {
		t.Errorf("Expected value 1.0, got %f", value)
	}
}

func TestMetrics_SetConnected(t *testing.T) {
	m := NewMetrics("test")

	m.SetConnected(true)
	if value := testutil.ToFloat64(m.connected); value != 1.0 {
		t.Errorf("Expected connected 1.0, got %f", value)
	}

	m.SetConnected(false)
	if value := testutil.ToFloat64(m.connected); value != 0.0 {
		t.Errorf("Expected connected 0.0, got %f", value)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("mqbridge")
	m.ObserveOperation("delete", "ok", time.Millisecond)
	m.SetConnected(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}

	for _, want := range []string{
		`mqbridge_operations_total{operation="delete",outcome="ok"} 1`,
		"mqbridge_connected 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected exposition to contain %q", want)
		}
	}
}
