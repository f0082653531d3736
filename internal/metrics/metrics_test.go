package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewIsSingleton(t *testing.T) {
	if New() != New() {
		t.Fatal("New should return the shared instance")
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetActiveRooms(3)
	m.RecordFrame("chat")
	m.RecordDrop("malformed")
	m.RecordDeliveryFailure()
	m.SetQueueDepth(1)
	m.RecordFlush(true, 1, 0.1)
	m.RecordCollect(1, nil)
}

func TestRecordFlushAndCollect(t *testing.T) {
	m := New()

	okBefore := testutil.ToFloat64(m.FlushesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(m.FlushesTotal.WithLabelValues("error"))
	flushedBefore := testutil.ToFloat64(m.FlushedActions)

	m.RecordFlush(true, 4, 0.01)
	m.RecordFlush(false, 2, 0.01)

	if got := testutil.ToFloat64(m.FlushesTotal.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("Expected 1 ok flush, got %v", got)
	}
	if got := testutil.ToFloat64(m.FlushesTotal.WithLabelValues("error")) - errBefore; got != 1 {
		t.Errorf("Expected 1 failed flush, got %v", got)
	}
	if got := testutil.ToFloat64(m.FlushedActions) - flushedBefore; got != 4 {
		t.Errorf("Expected 4 flushed actions, got %v", got)
	}

	failBefore := testutil.ToFloat64(m.CollectFailures)
	m.RecordCollect(0, errors.New("boom"))
	if got := testutil.ToFloat64(m.CollectFailures) - failBefore; got != 1 {
		t.Errorf("Expected 1 collect failure, got %v", got)
	}
}
