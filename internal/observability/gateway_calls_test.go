package observability

import (
	"testing"
	"time"
)

func TestGatewayCallsSnapshot(t *testing.T) {
	g := newGatewayCalls(8)
	g.record("tts", "ok", 500*time.Millisecond)
	g.record("tts", "ok", 700*time.Millisecond)
	g.record("tts", "error", 1900*time.Millisecond)
	g.record("ask", "ok", time.Second)

	snap := g.snapshot()
	if snap.Keep != 8 {
		t.Fatalf("Keep = %d, want 8", snap.Keep)
	}
	if len(snap.Endpoints) != 2 || snap.Endpoints[0].Endpoint != "ask" {
		t.Fatalf("Endpoints = %+v, want ask then tts", snap.Endpoints)
	}
	st := snap.Endpoints[1]
	if st.Calls != 3 {
		t.Fatalf("Calls = %d, want 3", st.Calls)
	}
	if st.LastMS != 1900 || st.MedianMS != 700 || st.P95MS != 1900 || st.MaxMS != 1900 {
		t.Fatalf("tts stats = %+v", st)
	}
	if st.Outcomes["ok"] != 2 || st.Outcomes["error"] != 1 {
		t.Fatalf("Outcomes = %v, want ok=2 error=1", st.Outcomes)
	}
	if st.BudgetMS != 1500 || st.OverBudget != 1 {
		t.Fatalf("budget = %.0f over = %d, want 1500 and 1", st.BudgetMS, st.OverBudget)
	}
}

func TestGatewayCallsKeepsNewest(t *testing.T) {
	g := newGatewayCalls(2)
	g.record("chat", "ok", time.Millisecond)
	g.record("chat", "ok", 2*time.Millisecond)
	g.record("chat", "retry", 3*time.Millisecond)

	st := g.snapshot().Endpoints[0]
	if st.Calls != 2 || st.MedianMS != 2 || st.MaxMS != 3 {
		t.Fatalf("chat stats = %+v, want the last two calls", st)
	}
	if st.Outcomes["retry"] != 1 || st.Outcomes["ok"] != 1 {
		t.Fatalf("Outcomes = %v", st.Outcomes)
	}

	g.reset()
	if got := len(g.snapshot().Endpoints); got != 0 {
		t.Fatalf("len(Endpoints) after reset = %d, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CaptureFinished("auto")
	m.ObserveGatewayRequest("tts", "ok", 0)
	m.ResetLatency()
	if snap := m.SnapshotLatency(); len(snap.Endpoints) != 0 {
		t.Fatalf("nil SnapshotLatency endpoints = %d, want 0", len(snap.Endpoints))
	}
}
