package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// GatewayStats summarizes the recent calls to one backend endpoint.
type GatewayStats struct {
	Endpoint   string         `json:"endpoint"`
	Calls      int            `json:"calls"`
	Outcomes   map[string]int `json:"outcomes"`
	LastMS     float64        `json:"last_ms"`
	MedianMS   float64        `json:"median_ms"`
	P95MS      float64        `json:"p95_ms"`
	MaxMS      float64        `json:"max_ms"`
	BudgetMS   float64        `json:"budget_ms,omitempty"`
	OverBudget int            `json:"over_budget"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Keep        int            `json:"keep"`
	Endpoints   []GatewayStats `json:"endpoints"`
}

// Latency budgets per backend endpoint.
var endpointBudgets = map[string]time.Duration{
	"tts":                        1500 * time.Millisecond,
	"chat":                       3 * time.Second,
	"ask":                        4 * time.Second,
	"writing-assistant":          6 * time.Second,
	"writing-assistant-spelling": 6 * time.Second,
}

type gatewayCall struct {
	took    time.Duration
	outcome string
}

// gatewayCalls keeps the last keep calls per endpoint.
type gatewayCalls struct {
	mu    sync.Mutex
	keep  int
	calls map[string][]gatewayCall
}

func newGatewayCalls(keep int) *gatewayCalls {
	if keep <= 0 {
		keep = 256
	}
	return &gatewayCalls{keep: keep, calls: make(map[string][]gatewayCall)}
}

func (g *gatewayCalls) record(endpoint, outcome string, took time.Duration) {
	if endpoint == "" || took < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	calls := append(g.calls[endpoint], gatewayCall{took: took, outcome: outcome})
	if over := len(calls) - g.keep; over > 0 {
		calls = append(calls[:0:0], calls[over:]...)
	}
	g.calls[endpoint] = calls
}

func (g *gatewayCalls) snapshot() LatencySnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := LatencySnapshot{GeneratedAt: time.Now().UTC(), Keep: g.keep, Endpoints: []GatewayStats{}}
	for endpoint, calls := range g.calls {
		if len(calls) == 0 {
			continue
		}
		budget := endpointBudgets[endpoint]
		st := GatewayStats{
			Endpoint: endpoint,
			Calls:    len(calls),
			Outcomes: make(map[string]int),
			LastMS:   millis(calls[len(calls)-1].took),
			BudgetMS: millis(budget),
		}
		took := make([]time.Duration, len(calls))
		for i, c := range calls {
			took[i] = c.took
			st.Outcomes[c.outcome]++
			if budget > 0 && c.took > budget {
				st.OverBudget++
			}
		}
		sort.Slice(took, func(i, j int) bool { return took[i] < took[j] })
		st.MedianMS = millis(nearestRank(took, 0.5))
		st.P95MS = millis(nearestRank(took, 0.95))
		st.MaxMS = millis(took[len(took)-1])
		snap.Endpoints = append(snap.Endpoints, st)
	}
	sort.Slice(snap.Endpoints, func(i, j int) bool { return snap.Endpoints[i].Endpoint < snap.Endpoints[j].Endpoint })
	return snap
}

func (g *gatewayCalls) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = make(map[string][]gatewayCall)
}

// nearestRank expects sorted input.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
