package respond

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/bus"
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
)

type actionCollector struct {
	mu      sync.Mutex
	actions []model.ResponseAction
}

func (c *actionCollector) AddAction(a model.ResponseAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, a)
}

func (c *actionCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

func newTestWorker(t *testing.T, b bus.Bus, sink ActionSink, agent *Agent) *Worker {
	t.Helper()
	cfg := config.Default()
	m := metrics.NewWith(prometheus.NewRegistry())
	handler := NewHandler(cfg, m, testLogger())
	matrix := NewMatrix(cfg.Matrix)
	return NewWorker(b, sink, matrix, handler, agent, cfg.DedupeCap, m, testLogger())
}

func report(id string, severity model.Severity, risk, conf float64, verdict model.Verdict) model.InvestigationReport {
	return model.InvestigationReport{
		AlertID:       id,
		Timestamp:     model.Now(),
		Findings:      map[string]model.ReputationResult{"virustotal": {Source: "virustotal", IP: "203.0.113.7"}},
		Sources:       []string{"virustotal"},
		RiskScore:     risk,
		Verdict:       verdict,
		Confidence:    conf,
		AlertSeverity: severity,
	}
}

func TestWorker_DecideHighSeverityHighRisk(t *testing.T) {
	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, nil)

	action := w.Decide(report("a1", model.SeverityHigh, 0.95, 0.9, model.VerdictMalicious))
	assert.Equal(t, model.ActionIsolateContainer, action.ActionType)
	assert.Equal(t, "a1", action.AlertID)
	assert.Equal(t, "a1", action.ActionID)
	assert.Equal(t, "203.0.113.7", action.Target)
	assert.Equal(t, "high", action.SafetyGate)
	assert.Equal(t, "simulated_isolation", action.Result)
	assert.True(t, action.Reversible)
	assert.False(t, action.Reverted)
}

func TestWorker_DecideLowSeverityLowRisk(t *testing.T) {
	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, nil)

	action := w.Decide(report("a2", model.SeverityLow, 0.1, 0.2, model.VerdictBenign))
	assert.Equal(t, model.ActionMonitor, action.ActionType)
	assert.Equal(t, "recorded", action.Result)
	assert.Equal(t, "low", action.SafetyGate)
}

func TestWorker_DecideStrengthOrdering(t *testing.T) {
	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, nil)

	strength := map[model.ActionType]int{
		model.ActionMonitor:          0,
		model.ActionRateLimit:        1,
		model.ActionRedirectHoneypot: 2,
		model.ActionBlockIP:          3,
		model.ActionIsolateContainer: 4,
	}
	weak := w.Decide(report("a3", model.SeverityLow, 0.1, 0.9, model.VerdictBenign))
	strong := w.Decide(report("a4", model.SeverityHigh, 0.95, 0.9, model.VerdictMalicious))
	assert.Greater(t, strength[strong.ActionType], strength[weak.ActionType])
}

func TestWorker_DecideFallbackTarget(t *testing.T) {
	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, nil)

	r := report("a5", model.SeverityMedium, 0.7, 0.6, model.VerdictSuspicious)
	r.Findings = nil
	action := w.Decide(r)
	assert.Equal(t, "container://app1", action.Target)
}

func TestWorker_DecideWithAgentStaysInActionSpace(t *testing.T) {
	agent := newTestAgent(t)
	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, agent)

	valid := map[model.ActionType]struct{}{
		model.ActionMonitor:          {},
		model.ActionRateLimit:        {},
		model.ActionBlockIP:          {},
		model.ActionIsolateContainer: {},
		model.ActionRedirectHoneypot: {},
	}
	for i := 0; i < 50; i++ {
		action := w.Decide(report("b1", model.SeverityHigh, 0.95, 0.9, model.VerdictMalicious))
		_, ok := valid[action.ActionType]
		require.True(t, ok, "action %s outside policy action space", action.ActionType)
	}
}

func TestWorker_DecideTrainedAgentOverridesMatrix(t *testing.T) {
	cfg := config.Default().Policy
	cfg.Epsilon = 0.0
	cfg.TablePath = t.TempDir() + "/q_table.json"
	agent := NewAgent(cfg, testLogger())
	for i := 0; i < 100; i++ {
		agent.Update("high_high_business_low_ti_yes", "rate_limit", 10.0, "", true)
	}

	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, agent)
	w.nowHour = func() int { return 14 }

	action := w.Decide(report("b2", model.SeverityHigh, 0.95, 0.9, model.VerdictMalicious))
	assert.Equal(t, model.ActionRateLimit, action.ActionType)
}

func TestLoadTracker_SaturatesAndDecays(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newLoadTracker()
	l.now = func() time.Time { return now }

	assert.Zero(t, l.load())

	for i := 0; i < 30; i++ {
		l.observe()
	}
	assert.InDelta(t, 0.25, l.load(), 1e-9)

	for i := 0; i < 200; i++ {
		l.observe()
	}
	assert.Equal(t, 1.0, l.load())

	// Everything falls out of the window.
	now = now.Add(2 * time.Minute)
	assert.Zero(t, l.load())
}

func TestWorker_NetworkLoadFeedsPolicyState(t *testing.T) {
	cfg := config.Default().Policy
	cfg.Epsilon = 0.0
	cfg.TablePath = t.TempDir() + "/q_table.json"
	agent := NewAgent(cfg, testLogger())

	// Train distinct preferences for the low-load and high-load states.
	for i := 0; i < 100; i++ {
		agent.Update("high_high_business_low_ti_yes", "block_ip", 10.0, "", true)
		agent.Update("high_high_business_high_ti_yes", "rate_limit", 10.0, "", true)
	}

	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, agent)
	w.nowHour = func() int { return 14 }

	r := report("load1", model.SeverityHigh, 0.95, 0.9, model.VerdictMalicious)
	action := w.Decide(r)
	assert.Equal(t, model.ActionBlockIP, action.ActionType)

	now := time.Unix(1000, 0)
	w.load.now = func() time.Time { return now }
	for i := 0; i < 200; i++ {
		w.load.observe()
	}
	action = w.Decide(r)
	assert.Equal(t, model.ActionRateLimit, action.ActionType)
}

func TestWorker_ConsumesReportsFromBus(t *testing.T) {
	b := bus.NewMemoryBus()
	sink := &actionCollector{}
	w := newTestWorker(t, b, sink, nil)

	respSub, err := b.Subscribe(bus.TopicResponses)
	require.NoError(t, err)

	require.NoError(t, w.Start())
	defer w.Stop()

	data, err := json.Marshal(report("c1", model.SeverityHigh, 0.9, 0.9, model.VerdictMalicious))
	require.NoError(t, err)
	require.NoError(t, b.Publish(bus.TopicInvestigations, data))

	out, ok := respSub.Receive(2 * time.Second)
	require.True(t, ok, "no response action published")

	var action model.ResponseAction
	require.NoError(t, json.Unmarshal(out, &action))
	assert.Equal(t, "c1", action.AlertID)
	assert.Equal(t, model.ActionIsolateContainer, action.ActionType)
	assert.Equal(t, 1, sink.count())
}

func TestWorker_DuplicateReportsSkipped(t *testing.T) {
	b := bus.NewMemoryBus()
	sink := &actionCollector{}
	w := newTestWorker(t, b, sink, nil)

	require.NoError(t, w.Start())
	defer w.Stop()

	data, err := json.Marshal(report("d1", model.SeverityMedium, 0.7, 0.6, model.VerdictSuspicious))
	require.NoError(t, err)
	require.NoError(t, b.Publish(bus.TopicInvestigations, data))
	require.NoError(t, b.Publish(bus.TopicInvestigations, data))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestWorker_RevertRoundTrip(t *testing.T) {
	w := newTestWorker(t, bus.NewMemoryBus(), &actionCollector{}, nil)

	action := w.Decide(report("e1", model.SeverityHigh, 0.95, 0.9, model.VerdictMalicious))
	assert.Equal(t, "reverted", w.Revert(action))
	assert.Equal(t, "noop", w.Revert(action))
}
