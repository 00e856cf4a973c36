package respond

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentinelops/sentinel/internal/bus"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
)

const receiveTimeout = 500 * time.Millisecond

const (
	loadWindow = time.Minute
	// loadFullScale is the report arrival count per window treated as
	// saturated network load.
	loadFullScale = 120.0
)

// loadTracker estimates current pipeline pressure from report arrivals in
// a sliding window, normalized to [0,1].
type loadTracker struct {
	mu    sync.Mutex
	times []time.Time
	now   func() time.Time
}

func newLoadTracker() *loadTracker {
	return &loadTracker{now: time.Now}
}

func (l *loadTracker) observe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now()
	l.prune(t)
	l.times = append(l.times, t)
}

func (l *loadTracker) load() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	v := float64(len(l.times)) / loadFullScale
	if v > 1.0 {
		v = 1.0
	}
	return v
}

func (l *loadTracker) prune(now time.Time) {
	cutoff := now.Add(-loadWindow)
	i := 0
	for i < len(l.times) && l.times[i].Before(cutoff) {
		i++
	}
	l.times = l.times[i:]
}

// ActionSink is where decided actions are appended for external readers.
type ActionSink interface {
	AddAction(action model.ResponseAction)
}

// Worker consumes investigation reports, selects an action through the
// decision matrix (optionally overridden by the policy agent), executes it
// through the handler, and emits the resulting response action. It is the
// only writer of the policy agent's value table.
type Worker struct {
	bus     bus.Bus
	sink    ActionSink
	matrix  *Matrix
	handler *Handler
	agent   *Agent // nil when the adaptive overlay is disabled
	seen    *lru.Cache[string, struct{}]
	load    *loadTracker
	metrics *metrics.Metrics
	logger  *slog.Logger
	nowHour func() int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker creates a response worker. agent may be nil.
func NewWorker(b bus.Bus, sink ActionSink, matrix *Matrix, handler *Handler, agent *Agent, dedupeCap int, m *metrics.Metrics, logger *slog.Logger) *Worker {
	seen, _ := lru.New[string, struct{}](dedupeCap)
	return &Worker{
		bus:     b,
		sink:    sink,
		matrix:  matrix,
		handler: handler,
		agent:   agent,
		seen:    seen,
		load:    newLoadTracker(),
		metrics: m,
		logger:  logger,
		nowHour: func() int { return time.Now().Hour() },
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start subscribes to the investigations topic and launches the worker
// goroutine.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(bus.TopicInvestigations)
	if err != nil {
		return err
	}
	go func() {
		defer close(w.doneCh)
		defer sub.Unsubscribe()
		w.logger.Info("response worker started",
			"mode", string(w.handler.Mode()),
			"policy_agent", w.agent != nil)
		for {
			select {
			case <-w.stopCh:
				return
			default:
			}
			data, ok := sub.Receive(receiveTimeout)
			if !ok {
				continue
			}
			w.handle(data)
		}
	}()
	return nil
}

// Stop signals the worker and waits for it with a bounded join.
func (w *Worker) Stop() {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(2 * time.Second):
		w.logger.Warn("response worker did not stop in time")
	}
}

func (w *Worker) handle(data []byte) {
	var report model.InvestigationReport
	if err := json.Unmarshal(data, &report); err != nil {
		w.logger.Error("failed to parse investigation report", "error", err)
		return
	}
	if _, dup := w.seen.Get(report.AlertID); dup {
		w.logger.Debug("duplicate report skipped", "alert_id", report.AlertID)
		return
	}
	w.seen.Add(report.AlertID, struct{}{})
	w.load.observe()

	start := time.Now()
	action := w.Decide(report)
	w.metrics.ResponseDuration.Observe(time.Since(start).Seconds())

	out, err := json.Marshal(action)
	if err != nil {
		w.logger.Error("failed to marshal response action", "alert_id", report.AlertID, "error", err)
		return
	}
	if err := w.bus.Publish(bus.TopicResponses, out); err != nil {
		w.logger.Error("failed to publish response action", "alert_id", report.AlertID, "error", err)
	}
	w.sink.AddAction(action)
	w.metrics.ResponsesTotal.WithLabelValues(action.ActionType.String()).Inc()
	w.logger.Info("response decided",
		"alert_id", report.AlertID,
		"action", action.ActionType.String(),
		"target", action.Target,
		"result", action.Result,
		"safety_gate", action.SafetyGate)
}

// Decide maps one report to an executed response action.
func (w *Worker) Decide(report model.InvestigationReport) model.ResponseAction {
	decision := w.matrix.Decide(report.AlertSeverity, report.RiskScore, report.Confidence)
	actionType := decision.Action

	if w.agent != nil {
		state := w.agent.GetState(
			model.Alert{Severity: report.AlertSeverity, ModelScore: report.RiskScore},
			StateContext{
				Hour:        w.nowHour(),
				NetworkLoad: w.load.load(),
				TIMalicious: report.Verdict == model.VerdictMalicious,
			},
		)
		if name := w.agent.SelectAction(state); name != "" {
			if at, err := model.ParseActionType(name); err == nil {
				actionType = at
			}
		}
	}

	target := w.targetFor(report)
	params := map[string]string{"verdict": string(report.Verdict)}
	result := w.handler.Execute(actionType, target, params)

	return model.ResponseAction{
		ActionID:   report.AlertID,
		AlertID:    report.AlertID,
		Timestamp:  model.Now(),
		ActionType: actionType,
		Target:     target,
		Parameters: params,
		Result:     result,
		SafetyGate: decision.SafetyTier,
		Reversible: true,
		Reverted:   false,
	}
}

// targetFor picks the mitigation target: the investigated indicator when
// the findings carry one, else the default workload handle.
func (w *Worker) targetFor(report model.InvestigationReport) string {
	for _, res := range report.Findings {
		if res.IP != "" {
			return res.IP
		}
	}
	return "container://app1"
}

// Revert undoes a recorded action and flips its reverted flag through the
// sink's owning store.
func (w *Worker) Revert(action model.ResponseAction) string {
	return w.handler.Revert(action.ActionType, action.Target)
}
