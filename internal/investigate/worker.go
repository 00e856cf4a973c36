// Package investigate implements the investigation stage: alerts are
// enriched with reputation data from every configured source concurrently
// and aggregated into a risk verdict.
package investigate

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentinelops/sentinel/internal/bus"
	"github.com/sentinelops/sentinel/internal/intel"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
)

const receiveTimeout = 500 * time.Millisecond

// ReportSink is where finished reports are appended for external readers.
type ReportSink interface {
	AddInvestigation(report model.InvestigationReport)
}

// Worker consumes alerts, fans out to the reputation clients, and emits
// investigation reports. Consumption is idempotent per alert id so the
// at-least-once bus backend cannot trigger duplicate investigations.
type Worker struct {
	bus     bus.Bus
	sink    ReportSink
	clients []intel.Client
	seen    *lru.Cache[string, struct{}]
	metrics *metrics.Metrics
	logger  *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker creates an investigation worker over the given client set.
func NewWorker(b bus.Bus, sink ReportSink, clients []intel.Client, dedupeCap int, m *metrics.Metrics, logger *slog.Logger) *Worker {
	seen, _ := lru.New[string, struct{}](dedupeCap)
	return &Worker{
		bus:     b,
		sink:    sink,
		clients: clients,
		seen:    seen,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start subscribes to the alerts topic and launches the worker goroutine.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(bus.TopicAlerts)
	if err != nil {
		return err
	}
	go func() {
		defer close(w.doneCh)
		defer sub.Unsubscribe()
		w.logger.Info("investigation worker started", "sources", len(w.clients))
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

// Stop signals the worker and waits for it with a bounded join. Mid-flight
// lookups complete or time out on their own schedule.
func (w *Worker) Stop() {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(2 * time.Second):
		w.logger.Warn("investigation worker did not stop in time")
	}
}

func (w *Worker) handle(data []byte) {
	var alert model.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		w.logger.Error("failed to parse alert", "error", err)
		return
	}
	if _, dup := w.seen.Get(alert.ID); dup {
		w.logger.Debug("duplicate alert skipped", "alert_id", alert.ID)
		return
	}
	w.seen.Add(alert.ID, struct{}{})

	start := time.Now()
	report := w.Investigate(context.Background(), alert)
	w.metrics.InvestigateDuration.Observe(time.Since(start).Seconds())

	out, err := json.Marshal(report)
	if err != nil {
		w.logger.Error("failed to marshal report", "alert_id", alert.ID, "error", err)
		return
	}
	if err := w.bus.Publish(bus.TopicInvestigations, out); err != nil {
		w.logger.Error("failed to publish report", "alert_id", alert.ID, "error", err)
	}
	w.sink.AddInvestigation(report)
	w.metrics.InvestigationsTotal.WithLabelValues(string(report.Verdict)).Inc()
	w.logger.Info("investigation completed",
		"alert_id", alert.ID,
		"risk_score", report.RiskScore,
		"verdict", report.Verdict,
		"uncertainty", report.Uncertainty)
}

// Investigate queries every source concurrently and aggregates the
// findings. Each lookup is individually time-bounded inside its client, so
// one slow source never stalls the others.
func (w *Worker) Investigate(ctx context.Context, alert model.Alert) model.InvestigationReport {
	findings := make(map[string]model.ReputationResult, len(w.clients))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range w.clients {
		wg.Add(1)
		go func(c intel.Client) {
			defer wg.Done()
			res := c.Lookup(ctx, alert.SrcIP)
			mu.Lock()
			findings[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return Aggregate(alert, findings, sourceNames(w.clients))
}

func sourceNames(clients []intel.Client) []string {
	names := make([]string, len(clients))
	for i, c := range clients {
		names[i] = c.Name()
	}
	return names
}

// Aggregate folds per-source findings into the composite report. Each
// source contributes a normalized [0,1] term with a fixed weight; the
// composite risk blends the alert's model score with the external sum.
func Aggregate(alert model.Alert, findings map[string]model.ReputationResult, sources []string) model.InvestigationReport {
	ext := 0.0
	degraded := 0
	for _, res := range findings {
		if res.Degraded {
			degraded++
		}
		switch res.Source {
		case "virustotal":
			ext += res.Reputation / 100.0
		case "abuseipdb":
			ext += res.AbuseScore / 100.0
		case "otx":
			ext += math.Min(0.3, 0.1*float64(res.Pulses))
		case "ipqualityscore":
			ext += res.FraudScore / 100.0
		case "threatcrowd":
			ext += math.Min(0.2, 0.05*float64(res.Votes))
		case "greynoise":
			if res.Classification == "malicious" {
				ext += 0.3
			} else if res.Noise {
				ext += 0.1
			}
		}
	}
	n := len(sources)
	if n == 0 {
		n = 1
	}
	risk := clamp01(0.4*alert.ModelScore + 0.6*(ext/float64(n)))

	verdict := model.VerdictBenign
	switch {
	case risk >= 0.7:
		verdict = model.VerdictMalicious
	case risk >= 0.5:
		verdict = model.VerdictSuspicious
	}

	degradedFrac := float64(degraded) / float64(n)
	infoConf := 1.0 - degradedFrac
	confidence := math.Max(0.1, math.Min(1.0, 0.5*alert.Confidence+0.5*infoConf))

	return model.InvestigationReport{
		AlertID:       alert.ID,
		Timestamp:     model.Now(),
		Findings:      findings,
		Sources:       sources,
		RiskScore:     risk,
		Verdict:       verdict,
		Confidence:    confidence,
		Uncertainty:   degradedFrac,
		AlertSeverity: alert.Severity,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
