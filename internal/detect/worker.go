package detect

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/sentinelops/sentinel/internal/bus"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
)

const receiveTimeout = 500 * time.Millisecond

// EventSource feeds raw network events into the detection worker. Live
// packet capture is an external collaborator behind this interface; the
// in-tree implementation reads the rawevents bus topic.
type EventSource interface {
	Next(timeout time.Duration) (model.RawEvent, bool)
	Close() error
}

// BusSource reads raw events published on the bus (e.g. by the traffic
// generator).
type BusSource struct {
	sub bus.Subscription
}

// NewBusSource subscribes to the rawevents topic.
func NewBusSource(b bus.Bus) (*BusSource, error) {
	sub, err := b.Subscribe(bus.TopicRawEvents)
	if err != nil {
		return nil, err
	}
	return &BusSource{sub: sub}, nil
}

// Next returns the next decodable raw event, or ok=false on timeout.
func (s *BusSource) Next(timeout time.Duration) (model.RawEvent, bool) {
	data, ok := s.sub.Receive(timeout)
	if !ok {
		return model.RawEvent{}, false
	}
	var evt model.RawEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return model.RawEvent{}, false
	}
	return evt, true
}

// Close unsubscribes from the topic.
func (s *BusSource) Close() error {
	return s.sub.Unsubscribe()
}

// AlertSink is where emitted alerts are appended for external readers.
type AlertSink interface {
	AddAlert(alert model.Alert)
}

// Worker drives the batcher and scorer over an event stream and emits
// alerts on the bus. With no event source configured it runs in synthetic
// mode, emitting randomized alerts for environments without capture.
type Worker struct {
	bus      bus.Bus
	sink     AlertSink
	batcher  *MicroBatcher
	source   EventSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sensorID string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker creates a detection worker. source may be nil for synthetic
// mode.
func NewWorker(b bus.Bus, sink AlertSink, batcher *MicroBatcher, source EventSource, m *metrics.Metrics, sensorID string, logger *slog.Logger) *Worker {
	return &Worker{
		bus:      b,
		sink:     sink,
		batcher:  batcher,
		source:   source,
		metrics:  m,
		logger:   logger,
		sensorID: sensorID,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go func() {
		defer close(w.doneCh)
		if w.source != nil {
			w.runStream()
		} else {
			w.runSynthetic()
		}
	}()
}

// Stop signals the worker and waits for it with a bounded join.
func (w *Worker) Stop() {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(2 * time.Second):
		w.logger.Warn("detection worker did not stop in time")
	}
}

func (w *Worker) runStream() {
	w.logger.Info("detection worker started", "mode", "stream", "sensor_id", w.sensorID)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		evt, ok := w.source.Next(receiveTimeout)
		if !ok {
			continue
		}
		start := time.Now()
		w.metrics.EventsTotal.Inc()
		alert := w.batcher.Step(evt)
		w.metrics.DetectionDuration.Observe(time.Since(start).Seconds())
		if alert == nil {
			continue
		}
		w.emit(*alert)
	}
}

func (w *Worker) runSynthetic() {
	w.logger.Info("detection worker started", "mode", "synthetic", "sensor_id", w.sensorID)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.emit(w.syntheticAlert())
		}
	}
}

func (w *Worker) syntheticAlert() model.Alert {
	score := 0.1 + 0.9*rand.Float64()
	sev := model.SeverityLow
	switch {
	case score >= 0.8:
		sev = model.SeverityHigh
	case score >= 0.5:
		sev = model.SeverityMedium
	}
	ts := model.Now()
	return model.Alert{
		ID:         strconv.FormatInt(int64(ts*1e6), 10),
		Timestamp:  ts,
		SrcIP:      "10.0.0.5",
		DstIP:      "10.0.0.10",
		Proto:      "tcp",
		ModelScore: score,
		Confidence: score,
		Severity:   sev,
		SensorID:   w.sensorID,
	}
}

func (w *Worker) emit(alert model.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		w.logger.Error("failed to marshal alert", "alert_id", alert.ID, "error", err)
		return
	}
	if err := w.bus.Publish(bus.TopicAlerts, data); err != nil {
		w.logger.Error("failed to publish alert", "alert_id", alert.ID, "error", err)
	}
	w.sink.AddAlert(alert)
	w.metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	w.logger.Info("alert emitted",
		"alert_id", alert.ID,
		"src_ip", alert.SrcIP,
		"dst_ip", alert.DstIP,
		"severity", alert.Severity,
		"score", alert.ModelScore)
}
