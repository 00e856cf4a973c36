package detect

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

type alertCollector struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (c *alertCollector) AddAlert(a model.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *alertCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *alertCollector) first() model.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerts[0]
}

func TestWorker_StreamModeEmitsAlert(t *testing.T) {
	b := bus.NewMemoryBus()
	cfg := config.Default()
	scorer := NewScorer(cfg, testLogger())
	batcher := NewMicroBatcher("sensor-test", 3, 1000000, scorer)

	source, err := NewBusSource(b)
	require.NoError(t, err)

	alertSub, err := b.Subscribe(bus.TopicAlerts)
	require.NoError(t, err)

	sink := &alertCollector{}
	w := NewWorker(b, sink, batcher, source, metrics.NewWith(prometheus.NewRegistry()), "sensor-test", testLogger())
	w.Start()
	defer w.Stop()

	// Three packets on the same flow cross the packet trigger.
	for i := 0; i < 3; i++ {
		evt := model.RawEvent{
			Src:       "10.1.1.1",
			Dst:       "10.2.2.2",
			Proto:     "tcp",
			SizeBytes: 500,
			Timestamp: float64(1000 + i),
		}
		data, err := json.Marshal(evt)
		require.NoError(t, err)
		require.NoError(t, b.Publish(bus.TopicRawEvents, data))
	}

	out, ok := alertSub.Receive(2 * time.Second)
	require.True(t, ok, "no alert published")

	var alert model.Alert
	require.NoError(t, json.Unmarshal(out, &alert))
	assert.Equal(t, "10.1.1.1", alert.SrcIP)
	assert.Equal(t, "10.2.2.2", alert.DstIP)
	assert.Equal(t, "tcp", alert.Proto)
	assert.Equal(t, "sensor-test", alert.SensorID)
	assert.Equal(t, 3.0, alert.Features.Pkts)
	assert.Equal(t, 1500.0, alert.Features.Bytes)

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, sink.count())
	assert.Equal(t, alert.ID, sink.first().ID)
}

func TestWorker_StreamModeIgnoresBelowThreshold(t *testing.T) {
	b := bus.NewMemoryBus()
	cfg := config.Default()
	scorer := NewScorer(cfg, testLogger())
	batcher := NewMicroBatcher("sensor-test", 10, 1000000, scorer)

	source, err := NewBusSource(b)
	require.NoError(t, err)

	sink := &alertCollector{}
	w := NewWorker(b, sink, batcher, source, metrics.NewWith(prometheus.NewRegistry()), "sensor-test", testLogger())
	w.Start()
	defer w.Stop()

	evt := model.RawEvent{Src: "10.1.1.1", Dst: "10.2.2.2", Proto: "tcp", SizeBytes: 100, Timestamp: 1000}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, b.Publish(bus.TopicRawEvents, data))

	time.Sleep(700 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestWorker_StreamModeSkipsMalformedEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	cfg := config.Default()
	scorer := NewScorer(cfg, testLogger())
	batcher := NewMicroBatcher("sensor-test", 2, 1000000, scorer)

	source, err := NewBusSource(b)
	require.NoError(t, err)

	sink := &alertCollector{}
	w := NewWorker(b, sink, batcher, source, metrics.NewWith(prometheus.NewRegistry()), "sensor-test", testLogger())
	w.Start()
	defer w.Stop()

	require.NoError(t, b.Publish(bus.TopicRawEvents, []byte("{not json")))
	for i := 0; i < 2; i++ {
		evt := model.RawEvent{Src: "10.1.1.1", Dst: "10.2.2.2", Proto: "tcp", SizeBytes: 500, Timestamp: float64(1000 + i)}
		data, err := json.Marshal(evt)
		require.NoError(t, err)
		require.NoError(t, b.Publish(bus.TopicRawEvents, data))
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, sink.count())
}

func TestWorker_SyntheticModeEmitsAlerts(t *testing.T) {
	b := bus.NewMemoryBus()
	cfg := config.Default()
	scorer := NewScorer(cfg, testLogger())
	batcher := NewMicroBatcher("sensor-test", 10, 20000, scorer)

	alertSub, err := b.Subscribe(bus.TopicAlerts)
	require.NoError(t, err)

	sink := &alertCollector{}
	w := NewWorker(b, sink, batcher, nil, metrics.NewWith(prometheus.NewRegistry()), "sensor-test", testLogger())
	w.Start()
	defer w.Stop()

	out, ok := alertSub.Receive(3 * time.Second)
	require.True(t, ok, "synthetic mode published no alert")

	var alert model.Alert
	require.NoError(t, json.Unmarshal(out, &alert))
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, "sensor-test", alert.SensorID)
	assert.GreaterOrEqual(t, alert.ModelScore, 0.1)
	assert.LessOrEqual(t, alert.ModelScore, 1.0)
	assert.Contains(t, []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh}, alert.Severity)
}

func TestWorker_StopJoins(t *testing.T) {
	b := bus.NewMemoryBus()
	cfg := config.Default()
	scorer := NewScorer(cfg, testLogger())
	batcher := NewMicroBatcher("sensor-test", 10, 20000, scorer)

	source, err := NewBusSource(b)
	require.NoError(t, err)

	w := NewWorker(b, &alertCollector{}, batcher, source, metrics.NewWith(prometheus.NewRegistry()), "sensor-test", testLogger())
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}
