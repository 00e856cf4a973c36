package detect

import (
	"strconv"

	"github.com/sentinelops/sentinel/internal/model"
)

// MicroBatcher accumulates per-flow features and emits a candidate alert
// whenever a flow crosses the packet or byte trigger threshold. The flow
// bucket is reset after each alert, so features always cover the window
// since the previous alert for that flow.
type MicroBatcher struct {
	sensorID string
	pktTh    float64
	bytesTh  float64
	flows    *FlowTable
	scorer   *Scorer
}

// NewMicroBatcher creates a batcher with the given trigger thresholds.
func NewMicroBatcher(sensorID string, pktThreshold, bytesThreshold int, scorer *Scorer) *MicroBatcher {
	return &MicroBatcher{
		sensorID: sensorID,
		pktTh:    float64(pktThreshold),
		bytesTh:  float64(bytesThreshold),
		flows:    NewFlowTable(),
		scorer:   scorer,
	}
}

// Step folds one raw event into its flow bucket and returns an alert if
// the trigger condition was reached, nil otherwise.
func (b *MicroBatcher) Step(evt model.RawEvent) *model.Alert {
	ts := evt.Timestamp
	if ts == 0 {
		ts = model.Now()
	}
	key := FlowKey{Src: evt.Src, Dst: evt.Dst, Proto: evt.Proto}
	feats := b.flows.Step(key, evt.SizeBytes, ts)
	if feats.Pkts < b.pktTh && feats.Bytes < b.bytesTh {
		return nil
	}
	r := b.scorer.Score(feats)
	proto := evt.Proto
	if proto == "" {
		proto = "ip"
	}
	alert := &model.Alert{
		ID:         strconv.FormatInt(int64(ts*1e6), 10),
		Timestamp:  ts,
		SrcIP:      evt.Src,
		DstIP:      evt.Dst,
		Proto:      proto,
		Features:   feats,
		ModelScore: r.Score,
		Confidence: r.Confidence,
		Severity:   r.Severity,
		SensorID:   b.sensorID,
	}
	b.flows.Reset(key)
	return alert
}

// Features reports the current snapshot for a flow without updating it.
func (b *MicroBatcher) Features(src, dst, proto string) (model.FeatureSnapshot, bool) {
	return b.flows.Get(FlowKey{Src: src, Dst: dst, Proto: proto})
}
