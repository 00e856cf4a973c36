// Package detect implements the detection stage: per-flow feature
// aggregation, scoring, and the worker that turns raw network events into
// alerts.
package detect

import (
	"sync"

	"github.com/sentinelops/sentinel/internal/model"
)

// FlowKey identifies one aggregation bucket.
type FlowKey struct {
	Src   string
	Dst   string
	Proto string
}

// FlowStats is the mutable accumulator for one flow. It is owned by the
// FlowTable; callers only see feature snapshots.
type FlowStats struct {
	bytesTotal int64
	pktsTotal  int64
	lastTS     float64
	hasLast    bool
	iatSum     float64
	iatCount   int64
}

func (s *FlowStats) update(size int, ts float64) {
	s.bytesTotal += int64(size)
	s.pktsTotal++
	if s.hasLast {
		dt := ts - s.lastTS
		if dt < 0 {
			dt = 0
		}
		s.iatSum += dt
		s.iatCount++
	}
	s.lastTS = ts
	s.hasLast = true
}

// Features returns the current feature snapshot. The inter-arrival average
// is zero until at least two updates have been seen.
func (s *FlowStats) Features() model.FeatureSnapshot {
	iatAvg := 0.0
	if s.iatCount > 0 {
		iatAvg = s.iatSum / float64(s.iatCount)
	}
	return model.FeatureSnapshot{
		Bytes:  float64(s.bytesTotal),
		Pkts:   float64(s.pktsTotal),
		IATAvg: iatAvg,
	}
}

// FlowTable aggregates running statistics per flow key.
type FlowTable struct {
	mu    sync.Mutex
	flows map[FlowKey]*FlowStats
}

// NewFlowTable creates an empty flow table.
func NewFlowTable() *FlowTable {
	return &FlowTable{flows: make(map[FlowKey]*FlowStats)}
}

// Step updates the stats for the key (creating the bucket if absent) and
// returns the resulting feature snapshot.
func (t *FlowTable) Step(key FlowKey, size int, ts float64) model.FeatureSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats, ok := t.flows[key]
	if !ok {
		stats = &FlowStats{}
		t.flows[key] = stats
	}
	stats.update(size, ts)
	return stats.Features()
}

// Get returns the snapshot for a key, or ok=false if the bucket does not
// exist.
func (t *FlowTable) Get(key FlowKey) (model.FeatureSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats, ok := t.flows[key]
	if !ok {
		return model.FeatureSnapshot{}, false
	}
	return stats.Features(), true
}

// Reset clears the bucket for a key. Features are always measured since
// the last alert for the flow, not lifetime totals.
func (t *FlowTable) Reset(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, key)
}
