// Package store provides the append-only observable record of alerts,
// investigations, and actions. Appends are concurrent and non-blocking
// from all three workers; reads are eventually consistent with writes.
// Capacity is bounded by ring buffers with an explicit overwrite-oldest
// retention policy.
package store

import (
	"container/ring"
	"sync"

	"github.com/sentinelops/sentinel/internal/model"
)

type ringLog[T any] struct {
	mu  sync.RWMutex
	buf *ring.Ring
}

func newRingLog[T any](capacity int) *ringLog[T] {
	return &ringLog[T]{buf: ring.New(capacity)}
}

func (l *ringLog[T]) add(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Value = v
	l.buf = l.buf.Next()
}

func (l *ringLog[T]) all() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []T
	l.buf.Do(func(value interface{}) {
		if value != nil {
			if v, ok := value.(T); ok {
				out = append(out, v)
			}
		}
	})
	return out
}

// page returns items[offset:offset+limit] oldest first.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) || offset < 0 {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// Counts aggregates the store contents for the stats endpoint.
type Counts struct {
	Alerts           int            `json:"alerts"`
	Investigations   int            `json:"investigations"`
	Actions          int            `json:"actions"`
	AlertsBySeverity map[string]int `json:"alerts_by_severity"`
	ReportsByVerdict map[string]int `json:"reports_by_verdict"`
	ActionsByType    map[string]int `json:"actions_by_type"`
}

// MemoryStore is the in-process state store.
type MemoryStore struct {
	alerts  *ringLog[model.Alert]
	reports *ringLog[model.InvestigationReport]
	actions *ringLog[*model.ResponseAction]
}

// NewMemoryStore creates a store with the given per-record capacities.
func NewMemoryStore(maxAlerts, maxReports, maxActions int) *MemoryStore {
	return &MemoryStore{
		alerts:  newRingLog[model.Alert](maxAlerts),
		reports: newRingLog[model.InvestigationReport](maxReports),
		actions: newRingLog[*model.ResponseAction](maxActions),
	}
}

// AddAlert appends an alert.
func (s *MemoryStore) AddAlert(alert model.Alert) {
	s.alerts.add(alert)
}

// AddInvestigation appends an investigation report.
func (s *MemoryStore) AddInvestigation(report model.InvestigationReport) {
	s.reports.add(report)
}

// AddAction appends a response action. The store keeps the pointer so a
// later revert can flip the flag without rewriting history.
func (s *MemoryStore) AddAction(action model.ResponseAction) {
	s.actions.add(&action)
}

// ListAlerts returns a page of alerts, oldest first.
func (s *MemoryStore) ListAlerts(offset, limit int) []model.Alert {
	return page(s.alerts.all(), offset, limit)
}

// ListInvestigations returns a page of reports, oldest first.
func (s *MemoryStore) ListInvestigations(offset, limit int) []model.InvestigationReport {
	return page(s.reports.all(), offset, limit)
}

// ListActions returns a page of actions, oldest first.
func (s *MemoryStore) ListActions(offset, limit int) []model.ResponseAction {
	ptrs := page(s.actions.all(), offset, limit)
	out := make([]model.ResponseAction, 0, len(ptrs))
	for _, p := range ptrs {
		out = append(out, *p)
	}
	return out
}

// FindAction returns the recorded action with the given id.
func (s *MemoryStore) FindAction(actionID string) (model.ResponseAction, bool) {
	for _, p := range s.actions.all() {
		if p.ActionID == actionID {
			return *p, true
		}
	}
	return model.ResponseAction{}, false
}

// MarkReverted flips the reverted flag on the recorded action. The record
// itself is never removed.
func (s *MemoryStore) MarkReverted(actionID string) bool {
	s.actions.mu.Lock()
	defer s.actions.mu.Unlock()
	found := false
	s.actions.buf.Do(func(value interface{}) {
		if p, ok := value.(*model.ResponseAction); ok && p.ActionID == actionID {
			p.Reverted = true
			found = true
		}
	})
	return found
}

// GetCounts aggregates by severity, verdict, and action type.
func (s *MemoryStore) GetCounts() Counts {
	c := Counts{
		AlertsBySeverity: make(map[string]int),
		ReportsByVerdict: make(map[string]int),
		ActionsByType:    make(map[string]int),
	}
	for _, a := range s.alerts.all() {
		c.Alerts++
		c.AlertsBySeverity[string(a.Severity)]++
	}
	for _, r := range s.reports.all() {
		c.Investigations++
		c.ReportsByVerdict[string(r.Verdict)]++
	}
	for _, p := range s.actions.all() {
		c.Actions++
		c.ActionsByType[p.ActionType.String()]++
	}
	return c
}
