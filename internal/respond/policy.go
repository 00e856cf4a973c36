package respond

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/model"
)

// policyActions is the agent's action space, by wire name.
var policyActions = []string{
	"log_only",
	"rate_limit",
	"block_ip",
	"isolate_container",
	"redirect_to_honeypot",
}

// StateContext carries the situational signals discretized into the state
// key alongside the alert itself.
type StateContext struct {
	Hour        int
	NetworkLoad float64
	TIMalicious bool
}

// Agent is the Q-learning overlay that can adapt action selection from
// outcome feedback. The value table is its entire learned state, written
// only by the single response worker and persisted as a unit; the stats
// API reads it concurrently, so all table access goes through mu. Unseen
// states default to zero for every action.
type Agent struct {
	lr         float64
	gamma      float64
	epsilon    float64
	decay      float64
	epsilonMin float64
	tablePath  string
	logger     *slog.Logger

	mu           sync.RWMutex
	qtable       map[string]map[string]float64
	actionCounts map[string]int
}

// NewAgent creates an agent with the configured hyperparameters and loads
// a previously persisted table if one exists.
func NewAgent(cfg config.PolicyConfig, logger *slog.Logger) *Agent {
	a := &Agent{
		lr:           cfg.LearningRate,
		gamma:        cfg.Discount,
		epsilon:      cfg.Epsilon,
		decay:        cfg.EpsilonDecay,
		epsilonMin:   cfg.EpsilonMin,
		tablePath:    cfg.TablePath,
		logger:       logger,
		qtable:       make(map[string]map[string]float64),
		actionCounts: make(map[string]int),
	}
	if err := a.Load(a.tablePath); err != nil {
		logger.Info("starting with empty value table", "path", cfg.TablePath, "reason", err)
	}
	return a
}

// GetState discretizes an alert and its context into the state key.
func (a *Agent) GetState(alert model.Alert, ctx StateContext) string {
	confBucket := "low"
	switch {
	case alert.ModelScore > 0.8:
		confBucket = "high"
	case alert.ModelScore > 0.5:
		confBucket = "medium"
	}
	timeBucket := "off_hours"
	if ctx.Hour >= 9 && ctx.Hour <= 17 {
		timeBucket = "business"
	}
	loadBucket := "low"
	switch {
	case ctx.NetworkLoad > 0.7:
		loadBucket = "high"
	case ctx.NetworkLoad > 0.3:
		loadBucket = "medium"
	}
	ti := "ti_no"
	if ctx.TIMalicious {
		ti = "ti_yes"
	}
	return strings.Join([]string{string(alert.Severity), confBucket, timeBucket, loadBucket, ti}, "_")
}

// values returns the per-action row for state, creating it on first use.
// Callers must hold mu.
func (a *Agent) values(state string) map[string]float64 {
	vals, ok := a.qtable[state]
	if !ok {
		vals = make(map[string]float64, len(policyActions))
		for _, act := range policyActions {
			vals[act] = 0.0
		}
		a.qtable[state] = vals
	}
	return vals
}

// SelectAction picks an action epsilon-greedily: explore uniformly with
// probability epsilon, otherwise take the arg-max with uniform random
// tie-breaking.
func (a *Agent) SelectAction(state string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	vals := a.values(state)
	var chosen string
	if rand.Float64() < a.epsilon {
		chosen = policyActions[rand.Intn(len(policyActions))]
	} else {
		maxQ := vals[policyActions[0]]
		for _, act := range policyActions[1:] {
			if vals[act] > maxQ {
				maxQ = vals[act]
			}
		}
		var best []string
		for _, act := range policyActions {
			if vals[act] == maxQ {
				best = append(best, act)
			}
		}
		chosen = best[rand.Intn(len(best))]
	}
	a.actionCounts[chosen]++
	return chosen
}

// Update applies the one-step Q-learning rule. For terminal transitions
// the target is the reward alone.
func (a *Agent) Update(state, action string, reward float64, nextState string, terminal bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	vals := a.values(state)
	target := reward
	if !terminal {
		next := a.values(nextState)
		maxNext := next[policyActions[0]]
		for _, act := range policyActions[1:] {
			if next[act] > maxNext {
				maxNext = next[act]
			}
		}
		target = reward + a.gamma*maxNext
	}
	vals[action] += a.lr * (target - vals[action])
}

// CalculateReward shapes the terminal reward from an outcome's business
// signals.
func (a *Agent) CalculateReward(action string, outcome map[string]float64) float64 {
	reward := 0.0
	threatStopped := outcome["threat_stopped"] > 0
	if threatStopped {
		reward += 10.0
	}
	if outcome["false_positive"] > 0 {
		reward -= 5.0
	}
	reward -= outcome["services_disrupted"] * 2.0
	reward -= outcome["users_affected"] * 0.1
	if rt, ok := outcome["response_time"]; ok && rt < 5.0 {
		reward += 2.0
	}
	if action == "log_only" && threatStopped {
		reward -= 3.0
	}
	if action == "isolate_container" && !threatStopped {
		reward -= 2.0
	}
	return reward
}

// DecayEpsilon geometrically decays the exploration rate toward its floor.
func (a *Agent) DecayEpsilon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epsilon *= a.decay
	if a.epsilon < a.epsilonMin {
		a.epsilon = a.epsilonMin
	}
}

// Q reports the current estimate for a state/action pair without creating
// table entries.
func (a *Agent) Q(state, action string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if vals, ok := a.qtable[state]; ok {
		return vals[action]
	}
	return 0.0
}

// Stats summarizes the agent for the read API. The counts map is copied
// so callers never hold a reference into the live table.
func (a *Agent) Stats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	counts := make(map[string]int, len(a.actionCounts))
	for k, v := range a.actionCounts {
		counts[k] = v
	}
	return map[string]interface{}{
		"states_learned": len(a.qtable),
		"epsilon":        a.epsilon,
		"action_counts":  counts,
	}
}

type persistedTable struct {
	QTable       map[string]map[string]float64 `json:"q_table"`
	Epsilon      float64                       `json:"epsilon"`
	ActionCounts map[string]int                `json:"action_counts"`
}

// Save persists the whole table atomically-enough for a single writer.
func (a *Agent) Save(path string) error {
	if path == "" {
		path = a.tablePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create table dir: %w", err)
	}
	a.mu.RLock()
	data, err := json.MarshalIndent(persistedTable{
		QTable:       a.qtable,
		Epsilon:      a.epsilon,
		ActionCounts: a.actionCounts,
	}, "", "  ")
	states := len(a.qtable)
	a.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write value table: %w", err)
	}
	a.logger.Info("value table saved", "path", path, "states", states)
	return nil
}

// Load replaces the table from a persisted snapshot.
func (a *Agent) Load(path string) error {
	if path == "" {
		path = a.tablePath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var p persistedTable
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to parse value table: %w", err)
	}
	a.mu.Lock()
	if p.QTable != nil {
		a.qtable = p.QTable
	}
	if p.Epsilon > 0 {
		a.epsilon = p.Epsilon
	}
	if p.ActionCounts != nil {
		a.actionCounts = p.ActionCounts
	}
	states := len(a.qtable)
	a.mu.Unlock()
	a.logger.Info("value table loaded", "path", path, "states", states)
	return nil
}
