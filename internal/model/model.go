package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity levels assigned by the detection scorer.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Verdict is the outcome of an investigation.
type Verdict string

const (
	VerdictBenign     Verdict = "benign"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

// ActionType enumerates the mitigation actions the response stage can take.
type ActionType int

const (
	ActionMonitor ActionType = iota
	ActionRateLimit
	ActionBlockIP
	ActionRedirectHoneypot
	ActionIsolateContainer
	ActionQuarantineFile
)

var actionNames = map[ActionType]string{
	ActionMonitor:          "log_only",
	ActionRateLimit:        "rate_limit",
	ActionBlockIP:          "block_ip",
	ActionRedirectHoneypot: "redirect_to_honeypot",
	ActionIsolateContainer: "isolate_container",
	ActionQuarantineFile:   "quarantine_file",
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "log_only"
}

// ParseActionType maps a wire name back to an ActionType. Unknown names
// resolve to ActionMonitor so a stale decision table can never produce an
// unhandled action.
func ParseActionType(name string) (ActionType, error) {
	for at, n := range actionNames {
		if n == name {
			return at, nil
		}
	}
	return ActionMonitor, fmt.Errorf("unknown action type %q", name)
}

// MarshalJSON encodes the action by its wire name.
func (a ActionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes an action from its wire name.
func (a *ActionType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	at, err := ParseActionType(name)
	if err != nil {
		return err
	}
	*a = at
	return nil
}

// RawEvent is a single observed network event from a capture source or the
// synthetic generator.
type RawEvent struct {
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	Proto     string  `json:"proto"`
	SizeBytes int     `json:"size"`
	Timestamp float64 `json:"ts"`
}

// FeatureSnapshot is the per-flow feature vector handed to the scorer.
type FeatureSnapshot struct {
	Bytes  float64 `json:"bytes"`
	Pkts   float64 `json:"pkts"`
	IATAvg float64 `json:"iat_avg"`
}

// Alert is the immutable output of the detection stage.
type Alert struct {
	ID         string          `json:"id"`
	Timestamp  float64         `json:"ts"`
	SrcIP      string          `json:"src_ip"`
	DstIP      string          `json:"dst_ip"`
	Proto      string          `json:"proto"`
	Features   FeatureSnapshot `json:"features"`
	ModelScore float64         `json:"model_score"`
	Confidence float64         `json:"confidence"`
	Severity   Severity        `json:"severity"`
	SensorID   string          `json:"sensor_id"`
}

// ReputationResult is one reputation source's answer for an indicator.
// Degraded marks values produced by the deterministic offline fallback
// rather than a live lookup.
type ReputationResult struct {
	Source         string  `json:"source"`
	IP             string  `json:"ip"`
	Reputation     float64 `json:"reputation,omitempty"`
	AbuseScore     float64 `json:"abuse_score,omitempty"`
	Pulses         int     `json:"pulses,omitempty"`
	FraudScore     float64 `json:"fraud_score,omitempty"`
	Votes          int     `json:"votes,omitempty"`
	Noise          bool    `json:"noise,omitempty"`
	Classification string  `json:"classification,omitempty"`
	Degraded       bool    `json:"degraded"`
}

// InvestigationReport is the immutable output of the investigation stage.
type InvestigationReport struct {
	AlertID       string                      `json:"alert_id"`
	Timestamp     float64                     `json:"ts"`
	Findings      map[string]ReputationResult `json:"findings"`
	Sources       []string                    `json:"sources"`
	RiskScore     float64                     `json:"risk_score"`
	Verdict       Verdict                     `json:"verdict"`
	Confidence    float64                     `json:"confidence"`
	Uncertainty   float64                     `json:"uncertainty"`
	AlertSeverity Severity                    `json:"alert_severity"`
}

// ResponseAction records one decided (and possibly executed) mitigation.
// Reverted is the only field ever mutated after construction.
type ResponseAction struct {
	ActionID   string            `json:"action_id"`
	AlertID    string            `json:"alert_id"`
	Timestamp  float64           `json:"ts"`
	ActionType ActionType        `json:"action_type"`
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters"`
	Result     string            `json:"result"`
	SafetyGate string            `json:"safety_gate"`
	Reversible bool              `json:"reversible"`
	Reverted   bool              `json:"reverted"`
}

// Now returns the current time as the float epoch-seconds convention used
// on the wire.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
