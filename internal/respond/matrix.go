// Package respond implements the response stage: the decision matrix, the
// action handler with its safety gate, the adaptive policy agent, and the
// worker driving them.
package respond

import (
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/model"
)

// Decision is the matrix output for one investigation report.
type Decision struct {
	Action     model.ActionType
	RiskTier   string
	ConfTier   string
	SafetyTier string
}

// Matrix is the pure lookup from (severity, risk tier) to action type,
// sourced from the configurable table.
type Matrix struct {
	table config.DecisionMatrix
}

// NewMatrix builds a matrix over the configured table, falling back to the
// defaults when the table is empty.
func NewMatrix(table config.DecisionMatrix) *Matrix {
	if len(table) == 0 {
		table = config.DefaultMatrix()
	}
	return &Matrix{table: table}
}

func riskTier(risk float64) string {
	switch {
	case risk >= 0.8:
		return "high"
	case risk >= 0.6:
		return "medium"
	default:
		return "low"
	}
}

func confTier(conf float64) string {
	switch {
	case conf >= 0.8:
		return "high"
	case conf >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// Decide maps the report's severity and tiers to an action. The safety
// tier is derived independently from the risk and confidence tiers and is
// advisory metadata, never an override.
func (m *Matrix) Decide(severity model.Severity, risk, confidence float64) Decision {
	rt := riskTier(risk)
	ct := confTier(confidence)

	row, ok := m.table[string(severity)]
	if !ok {
		row = m.table["low"]
	}
	action := model.ActionMonitor
	if name, ok := row[rt]; ok {
		if at, err := model.ParseActionType(name); err == nil {
			action = at
		}
	}

	safety := "low"
	switch {
	case rt == "high" || ct == "high":
		safety = "high"
	case rt == "medium" || ct == "medium":
		safety = "medium"
	}

	return Decision{Action: action, RiskTier: rt, ConfTier: ct, SafetyTier: safety}
}
