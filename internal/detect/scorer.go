package detect

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/model"
)

// Model is the capability interface a trained scoring artifact must
// expose: one probability over the feature vector
// [bytes, pkts, iat_avg], in that order.
type Model interface {
	Predict(features [3]float64) (float64, error)
}

// ScoreResult is the scorer output for one feature snapshot.
type ScoreResult struct {
	Score      float64
	Severity   model.Severity
	Confidence float64
}

// Scorer turns a feature snapshot into a score/severity/confidence triple.
// When a trained artifact is available it delegates to it; otherwise, or
// on any artifact error, it falls back to a deterministic weighted
// heuristic.
type Scorer struct {
	model      Model
	weights    config.ScoreWeights
	thresholds config.SeverityThresholds
	logger     *slog.Logger
}

// NewScorer loads the artifact at modelPath if set. A missing or malformed
// artifact is not fatal: the heuristic serves until a valid one appears.
func NewScorer(cfg *config.Config, logger *slog.Logger) *Scorer {
	s := &Scorer{
		weights:    cfg.Weights,
		thresholds: cfg.Thresholds,
		logger:     logger,
	}
	if cfg.ModelPath != "" {
		m, err := LoadLogisticModel(cfg.ModelPath)
		if err != nil {
			logger.Warn("model artifact unavailable, using heuristic scorer",
				"path", cfg.ModelPath, "error", err)
		} else {
			s.model = m
			logger.Info("model artifact loaded", "path", cfg.ModelPath)
		}
	}
	return s
}

// Score produces the triple for one feature snapshot. Score is clamped to
// [0,1] and confidence to [0.1,1].
func (s *Scorer) Score(feats model.FeatureSnapshot) ScoreResult {
	sc := s.heuristic(feats)
	if s.model != nil {
		if p, err := s.model.Predict([3]float64{feats.Bytes, feats.Pkts, feats.IATAvg}); err == nil {
			sc = clamp01(p)
		} else {
			s.logger.Warn("model predict failed, using heuristic", "error", err)
		}
	}
	sev := model.SeverityLow
	switch {
	case sc >= s.thresholds.High:
		sev = model.SeverityHigh
	case sc >= s.thresholds.Medium:
		sev = model.SeverityMedium
	}
	conf := math.Max(0.1, math.Min(1.0, sc))
	return ScoreResult{Score: sc, Severity: sev, Confidence: conf}
}

func (s *Scorer) heuristic(feats model.FeatureSnapshot) float64 {
	bNorm := math.Min(1.0, feats.Bytes/20000.0)
	pNorm := math.Min(1.0, feats.Pkts/200.0)
	iatInv := 0.0
	if feats.IATAvg > 0 {
		iatInv = math.Min(1.0, 1.0/math.Max(0.001, feats.IATAvg))
	}
	w := s.weights
	return clamp01(w.Bytes*bNorm + w.Pkts*pNorm + w.IATInv*iatInv)
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

// LogisticModel is a JSON-serialized logistic scoring artifact: three
// feature weights and a bias, produced by the offline training pipeline.
type LogisticModel struct {
	Weights [3]float64 `json:"weights"`
	Bias    float64    `json:"bias"`
}

// LoadLogisticModel reads and validates an artifact file.
func LoadLogisticModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	var m LogisticModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}
	return &m, nil
}

// Predict applies the sigmoid of the weighted feature sum.
func (m *LogisticModel) Predict(features [3]float64) (float64, error) {
	z := m.Bias
	for i, w := range m.Weights {
		z += w * features[i]
	}
	return 1.0 / (1.0 + math.Exp(-z)), nil
}
