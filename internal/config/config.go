// Package config loads the sentinel configuration from an optional YAML
// settings file with environment-variable overrides. Environment always
// wins over the file; the file always wins over compiled defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScoreWeights are the heuristic scorer weights.
type ScoreWeights struct {
	Bytes  float64 `yaml:"bytes"`
	Pkts   float64 `yaml:"pkts"`
	IATInv float64 `yaml:"iat_inv"`
}

// SeverityThresholds map score thresholds to severities. Must be monotonic:
// High >= Medium >= 0.
type SeverityThresholds struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
}

// DecisionMatrix maps alert severity -> risk tier -> action type name.
type DecisionMatrix map[string]map[string]string

// PolicyConfig holds the Q-learning agent hyperparameters.
type PolicyConfig struct {
	Enabled      bool    `yaml:"enabled"`
	LearningRate float64 `yaml:"learning_rate"`
	Discount     float64 `yaml:"discount"`
	Epsilon      float64 `yaml:"epsilon"`
	EpsilonDecay float64 `yaml:"epsilon_decay"`
	EpsilonMin   float64 `yaml:"epsilon_min"`
	TablePath    string  `yaml:"table_path"`
}

// Config is the full runtime configuration.
type Config struct {
	HTTPAddr     string `yaml:"http_addr"`
	LogLevel     string `yaml:"log_level"`
	BusMode      string `yaml:"bus"` // "memory" or "nats"
	NATSURL      string `yaml:"nats_url"`
	RedisURL     string `yaml:"redis_url"`
	OfflineMode  bool   `yaml:"offline_mode"`
	LiveCapture  bool   `yaml:"live_capture"`
	CaptureIface string `yaml:"capture_iface"`
	SensorID     string `yaml:"sensor_id"`
	ModelPath    string `yaml:"model_path"`

	PktThreshold   int     `yaml:"pkt_threshold"`
	BytesThreshold int     `yaml:"bytes_threshold"`
	CacheTTLSec    float64 `yaml:"cache_ttl_sec"`
	LookupTimeoutS float64 `yaml:"lookup_timeout_sec"`

	Weights    ScoreWeights       `yaml:"score_weights"`
	Thresholds SeverityThresholds `yaml:"severity_thresholds"`
	Matrix     DecisionMatrix     `yaml:"decision_matrix"`
	Policy     PolicyConfig       `yaml:"policy_agent"`

	ProductionActions bool     `yaml:"production_actions"`
	IPWhitelist       []string `yaml:"ip_whitelist"`

	MaxAlerts         int `yaml:"max_alerts"`
	MaxInvestigations int `yaml:"max_investigations"`
	MaxActions        int `yaml:"max_actions"`
	DedupeCap         int `yaml:"dedupe_cap"`

	VTAPIKey        string `yaml:"vt_api_key"`
	AbuseIPDBAPIKey string `yaml:"abuseipdb_api_key"`
	OTXAPIKey       string `yaml:"otx_api_key"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		LogLevel:       "INFO",
		BusMode:        "memory",
		NATSURL:        "nats://localhost:4222",
		RedisURL:       "redis://localhost:6379/0",
		SensorID:       "sensor-1",
		PktThreshold:   10,
		BytesThreshold: 20000,
		CacheTTLSec:    300,
		LookupTimeoutS: 5,
		Weights:        ScoreWeights{Bytes: 0.6, Pkts: 0.3, IATInv: 0.1},
		Thresholds:     SeverityThresholds{High: 0.8, Medium: 0.5},
		Matrix:         DefaultMatrix(),
		Policy: PolicyConfig{
			LearningRate: 0.1,
			Discount:     0.95,
			Epsilon:      0.1,
			EpsilonDecay: 0.995,
			EpsilonMin:   0.01,
			TablePath:    "models/q_table.json",
		},
		IPWhitelist:       []string{"127.0.0.1", "localhost", "::1"},
		MaxAlerts:         10000,
		MaxInvestigations: 10000,
		MaxActions:        10000,
		DedupeCap:         100000,
	}
}

// DefaultMatrix encodes "more severe + higher risk => stronger action".
func DefaultMatrix() DecisionMatrix {
	return DecisionMatrix{
		"low": {
			"high":   "redirect_to_honeypot",
			"medium": "log_only",
			"low":    "log_only",
		},
		"medium": {
			"high":   "isolate_container",
			"medium": "redirect_to_honeypot",
			"low":    "log_only",
		},
		"high": {
			"high":   "isolate_container",
			"medium": "block_ip",
			"low":    "rate_limit",
		},
	}
}

// Load builds the configuration from the settings file at path (skipped if
// empty or missing) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("SENTINEL_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("SENTINEL_LOG_LEVEL", c.LogLevel)
	c.BusMode = strings.ToLower(getEnv("SENTINEL_BUS", c.BusMode))
	c.NATSURL = getEnv("SENTINEL_NATS_URL", c.NATSURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.OfflineMode = getEnvBool("OFFLINE_MODE", c.OfflineMode)
	c.LiveCapture = getEnvBool("LIVE_CAPTURE", c.LiveCapture)
	c.CaptureIface = getEnv("CAPTURE_IFACE", c.CaptureIface)
	c.SensorID = getEnv("SENTINEL_SENSOR_ID", c.SensorID)
	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.PktThreshold = getEnvInt("SENTINEL_PKT_THRESHOLD", c.PktThreshold)
	c.BytesThreshold = getEnvInt("SENTINEL_BYTES_THRESHOLD", c.BytesThreshold)
	c.ProductionActions = getEnvBool("ENABLE_PRODUCTION_ACTIONS", c.ProductionActions)
	c.Policy.Enabled = getEnvBool("SENTINEL_POLICY_AGENT", c.Policy.Enabled)
	c.Policy.TablePath = getEnv("SENTINEL_QTABLE_PATH", c.Policy.TablePath)
	c.VTAPIKey = getEnv("VT_API_KEY", c.VTAPIKey)
	c.AbuseIPDBAPIKey = getEnv("ABUSEIPDB_API_KEY", c.AbuseIPDBAPIKey)
	c.OTXAPIKey = getEnv("OTX_API_KEY", c.OTXAPIKey)
	if wl := os.Getenv("IP_WHITELIST"); wl != "" {
		c.IPWhitelist = splitTrim(wl)
	}
}

func (c *Config) validate() error {
	if c.BusMode != "memory" && c.BusMode != "nats" {
		return fmt.Errorf("invalid bus mode %q (want memory or nats)", c.BusMode)
	}
	if c.Thresholds.High < c.Thresholds.Medium || c.Thresholds.Medium < 0 {
		return fmt.Errorf("severity thresholds must be monotonic: high=%v medium=%v",
			c.Thresholds.High, c.Thresholds.Medium)
	}
	if c.PktThreshold <= 0 || c.BytesThreshold <= 0 {
		return fmt.Errorf("trigger thresholds must be positive: pkts=%d bytes=%d",
			c.PktThreshold, c.BytesThreshold)
	}
	return nil
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "1" || strings.EqualFold(value, "true")
	}
	return defaultValue
}
