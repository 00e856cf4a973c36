// Package intel implements the reputation clients. Each client is
// independently cached and independently fails soft: when credentials or
// the network are unavailable, or a live call errors, it answers with a
// deterministic offline value derived from a stable hash of the indicator
// and marks the result degraded. A client never returns an error to the
// investigation worker.
package intel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sentinelops/sentinel/internal/cache"
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
)

// Client is one reputation source.
type Client interface {
	Name() string
	Lookup(ctx context.Context, ip string) model.ReputationResult
}

// hashMod derives a stable value in [0,n) from the indicator, so repeated
// offline runs reproduce the same degraded result.
func hashMod(ip string, n uint64) uint64 {
	sum := sha256.Sum256([]byte(ip))
	prefix := hex.EncodeToString(sum[:])[:12]
	v, _ := strconv.ParseUint(prefix, 16, 64)
	return v % n
}

// shared holds what every client needs: the cache, lookup bounds, and the
// offline switch.
type shared struct {
	cache   cache.Cache
	ttl     time.Duration
	timeout time.Duration
	offline bool
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newShared(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) shared {
	timeout := time.Duration(cfg.LookupTimeoutS * float64(time.Second))
	return shared{
		cache:   c,
		ttl:     time.Duration(cfg.CacheTTLSec * float64(time.Second)),
		timeout: timeout,
		offline: cfg.OfflineMode,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
		logger:  logger,
	}
}

func (s *shared) cached(ctx context.Context, key string) (model.ReputationResult, bool) {
	data, ok := s.cache.Get(ctx, key)
	if !ok {
		s.metrics.CacheMissesTotal.Inc()
		return model.ReputationResult{}, false
	}
	var res model.ReputationResult
	if err := json.Unmarshal(data, &res); err != nil {
		s.metrics.CacheMissesTotal.Inc()
		return model.ReputationResult{}, false
	}
	s.metrics.CacheHitsTotal.Inc()
	return res, true
}

func (s *shared) store(ctx context.Context, key string, res model.ReputationResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		s.logger.Warn("reputation cache set failed", "key", key, "error", err)
	}
}

func (s *shared) degraded(source string, res model.ReputationResult) model.ReputationResult {
	res.Source = source
	res.Degraded = true
	s.metrics.LookupsDegradedTotal.WithLabelValues(source).Inc()
	return res
}

// getJSON issues a bounded GET and decodes the body into out.
func (s *shared) getJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// VirusTotal reports an IP reputation value in [0,100].
type VirusTotal struct {
	shared
	apiKey string
}

// NewVirusTotal creates the VirusTotal client.
func NewVirusTotal(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *VirusTotal {
	return &VirusTotal{shared: newShared(c, cfg, m, logger), apiKey: cfg.VTAPIKey}
}

func (v *VirusTotal) Name() string { return "virustotal" }

// Lookup answers from cache, then the live API, then the offline fallback.
func (v *VirusTotal) Lookup(ctx context.Context, ip string) model.ReputationResult {
	key := "vt:" + ip
	if res, ok := v.cached(ctx, key); ok {
		return res
	}
	res := model.ReputationResult{Source: v.Name(), IP: ip}
	if v.offline || v.apiKey == "" {
		res.Reputation = float64(hashMod(ip, 101))
		res = v.degraded(v.Name(), res)
	} else {
		var body struct {
			Data struct {
				Attributes struct {
					Reputation float64 `json:"reputation"`
				} `json:"attributes"`
			} `json:"data"`
		}
		url := "https://www.virustotal.com/api/v3/ip_addresses/" + ip
		if err := v.getJSON(ctx, url, map[string]string{"x-apikey": v.apiKey}, &body); err != nil {
			v.logger.Warn("virustotal lookup failed", "ip", ip, "error", err)
			res.Reputation = float64(hashMod(ip, 101))
			res = v.degraded(v.Name(), res)
		} else {
			res.Reputation = body.Data.Attributes.Reputation
		}
	}
	v.store(ctx, key, res)
	return res
}

// AbuseIPDB reports an abuse confidence score in [0,100].
type AbuseIPDB struct {
	shared
	apiKey string
}

// NewAbuseIPDB creates the AbuseIPDB client.
func NewAbuseIPDB(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *AbuseIPDB {
	return &AbuseIPDB{shared: newShared(c, cfg, m, logger), apiKey: cfg.AbuseIPDBAPIKey}
}

func (a *AbuseIPDB) Name() string { return "abuseipdb" }

// Lookup answers from cache, then the live API, then the offline fallback.
func (a *AbuseIPDB) Lookup(ctx context.Context, ip string) model.ReputationResult {
	key := "abuse:" + ip
	if res, ok := a.cached(ctx, key); ok {
		return res
	}
	res := model.ReputationResult{Source: a.Name(), IP: ip}
	if a.offline || a.apiKey == "" {
		res.AbuseScore = float64(hashMod(ip, 101))
		res = a.degraded(a.Name(), res)
	} else {
		var body struct {
			Data struct {
				AbuseConfidenceScore float64 `json:"abuseConfidenceScore"`
			} `json:"data"`
		}
		url := "https://api.abuseipdb.com/api/v2/check?maxAgeInDays=90&ipAddress=" + ip
		headers := map[string]string{"Key": a.apiKey, "Accept": "application/json"}
		if err := a.getJSON(ctx, url, headers, &body); err != nil {
			a.logger.Warn("abuseipdb lookup failed", "ip", ip, "error", err)
			res.AbuseScore = float64(hashMod(ip, 101))
			res = a.degraded(a.Name(), res)
		} else {
			res.AbuseScore = body.Data.AbuseConfidenceScore
		}
	}
	a.store(ctx, key, res)
	return res
}

// OTX reports how many AlienVault pulses reference the IP.
type OTX struct {
	shared
	apiKey string
}

// NewOTX creates the OTX client.
func NewOTX(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *OTX {
	return &OTX{shared: newShared(c, cfg, m, logger), apiKey: cfg.OTXAPIKey}
}

func (o *OTX) Name() string { return "otx" }

// Lookup answers from cache, then the live API, then the offline fallback.
func (o *OTX) Lookup(ctx context.Context, ip string) model.ReputationResult {
	key := "otx:" + ip
	if res, ok := o.cached(ctx, key); ok {
		return res
	}
	res := model.ReputationResult{Source: o.Name(), IP: ip}
	if o.offline || o.apiKey == "" {
		res.Pulses = int(hashMod(ip, 5))
		res = o.degraded(o.Name(), res)
	} else {
		var body struct {
			PulseInfo struct {
				Pulses []json.RawMessage `json:"pulses"`
			} `json:"pulse_info"`
		}
		url := "https://otx.alienvault.com/api/v1/indicators/IPv4/" + ip + "/general"
		if err := o.getJSON(ctx, url, map[string]string{"X-OTX-API-KEY": o.apiKey}, &body); err != nil {
			o.logger.Warn("otx lookup failed", "ip", ip, "error", err)
			res.Pulses = int(hashMod(ip, 5))
			res = o.degraded(o.Name(), res)
		} else {
			res.Pulses = len(body.PulseInfo.Pulses)
		}
	}
	o.store(ctx, key, res)
	return res
}

// IPQualityScore reports a fraud score in [0,100). The free endpoint needs
// no credential, so only offline mode or a live failure degrades it.
type IPQualityScore struct {
	shared
}

// NewIPQualityScore creates the IPQualityScore client.
func NewIPQualityScore(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *IPQualityScore {
	return &IPQualityScore{shared: newShared(c, cfg, m, logger)}
}

func (q *IPQualityScore) Name() string { return "ipqualityscore" }

// Lookup answers from cache, then the live API, then the offline fallback.
func (q *IPQualityScore) Lookup(ctx context.Context, ip string) model.ReputationResult {
	key := "ipqs:" + ip
	if res, ok := q.cached(ctx, key); ok {
		return res
	}
	res := model.ReputationResult{Source: q.Name(), IP: ip}
	if q.offline {
		res.FraudScore = float64(hashMod(ip, 100))
		res = q.degraded(q.Name(), res)
	} else {
		var body struct {
			FraudScore float64 `json:"fraud_score"`
		}
		url := "https://www.ipqualityscore.com/api/json/ip/free/" + ip
		if err := q.getJSON(ctx, url, nil, &body); err != nil {
			q.logger.Warn("ipqualityscore lookup failed", "ip", ip, "error", err)
			res.FraudScore = float64(hashMod(ip, 100))
			res = q.degraded(q.Name(), res)
		} else {
			res.FraudScore = body.FraudScore
		}
	}
	q.store(ctx, key, res)
	return res
}

// ThreatCrowd reports community votes for the IP.
type ThreatCrowd struct {
	shared
}

// NewThreatCrowd creates the ThreatCrowd client.
func NewThreatCrowd(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ThreatCrowd {
	return &ThreatCrowd{shared: newShared(c, cfg, m, logger)}
}

func (t *ThreatCrowd) Name() string { return "threatcrowd" }

// Lookup answers from cache, then the live API, then the offline fallback.
func (t *ThreatCrowd) Lookup(ctx context.Context, ip string) model.ReputationResult {
	key := "threatcrowd:" + ip
	if res, ok := t.cached(ctx, key); ok {
		return res
	}
	res := model.ReputationResult{Source: t.Name(), IP: ip}
	if t.offline {
		res.Votes = int(hashMod(ip, 10))
		res = t.degraded(t.Name(), res)
	} else {
		var body struct {
			Votes int `json:"votes"`
		}
		url := "https://www.threatcrowd.org/searchApi/v2/ip/report/?ip=" + ip
		if err := t.getJSON(ctx, url, nil, &body); err != nil {
			t.logger.Warn("threatcrowd lookup failed", "ip", ip, "error", err)
			res.Votes = int(hashMod(ip, 10))
			res = t.degraded(t.Name(), res)
		} else {
			res.Votes = body.Votes
		}
	}
	t.store(ctx, key, res)
	return res
}

// GreyNoise classifies internet-scanner noise for the IP.
type GreyNoise struct {
	shared
}

// NewGreyNoise creates the GreyNoise client.
func NewGreyNoise(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *GreyNoise {
	return &GreyNoise{shared: newShared(c, cfg, m, logger)}
}

func (g *GreyNoise) Name() string { return "greynoise" }

// Lookup answers from cache, then the live API, then the offline fallback.
func (g *GreyNoise) Lookup(ctx context.Context, ip string) model.ReputationResult {
	key := "greynoise:" + ip
	if res, ok := g.cached(ctx, key); ok {
		return res
	}
	res := model.ReputationResult{Source: g.Name(), IP: ip}
	if g.offline {
		res.Noise = hashMod(ip, 2) == 0
		res.Classification = "unknown"
		res = g.degraded(g.Name(), res)
	} else {
		var body struct {
			Noise          bool   `json:"noise"`
			Classification string `json:"classification"`
		}
		url := "https://api.greynoise.io/v3/community/" + ip
		if err := g.getJSON(ctx, url, nil, &body); err != nil {
			g.logger.Warn("greynoise lookup failed", "ip", ip, "error", err)
			res.Noise = hashMod(ip, 2) == 0
			res.Classification = "unknown"
			res = g.degraded(g.Name(), res)
		} else {
			res.Noise = body.Noise
			res.Classification = body.Classification
		}
	}
	g.store(ctx, key, res)
	return res
}

// All builds the full client set in the order their contributions are
// aggregated.
func All(c cache.Cache, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) []Client {
	return []Client{
		NewVirusTotal(c, cfg, m, logger),
		NewAbuseIPDB(c, cfg, m, logger),
		NewOTX(c, cfg, m, logger),
		NewIPQualityScore(c, cfg, m, logger),
		NewThreatCrowd(c, cfg, m, logger),
		NewGreyNoise(c, cfg, m, logger),
	}
}
