package respond

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
)

// Mode selects between recording intended actions and performing real
// external mutations.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeProduction Mode = "production"
)

const execTimeout = 10 * time.Second

type appliedAction struct {
	Action model.ActionType
	Target string
	Params map[string]string
}

// Handler executes or simulates mitigation actions. Every action passes
// the safety gate first; applied actions are recorded keyed by
// (type, target) so a later revert can locate and undo them. The applied
// registry is owned by the handler, never shared.
type Handler struct {
	mode      Mode
	whitelist map[string]struct{}
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	applied map[string]appliedAction
}

// NewHandler creates an action handler. Production mode requires the
// explicit enable flag; anything else runs in simulation.
func NewHandler(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Handler {
	mode := ModeSimulation
	if cfg.ProductionActions {
		mode = ModeProduction
		logger.Warn("production actions enabled: real external mutations will be performed")
	}
	wl := make(map[string]struct{}, len(cfg.IPWhitelist))
	for _, ip := range cfg.IPWhitelist {
		wl[strings.TrimSpace(ip)] = struct{}{}
	}
	return &Handler{
		mode:      mode,
		whitelist: wl,
		metrics:   m,
		logger:    logger,
		applied:   make(map[string]appliedAction),
	}
}

// Mode reports the operating mode.
func (h *Handler) Mode() Mode { return h.mode }

func registryKey(action model.ActionType, target string) string {
	return action.String() + ":" + target
}

// hostOf strips an optional port or scheme from the target.
func hostOf(target string) string {
	t := target
	if i := strings.Index(t, "://"); i >= 0 {
		t = t[i+3:]
	}
	if host, _, err := net.SplitHostPort(t); err == nil {
		return host
	}
	return t
}

// checkSafety rejects whitelisted, loopback, and otherwise protected
// targets. Private-network targets are permitted but logged with elevated
// caution.
func (h *Handler) checkSafety(target string) (bool, string) {
	host := hostOf(target)
	if _, ok := h.whitelist[host]; ok {
		return false, fmt.Sprintf("target %s is whitelisted", target)
	}
	if host == "localhost" {
		return false, "cannot act on localhost"
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return false, "cannot act on loopback address"
		}
		if ip.IsPrivate() {
			h.logger.Warn("action targets private network address", "target", target)
		}
	}
	return true, ""
}

// Execute runs the given action against the target and returns the
// execution result string. Safety rejections return blocked_by_safety
// without side effects and without touching the applied registry.
func (h *Handler) Execute(action model.ActionType, target string, params map[string]string) string {
	if ok, reason := h.checkSafety(target); !ok {
		h.metrics.SafetyBlockedTotal.Inc()
		h.logger.Warn("action blocked by safety gate",
			"action", action.String(), "target", target, "reason", reason)
		return "blocked_by_safety: " + reason
	}

	if action != model.ActionMonitor {
		h.mu.Lock()
		h.applied[registryKey(action, target)] = appliedAction{
			Action: action,
			Target: target,
			Params: params,
		}
		h.mu.Unlock()
	}

	if h.mode == ModeSimulation {
		h.logger.Info("simulated action", "action", action.String(), "target", target)
		switch action {
		case model.ActionMonitor:
			return "recorded"
		case model.ActionRateLimit:
			return "simulated_rate_limit"
		case model.ActionBlockIP:
			return "simulated_block"
		case model.ActionRedirectHoneypot:
			return "simulated_redirect"
		case model.ActionIsolateContainer:
			return "simulated_isolation"
		case model.ActionQuarantineFile:
			return "simulated_quarantine"
		}
		return "recorded"
	}

	return h.executeProduction(action, target, params)
}

func (h *Handler) executeProduction(action model.ActionType, target string, params map[string]string) string {
	host := hostOf(target)
	switch action {
	case model.ActionMonitor:
		return "recorded"
	case model.ActionRateLimit:
		rate := params["rate"]
		if rate == "" {
			rate = "10/second"
		}
		return h.run("rate_limited",
			"iptables", "-A", "INPUT", "-s", host, "-m", "limit", "--limit", rate, "-j", "ACCEPT")
	case model.ActionBlockIP:
		return h.run("blocked",
			"iptables", "-A", "INPUT", "-s", host, "-j", "DROP")
	case model.ActionRedirectHoneypot:
		honeypot := params["honeypot_ip"]
		if honeypot == "" {
			honeypot = "10.0.0.100"
		}
		return h.run("redirected",
			"iptables", "-t", "nat", "-A", "PREROUTING", "-s", host, "-j", "DNAT", "--to-destination", honeypot)
	case model.ActionIsolateContainer:
		return h.run("isolated",
			"docker", "network", "disconnect", "bridge", host)
	case model.ActionQuarantineFile:
		dir := params["quarantine_dir"]
		if dir == "" {
			dir = "/var/quarantine"
		}
		return h.run("quarantined", "mv", target, dir)
	}
	return "recorded"
}

// run shells out to the privileged tool with a bounded timeout. A non-zero
// exit is recorded as failed:<detail>, logged, and never retried.
func (h *Handler) run(okResult string, name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		h.logger.Error("production action failed", "tool", name, "error", err, "output", detail)
		return "failed: " + detail
	}
	h.logger.Info("production action applied", "tool", name, "args", strings.Join(args, " "))
	return okResult
}

// Revert undoes a previously applied action. With no matching action on
// record it is a noop, so reverting twice is safe.
func (h *Handler) Revert(action model.ActionType, target string) string {
	key := registryKey(action, target)
	h.mu.Lock()
	rec, ok := h.applied[key]
	if ok {
		delete(h.applied, key)
	}
	h.mu.Unlock()
	if !ok {
		return "noop"
	}

	if h.mode == ModeSimulation {
		h.logger.Info("simulated revert", "action", action.String(), "target", target)
		return "reverted"
	}

	host := hostOf(target)
	switch action {
	case model.ActionBlockIP:
		if res := h.run("reverted", "iptables", "-D", "INPUT", "-s", host, "-j", "DROP"); strings.HasPrefix(res, "failed") {
			return res
		}
	case model.ActionRedirectHoneypot:
		honeypot := rec.Params["honeypot_ip"]
		if honeypot == "" {
			honeypot = "10.0.0.100"
		}
		if res := h.run("reverted", "iptables", "-t", "nat", "-D", "PREROUTING", "-s", host, "-j", "DNAT", "--to-destination", honeypot); strings.HasPrefix(res, "failed") {
			return res
		}
	case model.ActionIsolateContainer:
		if res := h.run("reverted", "docker", "network", "connect", "bridge", host); strings.HasPrefix(res, "failed") {
			return res
		}
	case model.ActionRateLimit:
		rate := rec.Params["rate"]
		if rate == "" {
			rate = "10/second"
		}
		if res := h.run("reverted", "iptables", "-D", "INPUT", "-s", host, "-m", "limit", "--limit", rate, "-j", "ACCEPT"); strings.HasPrefix(res, "failed") {
			return res
		}
	}
	h.logger.Info("action reverted", "action", action.String(), "target", target)
	return "reverted"
}

// ActiveActions returns a copy of the applied-actions registry.
func (h *Handler) ActiveActions() map[string]model.ActionType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]model.ActionType, len(h.applied))
	for k, v := range h.applied {
		out[k] = v.Action
	}
	return out
}
