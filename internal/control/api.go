// Package control implements the Control Plane: the
// `/api/*` HTTP surface for live mutations (pause/resume agents,
// update policies, toggle WAF rules, emergency stop) and read-only
// aggregate endpoints (burn rate, traces, cache stats). Every mutation
// except anomaly resolution emits a fan-out event; resolving an anomaly
// only updates the store. The mux routing, Bearer/X-API-Key auth, and
// writeJSON helper follow a conventional admin-API layout.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/fanout"
	"agentswitchboard/internal/policy"
	"agentswitchboard/internal/traffic"
	"agentswitchboard/internal/tsstore"
	"agentswitchboard/internal/waf"
)

// Handler serves the Control Plane API.
type Handler struct {
	ts       *tsstore.Store
	policies *policy.Store
	wafRules *waf.RuleSet
	traffic  *traffic.Controller
	fanout   *fanout.Fanout
	mux      *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New constructs a Control Plane handler.
func New(ts *tsstore.Store, policies *policy.Store, wafRules *waf.RuleSet, tc *traffic.Controller, fo *fanout.Fanout, authEnabled bool, apiKey string) *Handler {
	h := &Handler{ts: ts, policies: policies, wafRules: wafRules, traffic: tc, fanout: fo, mux: http.NewServeMux(), authEnabled: authEnabled, apiKey: apiKey}

	h.mux.HandleFunc("/healthz", h.handleHealth)

	h.mux.HandleFunc("/api/burn-rate/", h.handleBurnRate)
	h.mux.HandleFunc("/api/agents/", h.handleAgents)
	h.mux.HandleFunc("/api/traces/", h.handleTraces)
	h.mux.HandleFunc("/api/shadow-savings/", h.handleShadowSavings)
	h.mux.HandleFunc("/api/cache-stats/", h.handleCacheStats)

	h.mux.HandleFunc("/api/policies/current", h.handlePoliciesCurrent)
	h.mux.HandleFunc("/api/policies", h.handlePoliciesUpdate)

	h.mux.HandleFunc("/api/waf/rules", h.handleWAFRules)

	h.mux.HandleFunc("/api/anomalies/", h.handleAnomalyResolve)

	h.mux.HandleFunc("/api/control/status", h.handleControlStatus)
	h.mux.HandleFunc("/api/control/pause-all", h.handlePauseAll)
	h.mux.HandleFunc("/api/control/resume-all", h.handleResumeAll)
	h.mux.HandleFunc("/api/control/pause-agent", h.handlePauseAgent)
	h.mux.HandleFunc("/api/control/resume-agent", h.handleResumeAgent)
	h.mux.HandleFunc("/api/control/revoke-token", h.handleRevokeToken)
	h.mux.HandleFunc("/api/control/emergency-stop", h.handleEmergencyStop)
	h.mux.HandleFunc("/api/control/emergency-reset", h.handleEmergencyReset)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/api/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="AgentSwitchboard Control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "valid API key required"})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			if strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey {
				return true
			}
		} else if authHeader == h.apiKey {
			return true
		}
	}
	return r.Header.Get("X-API-Key") == h.apiKey
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control: failed to encode response", "error", err)
	}
}

// pathTail returns the path segment after prefix, e.g. "/api/agents/acme" -> "acme".
func pathTail(path, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/"), "/")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "timestamp": time.Now()})
}

type burnMinute struct {
	Minute   string  `json:"minute"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
}

// handleBurnRate buckets the last 60 minutes of traces by minute and
// reports the most recent minute's rate alongside its hourly
// projection, matching the /api/burn-rate/:org contract.
func (h *Handler) handleBurnRate(w http.ResponseWriter, r *http.Request) {
	org := pathTail(r.URL.Path, "/api/burn-rate")
	if org == "" {
		http.Error(w, "org required", http.StatusBadRequest)
		return
	}
	traces, err := h.ts.ListTraces(org, 5000)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now()
	cutoff := now.Add(-60 * time.Minute)
	buckets := make(map[string]*burnMinute)
	var order []string
	for _, t := range traces {
		if t.Timestamp.Before(cutoff) {
			continue
		}
		key := t.Timestamp.Truncate(time.Minute).Format(time.RFC3339)
		b, ok := buckets[key]
		if !ok {
			b = &burnMinute{Minute: key}
			buckets[key] = b
			order = append(order, key)
		}
		b.Cost += t.CostUSD
		b.Requests++
	}
	sort.Strings(order)
	history := make([]burnMinute, 0, len(order))
	for _, k := range order {
		history = append(history, *buckets[k])
	}

	var currentRate float64
	if len(history) > 0 {
		currentRate = history[len(history)-1].Cost
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"org_id":           org,
		"currentRate":      currentRate,
		"hourlyProjection": currentRate * 60,
		"history":          history,
	})
}

func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request) {
	org := pathTail(r.URL.Path, "/api/agents")
	agents, err := h.ts.ListAgents(org)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) handleTraces(w http.ResponseWriter, r *http.Request) {
	rest := pathTail(r.URL.Path, "/api/traces")
	parts := strings.SplitN(rest, "/", 2)
	org := parts[0]
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	var traces []domain.Trace
	var err error
	switch {
	case len(parts) == 2 && parts[1] == "blocked":
		traces, err = h.ts.ListBlockedTraces(org, limit)
	case len(parts) == 2 && parts[1] == "shadow":
		traces, err = h.ts.ListShadowTraces(org, queryHours(r, 24))
	default:
		traces, err = h.ts.ListTraces(org, limit)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

func (h *Handler) handleShadowSavings(w http.ResponseWriter, r *http.Request) {
	org := pathTail(r.URL.Path, "/api/shadow-savings")
	hours := queryHours(r, 24)
	traces, err := h.ts.ListShadowTraces(org, hours)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	var totalMitigatedCost float64
	for _, t := range traces {
		totalMitigatedCost += t.CostUSD
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shadowBlockedCount": len(traces),
		"totalMitigatedCost": totalMitigatedCost,
		"periodHours":        hours,
	})
}

// queryHours parses the `hours` query parameter, falling back to def.
func queryHours(r *http.Request, def int) int {
	if h := r.URL.Query().Get("hours"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	org := pathTail(r.URL.Path, "/api/cache-stats")
	stats, err := h.ts.CacheStatsForOrg(org)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handlePoliciesCurrent(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		http.Error(w, "org query param required", http.StatusBadRequest)
		return
	}
	raw, err := h.policies.CurrentJSON(org)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (h *Handler) handlePoliciesUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	org := r.URL.Query().Get("org")
	if org == "" {
		http.Error(w, "org query param required", http.StatusBadRequest)
		return
	}
	var p domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid policy body"})
		return
	}
	if err := h.policies.Update(org, p); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.fanout.Emit(org, fanout.EventPolicyUpdated, p)
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleWAFRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.wafRules.Rules())
	case http.MethodPut:
		var body struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
			OrgID   string `json:"org_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if err := h.wafRules.SetEnabled(body.ID, body.Enabled); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.fanout.Emit(body.OrgID, fanout.EventWAFRuleUpdated, body)
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": body.ID, "enabled": body.Enabled})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleAnomalyResolve(w http.ResponseWriter, r *http.Request) {
	rest := pathTail(r.URL.Path, "/api/anomalies")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "resolve" || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id := parts[0]
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := h.ts.ResolveAnomaly(id, body.ResolvedBy); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"anomaly_id": id, "status": "resolved"})
}

func (h *Handler) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"emergency_stop":   h.traffic.IsStopped(),
		"subscriber_count": h.fanout.SubscriberCount(),
	})
}

func (h *Handler) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	h.bulkSetAgentStatus(w, r, domain.AgentPaused, fanout.EventGlobalPauseStatus)
}

func (h *Handler) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	h.bulkSetAgentStatus(w, r, domain.AgentActive, fanout.EventGlobalPauseStatus)
}

func (h *Handler) bulkSetAgentStatus(w http.ResponseWriter, r *http.Request, status domain.AgentStatus, evt fanout.EventType) {
	var body struct {
		OrgID string `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "org_id required"})
		return
	}
	agents, err := h.ts.ListAgents(body.OrgID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for _, a := range agents {
		_ = h.ts.SetAgentStatus(a.AgentID, status)
	}
	h.fanout.Emit(body.OrgID, evt, map[string]interface{}{"status": status})
	writeJSON(w, http.StatusOK, map[string]interface{}{"org_id": body.OrgID, "status": status, "count": len(agents)})
}

func (h *Handler) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, domain.AgentPaused)
}

func (h *Handler) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, domain.AgentActive)
}

func (h *Handler) setAgentStatus(w http.ResponseWriter, r *http.Request, status domain.AgentStatus) {
	var body struct {
		AgentID string `json:"agent_id"`
		OrgID   string `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	if err := h.ts.SetAgentStatus(body.AgentID, status); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.fanout.Emit(body.OrgID, fanout.EventAgentStatus, map[string]interface{}{"agent_id": body.AgentID, "status": status})
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent_id": body.AgentID, "status": status})
}

func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		OrgID   string `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	if err := h.ts.SetAgentStatus(body.AgentID, domain.AgentRevoked); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.fanout.Emit(body.OrgID, fanout.EventAgentBlocked, map[string]interface{}{"agent_id": body.AgentID, "reason": "token revoked"})
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent_id": body.AgentID, "status": domain.AgentRevoked})
}

func (h *Handler) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	h.traffic.Trigger()
	h.fanout.Emit("", fanout.EventEmergencyStop, map[string]interface{}{"active": true})
	writeJSON(w, http.StatusOK, map[string]interface{}{"emergency_stop": true})
}

func (h *Handler) handleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	h.traffic.Reset()
	h.fanout.Emit("", fanout.EventEmergencyStop, map[string]interface{}{"active": false})
	writeJSON(w, http.StatusOK, map[string]interface{}{"emergency_stop": false})
}
