// Package orchestrator implements the Proxy Orchestrator: the thin
// composition layer that runs every request through the Firewall,
// Traffic Controller, Semantic Cache, Worker Sandbox, and Flight
// Recorder, then forwards to the selected upstream provider.
// ServeHTTP's request-capture/backend-select/forward/response-scan
// shape follows a conventional reverse-proxy layout.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentswitchboard/internal/cache"
	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/fanout"
	"agentswitchboard/internal/firewall"
	"agentswitchboard/internal/recorder"
	"agentswitchboard/internal/sandbox"
	"agentswitchboard/internal/telemetry"
	"agentswitchboard/internal/traffic"
)

// hopByHopHeaders must never be forwarded upstream.
var hopByHopHeaders = map[string]bool{
	"host": true, "connection": true, "content-length": true,
	"transfer-encoding": true, "keep-alive": true, "proxy-authenticate": true,
	"proxy-authorization": true, "te": true, "trailers": true, "upgrade": true,
}

// UpstreamSet is the set of configured upstream base URLs per provider.
type UpstreamSet struct {
	OpenAI    string
	Anthropic string
	Google    string
}

// selectUpstream inspects the caller's Authorization header per
// prefix rules.
func (u UpstreamSet) selectUpstream(authHeader string) (name, base string) {
	switch {
	case strings.HasPrefix(authHeader, "Bearer sk-ant-") || strings.HasPrefix(authHeader, "sk-ant-"):
		return "anthropic", u.Anthropic
	case strings.Contains(authHeader, "AIza"):
		return "google", u.Google
	default:
		return "openai", u.OpenAI
	}
}

// Orchestrator is the Proxy Orchestrator.
type Orchestrator struct {
	Firewall  *firewall.Engine
	Traffic   *traffic.Controller
	Cache     *cache.Cache
	Recorder  *recorder.Recorder
	Sandbox   *sandbox.Sandbox
	Fanout    *fanout.Fanout
	Telemetry *telemetry.Provider
	Upstream  UpstreamSet

	ShadowMode   func() bool
	ActivePolicy func(orgID string) *domain.Policy
	ResolveOrg   func(token string) (*domain.Organisation, bool)
	LookupAgent  func(agentID string) (*domain.Agent, bool)

	HTTPClient *http.Client

	maxQueueWait time.Duration
}

// New constructs an Orchestrator. maxQueueWait defaults to the
// 5000ms cap on honoring a `queued` resolution's wait_ms.
func New(fw *firewall.Engine, tc *traffic.Controller, c *cache.Cache, rec *recorder.Recorder, sb *sandbox.Sandbox, fo *fanout.Fanout, upstream UpstreamSet) *Orchestrator {
	return &Orchestrator{
		Firewall: fw, Traffic: tc, Cache: c, Recorder: rec, Sandbox: sb, Fanout: fo,
		Telemetry: telemetry.NoopProvider(),
		Upstream:  upstream, HTTPClient: &http.Client{Timeout: 30 * time.Second},
		maxQueueWait: 5 * time.Second,
	}
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{"error": map[string]string{"type": errType, "code": code, "message": message}}
	_ = json.NewEncoder(w).Encode(body)
}

// ServeHTTP implements pipeline.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if o.Traffic.IsStopped() {
		writeError(w, http.StatusServiceUnavailable, "emergency_error", "EMERGENCY_STOP", "the emergency stop is active")
		return
	}

	token := r.Header.Get("X-Switchboard-Token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "auth_error", "MISSING_TOKEN", "X-Switchboard-Token header is required")
		return
	}
	org, ok := o.ResolveOrg(token)
	if !ok || org == nil || !org.IsActive {
		writeError(w, http.StatusUnauthorized, "auth_error", "INVALID_TOKEN", "unknown or inactive organisation token")
		return
	}

	agentID := r.Header.Get("X-Agent-Id")
	if agentID == "" {
		agentID = "anonymous"
	}
	agentName := r.Header.Get("X-Agent-Name")
	agentFramework := r.Header.Get("X-Agent-Framework")

	if o.LookupAgent != nil {
		if agent, found := o.LookupAgent(agentID); found && agent.Blocked() {
			writeError(w, http.StatusForbidden, "policy_violation", "AGENT_"+strings.ToUpper(string(agent.Status)),
				fmt.Sprintf("agent %s is %s", agentID, agent.Status))
			return
		}
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	rc := recorder.CreateContext("")
	spanCtx, span := o.Telemetry.StartRequestSpan(r.Context(), rc.SpanID, org.OrgID, r.Method, r.URL.Path)
	r = r.WithContext(spanCtx)
	var (
		spanTrace  domain.Trace
		spanStatus int
		spanErr    error
	)
	defer func() {
		o.Telemetry.EndRequestSpan(span, agentID, string(spanTrace.ActionTaken), spanTrace.ModelName,
			spanTrace.RiskScore, spanTrace.InputTokens, spanTrace.OutputTokens, spanTrace.CostUSD, spanStatus, spanErr)
	}()

	env := map[string]interface{}{"org_id": org.OrgID, "agent_id": agentID, "path": r.URL.Path}
	reqMap := map[string]interface{}{}
	_ = json.Unmarshal(reqBody, &reqMap)
	if short, modified := o.Sandbox.RunPreRequest(r.Context(), reqMap, env); short != nil {
		spanStatus = http.StatusOK
		o.writeSandboxResponse(w, short)
		return
	} else if modified != nil {
		if b, err := json.Marshal(modified); err == nil {
			reqBody = b
		}
	}

	policy := o.ActivePolicy(org.OrgID)
	shadow := policy != nil && policy.ShadowMode
	if o.ShadowMode != nil {
		shadow = shadow || o.ShadowMode()
	}

	decision := o.Firewall.Evaluate(firewall.Request{Method: r.Method, Path: r.URL.Path, Body: reqBody}, policy, shadow)
	if decision.ModifiedBody != nil {
		reqBody = decision.ModifiedBody
	}

	if !decision.Allowed {
		trace := o.Recorder.Record(r.Context(), rc, recorder.RequestData{
			OrgID: org.OrgID, AgentID: agentID, AgentName: agentName, AgentFramework: agentFramework,
			RequestType: r.Method, RequestBody: reqBody, Decision: decision,
			ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), MaskPII: policy != nil && policy.PIIMaskingEnabled,
		})
		o.Fanout.Emit(org.OrgID, fanout.EventAgentBlocked, map[string]interface{}{
			"agent_id": agentID, "trace_id": trace.TraceID, "reason": decision.Reason,
		})
		spanTrace, spanStatus = trace, http.StatusForbidden
		// A trace was created, so the response must carry its id.
		w.Header().Set("X-Switchboard-Trace-Id", trace.TraceID)
		w.Header().Set("X-Switchboard-Risk-Score", fmt.Sprintf("%.1f", decision.RiskScore))
		writeError(w, http.StatusForbidden, "policy_violation", "BLOCKED_BY_FIREWALL", decision.Reason)
		return
	}

	var resourceType, resourcePath string
	var haveResource bool
	if resourceType, resourcePath, haveResource = traffic.ExtractResource(reqBody); haveResource {
		isWrite := traffic.IsWriteOperation(reqBody, r.Method)
		access := o.Traffic.RequestAccess(r.Context(), agentID, resourceType, resourcePath, isWrite)
		switch access.Resolution {
		case domain.ResRejected:
			spanStatus = http.StatusConflict
			writeError(w, http.StatusConflict, "conflict_error", "RESOURCE_LOCKED", access.Reason)
			return
		case domain.ResQueued:
			wait := time.Duration(access.WaitMs) * time.Millisecond
			if wait > o.maxQueueWait {
				wait = o.maxQueueWait
			}
			time.Sleep(wait)
		}
	}

	model, _ := extractModel(reqBody)
	promptKey, haveKey := cache.ExtractPromptKey(reqBody)

	cacheStatus := "MISS"
	var respBody []byte
	var statusCode int

	if haveKey {
		if hit := o.Cache.Lookup(r.Context(), org.OrgID, model, promptKey); hit != nil {
			cacheStatus = "HIT"
			respBody = []byte(hit.ResponseText)
			statusCode = http.StatusOK
			_, outPrice := recorder.PriceFor(model)
			o.Cache.RecordHit(hit.CacheID, float64(hit.ResponseTokens)*outPrice)
		}
	}

	if respBody == nil {
		upstreamName, base := o.Upstream.selectUpstream(r.Header.Get("Authorization"))
		if base == "" {
			spanStatus = http.StatusBadGateway
			writeError(w, http.StatusBadGateway, "proxy_error", "NO_UPSTREAM", fmt.Sprintf("no upstream configured for %s", upstreamName))
			return
		}
		var err error
		statusCode, respBody, err = o.forward(r, base, reqBody)
		if err != nil {
			slog.Error("orchestrator: upstream forward failed", "error", err, "upstream", upstreamName)
			spanStatus, spanErr = http.StatusBadGateway, err
			writeError(w, http.StatusBadGateway, "proxy_error", "UPSTREAM_UNAVAILABLE", "failed to reach upstream provider")
			return
		}
		if haveKey && statusCode == http.StatusOK {
			tokens, _ := respTokens(respBody)
			o.Cache.Store(r.Context(), org.OrgID, model, promptKey, string(respBody), tokens, func() string { return rc.SpanID + "-cache" })
		}
	}

	respMap := map[string]interface{}{}
	_ = json.Unmarshal(respBody, &respMap)
	if out := o.Sandbox.RunPostResponse(r.Context(), reqMap, respMap, env); out != nil {
		if b, err := json.Marshal(out); err == nil {
			respBody = b
		}
	}

	trace := o.Recorder.Record(r.Context(), rc, recorder.RequestData{
		OrgID: org.OrgID, AgentID: agentID, AgentName: agentName, AgentFramework: agentFramework,
		RequestType: r.Method, ModelName: model, RequestBody: reqBody, ResponseBody: respBody,
		Decision: decision, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(),
		CustomMetadata: o.rateMetadata(r.Context(), agentID),
		MaskPII:        policy != nil && policy.PIIMaskingEnabled,
	})
	o.Fanout.Emit(org.OrgID, fanout.EventTraceEvent, map[string]interface{}{
		"trace_id": trace.TraceID, "agent_id": agentID, "action": trace.ActionTaken,
		"risk_score": trace.RiskScore, "cache": cacheStatus,
	})

	if haveResource {
		o.Traffic.ReleaseAccess(r.Context(), agentID, resourceType, resourcePath)
	}

	spanTrace, spanStatus = trace, statusCode

	w.Header().Set("X-Switchboard-Trace-Id", trace.TraceID)
	w.Header().Set("X-Switchboard-Latency-Ms", fmt.Sprintf("%.2f", float64(time.Since(start).Microseconds())/1000.0))
	w.Header().Set("X-Switchboard-Risk-Score", fmt.Sprintf("%.1f", decision.RiskScore))
	w.Header().Set("X-Switchboard-Cache", cacheStatus)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(respBody)
}

// rateMetadata tracks the agent's per-minute request counter and
// annotates it on the trace. Counters are not enforced; if the agent
// has a configured rate limit the remaining headroom is annotated too.
func (o *Orchestrator) rateMetadata(ctx context.Context, agentID string) map[string]string {
	count := o.Traffic.TrackRate(ctx, agentID)
	if count == 0 {
		return nil
	}
	md := map[string]string{"rate_window_count": strconv.FormatInt(count, 10)}
	if o.LookupAgent != nil {
		if agent, ok := o.LookupAgent(agentID); ok && agent.RateLimit > 0 {
			remaining := int64(agent.RateLimit) - count
			if remaining < 0 {
				remaining = 0
			}
			md["rate_limit_remaining"] = strconv.FormatInt(remaining, 10)
		}
	}
	return md
}

func (o *Orchestrator) writeSandboxResponse(w http.ResponseWriter, short map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(short)
}

// forward builds and issues the upstream request, stripping
// x-switchboard-* and hop-by-hop headers.
func (o *Orchestrator) forward(r *http.Request, base string, body []byte) (int, []byte, error) {
	targetURL := strings.TrimRight(base, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if hopByHopHeaders[lower] || strings.HasPrefix(lower, "x-switchboard-") {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func extractModel(body []byte) (string, bool) {
	var generic struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &generic); err != nil || generic.Model == "" {
		return "", false
	}
	return generic.Model, true
}

func respTokens(body []byte) (int, bool) {
	var generic struct {
		Usage struct {
			CompletionTokens int `json:"completion_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &generic); err != nil {
		return 0, false
	}
	if generic.Usage.CompletionTokens > 0 {
		return generic.Usage.CompletionTokens, true
	}
	if generic.Usage.OutputTokens > 0 {
		return generic.Usage.OutputTokens, true
	}
	return 0, false
}
