package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/fanout"
	"agentswitchboard/internal/policy"
	"agentswitchboard/internal/store"
	"agentswitchboard/internal/traffic"
	"agentswitchboard/internal/tsstore"
	"agentswitchboard/internal/waf"
)

func newTestHandler(t *testing.T, authEnabled bool, apiKey string) (*Handler, *tsstore.Store) {
	t.Helper()
	ts, err := tsstore.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	rules := waf.NewRuleSet(waf.DefaultRules())
	tc := traffic.New(store.NewMemoryKV(), 30*time.Second)
	return New(ts, policy.NewStore(ts), rules, tc, fanout.New(), authEnabled, apiKey), ts
}

func TestHealthzReturnsOK(t *testing.T) {
	h, _ := newTestHandler(t, false, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequiredRejectsMissingKey(t *testing.T) {
	h, _ := newTestHandler(t, true, "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents/org1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	h, _ := newTestHandler(t, true, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/agents/org1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthAcceptsAPIKeyHeader(t *testing.T) {
	h, _ := newTestHandler(t, true, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/agents/org1", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthNotEnforcedOnNonAPIPaths(t *testing.T) {
	h, _ := newTestHandler(t, true, "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz to bypass auth, got %d", rec.Code)
	}
}

func TestBurnRateBucketsRecentTracesByMinute(t *testing.T) {
	h, ts := newTestHandler(t, false, "")
	now := time.Now()
	ts.InsertTrace(domain.Trace{TraceID: "t1", OrgID: "org1", Timestamp: now, CostUSD: 0.5, ActionTaken: domain.ActionAllowed})
	ts.InsertTrace(domain.Trace{TraceID: "t2", OrgID: "org1", Timestamp: now, CostUSD: 0.25, ActionTaken: domain.ActionAllowed})
	ts.InsertTrace(domain.Trace{TraceID: "t3", OrgID: "org1", Timestamp: now.Add(-2 * time.Hour), CostUSD: 100, ActionTaken: domain.ActionAllowed})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/burn-rate/org1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		CurrentRate      float64 `json:"currentRate"`
		HourlyProjection float64 `json:"hourlyProjection"`
		History          []struct {
			Cost     float64 `json:"cost"`
			Requests int     `json:"requests"`
		} `json:"history"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.History) != 1 {
		t.Fatalf("expected exactly one minute bucket within the last 60 minutes, got %d", len(body.History))
	}
	if body.History[0].Cost != 0.75 || body.History[0].Requests != 2 {
		t.Errorf("expected bucket cost 0.75 over 2 requests, got %+v", body.History[0])
	}
	if body.CurrentRate != 0.75 {
		t.Errorf("expected current rate 0.75, got %.2f", body.CurrentRate)
	}
	if body.HourlyProjection != 45 {
		t.Errorf("expected hourly projection 45 (0.75*60), got %.2f", body.HourlyProjection)
	}
}

func TestShadowSavingsAggregatesShadowTraces(t *testing.T) {
	h, ts := newTestHandler(t, false, "")
	now := time.Now()
	ts.InsertTrace(domain.Trace{TraceID: "s1", OrgID: "org1", Timestamp: now, CostUSD: 1.0, IsShadowEvent: true, ActionTaken: domain.ActionShadowBlocked})
	ts.InsertTrace(domain.Trace{TraceID: "s2", OrgID: "org1", Timestamp: now, CostUSD: 2.0, IsShadowEvent: true, ActionTaken: domain.ActionShadowBlocked})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/shadow-savings/org1", nil))
	var body struct {
		ShadowBlockedCount int     `json:"shadowBlockedCount"`
		TotalMitigatedCost float64 `json:"totalMitigatedCost"`
		PeriodHours        int     `json:"periodHours"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if body.ShadowBlockedCount != 2 {
		t.Errorf("expected 2 shadow-blocked traces, got %d", body.ShadowBlockedCount)
	}
	if body.TotalMitigatedCost != 3.0 {
		t.Errorf("expected total mitigated cost 3.0, got %.2f", body.TotalMitigatedCost)
	}
	if body.PeriodHours != 24 {
		t.Errorf("expected default period of 24 hours, got %d", body.PeriodHours)
	}
}

func TestPauseAgentThenAgentReportedPaused(t *testing.T) {
	h, ts := newTestHandler(t, false, "")
	ts.UpsertAgent(domain.Agent{AgentID: "agent1", OrgID: "org1", Status: domain.AgentActive})

	body, _ := json.Marshal(map[string]string{"agent_id": "agent1", "org_id": "org1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control/pause-agent", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	agent, err := ts.GetAgent("agent1")
	if err != nil || agent.Status != domain.AgentPaused {
		t.Fatalf("expected agent to be paused, got %+v / %v", agent, err)
	}
}

func TestEmergencyStopThenStatusReflectsIt(t *testing.T) {
	h, _ := newTestHandler(t, false, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control/emergency-stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/control/status", nil))
	var status struct {
		EmergencyStop bool `json:"emergency_stop"`
	}
	json.NewDecoder(rec2.Body).Decode(&status)
	if !status.EmergencyStop {
		t.Error("expected emergency stop status to report active")
	}
}

func TestPoliciesUpdateThenCurrentReflectsIt(t *testing.T) {
	h, _ := newTestHandler(t, false, "")
	body, _ := json.Marshal(domain.Policy{Version: 3})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/policies?org=org1", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/policies/current?org=org1", nil))
	var got domain.Policy
	json.NewDecoder(rec2.Body).Decode(&got)
	if got.Version != 3 {
		t.Errorf("expected policy version 3, got %d", got.Version)
	}
}

func TestWAFRulesToggleDisablesRule(t *testing.T) {
	h, _ := newTestHandler(t, false, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/waf/rules", nil))
	var rules []domain.WAFRule
	json.NewDecoder(rec.Body).Decode(&rules)
	if len(rules) == 0 {
		t.Fatal("expected default WAF rules to be registered")
	}
	target := rules[0].ID

	body, _ := json.Marshal(map[string]interface{}{"id": target, "enabled": false})
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodPut, "/api/waf/rules", bytes.NewReader(body)))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}

	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/api/waf/rules", nil))
	var updated []domain.WAFRule
	json.NewDecoder(rec3.Body).Decode(&updated)
	for _, r := range updated {
		if r.ID == target && r.Enabled {
			t.Errorf("expected rule %s to be disabled", target)
		}
	}
}
