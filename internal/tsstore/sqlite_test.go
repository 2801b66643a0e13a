package tsstore

import (
	"testing"
	"time"

	"agentswitchboard/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAgentThenGetAgent(t *testing.T) {
	s := newTestStore(t)
	a := domain.Agent{AgentID: "agent1", OrgID: "org1", Name: "bot", Framework: "langchain", Status: domain.AgentActive, CreatedAt: time.Now()}
	if err := s.UpsertAgent(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetAgent("agent1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "bot" || got.Status != domain.AgentActive {
		t.Errorf("unexpected agent: %+v", got)
	}
}

func TestUpsertAgentIsIdempotentOnConflict(t *testing.T) {
	s := newTestStore(t)
	a := domain.Agent{AgentID: "agent1", OrgID: "org1", Name: "bot", Status: domain.AgentActive}
	s.UpsertAgent(a)
	a.Name = "renamed"
	if err := s.UpsertAgent(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.GetAgent("agent1")
	if got.Name != "bot" {
		t.Errorf("expected first-sight upsert to ignore later conflicting inserts, got name %q", got.Name)
	}
}

func TestSetAgentStatusThenGetAgentReflectsIt(t *testing.T) {
	s := newTestStore(t)
	s.UpsertAgent(domain.Agent{AgentID: "agent1", OrgID: "org1", Status: domain.AgentActive})
	if err := s.SetAgentStatus("agent1", domain.AgentPaused); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.GetAgent("agent1")
	if got.Status != domain.AgentPaused {
		t.Errorf("expected paused status, got %s", got.Status)
	}
}

func TestListAgentsScopedByOrg(t *testing.T) {
	s := newTestStore(t)
	s.UpsertAgent(domain.Agent{AgentID: "a1", OrgID: "org1"})
	s.UpsertAgent(domain.Agent{AgentID: "a2", OrgID: "org1"})
	s.UpsertAgent(domain.Agent{AgentID: "a3", OrgID: "org2"})

	agents, err := s.ListAgents("org1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("expected 2 agents for org1, got %d", len(agents))
	}
}

func TestUpsertOrganizationThenGetByToken(t *testing.T) {
	s := newTestStore(t)
	o := domain.Organisation{OrgID: "org1", Name: "Acme", APIToken: "tok1", IsActive: true, CreatedAt: time.Now()}
	if err := s.UpsertOrganization(o); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetOrganizationByToken("tok1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrgID != "org1" || got.Name != "Acme" {
		t.Errorf("unexpected org: %+v", got)
	}
}

func TestGetOrganizationByTokenExcludesInactive(t *testing.T) {
	s := newTestStore(t)
	s.UpsertOrganization(domain.Organisation{OrgID: "org1", APIToken: "tok1", IsActive: false})
	if _, err := s.GetOrganizationByToken("tok1"); err == nil {
		t.Error("expected inactive org to not resolve by token")
	}
}

func TestSaveThenLoadPolicyReturnsLatestVersion(t *testing.T) {
	s := newTestStore(t)
	s.SavePolicy("org1", domain.Policy{PolicyID: "p1", Version: 1})
	s.SavePolicy("org1", domain.Policy{PolicyID: "p1", Version: 2})
	got, err := s.LoadPolicy("org1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected latest version 2, got %d", got.Version)
	}
}

func TestLoadPolicyErrorsWhenNoneExists(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadPolicy("unknown"); err == nil {
		t.Error("expected an error when no policy has been saved")
	}
}

func TestInsertTraceThenListTraces(t *testing.T) {
	s := newTestStore(t)
	s.InsertTrace(domain.Trace{TraceID: "t1", OrgID: "org1", Timestamp: time.Now(), ActionTaken: domain.ActionAllowed})
	traces, err := s.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traces) != 1 || traces[0].TraceID != "t1" {
		t.Fatalf("unexpected traces: %+v", traces)
	}
}

func TestListBlockedTracesFiltersByAction(t *testing.T) {
	s := newTestStore(t)
	s.InsertTrace(domain.Trace{TraceID: "t1", OrgID: "org1", Timestamp: time.Now(), ActionTaken: domain.ActionBlocked, BlockReason: "pii"})
	s.InsertTrace(domain.Trace{TraceID: "t2", OrgID: "org1", Timestamp: time.Now(), ActionTaken: domain.ActionAllowed})

	blocked, err := s.ListBlockedTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocked) != 1 || blocked[0].TraceID != "t1" {
		t.Fatalf("expected only the blocked trace, got %+v", blocked)
	}
}

func TestListShadowTracesFiltersByShadowFlagAndWindow(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.InsertTrace(domain.Trace{TraceID: "t1", OrgID: "org1", Timestamp: now, IsShadowEvent: true, ActionTaken: domain.ActionShadowBlocked})
	s.InsertTrace(domain.Trace{TraceID: "t2", OrgID: "org1", Timestamp: now.Add(-48 * time.Hour), IsShadowEvent: true, ActionTaken: domain.ActionShadowBlocked})
	s.InsertTrace(domain.Trace{TraceID: "t3", OrgID: "org1", Timestamp: now, IsShadowEvent: false, ActionTaken: domain.ActionAllowed})

	shadow, err := s.ListShadowTraces("org1", 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shadow) != 1 || shadow[0].TraceID != "t1" {
		t.Fatalf("expected only the recent shadow trace, got %+v", shadow)
	}
}

func TestStoreCacheEntryThenExactLookup(t *testing.T) {
	s := newTestStore(t)
	e := domain.CacheEntry{
		CacheID: "c1", OrgID: "org1", Model: "gpt-4", PromptHash: "hash1",
		PromptEmbedding: []float32{0.1, 0.2}, ResponseText: "four", CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.StoreCacheEntry(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.ExactCacheRow("org1", "gpt-4", "hash1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ResponseText != "four" {
		t.Errorf("unexpected response text: %q", got.ResponseText)
	}
}

func TestExactCacheRowExcludesExpiredEntries(t *testing.T) {
	s := newTestStore(t)
	e := domain.CacheEntry{
		CacheID: "c1", OrgID: "org1", Model: "gpt-4", PromptHash: "hash1",
		ResponseText: "stale", CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	s.StoreCacheEntry(e)
	if _, err := s.ExactCacheRow("org1", "gpt-4", "hash1"); err == nil {
		t.Error("expected expired cache entry to not be returned")
	}
}

func TestNearestCacheRowFindsClosestByCosine(t *testing.T) {
	s := newTestStore(t)
	s.StoreCacheEntry(domain.CacheEntry{
		CacheID: "close", OrgID: "org1", Model: "gpt-4", PromptHash: "h1",
		PromptEmbedding: []float32{1, 0}, ResponseText: "close-match",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	s.StoreCacheEntry(domain.CacheEntry{
		CacheID: "far", OrgID: "org1", Model: "gpt-4", PromptHash: "h2",
		PromptEmbedding: []float32{0, 1}, ResponseText: "far-match",
		ExpiresAt: time.Now().Add(time.Hour),
	})

	best, dist, err := s.NearestCacheRow("org1", "gpt-4", []float32{0.9, 0.1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best == nil || best.CacheID != "close" {
		t.Fatalf("expected the near-identical vector to win, got %+v", best)
	}
	if dist < 0 {
		t.Errorf("expected non-negative cosine distance, got %.4f", dist)
	}
}

func TestRecordCacheHitIncrementsCountAndSavings(t *testing.T) {
	s := newTestStore(t)
	s.StoreCacheEntry(domain.CacheEntry{CacheID: "c1", OrgID: "org1", Model: "gpt-4", PromptHash: "h1", ExpiresAt: time.Now().Add(time.Hour)})
	s.RecordCacheHit("c1", 0.05)
	s.RecordCacheHit("c1", 0.05)

	stats, err := s.CacheStatsForOrg("org1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalHits != 2 {
		t.Errorf("expected 2 total hits, got %d", stats.TotalHits)
	}
	if stats.TotalSaved != 0.1 {
		t.Errorf("expected 0.1 total saved, got %.2f", stats.TotalSaved)
	}
}

func TestInsertAnomalyThenTraceHasAnomaly(t *testing.T) {
	s := newTestStore(t)
	s.InsertTrace(domain.Trace{TraceID: "t1", OrgID: "org1", Timestamp: time.Now(), ActionTaken: domain.ActionAllowed})
	has, err := s.TraceHasAnomaly("t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if has {
		t.Fatal("expected no anomaly before one is inserted")
	}

	s.InsertAnomaly(domain.Anomaly{AnomalyID: "a1", OrgID: "org1", Details: "trace t1: z-score 4.0", Status: domain.AnomalyActive, DetectedAt: time.Now()})
	has, err = s.TraceHasAnomaly("t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Error("expected TraceHasAnomaly to find the inserted anomaly referencing t1")
	}
}

func TestResolveAnomalyUpdatesStatus(t *testing.T) {
	s := newTestStore(t)
	s.InsertAnomaly(domain.Anomaly{AnomalyID: "a1", OrgID: "org1", Details: "trace t1", Status: domain.AnomalyActive, DetectedAt: time.Now()})
	if err := s.ResolveAnomaly("a1", "operator1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDistinctAgentsWithRecentTracesRequiresMinimumCount(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.InsertTrace(domain.Trace{TraceID: randID(i), OrgID: "org1", AgentID: "agent1", Timestamp: now, ActionTaken: domain.ActionAllowed})
	}
	agents, err := s.DistinctAgentsWithRecentTraces(now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("expected no agents below the minimum trace count, got %v", agents)
	}

	agents, err = s.DistinctAgentsWithRecentTraces(now.Add(-time.Hour), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agents) != 1 || agents[0] != "agent1" {
		t.Errorf("expected exactly agent1 to qualify, got %v", agents)
	}
}

func TestVacuumDeletesOldTraces(t *testing.T) {
	s := newTestStore(t)
	s.InsertTrace(domain.Trace{TraceID: "old", OrgID: "org1", Timestamp: time.Now().Add(-200 * 24 * time.Hour), ActionTaken: domain.ActionAllowed})
	s.InsertTrace(domain.Trace{TraceID: "new", OrgID: "org1", Timestamp: time.Now(), ActionTaken: domain.ActionAllowed})

	if err := s.Vacuum(90 * 24 * time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	traces, err := s.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traces) != 1 || traces[0].TraceID != "new" {
		t.Fatalf("expected only the recent trace to survive vacuum, got %+v", traces)
	}
}

func randID(i int) string {
	return "trace-" + string(rune('a'+i))
}
