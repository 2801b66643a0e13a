// Package tsstore provides the L0 time-series store adapter: trace
// append/range queries and the semantic cache's durable row plus a
// brute-force cosine ANN scan, backed by pure-Go SQLite (no cgo).
//
// Retention (90 days) is modelled as a periodic sweep (Vacuum) rather
// than a hypertable's native chunking, since modernc.org/sqlite has no
// hypertable concept: rows older than retention disappear from queries.
// Older rows are not compressed; every row stays stored as written until
// the sweep deletes it.
package tsstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"agentswitchboard/internal/domain"
)

// Store is the SQLite-backed time-series store.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the database at path and runs migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tsstore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("tsstore: enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("tsstore: migrate: %w", err)
	}
	slog.Info("tsstore initialized", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		org_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		api_token TEXT NOT NULL UNIQUE,
		settings TEXT,
		daily_budget REAL NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT,
		framework TEXT,
		status TEXT NOT NULL,
		rate_limit INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(org_id);

	CREATE TABLE IF NOT EXISTS policies (
		policy_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		document TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_policies_org ON policies(org_id);

	CREATE TABLE IF NOT EXISTS agent_traces (
		trace_id TEXT PRIMARY KEY,
		span_id TEXT,
		parent_span_id TEXT,
		ts DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		org_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		agent_name TEXT,
		agent_framework TEXT,
		request_type TEXT,
		intent_category TEXT,
		risk_score REAL NOT NULL DEFAULT 0,
		model_provider TEXT,
		model_name TEXT,
		input_tokens INTEGER,
		output_tokens INTEGER,
		cost_usd REAL,
		request_body BLOB,
		response_body BLOB,
		reasoning_steps TEXT,
		tool_calls TEXT,
		policy_applied TEXT,
		action_taken TEXT NOT NULL,
		block_reason TEXT,
		is_shadow_event INTEGER NOT NULL DEFAULT 0,
		client_ip TEXT,
		user_agent TEXT,
		custom_metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_traces_org_ts ON agent_traces(org_id, ts);
	CREATE INDEX IF NOT EXISTS idx_traces_agent ON agent_traces(agent_id);
	CREATE INDEX IF NOT EXISTS idx_traces_action ON agent_traces(action_taken);
	CREATE INDEX IF NOT EXISTS idx_traces_shadow ON agent_traces(is_shadow_event);

	CREATE TABLE IF NOT EXISTS anomalies (
		anomaly_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		details TEXT,
		detected_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		resolved_at DATETIME,
		resolved_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_anomalies_org ON anomalies(org_id);
	CREATE INDEX IF NOT EXISTS idx_anomalies_status ON anomalies(status);

	CREATE TABLE IF NOT EXISTS semantic_cache (
		cache_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_hash TEXT NOT NULL,
		prompt_embedding TEXT NOT NULL,
		prompt_text TEXT,
		response_text TEXT,
		response_tokens INTEGER NOT NULL DEFAULT 0,
		hit_count INTEGER NOT NULL DEFAULT 0,
		cost_saved REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		UNIQUE(org_id, model, prompt_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_cache_org_model ON semantic_cache(org_id, model);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// --- organizations & agents ---

// UpsertAgent inserts or ignores an already-known agent, matching the
// upsert-on-first-sight pattern: unknown agents are recorded on first trace.
func (s *Store) UpsertAgent(a domain.Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (agent_id, org_id, name, framework, status, rate_limit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO NOTHING`,
		a.AgentID, a.OrgID, a.Name, a.Framework, string(a.Status), a.RateLimit, a.CreatedAt,
	)
	return err
}

func (s *Store) GetAgent(id string) (*domain.Agent, error) {
	row := s.db.QueryRow(`SELECT agent_id, org_id, name, framework, status, rate_limit, created_at FROM agents WHERE agent_id = ?`, id)
	var a domain.Agent
	var status string
	if err := row.Scan(&a.AgentID, &a.OrgID, &a.Name, &a.Framework, &status, &a.RateLimit, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	return &a, nil
}

func (s *Store) SetAgentStatus(id string, status domain.AgentStatus) error {
	_, err := s.db.Exec(`UPDATE agents SET status = ? WHERE agent_id = ?`, string(status), id)
	return err
}

func (s *Store) ListAgents(orgID string) ([]domain.Agent, error) {
	rows, err := s.db.Query(`SELECT agent_id, org_id, name, framework, status, rate_limit, created_at FROM agents WHERE org_id = ?`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var status string
		if err := rows.Scan(&a.AgentID, &a.OrgID, &a.Name, &a.Framework, &status, &a.RateLimit, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = domain.AgentStatus(status)
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) GetOrganizationByToken(token string) (*domain.Organisation, error) {
	row := s.db.QueryRow(`SELECT org_id, name, api_token, settings, daily_budget, is_active, created_at FROM organizations WHERE api_token = ? AND is_active = 1`, token)
	var o domain.Organisation
	var settings sql.NullString
	if err := row.Scan(&o.OrgID, &o.Name, &o.APIToken, &settings, &o.DailyBudget, &o.IsActive, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Settings = settings.String
	return &o, nil
}

func (s *Store) UpsertOrganization(o domain.Organisation) error {
	_, err := s.db.Exec(`
		INSERT INTO organizations (org_id, name, api_token, settings, daily_budget, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id) DO UPDATE SET name=excluded.name, api_token=excluded.api_token,
			settings=excluded.settings, daily_budget=excluded.daily_budget, is_active=excluded.is_active`,
		o.OrgID, o.Name, o.APIToken, o.Settings, o.DailyBudget, o.IsActive, o.CreatedAt,
	)
	return err
}

// --- policies ---

func (s *Store) SavePolicy(orgID string, p domain.Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO policies (policy_id, org_id, version, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(policy_id) DO UPDATE SET version=excluded.version, document=excluded.document, updated_at=excluded.updated_at`,
		p.PolicyID, orgID, p.Version, string(doc), time.Now(),
	)
	return err
}

func (s *Store) LoadPolicy(orgID string) (*domain.Policy, error) {
	row := s.db.QueryRow(`SELECT document FROM policies WHERE org_id = ? ORDER BY version DESC LIMIT 1`, orgID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var p domain.Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- traces ---

// InsertTrace appends one trace row; used by both the immediate (denial)
// path and the Flight Recorder's batch flush.
func (s *Store) InsertTrace(t domain.Trace) error {
	reasoning, _ := json.Marshal(t.ReasoningSteps)
	toolCalls, _ := json.Marshal(t.ToolCalls)
	metadata, _ := json.Marshal(t.CustomMetadata)

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO agent_traces
		(trace_id, span_id, parent_span_id, ts, duration_ms, org_id, agent_id, agent_name, agent_framework,
		 request_type, intent_category, risk_score, model_provider, model_name, input_tokens, output_tokens,
		 cost_usd, request_body, response_body, reasoning_steps, tool_calls, policy_applied, action_taken,
		 block_reason, is_shadow_event, client_ip, user_agent, custom_metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.TraceID, t.SpanID, t.ParentSpanID, t.Timestamp, t.DurationMs, t.OrgID, t.AgentID, t.AgentName, t.AgentFramework,
		t.RequestType, string(t.IntentCategory), t.RiskScore, t.ModelProvider, t.ModelName, t.InputTokens, t.OutputTokens,
		t.CostUSD, t.RequestBody, t.ResponseBody, string(reasoning), string(toolCalls), t.PolicyApplied, string(t.ActionTaken),
		t.BlockReason, t.IsShadowEvent, t.ClientIP, t.UserAgent, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("tsstore: insert trace: %w", err)
	}
	return nil
}

// InsertTraces batch-inserts within a single transaction, used by the
// Flight Recorder's periodic flush.
func (s *Store) InsertTraces(traces []domain.Trace) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, t := range traces {
		reasoning, _ := json.Marshal(t.ReasoningSteps)
		toolCalls, _ := json.Marshal(t.ToolCalls)
		metadata, _ := json.Marshal(t.CustomMetadata)
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO agent_traces
			(trace_id, span_id, parent_span_id, ts, duration_ms, org_id, agent_id, agent_name, agent_framework,
			 request_type, intent_category, risk_score, model_provider, model_name, input_tokens, output_tokens,
			 cost_usd, request_body, response_body, reasoning_steps, tool_calls, policy_applied, action_taken,
			 block_reason, is_shadow_event, client_ip, user_agent, custom_metadata)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.TraceID, t.SpanID, t.ParentSpanID, t.Timestamp, t.DurationMs, t.OrgID, t.AgentID, t.AgentName, t.AgentFramework,
			t.RequestType, string(t.IntentCategory), t.RiskScore, t.ModelProvider, t.ModelName, t.InputTokens, t.OutputTokens,
			t.CostUSD, t.RequestBody, t.ResponseBody, string(reasoning), string(toolCalls), t.PolicyApplied, string(t.ActionTaken),
			t.BlockReason, t.IsShadowEvent, t.ClientIP, t.UserAgent, string(metadata),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("tsstore: batch insert trace %s: %w", t.TraceID, err)
		}
	}
	return tx.Commit()
}

func scanTrace(row interface{ Scan(...any) error }) (domain.Trace, error) {
	var t domain.Trace
	var intent, reasoning, toolCalls, metadata string
	var agentName, agentFramework, provider, modelName, policyApplied, blockReason, clientIP, userAgent sql.NullString
	var inputTokens, outputTokens sql.NullInt64
	var costUSD sql.NullFloat64
	err := row.Scan(
		&t.TraceID, &t.SpanID, &t.ParentSpanID, &t.Timestamp, &t.DurationMs, &t.OrgID, &t.AgentID, &agentName, &agentFramework,
		&t.RequestType, &intent, &t.RiskScore, &provider, &modelName, &inputTokens, &outputTokens,
		&costUSD, &t.RequestBody, &t.ResponseBody, &reasoning, &toolCalls, &policyApplied, &t.ActionTaken,
		&blockReason, &t.IsShadowEvent, &clientIP, &userAgent, &metadata,
	)
	if err != nil {
		return t, err
	}
	t.AgentName, t.AgentFramework, t.ModelProvider, t.ModelName = agentName.String, agentFramework.String, provider.String, modelName.String
	t.PolicyApplied, t.BlockReason, t.ClientIP, t.UserAgent = policyApplied.String, blockReason.String, clientIP.String, userAgent.String
	t.InputTokens, t.OutputTokens = int(inputTokens.Int64), int(outputTokens.Int64)
	t.CostUSD = costUSD.Float64
	t.IntentCategory = domain.IntentCategory(intent)
	json.Unmarshal([]byte(reasoning), &t.ReasoningSteps)
	json.Unmarshal([]byte(toolCalls), &t.ToolCalls)
	json.Unmarshal([]byte(metadata), &t.CustomMetadata)
	return t, nil
}

const traceColumns = `trace_id, span_id, parent_span_id, ts, duration_ms, org_id, agent_id, agent_name, agent_framework,
		 request_type, intent_category, risk_score, model_provider, model_name, input_tokens, output_tokens,
		 cost_usd, request_body, response_body, reasoning_steps, tool_calls, policy_applied, action_taken,
		 block_reason, is_shadow_event, client_ip, user_agent, custom_metadata`

// ListTraces returns the most recent N traces for an org, newest first.
func (s *Store) ListTraces(orgID string, limit int) ([]domain.Trace, error) {
	rows, err := s.db.Query(`SELECT `+traceColumns+` FROM agent_traces WHERE org_id = ? ORDER BY ts DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListBlockedTraces returns traces whose action_taken is blocked.
func (s *Store) ListBlockedTraces(orgID string, limit int) ([]domain.Trace, error) {
	rows, err := s.db.Query(`SELECT `+traceColumns+` FROM agent_traces WHERE org_id = ? AND action_taken = ? ORDER BY ts DESC LIMIT ?`,
		orgID, string(domain.ActionBlocked), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListShadowTraces returns shadow_blocked traces within the last `hours`.
func (s *Store) ListShadowTraces(orgID string, hours int) ([]domain.Trace, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.db.Query(`SELECT `+traceColumns+` FROM agent_traces WHERE org_id = ? AND is_shadow_event = 1 AND ts >= ? ORDER BY ts DESC`,
		orgID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RecentTracesForAgent returns traces for z-score computation in the
// Anomaly Detector: total tokens per trace within the lookback window.
func (s *Store) RecentTracesForAgent(agentID string, since time.Time) ([]domain.Trace, error) {
	rows, err := s.db.Query(`SELECT `+traceColumns+` FROM agent_traces WHERE agent_id = ? AND ts >= ? ORDER BY ts ASC`, agentID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DistinctAgentsWithRecentTraces lists agents with at least minCount
// traces in the lookback window, for the Anomaly Detector's per-agent scan.
func (s *Store) DistinctAgentsWithRecentTraces(since time.Time, minCount int) ([]string, error) {
	rows, err := s.db.Query(`SELECT agent_id FROM agent_traces WHERE ts >= ? GROUP BY agent_id HAVING COUNT(*) >= ?`, since, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Vacuum deletes traces older than the retention window, matching
// 90-day retention.
func (s *Store) Vacuum(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	_, err := s.db.Exec(`DELETE FROM agent_traces WHERE ts < ?`, cutoff)
	return err
}

// --- semantic cache ---

// ExactCacheRow looks up the durable row by (org, model, promptHash).
func (s *Store) ExactCacheRow(orgID, model, promptHash string) (*domain.CacheEntry, error) {
	row := s.db.QueryRow(`SELECT cache_id, org_id, model, prompt_hash, prompt_embedding, prompt_text, response_text,
		response_tokens, hit_count, cost_saved, created_at, expires_at
		FROM semantic_cache WHERE org_id = ? AND model = ? AND prompt_hash = ? AND expires_at > ?`,
		orgID, model, promptHash, time.Now())
	return scanCacheRow(row)
}

func scanCacheRow(row *sql.Row) (*domain.CacheEntry, error) {
	var e domain.CacheEntry
	var embedding string
	if err := row.Scan(&e.CacheID, &e.OrgID, &e.Model, &e.PromptHash, &embedding, &e.PromptText, &e.ResponseText,
		&e.ResponseTokens, &e.HitCount, &e.CostSaved, &e.CreatedAt, &e.ExpiresAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(embedding), &e.PromptEmbedding)
	return &e, nil
}

// NearestCacheRow runs a brute-force cosine ANN scan over non-expired
// entries for (org, model): pure-Go SQLite has no native vector index,
// so the "ANN index" is this bounded table scan plus an in-memory
// cosine comparison, matching the contract (nearest by cosine distance)
// rather than a native vector index, since the pure-Go sqlite driver has no vector
// column to begin with.
func (s *Store) NearestCacheRow(orgID, model string, embedding []float32) (*domain.CacheEntry, float64, error) {
	rows, err := s.db.Query(`SELECT cache_id, org_id, model, prompt_hash, prompt_embedding, prompt_text, response_text,
		response_tokens, hit_count, cost_saved, created_at, expires_at
		FROM semantic_cache WHERE org_id = ? AND model = ? AND expires_at > ?`, orgID, model, time.Now())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var best *domain.CacheEntry
	bestDist := math.Inf(1)
	for rows.Next() {
		var e domain.CacheEntry
		var emb string
		if err := rows.Scan(&e.CacheID, &e.OrgID, &e.Model, &e.PromptHash, &emb, &e.PromptText, &e.ResponseText,
			&e.ResponseTokens, &e.HitCount, &e.CostSaved, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, 0, err
		}
		json.Unmarshal([]byte(emb), &e.PromptEmbedding)
		d := cosineDistance(embedding, e.PromptEmbedding)
		if d < bestDist {
			bestDist = d
			ec := e
			best = &ec
		}
	}
	return best, bestDist, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return math.Inf(1)
	}
	cosSim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return 1 - cosSim
}

// StoreCacheEntry writes (or replaces) the durable row on conflict.
func (s *Store) StoreCacheEntry(e domain.CacheEntry) error {
	embedding, err := json.Marshal(e.PromptEmbedding)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO semantic_cache (cache_id, org_id, model, prompt_hash, prompt_embedding, prompt_text, response_text,
			response_tokens, hit_count, cost_saved, created_at, expires_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(org_id, model, prompt_hash) DO UPDATE SET
			prompt_embedding=excluded.prompt_embedding, response_text=excluded.response_text,
			response_tokens=excluded.response_tokens, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		e.CacheID, e.OrgID, e.Model, e.PromptHash, string(embedding), e.PromptText, e.ResponseText,
		e.ResponseTokens, e.HitCount, e.CostSaved, e.CreatedAt, e.ExpiresAt,
	)
	return err
}

// RecordCacheHit is best-effort accounting; callers must not surface its
// errors to the request path.
func (s *Store) RecordCacheHit(cacheID string, costSaved float64) error {
	_, err := s.db.Exec(`UPDATE semantic_cache SET hit_count = hit_count + 1, cost_saved = cost_saved + ? WHERE cache_id = ?`, costSaved, cacheID)
	return err
}

// CacheStats aggregates hit counts and savings for an org, backing the
// cache-stats control-plane endpoint.
type CacheStats struct {
	TotalEntries int     `json:"total_entries"`
	TotalHits    int     `json:"total_hits"`
	TotalSaved   float64 `json:"total_cost_saved"`
}

func (s *Store) CacheStatsForOrg(orgID string) (CacheStats, error) {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(hit_count),0), COALESCE(SUM(cost_saved),0) FROM semantic_cache WHERE org_id = ?`, orgID)
	var st CacheStats
	err := row.Scan(&st.TotalEntries, &st.TotalHits, &st.TotalSaved)
	return st, err
}

// --- anomalies ---

func (s *Store) InsertAnomaly(a domain.Anomaly) error {
	_, err := s.db.Exec(`
		INSERT INTO anomalies (anomaly_id, org_id, agent_id, type, severity, details, detected_at, status)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.AnomalyID, a.OrgID, a.AgentID, a.Type, a.Severity, a.Details, a.DetectedAt, string(a.Status))
	return err
}

func (s *Store) ResolveAnomaly(id, resolvedBy string) error {
	_, err := s.db.Exec(`UPDATE anomalies SET status = ?, resolved_at = ?, resolved_by = ? WHERE anomaly_id = ?`,
		string(domain.AnomalyResolved), time.Now(), resolvedBy, id)
	return err
}

// TraceHasAnomaly dedupes the Anomaly Detector by trace id: an
// already-flagged trace must not raise a second event.
func (s *Store) TraceHasAnomaly(traceID string) (bool, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM anomalies WHERE details LIKE ?`, "%"+traceID+"%")
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
