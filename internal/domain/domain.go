// Package domain holds the shared data model for AgentSwitchboard: the
// organisations, agents, policy documents, WAF rules, locks, cache
// entries, traces, and anomalies that every other package reads or
// writes.
package domain

import "time"

// AgentStatus is the lifecycle state of an Agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentRevoked AgentStatus = "revoked"
	AgentWarning AgentStatus = "warning"
)

// Organisation is the sole authentication boundary: its api_token is the
// only credential the proxy surface accepts.
type Organisation struct {
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	APIToken    string    `json:"api_token"`
	Settings    string    `json:"settings,omitempty"`
	DailyBudget float64   `json:"daily_budget"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is auto-created on first observed request, upserted on agent_id.
type Agent struct {
	AgentID   string      `json:"agent_id"`
	OrgID     string      `json:"org_id"`
	Name      string      `json:"name"`
	Framework string      `json:"framework"`
	Status    AgentStatus `json:"status"`
	RateLimit int         `json:"rate_limit"`
	CreatedAt time.Time   `json:"created_at"`
}

// Blocked reports whether a request from this agent must not reach an
// upstream provider.
func (a Agent) Blocked() bool {
	return a.Status == AgentPaused || a.Status == AgentRevoked
}

// IntentCategory is the fixed classification set.
type IntentCategory string

const (
	IntentDestructive      IntentCategory = "destructive"
	IntentDataAccess       IntentCategory = "data_access"
	IntentDataModification IntentCategory = "data_modification"
	IntentExternalCall     IntentCategory = "external_call"
	IntentCodeExecution    IntentCategory = "code_execution"
	IntentFileOperation    IntentCategory = "file_operation"
	IntentUnknown          IntentCategory = "unknown"
)

// IntentWeight is the per-category scoring weight.
var IntentWeight = map[IntentCategory]float64{
	IntentDestructive:      1.5,
	IntentDataAccess:       0.5,
	IntentDataModification: 1.0,
	IntentExternalCall:     1.2,
	IntentCodeExecution:    1.4,
	IntentFileOperation:    1.1,
}

// IntentKeywords is the fixed keyword set per category.
var IntentKeywords = map[IntentCategory][]string{
	IntentDestructive:      {"delete", "remove", "drop", "truncate", "destroy", "kill", "terminate"},
	IntentDataAccess:       {"select", "query", "fetch", "read", "get", "list", "search"},
	IntentDataModification: {"update", "insert", "upsert", "modify", "change", "set"},
	IntentExternalCall:     {"http", "api", "webhook", "curl", "fetch", "request", "post"},
	IntentCodeExecution:    {"exec", "eval", "run", "execute", "shell", "command", "script"},
	IntentFileOperation:    {"file", "write", "save", "upload", "download", "path", "directory"},
}

// PolicyRule mirrors Policy document `rules` sub-object.
type PolicyRule struct {
	BlockPII          bool     `json:"block_pii" yaml:"block_pii"`
	BlockDestructive  bool     `json:"block_destructive" yaml:"block_destructive"`
	BlockExternalCall bool     `json:"block_external_calls" yaml:"block_external_calls"`
	AllowedModels     []string `json:"allowed_models" yaml:"allowed_models"`
	MaxTokensPerReq   int      `json:"max_tokens_per_request" yaml:"max_tokens_per_request"`
}

// Policy is exactly one active document per org.
type Policy struct {
	PolicyID          string           `json:"policy_id" yaml:"policy_id"`
	Version           int              `json:"version" yaml:"version"`
	MaxBurnRatePerHr  float64          `json:"max_burn_rate_per_hour" yaml:"max_burn_rate_per_hour"`
	BlockedIntents    []IntentCategory `json:"blocked_intents" yaml:"blocked_intents"`
	PIIMaskingEnabled bool             `json:"pii_masking_enabled" yaml:"pii_masking_enabled"`
	ShadowMode        bool             `json:"shadow_mode" yaml:"shadow_mode"`
	Rules             PolicyRule       `json:"rules" yaml:"rules"`
}

// BlocksIntent reports whether the active policy denies a given category.
func (p *Policy) BlocksIntent(cat IntentCategory) bool {
	if p == nil {
		return false
	}
	for _, b := range p.BlockedIntents {
		if b == cat {
			return true
		}
	}
	return false
}

// WAFSeverity orders the severity→score ladder used by the WAF rule set.
type WAFSeverity string

const (
	SeverityLow      WAFSeverity = "low"
	SeverityMedium   WAFSeverity = "medium"
	SeverityHigh     WAFSeverity = "high"
	SeverityCritical WAFSeverity = "critical"
)

// SeverityScore maps severity to a 0..100 risk score.
var SeverityScore = map[WAFSeverity]float64{
	SeverityLow:      0.2 * 100,
	SeverityMedium:   0.4 * 100,
	SeverityHigh:     0.7 * 100,
	SeverityCritical: 1.0 * 100,
}

// WAFCategory is the fixed set of WAF rule categories.
type WAFCategory string

const (
	CategoryPromptInjection WAFCategory = "prompt_injection"
	CategoryToolHijacking   WAFCategory = "tool_hijacking"
	CategoryPIIExfiltration WAFCategory = "pii_exfiltration"
	CategoryDataPoisoning   WAFCategory = "data_poisoning"
)

// WAFAction is what a matching WAF rule does to the request.
type WAFAction string

const (
	WAFBlock  WAFAction = "block"
	WAFLog    WAFAction = "log"
	WAFRedact WAFAction = "redact"
)

// WAFRule is a single compiled rule; Patterns are precompiled at load.
type WAFRule struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Category WAFCategory `json:"category" yaml:"category"`
	Severity WAFSeverity `json:"severity" yaml:"severity"`
	Enabled  bool        `json:"enabled" yaml:"enabled"`
	Patterns []string    `json:"patterns" yaml:"patterns"`
	Action   WAFAction   `json:"action" yaml:"action"`
}

// ResourceLock is a distributed lock over a logical resource.
type ResourceLock struct {
	ResourceHash string    `json:"resource_hash"`
	HolderAgent  string    `json:"holder_agent_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	TTLSeconds   int       `json:"ttl_seconds"`
}

// Expired reports whether the lock's TTL has elapsed as of now.
func (l ResourceLock) Expired(now time.Time) bool {
	return now.After(l.AcquiredAt.Add(time.Duration(l.TTLSeconds) * time.Second))
}

// Remaining returns the time left before the lock expires (may be negative).
func (l ResourceLock) Remaining(now time.Time) time.Duration {
	return l.AcquiredAt.Add(time.Duration(l.TTLSeconds) * time.Second).Sub(now)
}

// ConflictResolution is the outcome of a Traffic Controller access request.
type ConflictResolution string

const (
	ResGranted  ConflictResolution = "granted"
	ResQueued   ConflictResolution = "queued"
	ResRejected ConflictResolution = "rejected"
)

// AccessResult is returned by the Traffic Controller's request_access.
type AccessResult struct {
	Resolution ConflictResolution `json:"resolution"`
	Lock       *ResourceLock      `json:"lock,omitempty"`
	WaitMs     int64              `json:"wait_ms,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// CacheEntry is a semantic cache row; uniqueness is (OrgID, Model, PromptHash).
type CacheEntry struct {
	CacheID         string    `json:"cache_id"`
	OrgID           string    `json:"org_id"`
	Model           string    `json:"model"`
	PromptHash      string    `json:"prompt_hash"`
	PromptEmbedding []float32 `json:"prompt_embedding"`
	PromptText      string    `json:"prompt_text"`
	ResponseText    string    `json:"response_text"`
	ResponseTokens  int       `json:"response_tokens"`
	HitCount        int       `json:"hit_count"`
	CostSaved       float64   `json:"cost_saved"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ActionTaken is the firewall/orchestrator's final disposition of a request.
type ActionTaken string

const (
	ActionAllowed       ActionTaken = "allowed"
	ActionAudited       ActionTaken = "audited"
	ActionModified      ActionTaken = "modified"
	ActionBlocked       ActionTaken = "blocked"
	ActionShadowBlocked ActionTaken = "shadow_blocked"
)

// Terminal reports whether this action must stop the request short of
// forwarding it upstream.
func (a ActionTaken) Terminal() bool {
	return a == ActionBlocked
}

// ToolCall mirrors a single upstream tool invocation captured in a trace.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Trace is the append-only record of one request. Retention and
// compression are storage-layer concerns (see tsstore).
type Trace struct {
	TraceID        string            `json:"trace_id"`
	SpanID         string            `json:"span_id"`
	ParentSpanID   string            `json:"parent_span_id,omitempty"`
	Timestamp      time.Time         `json:"ts"`
	DurationMs     int64             `json:"duration_ms"`
	OrgID          string            `json:"org_id"`
	AgentID        string            `json:"agent_id"`
	AgentName      string            `json:"agent_name,omitempty"`
	AgentFramework string            `json:"agent_framework,omitempty"`
	RequestType    string            `json:"request_type"`
	IntentCategory IntentCategory    `json:"intent_category,omitempty"`
	RiskScore      float64           `json:"risk_score"`
	ModelProvider  string            `json:"model_provider,omitempty"`
	ModelName      string            `json:"model_name,omitempty"`
	InputTokens    int               `json:"input_tokens,omitempty"`
	OutputTokens   int               `json:"output_tokens,omitempty"`
	CostUSD        float64           `json:"cost_usd,omitempty"`
	RequestBody    []byte            `json:"request_body,omitempty"`
	ResponseBody   []byte            `json:"response_body,omitempty"`
	ReasoningSteps []string          `json:"reasoning_steps,omitempty"`
	ToolCalls      []ToolCall        `json:"tool_calls,omitempty"`
	PolicyApplied  string            `json:"policy_applied,omitempty"`
	ActionTaken    ActionTaken       `json:"action_taken"`
	BlockReason    string            `json:"block_reason,omitempty"`
	IsShadowEvent  bool              `json:"is_shadow_event"`
	ClientIP       string            `json:"client_ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

// AnomalyStatus is the lifecycle of a detected anomaly.
type AnomalyStatus string

const (
	AnomalyActive   AnomalyStatus = "active"
	AnomalyResolved AnomalyStatus = "resolved"
)

// Anomaly is a single statistical flag raised by the Anomaly Detector.
type Anomaly struct {
	AnomalyID  string        `json:"anomaly_id"`
	OrgID      string        `json:"org_id"`
	AgentID    string        `json:"agent_id"`
	Type       string        `json:"type"`
	Severity   string        `json:"severity"`
	Details    string        `json:"details"`
	DetectedAt time.Time     `json:"detected_at"`
	Status     AnomalyStatus `json:"status"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
}

// Decision is the Semantic Firewall's verdict on one request.
type Decision struct {
	Allowed        bool           `json:"allowed"`
	Action         ActionTaken    `json:"action"`
	Reason         string         `json:"reason,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	IntentCategory IntentCategory `json:"intent_category,omitempty"`
	LatencyMs      float64        `json:"latency_ms"`
	IsShadowEvent  bool           `json:"is_shadow_event"`
	PolicyID       string         `json:"policy_id,omitempty"`
	ModifiedBody   []byte         `json:"-"`
}
