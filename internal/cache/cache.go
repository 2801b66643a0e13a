// Package cache implements the Semantic Cache: exact-hash
// KV lookup, ANN lookup over prompt embeddings, TTL, and best-effort hit
// accounting. The KV-shortcut-plus-durable-row write pattern and the
// fail-open error handling layer a fast KV-backed path over a durable
// SQLite-backed path.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/store"
	"agentswitchboard/internal/tsstore"
)

const (
	defaultTTL        = 24 * time.Hour
	similarityThresh  = 0.10
	promptTruncateLen = 512
)

// Cache is the Semantic Cache.
type Cache struct {
	kv        store.KV
	ts        *tsstore.Store
	embedder  Embedder
	ttl       time.Duration
	threshold float64
}

// New constructs a Semantic Cache. ttl and threshold default to
// 86400s and 0.10 when zero.
func New(kv store.KV, ts *tsstore.Store, embedder Embedder, ttl time.Duration, threshold float64) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if threshold <= 0 {
		threshold = similarityThresh
	}
	return &Cache{kv: kv, ts: ts, embedder: embedder, ttl: ttl, threshold: threshold}
}

// Hit is the lookup result. ResponseTokens lets the caller derive the
// cost avoided by not re-issuing the upstream call.
type Hit struct {
	CacheID        string
	ResponseText   string
	ResponseTokens int
	Similarity     float64
}

// PromptHash is the first 16 hex characters of SHA-256(promptText).
func PromptHash(promptText string) string {
	sum := sha256.Sum256([]byte(promptText))
	return hex.EncodeToString(sum[:])[:16]
}

type exactCacheRow struct {
	Key            string `json:"k"`
	CacheID        string `json:"id"`
	ResponseText   string `json:"r"`
	ResponseTokens int    `json:"t"`
}

// Lookup implements two-step, fail-open lookup.
func (c *Cache) Lookup(ctx context.Context, org, model, promptText string) *Hit {
	hash := PromptHash(promptText)
	key := "cache:" + org + ":" + model + ":" + hash

	if raw, err := c.kv.Get(ctx, key); err == nil {
		var row exactCacheRow
		if json.Unmarshal([]byte(raw), &row) == nil {
			return &Hit{CacheID: row.CacheID, ResponseText: row.ResponseText, ResponseTokens: row.ResponseTokens, Similarity: 1.0}
		}
	} else if err != store.ErrNotFound {
		slog.Warn("cache: kv lookup failed, falling through to ANN", "error", err)
	}

	embedding, err := c.embedder.Embed(ctx, truncate(promptText, promptTruncateLen))
	if err != nil {
		slog.Warn("cache: embed failed, failing open (miss)", "error", err)
		return nil
	}

	entry, dist, err := c.ts.NearestCacheRow(org, model, embedding)
	if err != nil {
		slog.Warn("cache: ANN lookup failed, failing open (miss)", "error", err)
		return nil
	}
	if entry == nil || dist >= c.threshold {
		return nil
	}
	return &Hit{CacheID: entry.CacheID, ResponseText: entry.ResponseText, ResponseTokens: entry.ResponseTokens, Similarity: 1 - dist}
}

// Store writes both the KV shortcut and the durable row.
func (c *Cache) Store(ctx context.Context, org, model, promptText, responseText string, responseTokens int, id func() string) {
	hash := PromptHash(promptText)
	now := time.Now()

	embedding, err := c.embedder.Embed(ctx, truncate(promptText, promptTruncateLen))
	if err != nil {
		slog.Warn("cache: embed failed on store, durable ANN row skipped", "error", err)
		embedding = nil
	}

	cacheID := id()
	entry := domain.CacheEntry{
		CacheID:         cacheID,
		OrgID:           org,
		Model:           model,
		PromptHash:      hash,
		PromptEmbedding: embedding,
		PromptText:      truncate(promptText, promptTruncateLen),
		ResponseText:    responseText,
		ResponseTokens:  responseTokens,
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.ttl),
	}
	if err := c.ts.StoreCacheEntry(entry); err != nil {
		slog.Warn("cache: durable store write failed", "error", err)
	}

	row, _ := json.Marshal(exactCacheRow{Key: hash, CacheID: cacheID, ResponseText: responseText, ResponseTokens: responseTokens})
	key := "cache:" + org + ":" + model + ":" + hash
	if err := c.kv.Set(ctx, key, string(row), c.ttl); err != nil {
		slog.Warn("cache: kv shortcut write failed", "error", err)
	}
}

// RecordHit is best-effort: failure must never surface to the caller.
func (c *Cache) RecordHit(cacheID string, costSaved float64) {
	if err := c.ts.RecordCacheHit(cacheID, costSaved); err != nil {
		slog.Warn("cache: hit accounting failed", "cache_id", cacheID, "error", err)
	}
}

// ExtractPromptKey implements prompt extraction rules so
// different upstream schemas produce a stable cache key. Returns ok=false
// when the body does not participate in caching.
func ExtractPromptKey(body []byte) (string, bool) {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return "", false
	}

	if rawMsgs, ok := generic["messages"].([]interface{}); ok {
		var parts []string
		for _, m := range rawMsgs {
			mm, ok := m.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := mm["role"].(string)
			content, _ := mm["content"].(string)
			parts = append(parts, role+":"+content)
		}
		if len(parts) > 0 {
			return strings.Join(parts, "|"), true
		}
	}

	if prompt, ok := generic["prompt"].(string); ok {
		return prompt, true
	}

	if human, ok := generic["human_prompt"].(string); ok {
		return human, true
	}

	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
