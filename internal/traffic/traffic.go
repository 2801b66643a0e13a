// Package traffic implements the Traffic Controller:
// resource extraction, distributed locking over the L0 KV store, and
// conflict resolution. The SETNX+TTL lock pattern and the
// holder-identity-checked release implement distributed mutual exclusion
// over arbitrary named resources.
package traffic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/store"
)

// Controller is the Traffic Controller.
type Controller struct {
	kv        store.KV
	lockTTL   time.Duration
	emergency atomic.Bool
}

// New constructs a Traffic Controller backed by kv, with the given
// default lock TTL.
func New(kv store.KV, lockTTL time.Duration) *Controller {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Controller{kv: kv, lockTTL: lockTTL}
}

// ResourceHash is the first 16 hex characters of SHA-256 of "type:path".
func ResourceHash(resourceType, path string) string {
	sum := sha256.Sum256([]byte(resourceType + ":" + path))
	return hex.EncodeToString(sum[:])[:16]
}

var (
	reDBTable  = regexp.MustCompile(`(?i)\b(?:from|into|table|update)\s+([a-zA-Z_][a-zA-Z0-9_]*)\b`)
	reFile     = regexp.MustCompile(`(?i)\b(?:file|path)\s*[:=]\s*["']?([^\s"',}]+)`)
	reEndpoint = regexp.MustCompile(`(?i)\b(?:url|endpoint)\s*[:=]\s*["']?(https?://[^\s"',}]+|/[^\s"',}]+)`)
)

// ExtractResource applies ordered regex heuristics over the entire
// serialised body (database_table, file, api_endpoint — first match
// wins), scanning the whole body rather than restricting to user
// messages.
func ExtractResource(body []byte) (resourceType, path string, ok bool) {
	s := string(body)
	if m := reDBTable.FindStringSubmatch(s); m != nil {
		return "database_table", m[1], true
	}
	if m := reFile.FindStringSubmatch(s); m != nil {
		return "file", m[1], true
	}
	if m := reEndpoint.FindStringSubmatch(s); m != nil {
		return "api_endpoint", m[1], true
	}
	return "", "", false
}

var writeVerbs = []string{"insert", "update", "delete", "write", "save", "create", "drop", "truncate", "upsert", "modify"}

// IsWriteOperation: method in {POST,PUT,PATCH,DELETE} is always a write;
// otherwise a substring match on write verbs in the body.
func IsWriteOperation(body []byte, method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	lower := strings.ToLower(string(body))
	for _, v := range writeVerbs {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

func lockKey(hash string) string { return "lock:" + hash }

// resolveAgainstLock decides what an access request gets when an
// existing (non-expired) lock is already held: re-entry and reads are
// granted, a write queues behind a lock about to expire, and a write
// against a fresh lock is rejected.
func resolveAgainstLock(existing *domain.ResourceLock, agentID string, isWrite bool, now time.Time) domain.AccessResult {
	if existing.HolderAgent == agentID {
		return domain.AccessResult{Resolution: domain.ResGranted, Lock: existing, Reason: "re-entrant"}
	}
	if !isWrite {
		return domain.AccessResult{Resolution: domain.ResGranted, Lock: existing, Reason: "may see stale data"}
	}
	remaining := existing.Remaining(now)
	if remaining <= 5*time.Second {
		waitMs := remaining.Milliseconds() + 100
		if waitMs < 0 {
			waitMs = 100
		}
		return domain.AccessResult{Resolution: domain.ResQueued, WaitMs: waitMs, Reason: "lock expiring soon"}
	}
	return domain.AccessResult{Resolution: domain.ResRejected, Reason: "resource locked"}
}

// RequestAccess implements the conflict-resolution algorithm
// given any existing lock on resourceHash.
func (c *Controller) RequestAccess(ctx context.Context, agentID, resourceType, resourcePath string, isWrite bool) domain.AccessResult {
	hash := ResourceHash(resourceType, resourcePath)
	key := lockKey(hash)

	existing, err := c.currentLock(ctx, key, hash)
	now := time.Now()

	if err == nil && existing != nil {
		return resolveAgainstLock(existing, agentID, isWrite, now)
	}

	// No existing (or expired) lock observed: attempt to acquire.
	lock := domain.ResourceLock{
		ResourceHash: hash,
		HolderAgent:  agentID,
		AcquiredAt:   now,
		TTLSeconds:   int(c.lockTTL.Seconds()),
	}
	acquireErr := c.putLock(ctx, key, lock)
	if acquireErr == nil {
		return domain.AccessResult{Resolution: domain.ResGranted, Lock: &lock}
	}
	if acquireErr == errLockHeld {
		// Lost the race to acquire a brand-new lock: another caller's
		// SetNX won between our currentLock check and our putLock
		// call. Re-read the winner's lock and resolve against it
		// exactly as if it had been observed up front — this is
		// ordinary SETNX contention, not a store failure, and must
		// not be granted fail-open.
		winner, werr := c.currentLock(ctx, key, hash)
		if werr == nil && winner != nil {
			return resolveAgainstLock(winner, agentID, isWrite, now)
		}
		return domain.AccessResult{Resolution: domain.ResRejected, Reason: "resource locked"}
	}
	// Fail-open: treat genuine store/transport errors as a grant so a
	// transient KV outage never wedges the traffic path.
	return domain.AccessResult{Resolution: domain.ResGranted, Lock: &lock, Reason: "lock store unavailable, granted fail-open"}
}

// ReleaseAccess releases a lock only if the caller is the current holder.
func (c *Controller) ReleaseAccess(ctx context.Context, agentID, resourceType, resourcePath string) bool {
	hash := ResourceHash(resourceType, resourcePath)
	key := lockKey(hash)

	existing, err := c.currentLock(ctx, key, hash)
	if err != nil || existing == nil || existing.HolderAgent != agentID {
		return false
	}
	_ = c.kv.Del(ctx, key)
	return true
}

func (c *Controller) currentLock(ctx context.Context, key, hash string) (*domain.ResourceLock, error) {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	holder, acquiredUnix, ttl, ok := decodeLockValue(raw)
	if !ok {
		return nil, fmt.Errorf("traffic: malformed lock value for %s", key)
	}
	lock := domain.ResourceLock{
		ResourceHash: hash,
		HolderAgent:  holder,
		AcquiredAt:   time.Unix(acquiredUnix, 0),
		TTLSeconds:   ttl,
	}
	if lock.Expired(time.Now()) {
		return nil, nil
	}
	return &lock, nil
}

// errLockHeld distinguishes ordinary SETNX contention (someone else
// already holds the key) from a genuine KV transport failure. Only the
// latter is fail-open material; the former must flow back through the
// normal conflict-resolution algorithm.
var errLockHeld = errors.New("traffic: lock already held")

func (c *Controller) putLock(ctx context.Context, key string, lock domain.ResourceLock) error {
	value := encodeLockValue(lock)
	ok, err := c.kv.SetNX(ctx, key, value, time.Duration(lock.TTLSeconds)*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return errLockHeld
	}
	return nil
}

func encodeLockValue(l domain.ResourceLock) string {
	return fmt.Sprintf("%s|%d|%d", l.HolderAgent, l.AcquiredAt.Unix(), l.TTLSeconds)
}

func decodeLockValue(raw string) (holder string, acquiredUnix int64, ttl int, ok bool) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return "", 0, 0, false
	}
	var a, t int64
	if _, err := fmt.Sscanf(parts[1], "%d", &a); err != nil {
		return "", 0, 0, false
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &t); err != nil {
		return "", 0, 0, false
	}
	return parts[0], a, int(t), true
}

// TrackRate increments the agent's per-minute request counter
// (rate:{agent}:{window}) and returns the count within the current
// window. The counter is tracked, not enforced: callers annotate the
// count on traces so a future policy rule can consult it. Errors are
// swallowed (a counter must never fail a request).
func (c *Controller) TrackRate(ctx context.Context, agentID string) int64 {
	window := time.Now().Unix() / 60
	key := fmt.Sprintf("rate:%s:%d", agentID, window)
	n, err := c.kv.Incr(ctx, key, 2*time.Minute)
	if err != nil {
		return 0
	}
	return n
}

// Trigger sets the emergency stop flag.
func (c *Controller) Trigger() { c.emergency.Store(true) }

// Reset clears the emergency stop flag.
func (c *Controller) Reset() { c.emergency.Store(false) }

// IsStopped reports the current emergency-stop state.
func (c *Controller) IsStopped() bool { return c.emergency.Load() }
