// store.go implements the Policy Store: one active domain.Policy
// document per organisation, swapped atomically so readers on the hot
// path never block a writer. The copy-on-write pointer and file-watcher
// reload shape generalizes a single process-wide config reload to a
// per-org policy map.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/tsstore"
)

// Store holds one atomically-swapped *domain.Policy per organisation.
type Store struct {
	mu     sync.RWMutex
	live   map[string]*atomic.Pointer[domain.Policy]
	seeded map[string]string // org -> seed file path its policy came from
	ts     *tsstore.Store
}

// NewStore constructs an empty Policy Store backed by ts for durable
// persistence of updates.
func NewStore(ts *tsstore.Store) *Store {
	return &Store{
		live:   make(map[string]*atomic.Pointer[domain.Policy]),
		seeded: make(map[string]string),
		ts:     ts,
	}
}

func (s *Store) slot(orgID string) *atomic.Pointer[domain.Policy] {
	s.mu.RLock()
	p, ok := s.live[orgID]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.live[orgID]; ok {
		return p
	}
	p = &atomic.Pointer[domain.Policy]{}
	s.live[orgID] = p
	return p
}

// Active returns the current policy for orgID, loading it from durable
// storage on first access. Returns nil if no policy has ever been set.
func (s *Store) Active(orgID string) *domain.Policy {
	slot := s.slot(orgID)
	if p := slot.Load(); p != nil {
		return p
	}
	if s.ts == nil {
		return nil
	}
	p, err := s.ts.LoadPolicy(orgID)
	if err != nil {
		slog.Warn("policy: failed to load persisted policy", "org", orgID, "error", err)
		return nil
	}
	if p == nil {
		return nil
	}
	slot.Store(p)
	return p
}

// Update replaces the active policy for orgID: last-writer-wins via
// atomic pointer swap, with no further disambiguation of concurrent
// PUT /policies calls.
func (s *Store) Update(orgID string, p domain.Policy) error {
	if s.ts != nil {
		if err := s.ts.SavePolicy(orgID, p); err != nil {
			return fmt.Errorf("policy: persist update: %w", err)
		}
	}
	cp := p
	s.slot(orgID).Store(&cp)
	return nil
}

// LoadSeedFile reads a YAML policy document from path and installs it
// as orgID's active policy if orgID has no policy yet. Called on an
// org's first policy lookup to seed it from POLICIES_CONFIG_PATH.
func (s *Store) LoadSeedFile(orgID, path string) error {
	if s.Active(orgID) != nil {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read seed file: %w", err)
	}
	var p domain.Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("policy: parse seed file: %w", err)
	}
	if err := s.Update(orgID, p); err != nil {
		return err
	}
	s.mu.Lock()
	s.seeded[orgID] = path
	s.mu.Unlock()
	return nil
}

// reloadSeed re-parses path and force-swaps the policy of every org
// whose active policy was seeded from it. Unlike LoadSeedFile, an
// existing policy does not suppress the swap: this is the hot-reload
// path, where the file changing is exactly the signal to replace it.
func (s *Store) reloadSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read seed file: %w", err)
	}
	var p domain.Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("policy: parse seed file: %w", err)
	}

	s.mu.RLock()
	var orgs []string
	for org, seedPath := range s.seeded {
		if seedPath == path {
			orgs = append(orgs, org)
		}
	}
	s.mu.RUnlock()

	for _, org := range orgs {
		if err := s.Update(org, p); err != nil {
			slog.Warn("policy: hot-reload update failed", "org", org, "error", err)
			continue
		}
		slog.Info("policy hot-reloaded from seed file", "org", org, "path", path, "version", p.Version)
	}
	return nil
}

// WatchSeedFile polls path's mtime until ctx is cancelled and reloads
// the policy document on change only.
func (s *Store) WatchSeedFile(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	var lastMod time.Time
	if fi, err := os.Stat(path); err == nil {
		lastMod = fi.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fi, err := os.Stat(path)
			if err != nil {
				continue
			}
			if fi.ModTime().Equal(lastMod) {
				continue
			}
			lastMod = fi.ModTime()
			if err := s.reloadSeed(path); err != nil {
				slog.Warn("policy: seed file reload failed", "path", path, "error", err)
			}
		}
	}
}

// CurrentJSON serialises orgID's active policy (an empty object when none
// is set) for the control-plane GET /policies/current endpoint.
func (s *Store) CurrentJSON(orgID string) ([]byte, error) {
	p := s.Active(orgID)
	if p == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(p)
}
