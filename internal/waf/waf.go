// Package waf implements the Semantic WAF rule set: a
// compiled pattern matcher over request/response content, with
// block/redact/log actions and runtime rule toggling. Rules are
// compiled once at construction, then evaluated in order against a
// fixed category+severity+action model.
package waf

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"agentswitchboard/internal/domain"
)

// CompiledRule pairs a rule with its precompiled, case-insensitive patterns.
type CompiledRule struct {
	Rule     domain.WAFRule
	Compiled []*regexp.Regexp
}

// Match is a single rule match recorded during one evaluation.
type Match struct {
	RuleID      string
	RuleName    string
	Category    domain.WAFCategory
	Severity    domain.WAFSeverity
	Action      domain.WAFAction
	MatchedText string
}

// RuleSet holds the compiled rules and supports runtime enable/disable
// toggles.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*CompiledRule
	byID  map[string]*CompiledRule
}

// NewRuleSet compiles the given rules, logging compile failures and
// skipping the offending rule rather than failing the whole set.
func NewRuleSet(rules []domain.WAFRule) *RuleSet {
	rs := &RuleSet{byID: make(map[string]*CompiledRule)}
	for _, r := range rules {
		cr := &CompiledRule{Rule: r}
		for _, pat := range r.Patterns {
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				slog.Warn("waf: failed to compile pattern, skipping", "rule", r.ID, "pattern", pat, "error", err)
				continue
			}
			cr.Compiled = append(cr.Compiled, re)
		}
		rs.rules = append(rs.rules, cr)
		rs.byID[r.ID] = cr
	}
	slog.Info("waf rule set loaded", "rules", len(rs.rules))
	return rs
}

// Evaluate runs every enabled rule against content, trying patterns in
// order and recording at most one match per rule. It
// returns the matches found and, for `redact` rules, a mutated copy of
// content with every match replaced by the literal [REDACTED].
func (rs *RuleSet) Evaluate(content string) ([]Match, string) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	mutated := content
	var matches []Match
	for _, cr := range rs.rules {
		if !cr.Rule.Enabled {
			continue
		}
		matched := false
		for _, re := range cr.Compiled {
			m := re.FindString(mutated)
			if m == "" {
				continue
			}
			if !matched {
				matched = true
				matches = append(matches, Match{
					RuleID:      cr.Rule.ID,
					RuleName:    cr.Rule.Name,
					Category:    cr.Rule.Category,
					Severity:    cr.Rule.Severity,
					Action:      cr.Rule.Action,
					MatchedText: m,
				})
			}
			if cr.Rule.Action != domain.WAFRedact {
				break // one recorded match per rule is enough
			}
			// A redact rule must scrub every one of its patterns, not
			// just the first that matched.
			mutated = re.ReplaceAllString(mutated, "[REDACTED]")
		}
	}
	return matches, mutated
}

// FirstBlock returns the first match whose action is block, if any.
func FirstBlock(matches []Match) (Match, bool) {
	for _, m := range matches {
		if m.Action == domain.WAFBlock {
			return m, true
		}
	}
	return Match{}, false
}

// SetEnabled toggles a rule by id at runtime; callers are expected to
// propagate the toggle to the event fan-out.
func (rs *RuleSet) SetEnabled(id string, enabled bool) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cr, ok := rs.byID[id]
	if !ok {
		return fmt.Errorf("waf: unknown rule %q", id)
	}
	cr.Rule.Enabled = enabled
	return nil
}

// Rules returns a snapshot of the current rule set for the control-plane
// listing endpoint.
func (rs *RuleSet) Rules() []domain.WAFRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]domain.WAFRule, len(rs.rules))
	for i, cr := range rs.rules {
		out[i] = cr.Rule
	}
	return out
}

// DefaultRules returns a seed rule per category, one, so a fresh deployment has a sane starting WAF.
func DefaultRules() []domain.WAFRule {
	return []domain.WAFRule{
		{
			ID: "prompt-injection-basic", Name: "Prompt injection keywords",
			Category: domain.CategoryPromptInjection, Severity: domain.SeverityHigh, Enabled: true,
			Patterns: []string{`ignore ((all|previous|prior)\s+)+instructions`, `disregard (the|your) (system|previous) prompt`},
			Action:   domain.WAFBlock,
		},
		{
			ID: "tool-hijack-basic", Name: "Tool hijacking",
			Category: domain.CategoryToolHijacking, Severity: domain.SeverityHigh, Enabled: true,
			Patterns: []string{`override tool_choice`, `call the \w+ function with`},
			Action:   domain.WAFBlock,
		},
		{
			ID: "pii-exfil-basic", Name: "PII exfiltration phrasing",
			Category: domain.CategoryPIIExfiltration, Severity: domain.SeverityCritical, Enabled: true,
			Patterns: []string{`send (my|the) (ssn|social security|credit card) to`},
			Action:   domain.WAFBlock,
		},
		{
			ID: "data-poison-basic", Name: "Data poisoning markers",
			Category: domain.CategoryDataPoisoning, Severity: domain.SeverityMedium, Enabled: true,
			Patterns: []string{`<\|im_start\|>`, `\[\[SYSTEM OVERRIDE\]\]`},
			Action:   domain.WAFLog,
		},
	}
}
