// Package firewall implements the Semantic Firewall: the
// layered Bloom→regex→WAF→intent→policy→risk pipeline with shadow mode
// and fail-open semantics. The staged-evaluation shape (compile once,
// evaluate per call, log violations, accumulate risk) runs from a
// single compiled Engine shared across concurrent requests.
package firewall

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/redaction"
	"agentswitchboard/internal/waf"
)

// Request is the narrow view of an inbound call the firewall evaluates.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Engine is the Semantic Firewall. It holds no per-request state; the
// Bloom filter, PII patterns, dangerous patterns, and WAF rule set are
// compiled once at construction and shared across concurrent calls.
type Engine struct {
	bloom      *bloomFilter
	piiPattern []redaction.Pattern
	waf        *waf.RuleSet
}

// New constructs a Semantic Firewall with the given WAF rule set.
func New(rules *waf.RuleSet) *Engine {
	return &Engine{
		bloom:      newDefaultBloom(),
		piiPattern: redaction.PIIConfirmationPatterns(),
		waf:        rules,
	}
}

// Evaluate runs the full Bloom/regex/WAF/intent/policy/risk pipeline. It never
// panics to the caller: any internal error is recovered and downgraded
// to a fail-open `audited` decision.
func (e *Engine) Evaluate(req Request, policy *domain.Policy, shadowMode bool) (decision domain.Decision) {
	start := time.Now()
	defer func() {
		decision.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		if r := recover(); r != nil {
			slog.Error("firewall: panic during evaluation, failing open", "panic", r)
			decision = domain.Decision{
				Allowed:   true,
				Action:    domain.ActionAudited,
				Reason:    "evaluation error",
				RiskScore: 50,
				LatencyMs: decision.LatencyMs,
			}
		}
	}()

	body := string(req.Body)
	policyID := ""
	if policy != nil {
		policyID = policy.PolicyID
	}

	deny := func(reason string) domain.Decision {
		return e.applyShadow(domain.Decision{
			Allowed:   false,
			Action:    domain.ActionBlocked,
			Reason:    reason,
			RiskScore: 100,
			PolicyID:  policyID,
		}, shadowMode)
	}

	// Step 1: PII Bloom pre-filter. Fails open: negative skips PII checks.
	if e.bloom.mayContain(body) {
		// Step 2: PII confirmation.
		if name, match, ok := redaction.FirstMatch(e.piiPattern, body); ok {
			return deny(fmt.Sprintf("pii detected: %s (%s)", name, truncate(match, 40)))
		}
	}

	// Step 3: dangerous-pattern regex.
	if name, _, ok := matchDangerous(body); ok {
		d := deny(fmt.Sprintf("dangerous pattern: %s", name))
		d.RiskScore = 95
		return d
	}

	// Step 4: WAF rule evaluation. May deny, or rewrite the body (redact).
	var modifiedBody []byte
	if e.waf != nil {
		matches, mutated := e.waf.Evaluate(body)
		if len(matches) > 0 {
			if blocked, ok := waf.FirstBlock(matches); ok {
				d := deny(fmt.Sprintf("waf rule %s (%s)", blocked.RuleName, blocked.Category))
				d.RiskScore = domain.SeverityScore[blocked.Severity]
				return d
			}
			for _, m := range matches {
				slog.Info("waf rule matched", "rule", m.RuleName, "category", m.Category, "action", m.Action)
			}
			if mutated != body {
				modifiedBody = []byte(mutated)
				body = mutated
			}
		}
	}

	// Step 5: intent classification.
	category, _, confidence := classifyIntent(body)

	// Step 6: policy check.
	if policy.BlocksIntent(category) {
		d := deny(fmt.Sprintf("policy blocks intent %s", category))
		d.IntentCategory = category
		d.RiskScore = 100 * confidence
		return d
	}

	// Step 7: risk score.
	risk := 20 + domain.IntentWeight[category]
	if req.Method == "DELETE" {
		risk += 20
	}
	if strings.Contains(strings.ToLower(req.Path), "admin") {
		risk += 10
	}
	risk *= confidence
	if confidence == 0 {
		risk = 0
	}
	if risk > 100 {
		risk = 100
	}

	action := domain.ActionAllowed
	if risk > 70 {
		action = domain.ActionAudited
	}
	if modifiedBody != nil && action == domain.ActionAllowed {
		action = domain.ActionModified
	}

	d := domain.Decision{
		Allowed:        true,
		Action:         action,
		RiskScore:      risk,
		IntentCategory: category,
		PolicyID:       policyID,
		ModifiedBody:   modifiedBody,
	}
	return d
}

// applyShadow implements shadow-mode transform: a
// would-be `blocked` decision becomes `allowed=true, action=shadow_blocked,
// is_shadow_event=true`, preserving reason and risk_score.
func (e *Engine) applyShadow(d domain.Decision, shadow bool) domain.Decision {
	if !shadow || d.Action != domain.ActionBlocked {
		return d
	}
	d.Allowed = true
	d.Action = domain.ActionShadowBlocked
	d.IsShadowEvent = true
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
