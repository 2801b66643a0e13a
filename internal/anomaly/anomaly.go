// Package anomaly implements the Anomaly Detector: a
// periodic scan over recent traces that flags statistical outliers in
// token usage per agent. The ticker-driven background loop runs a
// z-score pass over the trace store on a fixed interval.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/fanout"
	"agentswitchboard/internal/telemetry"
	"agentswitchboard/internal/tsstore"
)

const (
	scanInterval  = 60 * time.Second
	lookback24h   = 24 * time.Hour
	recentWindow  = 5 * time.Minute
	minTraceCount = 10
	zCritical     = 5.0
	zFlag         = 3.0
)

// Detector is the Anomaly Detector. Telemetry defaults to a noop
// provider and may be replaced after construction.
type Detector struct {
	ts     *tsstore.Store
	fanout *fanout.Fanout

	Telemetry *telemetry.Provider
}

// New constructs a Detector.
func New(ts *tsstore.Store, fo *fanout.Fanout) *Detector {
	return &Detector{ts: ts, fanout: fo, Telemetry: telemetry.NoopProvider()}
}

// Run drives the 60s scan loop until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// scan flags outliers: for each agent with at least 10 traces in the
// last 24h, compute mean/stddev of input+output tokens, then flag every
// trace in the last 5 minutes whose z-score exceeds 3.0.
func (d *Detector) scan(ctx context.Context) {
	since24h := time.Now().Add(-lookback24h)
	agents, err := d.ts.DistinctAgentsWithRecentTraces(since24h, minTraceCount)
	if err != nil {
		slog.Warn("anomaly: failed to list candidate agents", "error", err)
		return
	}

	cutoff := time.Now().Add(-recentWindow)
	for _, agentID := range agents {
		traces, err := d.ts.RecentTracesForAgent(agentID, since24h)
		if err != nil {
			slog.Warn("anomaly: failed to load traces", "agent", agentID, "error", err)
			continue
		}
		if len(traces) < minTraceCount {
			continue
		}
		mean, stddev := tokenStats(traces)
		if stddev == 0 {
			continue
		}
		for _, t := range traces {
			if t.Timestamp.Before(cutoff) {
				continue
			}
			total := float64(t.InputTokens + t.OutputTokens)
			z := (total - mean) / stddev
			if z <= zFlag {
				continue
			}
			d.flag(ctx, t, z)
		}
	}
}

func (d *Detector) flag(ctx context.Context, t domain.Trace, z float64) {
	already, err := d.ts.TraceHasAnomaly(t.TraceID)
	if err != nil {
		slog.Warn("anomaly: dedupe check failed, skipping to avoid duplicate flags", "trace_id", t.TraceID, "error", err)
		return
	}
	if already {
		return
	}

	severity := "high"
	if z > zCritical {
		severity = "critical"
	}

	a := domain.Anomaly{
		AnomalyID:  uuid.NewString(),
		OrgID:      t.OrgID,
		AgentID:    t.AgentID,
		Type:       "token_usage_outlier",
		Severity:   severity,
		Details:    fmt.Sprintf("trace %s: z-score %.2f (input+output=%d)", t.TraceID, z, t.InputTokens+t.OutputTokens),
		DetectedAt: time.Now(),
		Status:     domain.AnomalyActive,
	}
	if err := d.ts.InsertAnomaly(a); err != nil {
		slog.Warn("anomaly: failed to persist detected anomaly", "error", err)
		return
	}
	d.fanout.Emit(t.OrgID, fanout.EventAnomalyDetected, a)
	d.Telemetry.RecordAnomaly(ctx, t.AgentID, a.Type, a.Severity)
}

func tokenStats(traces []domain.Trace) (mean, stddev float64) {
	n := float64(len(traces))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, t := range traces {
		sum += float64(t.InputTokens + t.OutputTokens)
	}
	mean = sum / n
	var sq float64
	for _, t := range traces {
		d := float64(t.InputTokens+t.OutputTokens) - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / n)
	return mean, stddev
}
