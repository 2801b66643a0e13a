package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/fanout"
	"agentswitchboard/internal/tsstore"
)

func newTestDetector(t *testing.T) (*Detector, *tsstore.Store) {
	t.Helper()
	ts, err := tsstore.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return New(ts, fanout.New()), ts
}

func insertTrace(t *testing.T, ts *tsstore.Store, id, agent string, tokens int, when time.Time) {
	t.Helper()
	if err := ts.InsertTrace(domain.Trace{
		TraceID:      id,
		OrgID:        "org1",
		AgentID:      agent,
		Timestamp:    when,
		InputTokens:  tokens / 2,
		OutputTokens: tokens - tokens/2,
		ActionTaken:  domain.ActionAllowed,
	}); err != nil {
		t.Fatalf("failed to insert trace: %v", err)
	}
}

func TestScanFlagsOutlierTraceWithinRecentWindow(t *testing.T) {
	d, ts := newTestDetector(t)
	now := time.Now()

	// 10 baseline traces at ~100 tokens, outside the 5-minute recent window.
	for i := 0; i < 10; i++ {
		insertTrace(t, ts, fmt.Sprintf("base-%d", i), "agent1", 100, now.Add(-time.Hour))
	}
	// one extreme outlier inside the recent window.
	insertTrace(t, ts, "outlier-1", "agent1", 100000, now)

	d.scan(context.Background())

	has, err := ts.TraceHasAnomaly("outlier-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Fatal("expected outlier trace to be flagged as an anomaly")
	}
}

func TestScanSkipsAgentsBelowMinimumTraceCount(t *testing.T) {
	d, ts := newTestDetector(t)
	now := time.Now()

	insertTrace(t, ts, "only-one", "agent2", 999999, now)

	d.scan(context.Background())

	has, err := ts.TraceHasAnomaly("only-one")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if has {
		t.Fatal("expected agent with too few traces to never be flagged")
	}
}

func TestRepeatedScanKeepsOutlierFlagged(t *testing.T) {
	d, ts := newTestDetector(t)
	now := time.Now()

	for i := 0; i < 10; i++ {
		insertTrace(t, ts, fmt.Sprintf("base2-%d", i), "agent3", 100, now.Add(-time.Hour))
	}
	insertTrace(t, ts, "outlier-2", "agent3", 100000, now)

	d.scan(context.Background())
	d.scan(context.Background())

	anomalies, err := ts.ListTraces("org1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = anomalies // traces list isn't the anomaly count; just ensure scan ran twice without error.

	has, err := ts.TraceHasAnomaly("outlier-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Fatal("expected outlier to be flagged")
	}
}

func TestTokenStatsMeanAndStddev(t *testing.T) {
	traces := []domain.Trace{
		{InputTokens: 50, OutputTokens: 50},
		{InputTokens: 50, OutputTokens: 50},
		{InputTokens: 100, OutputTokens: 100},
	}
	mean, stddev := tokenStats(traces)
	if mean != 400.0/3 {
		t.Errorf("expected mean 133.33, got %.2f", mean)
	}
	if stddev <= 0 {
		t.Errorf("expected positive stddev, got %.2f", stddev)
	}
}

func TestTokenStatsEmpty(t *testing.T) {
	mean, stddev := tokenStats(nil)
	if mean != 0 || stddev != 0 {
		t.Errorf("expected zero mean/stddev for empty input, got %.2f/%.2f", mean, stddev)
	}
}
