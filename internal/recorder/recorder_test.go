package recorder

import (
	"context"
	"strings"
	"testing"
	"time"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/tsstore"
)

func newTestRecorder(t *testing.T) (*Recorder, *tsstore.Store) {
	t.Helper()
	ts, err := tsstore.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return New(ts), ts
}

func TestPriceForKnownAndFallbackModel(t *testing.T) {
	in, out := PriceFor("gpt-4")
	if in != 3e-5 || out != 6e-5 {
		t.Errorf("unexpected gpt-4 pricing: %.2e/%.2e", in, out)
	}
	fin, fout := PriceFor("some-unknown-model")
	bin, bout := PriceFor(fallbackModel)
	if fin != bin || fout != bout {
		t.Errorf("expected unknown model to fall back to %s pricing", fallbackModel)
	}
}

func TestRecordBlockedWritesImmediately(t *testing.T) {
	rec, ts := newTestRecorder(t)
	rc := CreateContext("")
	decision := domain.Decision{Allowed: false, Action: domain.ActionBlocked, Reason: "pii detected", RiskScore: 100}

	trace := rec.Record(context.Background(), rc, RequestData{
		OrgID: "org1", AgentID: "agent1", RequestType: "POST", Decision: decision,
	})

	traces, err := ts.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error listing traces: %v", err)
	}
	if len(traces) != 1 || traces[0].TraceID != trace.TraceID {
		t.Fatalf("expected blocked trace to be persisted immediately, got %d traces", len(traces))
	}
}

func TestRecordNonBlockedIsBuffered(t *testing.T) {
	rec, ts := newTestRecorder(t)
	rc := CreateContext("")
	decision := domain.Decision{Allowed: true, Action: domain.ActionAllowed}

	rec.Record(context.Background(), rc, RequestData{
		OrgID: "org1", AgentID: "agent1", RequestType: "POST", Decision: decision,
	})

	traces, err := ts.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traces) != 0 {
		t.Fatalf("expected non-blocked trace to remain buffered before flush, got %d", len(traces))
	}

	rec.flush()
	traces, err = ts.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("expected buffered trace to persist after flush, got %d", len(traces))
	}
}

func TestRunFlushesOnTickerAndDrainsOnShutdown(t *testing.T) {
	rec, ts := newTestRecorder(t)
	rec.flushInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(context.Background(), CreateContext(""), RequestData{
		OrgID: "org1", AgentID: "agent1", RequestType: "POST",
		Decision: domain.Decision{Allowed: true, Action: domain.ActionAllowed},
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to exit after context cancellation")
	}

	traces, err := ts.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("expected final drain to persist the buffered trace, got %d", len(traces))
	}
}

func TestFlushRetryDoesNotDuplicateBufferOnRepeatedFailure(t *testing.T) {
	rec, ts := newTestRecorder(t)
	decision := domain.Decision{Allowed: true, Action: domain.ActionAllowed}
	for i := 0; i < 3; i++ {
		rec.Record(context.Background(), CreateContext(""), RequestData{
			OrgID: "org1", AgentID: "agent1", RequestType: "POST", Decision: decision,
		})
	}

	rec.mu.Lock()
	before := len(rec.buffer)
	rec.mu.Unlock()
	if before != 3 {
		t.Fatalf("expected 3 buffered traces before flush, got %d", before)
	}

	// Force every InsertTraces call to fail without growing the buffer.
	ts.Close()

	rec.flush()
	rec.mu.Lock()
	afterFirst := len(rec.buffer)
	rec.mu.Unlock()
	if afterFirst != before {
		t.Fatalf("expected one failed flush to leave the buffer at %d, got %d", before, afterFirst)
	}

	rec.flush()
	rec.mu.Lock()
	afterSecond := len(rec.buffer)
	rec.mu.Unlock()
	if afterSecond != before {
		t.Fatalf("expected a second failed flush to settle back at %d (not compound), got %d", before, afterSecond)
	}
}

func TestRecordMasksPIIWhenPolicyEnablesMasking(t *testing.T) {
	rec, ts := newTestRecorder(t)
	rc := CreateContext("")
	decision := domain.Decision{Allowed: false, Action: domain.ActionBlocked, Reason: "pii detected", RiskScore: 100}

	rec.Record(context.Background(), rc, RequestData{
		OrgID: "org1", AgentID: "agent1", RequestType: "POST", Decision: decision,
		RequestBody: []byte(`{"messages":[{"role":"user","content":"email me at jane.doe@example.com"}]}`),
		MaskPII:     true,
	})

	traces, err := ts.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(traces))
	}
	if strings.Contains(string(traces[0].RequestBody), "jane.doe@example.com") {
		t.Errorf("expected masked policy to scrub the stored request body, got %q", traces[0].RequestBody)
	}
	if !strings.Contains(string(traces[0].RequestBody), "[REDACTED_EMAIL]") {
		t.Errorf("expected redaction marker in stored body, got %q", traces[0].RequestBody)
	}
}

func TestRecordLeavesBodyUnmaskedWhenPolicyDisablesMasking(t *testing.T) {
	rec, ts := newTestRecorder(t)
	rc := CreateContext("")
	decision := domain.Decision{Allowed: false, Action: domain.ActionBlocked, Reason: "pii detected", RiskScore: 100}

	rec.Record(context.Background(), rc, RequestData{
		OrgID: "org1", AgentID: "agent1", RequestType: "POST", Decision: decision,
		RequestBody: []byte(`{"content":"email me at jane.doe@example.com"}`),
		MaskPII:     false,
	})

	traces, err := ts.ListTraces("org1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(traces[0].RequestBody), "jane.doe@example.com") {
		t.Errorf("expected unmasked body to be stored verbatim when masking is off, got %q", traces[0].RequestBody)
	}
}

func TestExtractReasoningStepsOnlyAssistantMessages(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"thinking..."}]}`)
	steps := extractReasoningSteps(body)
	if len(steps) != 1 || steps[0] != "thinking..." {
		t.Fatalf("expected only assistant content, got %v", steps)
	}
}

func TestExtractToolCalls(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"tool_calls":[{"id":"t1","function":{"name":"lookup","arguments":"{}"}}]}}]}`)
	calls := extractToolCalls(body)
	if len(calls) != 1 || calls[0].Name != "lookup" {
		t.Fatalf("expected one tool call named lookup, got %+v", calls)
	}
}
