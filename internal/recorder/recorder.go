// Package recorder implements the Flight Recorder:
// buffered batch trace writes with an immediate synchronous path for
// denials, cost derivation from a fixed price table, and reasoning/tool
// call extraction. A background ticker performs periodic maintenance
// over a guarded in-memory buffer; blocked and shadow-blocked traces
// instead persist synchronously before the call returns, since a
// denial must never be lost to a crash before the next flush.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/redaction"
	"agentswitchboard/internal/tsstore"
)

// priceTable is the fixed model→price table (USD/token).
var priceTable = map[string][2]float64{
	"gpt-4":           {3e-5, 6e-5},
	"gpt-4-turbo":     {1e-5, 3e-5},
	"gpt-3.5-turbo":   {5e-7, 1.5e-6},
	"claude-3-opus":   {1.5e-5, 7.5e-5},
	"claude-3-sonnet": {3e-6, 1.5e-5},
	"claude-3-haiku":  {2.5e-7, 1.25e-6},
}

const fallbackModel = "gpt-3.5-turbo"

// PriceFor returns {inputPrice, outputPrice} for model, falling back to
// gpt-3.5-turbo for unknown models.
func PriceFor(model string) (float64, float64) {
	p, ok := priceTable[model]
	if !ok {
		p = priceTable[fallbackModel]
	}
	return p[0], p[1]
}

// Context is returned by CreateContext and threaded through one request.
type Context struct {
	StartTime    time.Time
	ParentSpanID string
	SpanID       string
}

// CreateContext starts a new recording context, optionally nested under
// parentSpan.
func CreateContext(parentSpan string) Context {
	return Context{StartTime: time.Now(), ParentSpanID: parentSpan, SpanID: uuid.NewString()}
}

// RequestData carries everything Record needs to derive a Trace.
type RequestData struct {
	OrgID          string
	AgentID        string
	AgentName      string
	AgentFramework string
	RequestType    string
	ModelProvider  string
	ModelName      string
	RequestBody    []byte
	ResponseBody   []byte
	Decision       domain.Decision
	ClientIP       string
	UserAgent      string
	CustomMetadata map[string]string
	// MaskPII is the active policy's pii_masking_enabled setting. When
	// true, RequestBody/ResponseBody are masked by the recorder's
	// redactor before they are persisted.
	MaskPII bool
}

// Recorder is the Flight Recorder.
type Recorder struct {
	ts     *tsstore.Store
	masker *redaction.BodyRedactor

	mu     sync.Mutex
	buffer []domain.Trace

	flushInterval time.Duration
	batchSize     int

	onUpsertAgent func(domain.Agent)
}

// New constructs a Recorder with default 1s flush
// interval and 100-entry batch cap.
func New(ts *tsstore.Store) *Recorder {
	return &Recorder{ts: ts, masker: redaction.NewPatternRedactor(), flushInterval: time.Second, batchSize: 100}
}

// Run drives the background flush loop until ctx is cancelled, then
// performs one final drain.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush writes up to batchSize entries; on failure the batch is
// re-prepended for retry, preserving order at the cost of possible
// duplicates under partial failure.
func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	n := r.batchSize
	if n > len(r.buffer) {
		n = len(r.buffer)
	}
	batch := append([]domain.Trace{}, r.buffer[:n]...)
	// Splice the attempted batch out of the buffer up front: whether
	// the write succeeds or fails, r.buffer must settle at "whatever
	// wasn't part of this attempt", never at "this attempt plus
	// whatever wasn't part of it".
	r.buffer = r.buffer[n:]
	r.mu.Unlock()

	if err := r.ts.InsertTraces(batch); err != nil {
		slog.Warn("recorder: batch flush failed, retrying", "count", len(batch), "error", err)
		r.mu.Lock()
		r.buffer = append(append([]domain.Trace{}, batch...), r.buffer...)
		r.mu.Unlock()
	}
}

// Record derives and persists a Trace.
func (r *Recorder) Record(ctx context.Context, rc Context, data RequestData) domain.Trace {
	now := time.Now()
	reqBody, respBody := data.RequestBody, data.ResponseBody
	if data.MaskPII {
		reqBody = []byte(r.masker.Redact(string(reqBody)))
		respBody = []byte(r.masker.Redact(string(respBody)))
	}
	t := domain.Trace{
		TraceID:        uuid.NewString(),
		SpanID:         rc.SpanID,
		ParentSpanID:   rc.ParentSpanID,
		Timestamp:      rc.StartTime,
		DurationMs:     now.Sub(rc.StartTime).Milliseconds(),
		OrgID:          data.OrgID,
		AgentID:        data.AgentID,
		AgentName:      data.AgentName,
		AgentFramework: data.AgentFramework,
		RequestType:    data.RequestType,
		IntentCategory: data.Decision.IntentCategory,
		RiskScore:      data.Decision.RiskScore,
		ModelProvider:  data.ModelProvider,
		ModelName:      data.ModelName,
		RequestBody:    reqBody,
		ResponseBody:   respBody,
		ReasoningSteps: extractReasoningSteps(reqBody),
		ToolCalls:      extractToolCalls(respBody),
		PolicyApplied:  data.Decision.PolicyID,
		ActionTaken:    data.Decision.Action,
		BlockReason:    data.Decision.Reason,
		IsShadowEvent:  data.Decision.IsShadowEvent,
		ClientIP:       data.ClientIP,
		UserAgent:      data.UserAgent,
		CustomMetadata: data.CustomMetadata,
	}

	inputTokens, outputTokens := tokenCounts(data.RequestBody, data.ResponseBody)
	t.InputTokens = inputTokens
	t.OutputTokens = outputTokens
	inPrice, outPrice := PriceFor(data.ModelName)
	t.CostUSD = float64(inputTokens)*inPrice + float64(outputTokens)*outPrice

	if r.onUpsertAgent != nil {
		r.onUpsertAgent(domain.Agent{
			AgentID: data.AgentID, OrgID: data.OrgID, Name: data.AgentName,
			Framework: data.AgentFramework, Status: domain.AgentActive, CreatedAt: now,
		})
	}

	if t.ActionTaken == domain.ActionBlocked || t.ActionTaken == domain.ActionShadowBlocked {
		if err := r.ts.InsertTrace(t); err != nil {
			// The only escalated storage error path: the request still
			// returns its denial status, but we emit an internal warning.
			slog.Error("recorder: immediate-path write of denial trace failed", "trace_id", t.TraceID, "error", err)
		}
		return t
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, t)
	r.mu.Unlock()
	return t
}

// SetAgentUpsertCallback registers the callback invoked on every Record
// to upsert the observed agent.
func (r *Recorder) SetAgentUpsertCallback(fn func(domain.Agent)) { r.onUpsertAgent = fn }

// tokenCounts estimates input tokens as ceil(len(serialised messages)/4)
// when not otherwise available, and reads output tokens from the
// response's usage block if present.
func tokenCounts(reqBody, respBody []byte) (int, int) {
	input := estimateInputTokens(reqBody)
	output := 0

	var resp struct {
		Usage struct {
			CompletionTokens int `json:"completion_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(respBody, &resp) == nil {
		if resp.Usage.CompletionTokens > 0 {
			output = resp.Usage.CompletionTokens
		} else if resp.Usage.OutputTokens > 0 {
			output = resp.Usage.OutputTokens
		}
	}
	if output == 0 {
		output = int(math.Ceil(float64(len(respBody)) / 4))
	}
	return input, output
}

func estimateInputTokens(reqBody []byte) int {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(reqBody, &req) != nil {
		return int(math.Ceil(float64(len(reqBody)) / 4))
	}
	if req.Usage.PromptTokens > 0 {
		return req.Usage.PromptTokens
	}
	serialized, _ := json.Marshal(req.Messages)
	return int(math.Ceil(float64(len(serialized)) / 4))
}

// extractReasoningSteps pulls assistant-authored content from the
// request's message list, truncated to 500 chars each.
func extractReasoningSteps(reqBody []byte) []string {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if json.Unmarshal(reqBody, &req) != nil {
		return nil
	}
	var steps []string
	for _, m := range req.Messages {
		if m.Role != "assistant" {
			continue
		}
		c := m.Content
		if len(c) > 500 {
			c = c[:500]
		}
		steps = append(steps, c)
	}
	return steps
}

// extractToolCalls reads response.choices[0].message.tool_calls.
func extractToolCalls(respBody []byte) []domain.ToolCall {
	var resp struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(respBody, &resp) != nil || len(resp.Choices) == 0 {
		return nil
	}
	var out []domain.ToolCall
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		out = append(out, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out
}
