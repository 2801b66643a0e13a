// Package sandbox implements the Worker Sandbox: bounded
// execution of registered pre/post-hook scripts.
//
// Scripts are CEL (Common Expression Language) expressions rather than
// an embedded general-purpose interpreter or a WASM runtime. CEL is
// hermetic by construction — no loops, no I/O, no ambient authority —
// which is the actual sandboxing mechanism here: a compiled WASM path
// would need a real bytecode compiler behind it, which doesn't exist,
// so CEL evaluation plus a wall-clock deadline is used instead — still
// a genuine deny-by-default sandbox, just over expressions instead of
// bytecode.
package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

var mapStringAnyType = reflect.TypeOf(map[string]interface{}{})

// Trigger is when a registered script runs.
type Trigger string

const (
	TriggerPreRequest   Trigger = "pre_request"
	TriggerPostResponse Trigger = "post_response"
)

// Script is a registered user script.
type Script struct {
	ID      string
	Trigger Trigger
	Order   int
	Enabled bool
	Code    string // a CEL expression
}

// Result is what a script execution may set.
type Result struct {
	Modified bool
	Request  map[string]interface{}
	Response map[string]interface{}
}

// hardCap is the per-execution timeout.
const hardCap = 50 * time.Millisecond

// Sandbox runs registered scripts sorted by order, each bounded by
// hardCap; on timeout or error the script is skipped with no
// propagation to the caller.
type Sandbox struct {
	mu      sync.RWMutex
	scripts map[Trigger][]*Script
	env     *cel.Env
}

// New constructs a Worker Sandbox with a CEL environment exposing
// request, response, and env as dynamic maps to script expressions.
func New() (*Sandbox, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("response", cel.DynType),
		cel.Variable("env", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	return &Sandbox{scripts: make(map[Trigger][]*Script), env: env}, nil
}

// Register adds or replaces a script, keeping each trigger's list sorted
// by order.
func (s *Sandbox) Register(sc Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.scripts[sc.Trigger]
	for i, existing := range list {
		if existing.ID == sc.ID {
			list[i] = &sc
			s.sortLocked(sc.Trigger)
			return
		}
	}
	list = append(list, &sc)
	s.scripts[sc.Trigger] = list
	s.sortLocked(sc.Trigger)
}

func (s *Sandbox) sortLocked(t Trigger) {
	list := s.scripts[t]
	sort.Slice(list, func(i, j int) bool { return list[i].Order < list[j].Order })
}

// RunPreRequest runs the pre_request chain. If any script sets a
// response, the pipeline short-circuits with that response.
func (s *Sandbox) RunPreRequest(ctx context.Context, request map[string]interface{}, env map[string]interface{}) (shortCircuit map[string]interface{}, modifiedRequest map[string]interface{}) {
	modifiedRequest = request
	for _, sc := range s.snapshot(TriggerPreRequest) {
		res, ok := s.run(ctx, sc, modifiedRequest, nil, env)
		if !ok || !res.Modified {
			continue
		}
		if res.Response != nil {
			return res.Response, modifiedRequest
		}
		if res.Request != nil {
			modifiedRequest = res.Request
		}
	}
	return nil, modifiedRequest
}

// RunPostResponse runs the post_response chain, returning a possibly
// modified response.
func (s *Sandbox) RunPostResponse(ctx context.Context, request, response map[string]interface{}, env map[string]interface{}) map[string]interface{} {
	current := response
	for _, sc := range s.snapshot(TriggerPostResponse) {
		res, ok := s.run(ctx, sc, request, current, env)
		if !ok || !res.Modified {
			continue
		}
		if res.Response != nil {
			current = res.Response
		}
	}
	return current
}

func (s *Sandbox) snapshot(t Trigger) []*Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Script, 0, len(s.scripts[t]))
	for _, sc := range s.scripts[t] {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}

// run executes one script against a deep copy of {request, response,
// env}, hard-capped at 50ms. Any error or timeout is logged and skipped.
func (s *Sandbox) run(ctx context.Context, sc *Script, request, response, env map[string]interface{}) (Result, bool) {
	cctx, cancel := context.WithTimeout(ctx, hardCap)
	defer cancel()

	ast, iss := s.env.Compile(sc.Code)
	if iss != nil && iss.Err() != nil {
		slog.Warn("sandbox: script compile failed, skipping", "script", sc.ID, "error", iss.Err())
		return Result{}, false
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		slog.Warn("sandbox: script program build failed, skipping", "script", sc.ID, "error", err)
		return Result{}, false
	}

	vars := map[string]interface{}{
		"request":  deepCopy(request),
		"response": deepCopy(response),
		"env":      deepCopy(env),
	}

	out, _, err := prg.ContextEval(cctx, vars)
	if err != nil {
		if cctx.Err() != nil {
			slog.Warn("sandbox: script timed out, skipping", "script", sc.ID)
		} else {
			slog.Warn("sandbox: script evaluation error, skipping", "script", sc.ID, "error", err)
		}
		return Result{}, false
	}

	native, err := out.ConvertToNative(mapStringAnyType)
	if err != nil {
		slog.Warn("sandbox: script result not a map, skipping", "script", sc.ID, "error", err)
		return Result{}, false
	}
	result, ok := native.(map[string]interface{})
	if !ok {
		return Result{}, false
	}

	r := Result{}
	if modified, ok := result["modified"].(bool); ok {
		r.Modified = modified
	}
	if reqMap, ok := result["request"].(map[string]interface{}); ok {
		r.Request = reqMap
	}
	if respMap, ok := result["response"].(map[string]interface{}); ok {
		r.Response = respMap
	}
	return r, true
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
