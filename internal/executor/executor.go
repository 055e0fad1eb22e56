// Package executor dispatches model-initiated tool calls against a registry
// of named handlers. The registry is process-wide and shared by every call;
// per-call state travels in the Context passed to each invocation.
//
// Handlers come in two flavors: inline Go functions (the built-ins) and HTTP
// handlers generated from agent function specs. Execution is synchronous by
// default; async mode acknowledges immediately and delivers the outcome
// through a completion callback so the model can weave it into a later turn.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Execution modes from a function spec.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Context is the per-call state handed to every handler invocation.
type Context struct {
	ConnectionID string
	SessionID    string
	CallerID     string
	TenantID     string
	PBXPort      int

	// KnowledgeBaseID is the agent's knowledge base, empty when the agent
	// has none.
	KnowledgeBaseID string
}

// Result is a handler outcome. Exactly one of Data or Error is meaningful.
type Result struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`

	// Spoken is an optional phrase template for the model to verbalize.
	Spoken string `json:"spoken,omitempty"`

	// Accepted marks an async acknowledgement.
	Accepted bool `json:"accepted,omitempty"`
}

// JSON renders the result for submission back to the provider.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any, call Context) Result

// entry pairs a handler with its execution mode.
type entry struct {
	handler Handler
	mode    string
}

// Registry maps function names to handlers. Registration is idempotent and
// last-wins; entries are read-mostly after agent load.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds name to handler. mode defaults to sync.
func (r *Registry) Register(name string, handler Handler, mode string) {
	if mode == "" {
		mode = ModeSync
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{handler: handler, mode: mode}
}

// Lookup returns the handler and mode for name.
func (r *Registry) Lookup(name string) (Handler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.handler, e.mode, ok
}

// Names lists the registered function names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Call is one dispatch request.
type Call struct {
	Name string
	Args map[string]any
}

// Completion is invoked when an async handler finishes, carrying the final
// result for the follow-up conversation turn.
type Completion func(name string, result Result)

// Executor dispatches calls against a Registry.
type Executor struct {
	registry *Registry
}

// New wraps the registry in an Executor.
func New(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Mode reports the registered execution mode of name.
func (e *Executor) Mode(name string) (string, bool) {
	_, mode, ok := e.registry.Lookup(name)
	return mode, ok
}

// Execute runs one call synchronously, regardless of the registered mode.
func (e *Executor) Execute(ctx context.Context, call Call, cc Context) Result {
	handler, _, ok := e.registry.Lookup(call.Name)
	if !ok {
		return Result{Error: fmt.Sprintf("unknown function %q", call.Name)}
	}
	return handler(ctx, call.Args, cc)
}

// Dispatch runs the call in its registered mode: sync calls block and return
// the outcome; async calls return an immediate acknowledgement and report
// the outcome through onDone. onDone may be nil for fire-and-forget.
func (e *Executor) Dispatch(ctx context.Context, call Call, cc Context, onDone Completion) Result {
	handler, mode, ok := e.registry.Lookup(call.Name)
	if !ok {
		return Result{Error: fmt.Sprintf("unknown function %q", call.Name)}
	}
	if mode != ModeAsync {
		return handler(ctx, call.Args, cc)
	}
	return e.executeAsync(ctx, call, cc, handler, onDone)
}

// executeAsync acknowledges immediately and runs the handler on a background
// goroutine detached from the tool-resolution window but still bound to the
// connection's lifetime through ctx.
func (e *Executor) executeAsync(ctx context.Context, call Call, cc Context, handler Handler, onDone Completion) Result {
	go func() {
		result := handler(ctx, call.Args, cc)
		if result.Error != "" {
			slog.Warn("async function failed",
				"function", call.Name, "session_id", cc.SessionID, "error", result.Error)
		}
		if onDone != nil {
			onDone(call.Name, result)
		}
	}()
	return Result{Accepted: true}
}

// ExecuteBatch runs several calls concurrently, preserving input order in
// the results. A failed entry reports its error in place; the batch itself
// only fails on context cancellation.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []Call, cc Context) []Result {
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(gctx, call, cc)
			return nil
		})
	}
	g.Wait()
	return results
}

// backoff returns the wait before retry attempt n (0-based), capped at 10 s.
func backoff(n int) time.Duration {
	d := time.Second << n
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}
