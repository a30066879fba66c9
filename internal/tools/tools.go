// Package tools implements the task runner's builtin tool table: a
// small, explicit set of filesystem and process functions, each
// registered behind an allow-list so a task can only invoke tools its
// agent configuration actually permits.
//
// Sandboxing of the executing process itself is out of scope (the
// task runner expects to be handed an already-sandboxed environment);
// this package supplies the contract a tool function fulfills — bounded
// execution, a typed Result — plus sandbox-path checks scoped to a
// configured root directory.
package tools

import (
	"context"
	"fmt"
)

// Result is the outcome of a single tool invocation, matching the
// task runner's `tool.result`/`error` tail-event payload shape.
type Result struct {
	OK     bool           `json:"ok"`
	Value  any            `json:"value,omitempty"`
	Error  string         `json:"error,omitempty"`
	ErrMsg string         `json:"error_message,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func ok(value any) Result {
	return Result{OK: true, Value: value}
}

func fail(code, message string) Result {
	return Result{OK: false, Error: code, ErrMsg: message}
}

// Func is a single tool implementation. Arguments arrive pre-decoded
// as a generic map (mirroring the JSON-ish shape tool-call extraction
// produces); results are returned as a Result rather than an error so
// that "the tool ran and reported failure" is distinguishable from
// "the tool could not be invoked at all".
type Func func(ctx context.Context, args map[string]any) Result

// Registry maps tool names to their implementation, gated by an
// allow-list. A Registry with a nil allow-list permits every
// registered tool; an empty, non-nil allow-list permits none.
type Registry struct {
	fns       map[string]Func
	allowlist map[string]bool
}

// NewRegistry builds an empty Registry. allow, if non-nil, restricts
// Call to only the named tools even if more are registered.
func NewRegistry(allow []string) *Registry {
	r := &Registry{fns: make(map[string]Func)}
	if allow != nil {
		r.allowlist = make(map[string]bool, len(allow))
		for _, name := range allow {
			r.allowlist[name] = true
		}
	}
	return r
}

// Register adds a tool implementation under name, overwriting any
// existing registration.
func (r *Registry) Register(name string, fn Func) {
	r.fns[name] = fn
}

// Allowed reports whether name is permitted by the configured
// allow-list (always true when no allow-list was configured).
func (r *Registry) Allowed(name string) bool {
	if r.allowlist == nil {
		return true
	}
	return r.allowlist[name]
}

// Lookup returns the tool function registered under name, honoring
// the allow-list. The second return value is false if the tool is
// unregistered or not allowed, matching the task runner's
// `error`{not_found} path.
func (r *Registry) Lookup(name string) (Func, bool) {
	if !r.Allowed(name) {
		return nil, false
	}
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns every registered tool name, regardless of allow-list.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	return names
}

// Call looks up and invokes the named tool, returning a not_found
// Result rather than an error if it is unregistered or disallowed —
// the task runner treats both identically (emit `error`{not_found}).
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) Result {
	fn, found := r.Lookup(name)
	if !found {
		return fail("tool.not_found", fmt.Sprintf("tool %q is not registered or not allowed", name))
	}
	return fn(ctx, args)
}
