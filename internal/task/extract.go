// Package task implements the agent's task runner: it drains the
// prompt queue, drives a model.Provider, streams tokens as tail
// events, and intercepts textual tool-call markers to dispatch
// registered tool functions.
package task

import (
	"strings"
)

// ToolCall is a single tool invocation parsed out of streamed model
// text.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

const (
	markerToolCall = "TOOL_CALL:"
	markerFunction = "FUNCTION:"
)

// DetectToolCall reports whether text contains either textual tool-call
// marker. Detection and parsing are deliberately simple — a richer
// extractor can replace this without touching the rest of the runner.
func DetectToolCall(text string) bool {
	return strings.Contains(text, markerToolCall) || strings.Contains(text, markerFunction)
}

// ParseToolCall extracts a ToolCall from assembled response text
// following the first marker it finds. The expected shape after the
// marker is "name(arg1=value1, arg2=value2)"; a marker with no
// parseable name still yields a ToolCall so the runner can report a
// not-found error for it rather than silently dropping the call.
func ParseToolCall(text string) (ToolCall, bool) {
	idx := strings.Index(text, markerToolCall)
	marker := markerToolCall
	if idx == -1 {
		idx = strings.Index(text, markerFunction)
		marker = markerFunction
	}
	if idx == -1 {
		return ToolCall{}, false
	}

	rest := strings.TrimSpace(text[idx+len(marker):])
	// Stop at the first newline — a call is written on a single line.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[:nl]
	}
	if rest == "" {
		return ToolCall{}, false
	}

	name := rest
	args := map[string]any{}
	if open := strings.IndexByte(rest, '('); open != -1 && strings.HasSuffix(rest, ")") {
		name = strings.TrimSpace(rest[:open])
		argsBody := rest[open+1 : len(rest)-1]
		args = parseArgs(argsBody)
	} else {
		name = strings.TrimSpace(rest)
	}

	if name == "" {
		return ToolCall{}, false
	}
	return ToolCall{Name: name, Arguments: args}, true
}

// parseArgs parses a simple "key=value, key2=value2" argument body into
// a string-valued map. Values are not type-coerced beyond trimming
// surrounding quotes — tool functions are responsible for interpreting
// their own arguments.
func parseArgs(body string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(body) == "" {
		return args
	}
	for _, pair := range strings.Split(body, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq == -1 {
			continue
		}
		key := strings.TrimSpace(pair[:eq])
		val := strings.TrimSpace(pair[eq+1:])
		val = strings.Trim(val, `"'`)
		if key != "" {
			args[key] = val
		}
	}
	return args
}
