// Package apierr defines the single structured error type used at every
// component boundary in agentfleet.
package apierr

import "fmt"

// Error is a structured error carrying a stable machine-readable code, a
// human-readable message, and optional free-form detail. It implements the
// error interface so it composes with errors.Is/errors.As and fmt.Errorf's
// %w verb.
type Error struct {
	Code    string
	Message string
	Detail  map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with no detail.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e with the given detail key/value set.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Detail = make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		cp.Detail[k] = v
	}
	cp.Detail[key] = value
	return &cp
}

// CodeOf extracts the code of err if it is (or wraps) an *Error, else "".
func CodeOf(err error) string {
	var ae *Error
	if asError(err, &ae) {
		return ae.Code
	}
	return ""
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Code taxonomy, grouped by component. Components construct
// errors with these codes so callers can branch on CodeOf(err) without
// string-matching Message.
const (
	// bus
	CodeBusUnavailable   = "bus.unavailable"
	CodeBusTimeout       = "bus.timeout"
	CodeBusKeyExists     = "bus.key_exists"
	CodeBusNotConnected  = "bus.not_connected"
	CodeBusEncodingError = "bus.encoding_error"

	// identity
	CodeIdentityLocked  = "identity.already_locked"
	CodeIdentityInvalid = "identity.invalid"

	// registry
	CodeRegistryNotFound = "registry.not_found"

	// ownership
	CodeOwnershipHeld          = "ownership.held"
	CodeOwnershipNotHeld       = "ownership.not_held"
	CodeOwnershipTakeoverRaced = "ownership.takeover_raced"
	CodeOwnershipNotOwner      = "ownership.not_owner"

	// rpc
	CodeRPCTimeout       = "rpc.timeout"
	CodeRPCUnknownMethod = "rpc.unknown_method"
	CodeRPCNoSuchAgent   = "rpc.no_such_agent"
	CodeRPCInternal      = "rpc.internal"

	// tail
	CodeTailClosed = "tail.closed"

	// queue
	CodeQueueEmpty   = "queue.empty"
	CodeQueueIOError = "queue.io_error"
	CodeQueueCorrupt = "queue.corrupt_entry"

	// history
	CodeHistoryNoTurns                = "history.no_turns"
	CodeHistorySummarizationNotNeeded = "history.summarization_not_needed"
	CodeHistoryIOError                = "history.io_error"
	CodeHistoryConfirmRequired        = "history.confirm_required"

	// prompt
	CodePromptEmptyLine        = "prompt.empty_line"
	CodePromptReloadFailed     = "prompt.reload_failed"
	CodePromptSetBaseFailed    = "prompt.set_base_failed"
	CodePromptSetOverlayFailed = "prompt.set_overlay_failed"

	// kb
	CodeKBIngestFailed = "kb.ingest_failed"
	CodeKBSearchFailed = "kb.search_failed"
	CodeKBCopyFailed   = "kb.copy_failed"

	// memory
	CodeMemoryOverBudget = "memory.over_budget"

	// task
	CodeTaskAlreadyRunning = "task.already_running"
	CodeTaskNotRunning     = "task.not_running"
	CodeTaskCancelled      = "task.cancelled"

	// session / console
	CodeSessionReadOnly        = "session.read_only"
	CodeSessionOwnershipDenied = "session.ownership_denied"
	CodeSessionNotAttached     = "session.not_attached"
	CodeSessionAlreadyAttached = "session.already_attached"

	// orchestrator
	CodeOrchestratorNotFound       = "orchestrator.not_found"
	CodeOrchestratorSpawnFailed    = "orchestrator.spawn_failed"
	CodeOrchestratorStoreError     = "orchestrator.store_error"
	CodeOrchestratorInvalidConfig  = "orchestrator.invalid_config"
	CodeOrchestratorAlreadyExists  = "orchestrator.already_exists"
	CodeOrchestratorAlreadyRunning = "orchestrator.already_running"

	// internal catch-all, used when converting recovered panics
	CodeInternalPanic = "internal.panic"
)
