// Package errors provides the unified error taxonomy for the flow runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the six error taxonomy kinds (§7).
type Kind string

const (
	KindConfig        Kind = "config"
	KindRouting       Kind = "routing"
	KindAuth          Kind = "auth"
	KindRateLimit     Kind = "rate_limit"
	KindNodeExecution Kind = "node_execution"
	KindFatal         Kind = "fatal"
)

// Code is a stable, machine-readable identifier within a Kind.
type Code string

const (
	CodeMalformedFlow      Code = "CONFIG_MALFORMED_FLOW"
	CodeDanglingWire       Code = "CONFIG_DANGLING_WIRE"
	CodeUnknownNodeType    Code = "CONFIG_UNKNOWN_NODE_TYPE"
	CodeNoRoute            Code = "ROUTING_NO_MATCH"
	CodeNoIdentity         Code = "AUTH_NO_IDENTITY"
	CodeInvalidToken       Code = "AUTH_INVALID_TOKEN"
	CodeRateLimited        Code = "RATE_LIMIT_EXCEEDED"
	CodeNodeFailed         Code = "NODE_EXECUTION_FAILED"
	CodeTriggerCeiling     Code = "NODE_EXECUTION_CEILING_EXCEEDED"
	CodeCatalogUnreachable Code = "FATAL_CATALOG_UNREACHABLE"
	CodeInternal           Code = "FATAL_INTERNAL"
)

// RuntimeError is the single structured error type carrying enough detail to
// render both the user-visible JSON envelope (§7 "user-visible failures")
// and a structured log line, for any of the six taxonomy kinds.
type RuntimeError struct {
	Kind              Kind                   `json:"-"`
	Code              Code                   `json:"-"`
	HTTPStatus        int                    `json:"-"`
	Message           string                 `json:"error"`
	Hint              string                 `json:"hint,omitempty"`
	Path              string                 `json:"path,omitempty"`
	Method            string                 `json:"method,omitempty"`
	RetryAfterSeconds int                    `json:"retry_after_seconds,omitempty"`
	DurationMS        int64                  `json:"duration_ms,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
	Err               error                  `json:"-"`
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured field; Details is rendered as the
// optional "details" object of the user-visible JSON envelope.
func (e *RuntimeError) WithDetails(key string, value interface{}) *RuntimeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newErr(kind Kind, code Code, message string, status int) *RuntimeError {
	return &RuntimeError{Kind: kind, Code: code, Message: message, HTTPStatus: status}
}

func wrapErr(kind Kind, code Code, message string, status int, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Kind 1 — Configuration error. Reported by the admin layer on save; at
// runtime the offending node is skipped with a warning rather than
// surfaced to a caller, so these constructors are used at save/validate
// time and inside the log line the runtime emits when it skips a node.

func MalformedFlow(reason string) *RuntimeError {
	return newErr(KindConfig, CodeMalformedFlow, "malformed flow configuration", http.StatusBadRequest).
		WithDetails("reason", reason)
}

func DanglingWire(nodeID, target string) *RuntimeError {
	return newErr(KindConfig, CodeDanglingWire, "wire targets a non-existent node", http.StatusBadRequest).
		WithDetails("node_id", nodeID).WithDetails("target", target)
}

func UnknownNodeType(nodeID, nodeType string) *RuntimeError {
	return newErr(KindConfig, CodeUnknownNodeType, "unknown node type", http.StatusBadRequest).
		WithDetails("node_id", nodeID).WithDetails("node_type", nodeType)
}

// Kind 2 — Routing error. No route matches (method, path); 404.

func NoRoute(method, path string) *RuntimeError {
	e := newErr(KindRouting, CodeNoRoute, "no route matches this request", http.StatusNotFound)
	e.Method = method
	e.Path = path
	return e
}

// Kind 3 — Authentication error. User sharding without an identity; 401.

func NoIdentity(hint string) *RuntimeError {
	e := newErr(KindAuth, CodeNoIdentity, "authentication required", http.StatusUnauthorized)
	e.Hint = hint
	return e
}

func InvalidToken(err error) *RuntimeError {
	return wrapErr(KindAuth, CodeInvalidToken, "invalid authentication token", http.StatusUnauthorized, err)
}

// Kind 4 — Rate-limit error; 429.

func RateLimitExceeded(retryAfterSeconds int) *RuntimeError {
	e := newErr(KindRateLimit, CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

// Kind 5 — Node execution error. Contained at the node boundary (§7.5):
// logged with node_id/node_type/msg_id, never surfaces past the engine
// unless no HTTP-response descriptor was produced yet.

func NodeExecutionFailed(nodeID, nodeType, msgID string, err error) *RuntimeError {
	return wrapErr(KindNodeExecution, CodeNodeFailed, "node execution failed", http.StatusInternalServerError, err).
		WithDetails("node_id", nodeID).
		WithDetails("node_type", nodeType).
		WithDetails("msg_id", msgID)
}

// TriggerCeilingExceeded reports the §5 supplement's hard ceiling on
// execute_node invocations spawned within one trigger call, failing only
// the offending branch rather than the whole trigger.
func TriggerCeilingExceeded(nodeID string, ceiling int) *RuntimeError {
	return newErr(KindNodeExecution, CodeTriggerCeiling, "trigger execute_node ceiling exceeded", http.StatusInternalServerError).
		WithDetails("node_id", nodeID).
		WithDetails("ceiling", ceiling)
}

// Kind 6 — Fatal request error. Exception leaking out of the engine
// boundary (e.g. cannot reach Catalog); 500, duration_ms included.

func CatalogUnreachable(err error) *RuntimeError {
	return wrapErr(KindFatal, CodeCatalogUnreachable, "flow catalog unreachable", http.StatusInternalServerError, err)
}

func Internal(message string, err error) *RuntimeError {
	return wrapErr(KindFatal, CodeInternal, message, http.StatusInternalServerError, err)
}

// WithDuration stamps duration_ms on a fatal error, per §7.6's
// "500 responses include duration_ms to aid diagnosis".
func (e *RuntimeError) WithDuration(durationMS int64) *RuntimeError {
	e.DurationMS = durationMS
	return e
}

// Helper functions

// IsRuntimeError reports whether err is (or wraps) a *RuntimeError.
func IsRuntimeError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re)
}

// AsRuntimeError extracts a *RuntimeError from an error chain, or nil.
func AsRuntimeError(err error) *RuntimeError {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// HTTPStatus returns the HTTP status code for err, defaulting to 500 for
// errors outside the taxonomy (Kind 6 "exception leaking out of the engine
// boundary").
func HTTPStatus(err error) int {
	if re := AsRuntimeError(err); re != nil {
		return re.HTTPStatus
	}
	return http.StatusInternalServerError
}
