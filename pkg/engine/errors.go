package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: upstream 5xx responses, network timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a name taken by a concurrent insert, a held project lease.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, permission denied, record not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the project id, name or external handle involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Timestamp is when the error was constructed.
	Timestamp time.Time `json:"timestamp"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:     class,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Err:       err,
	}
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the error code, or the class when no code is set.
func (e *EngineError) ErrorCode() string {
	if e.Code == "" {
		return string(e.Class)
	}
	return e.Code
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Chain returns the causal message chain, outermost first.
func (e *EngineError) Chain() []string {
	chain := []string{e.Message}
	if e.Err == nil {
		return chain
	}
	var inner *EngineError
	if errors.As(e.Err, &inner) {
		return append(chain, inner.Chain()...)
	}
	return append(chain, e.Err.Error())
}

// Trace renders the error as a readable causal trace:
//
//	[CODE] outer → inner → root
//	Operation: op
//	Details: {...}
func (e *EngineError) Trace() string {
	code := e.Code
	if code == "" {
		code = string(e.Class)
	}
	operation := e.Operation
	if operation == "" {
		operation = "unknown"
	}
	details := "{}"
	if len(e.Details) > 0 {
		if data, err := json.MarshalIndent(e.Details, "", "  "); err == nil {
			details = string(data)
		}
	}
	return fmt.Sprintf("[%s] %s\nOperation: %s\nDetails: %s",
		code, strings.Join(e.Chain(), " → "), operation, details)
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, "", message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, "", message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, "", message, err)
}

// NewAlreadyExistsError reports a uniqueness violation.
func NewAlreadyExistsError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeAlreadyExists, message, err)
}

// NewNotFoundError reports a missing project or record.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeNotFound, message, err)
}

// NewUserNotFoundError reports a missing user.
func NewUserNotFoundError(userID string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeUserNotFound,
		fmt.Sprintf("user %q not found", userID), nil).
		WithResource(userID).
		WithDetail("user_id", userID)
}

// NewValidationError reports malformed input or generator output.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeValidation, message, err)
}

// NewExternalServiceError reports a failure of an external collaborator.
// system is one of SystemVCS, SystemHosting, SystemDNS, SystemCodegen, SystemScreenshot.
func NewExternalServiceError(system, message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeExternalService, message, err).
		WithDetail("system", system)
}

// NewRateLimitedError reports a rate limit. retryAfter is zero when the
// upstream did not say how long to wait.
func NewRateLimitedError(system, message string, retryAfter time.Duration, err error) *EngineError {
	e := newError(ErrorClassThrottled, ErrCodeRateLimited, message, err).
		WithDetail("system", system)
	if retryAfter > 0 {
		e.WithDetail("retry_after", retryAfter.String())
	}
	return e
}

// NewDeploymentFailedError reports a deployment that did not become ready.
func NewDeploymentFailedError(message, logs string) *EngineError {
	e := newError(ErrorClassPermanent, ErrCodeDeploymentFailed, message, nil)
	if logs != "" {
		e.WithDetail("logs", logs)
	}
	return e
}

// NewDomainVerificationTimeoutError reports a domain that never verified.
func NewDomainVerificationTimeoutError(domain string, attempts int) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeDomainVerificationTimeout,
		fmt.Sprintf("domain %s not verified after %d attempts", domain, attempts), nil).
		WithResource(domain).
		WithDetail("attempts", attempts)
}

// NewFixExhaustedError reports a self-healing loop that used its whole budget.
func NewFixExhaustedError(attempts int, lastError string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeFixExhausted,
		fmt.Sprintf("deployment still failing after %d fix attempts", attempts), nil).
		WithDetail("attempts", attempts).
		WithDetail("last_error", lastError)
}

// NewFixUnrecoverableError reports a generator that produced no usable fix.
func NewFixUnrecoverableError(attempt int, lastError string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeFixUnrecoverable,
		"code generator produced no changes for the deployment error", nil).
		WithDetail("attempt", attempt).
		WithDetail("last_error", lastError)
}

// NewInvalidTransitionError reports a status write the state machine forbids.
func NewInvalidTransitionError(from, to ProjectStatus) *EngineError {
	return newError(ErrorClassConflict, ErrCodeInvalidTransition,
		fmt.Sprintf("invalid status transition %s -> %s", from, to), nil).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewPermissionDeniedError reports a mutation by a user who does not own the project.
func NewPermissionDeniedError(projectID, userID string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodePermissionDenied,
		"user does not own project", nil).
		WithResource(projectID).
		WithDetail("user_id", userID)
}

// NewLeaseHeldError reports that another orchestrator owns the project.
func NewLeaseHeldError(key string) *EngineError {
	return newError(ErrorClassConflict, ErrCodeLeaseHeld,
		"project lease is held by another orchestrator", nil).
		WithResource(key)
}

// NewPanicError converts a recovered panic value.
func NewPanicError(recovered interface{}) *EngineError {
	return newError(ErrorClassPermanent, ErrCodePanic,
		fmt.Sprintf("pipeline panicked: %v", recovered), nil)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError returns the outermost EngineError in err's chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrorCode returns the code of the outermost EngineError in err's chain, or "".
func ErrorCode(err error) string {
	if e, ok := AsEngineError(err); ok {
		return e.Code
	}
	return ""
}

// TraceOf renders err as a causal trace. Errors outside the taxonomy render
// as their plain message.
func TraceOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := AsEngineError(err); ok {
		return e.Trace()
	}
	return err.Error()
}

func hasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable. Untyped errors are treated as
// transient since they come from transports outside the taxonomy.
func IsRetryable(err error) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return err != nil
	}
	return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled
}

// IsAlreadyExists reports whether err carries ALREADY_EXISTS.
func IsAlreadyExists(err error) bool { return hasCode(err, ErrCodeAlreadyExists) }

// IsNotFound reports whether err carries NOT_FOUND or USER_NOT_FOUND.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound) || hasCode(err, ErrCodeUserNotFound)
}

// IsRateLimited reports whether err carries RATE_LIMITED.
func IsRateLimited(err error) bool { return hasCode(err, ErrCodeRateLimited) }

// IsValidation reports whether err carries VALIDATION_ERROR.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsPermissionDenied reports whether err carries PERMISSION_DENIED.
func IsPermissionDenied(err error) bool { return hasCode(err, ErrCodePermissionDenied) }

// IsInvalidTransition reports whether err carries INVALID_TRANSITION.
func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }

// IsLeaseHeld reports whether err carries LEASE_HELD.
func IsLeaseHeld(err error) bool { return hasCode(err, ErrCodeLeaseHeld) }

// RetryAfter returns the wait requested by a RATE_LIMITED error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return 0, false
		}
		if e.Code == ErrCodeRateLimited {
			if raw, ok := e.Details["retry_after"].(string); ok {
				if d, perr := time.ParseDuration(raw); perr == nil {
					return d, true
				}
			}
		}
		err = e.Err
	}
	return 0, false
}

// External systems named in EXTERNAL_SERVICE_FAILED details.
const (
	SystemVCS        = "vcs"
	SystemHosting    = "hosting"
	SystemDNS        = "dns"
	SystemCodegen    = "codegen"
	SystemScreenshot = "screenshot"
	SystemStore      = "store"
)

// Common error codes.
const (
	ErrCodeValidation                = "VALIDATION_ERROR"
	ErrCodeNotFound                  = "NOT_FOUND"
	ErrCodeUserNotFound              = "USER_NOT_FOUND"
	ErrCodeAlreadyExists             = "ALREADY_EXISTS"
	ErrCodePermissionDenied          = "PERMISSION_DENIED"
	ErrCodeTimeout                   = "TIMEOUT"
	ErrCodeRateLimited               = "RATE_LIMITED"
	ErrCodeConflict                  = "CONFLICT"
	ErrCodeInternal                  = "INTERNAL_ERROR"
	ErrCodeExternalService           = "EXTERNAL_SERVICE_FAILED"
	ErrCodeDeploymentFailed          = "DEPLOYMENT_FAILED"
	ErrCodeDomainVerificationTimeout = "DOMAIN_VERIFICATION_TIMEOUT"
	ErrCodeFixExhausted              = "FIX_GENERATION_EXHAUSTED"
	ErrCodeFixUnrecoverable          = "FIX_UNRECOVERABLE"
	ErrCodeInvalidTransition         = "INVALID_TRANSITION"
	ErrCodeLeaseHeld                 = "LEASE_HELD"
	ErrCodePanic                     = "PIPELINE_PANIC"
	ErrCodeCreateFailed              = "CREATE_FAILED"
	ErrCodeUpdateFailed              = "UPDATE_FAILED"
	ErrCodeDeleteFailed              = "DELETE_FAILED"
	ErrCodeFetchFailed               = "FETCH_FAILED"
)
