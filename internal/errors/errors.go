package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Recognition error taxonomy for the label scan worker
 *
 * Every adapter failure is a *RecognitionError. Reason is the fine-grained
 * cause reported by an adapter; Code is the coarse category callers switch on.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	ErrorProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrorTimeout             ErrorCode = "TIMEOUT"
	ErrorEmptyResult         ErrorCode = "EMPTY_RESULT"
	ErrorEngineFailed        ErrorCode = "ENGINE_FAILED"
	ErrorAllEnginesFailed    ErrorCode = "ALL_ENGINES_FAILED"
	ErrorInvalidRequest      ErrorCode = "INVALID_REQUEST"
)

// Reason is the adapter-level failure cause
type Reason string

const (
	ReasonUnreachable       Reason = "unreachable"
	ReasonTimeout           Reason = "timeout"
	ReasonAuth              Reason = "auth"
	ReasonEmpty             Reason = "empty"
	ReasonEngine            Reason = "engine"
	ReasonNoEngineSucceeded Reason = "no engine succeeded"
	ReasonInvalidRequest    Reason = "invalid request"
)

// codeForReason maps each reason onto the error taxonomy
var codeForReason = map[Reason]ErrorCode{
	ReasonUnreachable:       ErrorProviderUnavailable,
	ReasonAuth:              ErrorProviderUnavailable,
	ReasonTimeout:           ErrorTimeout,
	ReasonEmpty:             ErrorEmptyResult,
	ReasonEngine:            ErrorEngineFailed,
	ReasonNoEngineSucceeded: ErrorAllEnginesFailed,
	ReasonInvalidRequest:    ErrorInvalidRequest,
}

// RecognitionError represents a structured recognition failure
type RecognitionError struct {
	Code      ErrorCode
	Reason    Reason
	Provider  string
	Model     string
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *RecognitionError) Error() string {
	where := e.Provider
	if e.Model != "" {
		where = fmt.Sprintf("%s/%s", e.Provider, e.Model)
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if where != "" {
		msg = fmt.Sprintf("%s: [%s] %s", e.Code, where, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

func (e *RecognitionError) Unwrap() error {
	return e.Cause
}

// WithJobID tags the error with the job it belongs to and returns it
func (e *RecognitionError) WithJobID(jobID string) *RecognitionError {
	e.JobID = jobID
	return e
}

func newRecognitionError(reason Reason, provider, model, message string, cause error) *RecognitionError {
	return &RecognitionError{
		Code:      codeForReason[reason],
		Reason:    reason,
		Provider:  provider,
		Model:     model,
		Message:   message,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"reason": string(reason),
		},
		Cause: cause,
	}
}

// Factory functions for common errors

func NewUnreachableError(provider, model string, cause error) *RecognitionError {
	return newRecognitionError(ReasonUnreachable, provider, model, "Provider unreachable", cause)
}

func NewTimeoutError(provider, model string, timeout time.Duration, cause error) *RecognitionError {
	e := newRecognitionError(ReasonTimeout, provider, model, fmt.Sprintf("Recognition timed out after %v", timeout), cause)
	e.Details["timeout_duration"] = timeout.String()
	return e
}

func NewAuthError(provider, model string, cause error) *RecognitionError {
	return newRecognitionError(ReasonAuth, provider, model, "Provider rejected credentials", cause)
}

func NewEmptyResultError(provider, model string) *RecognitionError {
	return newRecognitionError(ReasonEmpty, provider, model, "Engine returned no text", nil)
}

func NewEngineError(provider string, cause error) *RecognitionError {
	return newRecognitionError(ReasonEngine, provider, "", "Engine failed to process image", cause)
}

func NewInvalidRequestError(message string) *RecognitionError {
	return newRecognitionError(ReasonInvalidRequest, "", "", message, nil)
}

// NewAllEnginesFailedError is the terminal error once every engine has been tried.
// attempts keeps each engine's own error in escalation order.
func NewAllEnginesFailedError(attempts []error) *RecognitionError {
	e := newRecognitionError(ReasonNoEngineSucceeded, "", "",
		fmt.Sprintf("No engine succeeded after %d attempt(s)", len(attempts)), stderrors.Join(attempts...))
	e.Details["attempts"] = len(attempts)
	return e
}

// AsRecognitionError finds the first *RecognitionError in err's chain
func AsRecognitionError(err error) (*RecognitionError, bool) {
	var re *RecognitionError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// HasReason reports whether err is a RecognitionError with the given reason
func HasReason(err error, reason Reason) bool {
	re, ok := AsRecognitionError(err)
	return ok && re.Reason == reason
}

// HasCode reports whether err is a RecognitionError with the given code
func HasCode(err error, code ErrorCode) bool {
	re, ok := AsRecognitionError(err)
	return ok && re.Code == code
}

// ToMap converts error to map for job status storage
func (e *RecognitionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Provider != "" {
		result["provider"] = e.Provider
	}
	if e.Model != "" {
		result["model"] = e.Model
	}
	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
