// Package pbserr defines the three-kind structured result used on every
// subsystem boundary named in the component design: Success, Retry, and
// Failure. A Retry propagates unchanged until the dispatcher (pkg/dispatcher)
// materializes it into backoff; a Failure terminates the enclosing operation.
package pbserr

import "fmt"

// Kind distinguishes the three result shapes.
type Kind int

const (
	Success Kind = iota
	Retry
	Failure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "SUCCESS"
	case Retry:
		return "RETRY"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Code is a stable, machine-readable error code with an HTTP mapping
// used by the front-end router (C10).
type Code string

const (
	CodeNone                         Code = ""
	CodeBudgetExhausted              Code = "BUDGET_EXHAUSTED"
	CodeRepeatedTimebuckets          Code = "REPEATED_TIMEBUCKETS"
	CodeMultipleTimeframeGroups      Code = "MULTIPLE_TIMEFRAME_GROUPS"
	CodeInvalidTransactionTS         Code = "INVALID_TRANSACTION_TIMESTAMP"
	CodeExhaustedRetries             Code = "EXHAUSTED_RETRIES"
	CodeOperationExpired             Code = "OPERATION_EXPIRED"
	CodeTransactionNotFound          Code = "TRANSACTION_NOT_FOUND"
	CodeSubscriberNotFound           Code = "SUBSCRIBER_NOT_FOUND"
	CodeNotLeaseholder               Code = "NOT_LEASEHOLDER"
	CodeAdmissionRejected            Code = "ADMISSION_REJECTED"
	CodeUnauthorized                 Code = "UNAUTHORIZED"
	CodeVersionConflict              Code = "VERSION_CONFLICT"
	CodeEntryLoading                 Code = "ENTRY_IS_LOADING"
	CodeTransactionNotCoordinated    Code = "TRANSACTION_NOT_COORDINATED_REMOTELY"
	CodeCurrentTransactionRunning    Code = "CURRENT_TRANSACTION_IS_RUNNING"
	CodeInvalidTransactionPhase      Code = "INVALID_TRANSACTION_PHASE"
	CodeCannotAcceptNewRequests      Code = "CANNOT_ACCEPT_NEW_REQUESTS"
	CodePartitionNotLoaded           Code = "PARTITION_NOT_LOADED"
	CodeAuthRequestInProgress        Code = "AUTH_REQUEST_IN_PROGRESS"
	CodeBadRequest                   Code = "BAD_REQUEST"
	CodeInternal                     Code = "INTERNAL"
)

// httpStatus maps each Code to the status C10 writes back to the client.
var httpStatus = map[Code]int{
	CodeBudgetExhausted:           409,
	CodeRepeatedTimebuckets:       400,
	CodeMultipleTimeframeGroups:   400,
	CodeInvalidTransactionTS:      409,
	CodeExhaustedRetries:          503,
	CodeOperationExpired:          504,
	CodeTransactionNotFound:       404,
	CodeSubscriberNotFound:        500,
	CodeNotLeaseholder:            503,
	CodeAdmissionRejected:         503,
	CodeUnauthorized:              403,
	CodeVersionConflict:           409,
	CodeEntryLoading:              503,
	CodeTransactionNotCoordinated: 400,
	CodeCurrentTransactionRunning: 409,
	CodeInvalidTransactionPhase:   409,
	CodeCannotAcceptNewRequests:   503,
	CodePartitionNotLoaded:        503,
	CodeAuthRequestInProgress:     503,
	CodeBadRequest:                400,
	CodeInternal:                  500,
}

// HTTPStatus returns the status code C10 should write for this Code,
// defaulting to 500 for an unrecognized code.
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return 500
}

// Result is a structured error value carrying a Kind, a stable Code, and
// an optional wrapped cause. A nil *Result means Success.
type Result struct {
	Kind  Kind
	Code  Code
	Cause error
}

func (r *Result) Error() string {
	if r == nil {
		return "success"
	}
	if r.Cause != nil {
		return fmt.Sprintf("%s %s: %v", r.Kind, r.Code, r.Cause)
	}
	return fmt.Sprintf("%s %s", r.Kind, r.Code)
}

func (r *Result) Unwrap() error {
	if r == nil {
		return nil
	}
	return r.Cause
}

// NewRetry builds a Retry result for the given code, optionally wrapping cause.
func NewRetry(code Code, cause error) *Result {
	return &Result{Kind: Retry, Code: code, Cause: cause}
}

// NewFailure builds a Failure result for the given code, optionally wrapping cause.
func NewFailure(code Code, cause error) *Result {
	return &Result{Kind: Failure, Code: code, Cause: cause}
}

// IsRetry reports whether err is a *Result of kind Retry.
func IsRetry(err error) bool {
	r, ok := err.(*Result)
	return ok && r != nil && r.Kind == Retry
}

// IsFailure reports whether err is a *Result of kind Failure.
func IsFailure(err error) bool {
	r, ok := err.(*Result)
	return ok && r != nil && r.Kind == Failure
}

// CodeOf extracts the Code carried by err, or CodeNone if err is not a *Result.
func CodeOf(err error) Code {
	if r, ok := err.(*Result); ok && r != nil {
		return r.Code
	}
	return CodeNone
}
