// Package ctlerrors enumerates the controller's stable error codes, split
// into a communication/submission/scheduling/lifecycle/credential/database
// taxonomy, each carrying a human string, matching the propagation policy of
// translating internal failures into the smallest enclosing category.
package ctlerrors

import "fmt"

// Category groups related error codes for propagation-policy decisions.
type Category int

const (
	CategoryCommunication Category = iota
	CategorySubmission
	CategoryScheduling
	CategoryLifecycle
	CategoryCredential
	CategoryDatabase
)

// Code is a stable numeric error code in the application range.
type Code int

const appBase = 7000

const (
	// Communication
	CodeConnectionFailed Code = appBase + iota
	CodeProtocolVersionMismatch
	CodeInsaneMessageLength
	CodeMissingAuth
	CodeCommunicationsBackoff

	// Submission-time
	CodeInvalidPartition
	CodeGroupDenied
	CodeTooManyCPUs
	CodeTooManyNodes
	CodeInvalidTimeLimit
	CodeInvalidFeature
	CodeInvalidGRES
	CodeInvalidQOS
	CodeInvalidReservation
	CodeAccountingPolicyViolation
	CodeBadTaskCount

	// Scheduling-time
	CodeNodesBusy
	CodeFragmentation
	CodeLicensesUnavailable
	CodeRequestedConfigUnavailable
	CodeRequiredNodeNotAvailable
	CodeJobHeld
	CodeDependency
	CodeQOSPreemptionLoop
	CodeStepLimit
	CodeJobSuspended
	CodeInterconnectFailure

	// Lifecycle
	CodeJobNotPending
	CodeJobNotRunning
	CodeAlreadyDone
	CodeJobNotFinished
	CodeNoUpdate
	CodePrioResetFail

	// Credential
	CodeCredInvalid
	CodeCredReplayed
	CodeCredExpired
	CodeCredUnpackFailure
	CodeCredSkip

	// Database
	CodeDBConnection
	CodeDBOneChangeAtATime
	CodeDBResultTooLarge
	CodeDBQueryTooWide
	CodeDBConnectionInvalid
)

var messages = map[Code]string{
	CodeConnectionFailed:           "connection failed",
	CodeProtocolVersionMismatch:    "protocol version mismatch",
	CodeInsaneMessageLength:        "insane message length",
	CodeMissingAuth:                "missing auth credential",
	CodeCommunicationsBackoff:      "communications backoff",
	CodeInvalidPartition:           "invalid partition",
	CodeGroupDenied:                "job missing required partition group",
	CodeTooManyCPUs:                "too many cpus requested",
	CodeTooManyNodes:               "too many nodes requested",
	CodeInvalidTimeLimit:           "invalid time limit",
	CodeInvalidFeature:             "invalid feature",
	CodeInvalidGRES:                "invalid generic resource",
	CodeInvalidQOS:                 "invalid qos",
	CodeInvalidReservation:         "invalid reservation",
	CodeAccountingPolicyViolation:  "accounting policy violation",
	CodeBadTaskCount:               "bad task count",
	CodeNodesBusy:                  "requested nodes are busy",
	CodeFragmentation:              "nodes available but fragmented",
	CodeLicensesUnavailable:        "licenses unavailable",
	CodeRequestedConfigUnavailable: "requested node configuration unavailable",
	CodeRequiredNodeNotAvailable:   "required node not available",
	CodeJobHeld:                    "job is held",
	CodeDependency:                 "job dependency not satisfied",
	CodeQOSPreemptionLoop:          "qos preemption loop detected",
	CodeStepLimit:                  "step creation limit reached",
	CodeJobSuspended:               "job is suspended",
	CodeInterconnectFailure:        "interconnect context creation failed",
	CodeJobNotPending:              "job is not pending",
	CodeJobNotRunning:              "job is not running",
	CodeAlreadyDone:                "job already done",
	CodeJobNotFinished:             "job not finished",
	CodeNoUpdate:                   "no fields to update",
	CodePrioResetFail:              "priority reset on restart failed",
	CodeCredInvalid:                "credential invalid",
	CodeCredReplayed:               "credential replayed",
	CodeCredExpired:                "credential expired",
	CodeCredUnpackFailure:          "credential unpack failure",
	CodeCredSkip:                   "credential does not apply to this request",
	CodeDBConnection:               "database connection error",
	CodeDBOneChangeAtATime:         "only one change allowed at a time",
	CodeDBResultTooLarge:           "database result too large",
	CodeDBQueryTooWide:             "database query too wide",
	CodeDBConnectionInvalid:        "database connection invalid",
}

var categories = map[Code]Category{}

func init() {
	for c := CodeConnectionFailed; c <= CodeCommunicationsBackoff; c++ {
		categories[c] = CategoryCommunication
	}
	for c := CodeInvalidPartition; c <= CodeBadTaskCount; c++ {
		categories[c] = CategorySubmission
	}
	for c := CodeNodesBusy; c <= CodeInterconnectFailure; c++ {
		categories[c] = CategoryScheduling
	}
	for c := CodeJobNotPending; c <= CodePrioResetFail; c++ {
		categories[c] = CategoryLifecycle
	}
	for c := CodeCredInvalid; c <= CodeCredSkip; c++ {
		categories[c] = CategoryCredential
	}
	for c := CodeDBConnection; c <= CodeDBConnectionInvalid; c++ {
		categories[c] = CategoryDatabase
	}
}

// Error is a controller error carrying a stable code and category.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Category() Category { return categories[e.Code] }

// New constructs an Error with the code's canonical message.
func New(code Code) *Error {
	return &Error{Code: code, Msg: messages[code]}
}

// Wrap constructs an Error wrapping a lower-level cause.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Msg: messages[code], Err: err}
}

// Is reports whether err carries the given code, for use with errors.Is-style
// checks in handlers and tests.
func Is(err error, code Code) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code == code
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
