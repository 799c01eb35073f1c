package failure

import (
	"strings"
	"time"
)

// Code is a member of the closed error taxonomy.
type Code string

const (
	CodeCancelled          Code = "CANCELLED"
	CodeOffline            Code = "OFFLINE"
	CodeNetworkError       Code = "NETWORK_ERROR"
	CodeAuthFailed         Code = "AUTH_FAILED"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeDatabaseError      Code = "DATABASE_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeUnknown            Code = "UNKNOWN"
)

var allCodes = []Code{
	CodeCancelled,
	CodeOffline,
	CodeNetworkError,
	CodeAuthFailed,
	CodeValidationError,
	CodeNotFound,
	CodeForbidden,
	CodeConflict,
	CodeRateLimited,
	CodeDatabaseError,
	CodeServiceUnavailable,
	CodeUnknown,
}

// Codes returns every code of the taxonomy.
func Codes() []Code {
	return append([]Code(nil), allCodes...)
}

// ParseCode maps s onto the taxonomy, case-insensitively.
func ParseCode(s string) (Code, bool) {
	candidate := Code(strings.ToUpper(strings.TrimSpace(s)))
	for _, c := range allCodes {
		if c == candidate {
			return c, true
		}
	}
	return CodeUnknown, false
}

// ServiceFault reports whether the code counts against an endpoint's circuit.
// Record.ServiceFault widens this to any 5xx answer.
func (c Code) ServiceFault() bool {
	switch c {
	case CodeNetworkError, CodeServiceUnavailable, CodeDatabaseError:
		return true
	}
	return false
}

// Severity ranks how prominently an error is displayed.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action is a recovery step suggested to the user.
type Action string

const (
	ActionRetry           Action = "retry"
	ActionRefreshToken    Action = "refresh_token"
	ActionLoginAgain      Action = "login_again"
	ActionCheckConnection Action = "check_connection"
	ActionWait            Action = "wait"
	ActionFixInput        Action = "fix_input"
	ActionGoBack          Action = "go_back"
	ActionReload          Action = "reload"
	ActionContactSupport  Action = "contact_support"
)

// RetryMode is the retry part of a classification verdict.
type RetryMode string

const (
	RetryNone      RetryMode = "none"
	RetryImmediate RetryMode = "immediate"
	RetryBackoff   RetryMode = "backoff"
)

// Verdict tells the orchestrator whether and when to retry.
type Verdict struct {
	Retry RetryMode
	// After is the server supplied delay, zero when absent.
	After time.Duration
}

// ServiceStatus is the health flag shown for one or more views.
type ServiceStatus string

const (
	StatusHealthy      ServiceStatus = "healthy"
	StatusDegraded     ServiceStatus = "degraded"
	StatusUnavailable  ServiceStatus = "unavailable"
	StatusOffline      ServiceStatus = "offline"
	StatusAuthRequired ServiceStatus = "auth_required"
)
