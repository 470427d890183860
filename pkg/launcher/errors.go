package launcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LauncherError represents an error with additional context for troubleshooting.
type LauncherError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Launch errors
	ErrorCodeLaunchFailed         ErrorCode = "LAUNCH_FAILED"
	ErrorCodeExecutableNotFound   ErrorCode = "EXECUTABLE_NOT_FOUND"
	ErrorCodePortAllocationFailed ErrorCode = "PORT_ALLOCATION_FAILED"
	ErrorCodeHandshakeFailed      ErrorCode = "HANDSHAKE_FAILED"
	ErrorCodeProcessStartTimeout  ErrorCode = "PROCESS_START_TIMEOUT"

	// Process lifecycle errors
	ErrorCodeProcessCrashed            ErrorCode = "PROCESS_CRASHED"
	ErrorCodeProcessTerminationTimeout ErrorCode = "PROCESS_TERMINATION_TIMEOUT"

	// Configuration errors
	ErrorCodeSettingNotFound ErrorCode = "SETTING_NOT_FOUND"
	ErrorCodeInvalidSetting  ErrorCode = "INVALID_SETTING"

	// Internal errors
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; a LauncherError matches the sentinel with its code
var (
	ErrLaunchFailed              = &LauncherError{Code: ErrorCodeLaunchFailed}
	ErrProcessStartTimeout       = &LauncherError{Code: ErrorCodeProcessStartTimeout}
	ErrProcessCrashed            = &LauncherError{Code: ErrorCodeProcessCrashed}
	ErrProcessTerminationTimeout = &LauncherError{Code: ErrorCodeProcessTerminationTimeout}
	ErrSettingNotFound           = &LauncherError{Code: ErrorCodeSettingNotFound}
	ErrInvalidSetting            = &LauncherError{Code: ErrorCodeInvalidSetting}
)

// Error implements the error interface
func (e *LauncherError) Error() string {
	var parts []string

	// Start with code and message
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	// Add context if present, keys sorted for stable output
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var contextParts []string
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	// Add underlying cause if present
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	// Add suggestion if present
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *LauncherError) Unwrap() error {
	return e.Cause
}

// Is matches any LauncherError carrying the same code
func (e *LauncherError) Is(target error) bool {
	t, ok := target.(*LauncherError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new LauncherError with the given code and message
func NewError(code ErrorCode, message string) *LauncherError {
	return &LauncherError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *LauncherError) WithContext(key string, value interface{}) *LauncherError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *LauncherError) WithCause(cause error) *LauncherError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *LauncherError) WithSuggestion(suggestion string) *LauncherError {
	e.Suggestion = suggestion
	return e
}

// Common error constructors with helpful suggestions

// ExecutableNotFound creates an error for a missing interpreter binary
func ExecutableNotFound(settingID, execPath string, cause error) *LauncherError {
	return NewError(ErrorCodeExecutableNotFound,
		fmt.Sprintf("Interpreter '%s' binary not found", settingID)).
		WithContext("setting_id", settingID).
		WithContext("executable_path", execPath).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Check launch.binary of the setting and make it runnable:\n"+
				"  ls -la %s",
			execPath))
}

// PortAllocationFailed creates an error for endpoint allocation failures
func PortAllocationFailed(settingID string, cause error) *LauncherError {
	return NewError(ErrorCodePortAllocationFailed,
		fmt.Sprintf("Failed to allocate an endpoint for interpreter '%s'", settingID)).
		WithContext("setting_id", settingID).
		WithCause(cause).
		WithSuggestion("Check for loopback port exhaustion: ss -tan | wc -l")
}

// HandshakeFailed creates an error for a process that never became ready.
// The process has already been killed when this is returned.
func HandshakeFailed(settingID, endpoint string, pid int, cause error) *LauncherError {
	return NewError(ErrorCodeHandshakeFailed,
		fmt.Sprintf("Interpreter '%s' did not complete the readiness handshake", settingID)).
		WithContext("setting_id", settingID).
		WithContext("endpoint", endpoint).
		WithContext("pid", pid).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. The binary does not serve the interpreter RPC on INTERPRETER_PORT\n" +
				"  2. Missing runtime dependencies (check <KIND>_BINARY)\n" +
				"  3. Start timeout too short for the runtime")
}

// LaunchFailed creates an error for a launch whose retries were exhausted
func LaunchFailed(settingID, groupKey string, attempts int, cause error) *LauncherError {
	return NewError(ErrorCodeLaunchFailed,
		fmt.Sprintf("Failed to launch interpreter '%s'", settingID)).
		WithContext("setting_id", settingID).
		WithContext("group_key", groupKey).
		WithContext("attempts", attempts).
		WithCause(cause).
		WithSuggestion("Check the interpreter logs; the next execution retries the launch")
}

// ProcessStartTimeout creates an error for a caller that gave up waiting
// for a process to become RUNNING
func ProcessStartTimeout(settingID, groupKey string, timeout time.Duration, cause error) *LauncherError {
	return NewError(ErrorCodeProcessStartTimeout,
		fmt.Sprintf("Interpreter '%s' did not start within %s", settingID, timeout)).
		WithContext("setting_id", settingID).
		WithContext("group_key", groupKey).
		WithCause(cause).
		WithSuggestion("Increase the start timeout (--start-timeout) or check why the launch is slow")
}

// ProcessCrashed creates an error for a process that exited unexpectedly
func ProcessCrashed(settingID string, pid int, cause error) *LauncherError {
	return NewError(ErrorCodeProcessCrashed,
		fmt.Sprintf("Interpreter '%s' process crashed", settingID)).
		WithContext("setting_id", settingID).
		WithContext("pid", pid).
		WithCause(cause).
		WithSuggestion("The process is relaunched by the next execution; check its logs for the crash")
}

// ProcessTerminationTimeout creates an error for processes still present in
// the OS process table after forced termination
func ProcessTerminationTimeout(settingID string, remaining []int, cause error) *LauncherError {
	return NewError(ErrorCodeProcessTerminationTimeout,
		fmt.Sprintf("Interpreter '%s' processes still running after termination", settingID)).
		WithContext("setting_id", settingID).
		WithContext("remaining_pids", remaining).
		WithCause(cause).
		WithSuggestion(
			"Try force termination:\n" +
				"  1. Find process: ps aux | grep interpreter-host\n" +
				"  2. Force kill: kill -9 <pid>\n" +
				"If process is stuck, check for zombie processes or uninterruptible IO")
}

// SettingNotFound creates an error for an unknown interpreter setting
func SettingNotFound(settingID string) *LauncherError {
	return NewError(ErrorCodeSettingNotFound,
		fmt.Sprintf("Interpreter setting '%s' not found", settingID)).
		WithContext("setting_id", settingID).
		WithSuggestion("List settings with: interpd settings list")
}

// InvalidSetting creates an error for a setting that failed validation
func InvalidSetting(settingID string, cause error) *LauncherError {
	return NewError(ErrorCodeInvalidSetting,
		fmt.Sprintf("Interpreter setting '%s' is invalid", settingID)).
		WithContext("setting_id", settingID).
		WithCause(cause).
		WithSuggestion(
			"Ensure all required fields are present:\n" +
				"  - id\n" +
				"  - kind\n" +
				"  - mode (shared, scoped or isolated)\n" +
				"  - launch.binary")
}

// IsErrorCode checks if an error (or any error it wraps) has the specified code
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the error code from an error, or empty string if not a LauncherError
func GetErrorCode(err error) ErrorCode {
	var launcherErr *LauncherError
	if errors.As(err, &launcherErr) {
		return launcherErr.Code
	}
	return ""
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var launcherErr *LauncherError
	if errors.As(err, &launcherErr) {
		return launcherErr.Suggestion
	}
	return ""
}

// RemainingPIDs returns the pids reported by a ProcessTerminationTimeout error
func RemainingPIDs(err error) []int {
	var launcherErr *LauncherError
	if !errors.As(err, &launcherErr) || launcherErr.Code != ErrorCodeProcessTerminationTimeout {
		return nil
	}
	pids, _ := launcherErr.Context["remaining_pids"].([]int)
	return pids
}
