package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes grouped by the failure taxonomy. User-input and environment
// codes map to exit 2, everything else to exit 1.
const (
	// User-input errors.
	CodeInvalidOML         = "INVALID_OML"
	CodeUnknownComponent   = "UNKNOWN_COMPONENT"
	CodeInvalidMode        = "INVALID_MODE"
	CodeSchemaValidation   = "SCHEMA_VALIDATION"
	CodeInlineSecret       = "INLINE_SECRET"
	CodeGraphCycle         = "GRAPH_CYCLE"
	CodeDuplicateStepID    = "DUPLICATE_STEP_ID"
	CodeUnknownProfile     = "UNKNOWN_PROFILE"
	CodeInvalidParamFormat = "INVALID_PARAM_FORMAT"

	// Environment errors.
	CodeMissingEnvVar            = "MISSING_ENV_VAR"
	CodeMissingConnectionsFile   = "MISSING_CONNECTIONS_FILE"
	CodeNoDefaultConnection      = "NO_DEFAULT_CONNECTION"
	CodeUnknownConnectionFamily  = "UNKNOWN_CONNECTION_FAMILY"
	CodeUnknownConnectionAlias   = "UNKNOWN_CONNECTION_ALIAS"
	CodeConnectionFamilyMismatch = "CONNECTION_FAMILY_MISMATCH"
	CodeInvalidConnectionRef     = "INVALID_CONNECTION_REF"
	CodeUnsafePath               = "UNSAFE_PATH"

	// Runtime errors.
	CodeDriverFailure            = "DRIVER_FAILURE"
	CodeDriverNotRegistered      = "DRIVER_NOT_REGISTERED"
	CodeCacheMissForCompileNever = "CACHE_MISS_FOR_COMPILE_NEVER"

	// Anything else.
	CodeInternal = "INTERNAL"
)

var exit2Codes = map[string]bool{
	CodeInvalidOML:               true,
	CodeUnknownComponent:         true,
	CodeInvalidMode:              true,
	CodeSchemaValidation:         true,
	CodeInlineSecret:             true,
	CodeGraphCycle:               true,
	CodeDuplicateStepID:          true,
	CodeUnknownProfile:           true,
	CodeInvalidParamFormat:       true,
	CodeMissingEnvVar:            true,
	CodeMissingConnectionsFile:   true,
	CodeNoDefaultConnection:      true,
	CodeUnknownConnectionFamily:  true,
	CodeUnknownConnectionAlias:   true,
	CodeConnectionFamilyMismatch: true,
	CodeInvalidConnectionRef:     true,
	CodeUnsafePath:               true,
}

// Error is the tagged error variant used across compiler, runner, and
// resolvers. Details carry structured diagnostics; they must never contain a
// resolved secret value.
type Error struct {
	Code    string
	Details map[string]any
	err     error
}

func NewError(err error, code string, details map[string]any) *Error {
	return &Error{Code: code, Details: details, err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(": ")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
	}
	if e.err != nil {
		fmt.Fprintf(&b, " (%s)", e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// CodeOf extracts the error code, returning CodeInternal for untyped errors.
func CodeOf(err error) string {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return CodeInternal
}

// DetailsOf extracts the structured details, or nil for untyped errors.
func DetailsOf(err error) map[string]any {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Details
	}
	return nil
}

// ExitCode maps an error to the process exit code: 2 for user-input and
// environment errors, 1 otherwise, 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exit2Codes[CodeOf(err)] {
		return 2
	}
	return 1
}
