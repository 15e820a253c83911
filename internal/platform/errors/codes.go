package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors: rejected before any storage interaction.
	CodeIncrementOutOfRange Code = "SCORE_INCREMENT_OUT_OF_RANGE"
	CodeStaleTimestamp      Code = "SCORE_TIMESTAMP_OUTSIDE_WINDOW"
	CodeMalformedInput      Code = "MALFORMED_INPUT"
	CodeParticipantRequired Code = "PARTICIPANT_ID_REQUIRED"

	// Authorization errors: identity missing or invalid.
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// Storage errors.
	CodeNotFound           Code = "NOT_FOUND"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// CodeConsistencyViolation marks an invariant breach that should be
	// unreachable, such as an audit entry without a score row. It is logged
	// and alerted, never silently repaired.
	CodeConsistencyViolation Code = "CONSISTENCY_VIOLATION"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeIncrementOutOfRange, CodeStaleTimestamp, CodeMalformedInput, CodeParticipantRequired:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a failed call with this code is safe to retry
// without changing its input.
func (c Code) Retryable() bool {
	return c == CodeStorageUnavailable
}

// CodeOf extracts the domain code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	for err != nil {
		if domainErr, ok := err.(*Error); ok {
			return domainErr.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return CodeUnknown
		}
		err = unwrapper.Unwrap()
	}
	return CodeUnknown
}
