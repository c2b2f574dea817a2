package analyses

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	ErrorCodeTemplate          = "TEMPLATE_ERROR"
	ErrorCodeSession           = "SESSION_ERROR"
	ErrorCodeChunkTooLarge     = "CHUNK_TOO_LARGE"
	ErrorCodeRateLimitTimeout  = "RATE_LIMIT_TIMEOUT"
	ErrorCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrorCodeAuthentication    = "AUTHENTICATION_ERROR"
	ErrorCodePermissionDenied  = "PERMISSION_DENIED"
	ErrorCodeInvalidRequest    = "INVALID_REQUEST"
	ErrorCodeContentBlocked    = "CONTENT_BLOCKED"
	ErrorCodeStorageIncomplete = "STORAGE_INCOMPLETE"
	ErrorCodeInterrupted       = "INTERRUPTED"
	ErrorCodeInternal          = "INTERNAL_ERROR"
)

// StorageIncompleteMessage is recorded on requests failed by reconciliation.
const StorageIncompleteMessage = "storage incomplete"

// StorageError marks a persistence failure. A request that hits one while
// finishing is left in Processing for reconciliation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// failure is a classified, persistable reason for Failed.
type failure struct {
	code      string
	message   string
	retryable bool
}

func (f *failure) Error() string { return f.code + ": " + f.message }

func newFailure(code string, retryable bool, err error) *failure {
	return &failure{code: code, message: sanitizeError(err), retryable: retryable}
}

// autoRetryable reports whether a failure code may be requeued without a caller asking.
func autoRetryable(code string) bool {
	switch code {
	case ErrorCodeRetryExhausted, ErrorCodeRateLimitTimeout, ErrorCodeInterrupted:
		return true
	default:
		return false
	}
}
