package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failed exchange.
type Kind string

const (
	KindRateLimited      Kind = "rate_limited"
	KindServerError      Kind = "server_error"
	KindNetwork          Kind = "network_error"
	KindAuthentication   Kind = "authentication_error"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalidRequest   Kind = "invalid_request"
	KindContentBlocked   Kind = "content_blocked"
)

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindNetwork:
		return true
	default:
		return false
	}
}

// APIError is a classified failure of one exchange.
type APIError struct {
	Kind       Kind
	StatusCode int
	Status     string
	Message    string
	// RetryAfter is the server's hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d", e.StatusCode)
		if e.Status != "" {
			b.WriteString(" ")
			b.WriteString(e.Status)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may be retried.
func (e *APIError) Retryable() bool { return e != nil && e.Kind.Retryable() }

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized:
		return KindAuthentication
	case code == http.StatusForbidden:
		return KindPermissionDenied
	case code >= 500:
		return KindServerError
	default:
		return KindInvalidRequest
	}
}

// Classify returns err as an *APIError. Transport failures are classified as
// network errors; anything else unrecognized returns nil.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if isNetworkError(err) {
		return &APIError{Kind: KindNetwork, Err: err}
	}
	return nil
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection reset", "connection refused", "connection closed", "broken pipe", "tls handshake timeout", "client.timeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// RetryExhaustedError reports that the attempt cap was reached.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }
