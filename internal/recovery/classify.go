package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
)

// statusCoder is implemented by errors carrying an HTTP status, such as
// provider errors.
type statusCoder interface {
	StatusCode() int
}

// DefaultRetryable is the default retry predicate: network and timeout
// errors, 5xx, and 429 are retryable; other 4xx and invalid-argument
// errors are not. Cancellation and permanent errors are never retried.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 429 || code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "invalid") || strings.Contains(msg, "validation") {
		return false
	}

	// Timeout patterns
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}

	// Network patterns
	if strings.Contains(msg, "connection") ||
		strings.Contains(msg, "network") ||
		strings.Contains(msg, "dns") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "unreachable") ||
		strings.Contains(msg, "broken pipe") {
		return true
	}

	// Rate limit patterns
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return true
	}

	// Server error patterns
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "overloaded") {
		return true
	}

	return false
}
