package dailymotion

import (
	"strings"
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ClassifyUploadError classifies upload pipeline errors into retryable vs
// fatal categories.
//
// Fatal errors (non-retryable):
// - Authentication/authorization failures (invalid credentials, 401/403)
// - Invalid input (missing file, unsupported format, over size cap)
// - Account-level rejections (quota exceeded on the Dailymotion side)
//
// Retryable errors (transient):
// - Network errors (connection reset, timeout, DNS failures)
// - Server errors (500, 502, 503, 504)
// - Rate limiting (429, too many requests)
//
// Unknown errors are treated as retryable to avoid giving up too early.
func ClassifyUploadError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	lower := strings.ToLower(err.Error())

	// Server errors first, before the generic auth patterns below can
	// swallow a "503" message.
	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "gateway timeout") {
		return ErrorClassRetryable
	}

	if strings.Contains(lower, "invalid_grant") ||
		strings.Contains(lower, "invalid_client") ||
		strings.Contains(lower, "invalid credentials") ||
		strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "unauthorized") {
		return ErrorClassFatal
	}

	invalidInputPatterns := []string{
		"file is empty",
		"unsupported video format",
		"maximum upload size",
		"no such file",
		"is a directory",
	}
	for _, pattern := range invalidInputPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	if strings.Contains(lower, "quota") ||
		strings.Contains(lower, "upload limit") {
		return ErrorClassFatal
	}

	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"dns",
		"eof",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	rateLimitPatterns := []string{
		"429",
		"too many requests",
		"rate limit",
		"throttled",
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyUploadError(err) == ErrorClassRetryable
}

// IsFatalError checks if an error should not be retried.
func IsFatalError(err error) bool {
	return ClassifyUploadError(err) == ErrorClassFatal
}
