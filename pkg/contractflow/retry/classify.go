// Package retry classifies errors and retries operations with backoff.
//
// Classification is layered:
//   - Typed kinds: TimeoutError, ConnectionError, RateLimitError, HTTPError and
//     the transient errors of the standard library are recognised with errors.As/Is.
//   - Vocabulary: the lower-cased error message is matched against a
//     non-retryable word list first, then a retryable one.
//   - Anything unrecognised is not retryable.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// nonRetryableVocabulary is checked before retryableVocabulary and wins on overlap.
var nonRetryableVocabulary = []string{
	"authentication",
	"authorization",
	"permission",
	"invalid credentials",
	"forbidden",
	"not found",
	"bad request",
	"validation error",
	"malformed",
	"unsupported format",
}

var retryableVocabulary = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"service unavailable",
	"rate limit",
	"busy",
	"overloaded",
}

// IsRetryable reports whether err describes a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanentKind(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if MatchesNonRetryable(msg) {
		return false
	}
	if IsTransientKind(err) {
		return true
	}
	return containsAny(msg, retryableVocabulary)
}

// MatchesNonRetryable reports whether a lower-cased message contains
// any of the non-retryable words.
func MatchesNonRetryable(msg string) bool {
	return containsAny(msg, nonRetryableVocabulary)
}

// MatchesRetryable reports whether a lower-cased message contains
// any of the retryable words.
func MatchesRetryable(msg string) bool {
	return containsAny(msg, retryableVocabulary)
}

// IsTransientKind reports whether err is of a type known to be transient.
func IsTransientKind(err error) bool {
	var timeoutErr *TimeoutError
	var connErr *ConnectionError
	var rateErr *RateLimitError
	if errors.As(err, &timeoutErr) || errors.As(err, &connErr) || errors.As(err, &rateErr) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode == 408 || httpErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsPermanentKind reports whether err is of a type that can never succeed on retry.
func IsPermanentKind(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode
		return code >= 400 && code < 500 && code != 408 && code != 429
	}
	return false
}

// isRateLimit reports whether err signals an upstream quota rejection.
func isRateLimit(err error) bool {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// isDatabaseConnection reports whether err is a lost or refused database connection.
func isDatabaseConnection(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		target := strings.ToLower(connErr.Target)
		for _, db := range []string{"database", "postgres", "sqlite", "db"} {
			if strings.Contains(target, db) {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database") && strings.Contains(msg, "connection")
}

// isNetworkTimeout reports whether err is a timeout on the network path.
func isNetworkTimeout(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[-_ ]?after["':=\s]*(\d+(?:\.\d+)?)`)

// RetryAfterHint extracts the delay an upstream asked for, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter, true
	}
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, parseErr := strconv.ParseFloat(m[1], 64)
	if parseErr != nil || secs <= 0 {
		return 0, false
	}
	return toDuration(secs * float64(time.Second)), true
}

func containsAny(msg string, words []string) bool {
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}
