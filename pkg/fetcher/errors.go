package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/crashsym/crashsym/pkg/symbolic"
)

// ModuleNotFoundError means every configured origin answered 404 for
// the module. Missing symbols are common and expected; callers cache
// this outcome negatively rather than escalating it.
type ModuleNotFoundError struct {
	Key symbolic.ModuleKey
}

func (e ModuleNotFoundError) Error() string {
	return fmt.Sprintf("symbols not found on any origin: %s", e.Key)
}

// IsModuleNotFound reports whether err is a terminal "no origin has
// this module" outcome.
func IsModuleNotFound(err error) bool {
	var nf ModuleNotFoundError
	return errors.As(err, &nf)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.statusCode, e.body)
}

func isHTTPStatusError(err error) (int, bool) {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.statusCode, true
	}
	return 0, false
}

// isRetryableError determines whether an origin attempt should be
// retried before falling back to the next origin.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if statusCode, ok := isHTTPStatusError(err); ok {
		if statusCode == 429 {
			return true
		}
		if statusCode >= 400 && statusCode < 500 {
			return false
		}
		return statusCode >= 500
	}

	// Per-attempt timeouts are retryable. The caller's own deadline is
	// enforced by the backoff loop, not here.
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || urlErr.Temporary()
	}

	return false
}
