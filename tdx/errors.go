package tdx

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrCredentialsMissing is returned before any network call when the
// client-credentials pair is not configured.
var ErrCredentialsMissing = errors.New("tdx: credentials are not configured; set TDX_CLIENT_ID and TDX_CLIENT_SECRET")

// ErrUnexpectedShape indicates the upstream returned something other than a
// JSON array for a list endpoint. This is a contract violation, not a
// transient failure, and is never retried.
var ErrUnexpectedShape = errors.New("tdx: unexpected response shape; expected a JSON array")

// StatusError is a non-2xx response from the upstream API.
type StatusError struct {
	Status     int
	URL        string
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 when absent
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tdx: GET %s: status %d: %s", e.URL, e.Status, e.Body)
}

// Kind partitions ingestion failures for callers, replacing broad
// exception-style classification with an explicit discriminant.
type Kind int

const (
	// KindTransient failures may succeed on retry: quota, server errors,
	// transport failures.
	KindTransient Kind = iota
	// KindTerminalUnsupported means the endpoint structurally does not exist
	// for the (dataset, scope); it is recorded and never retried.
	KindTerminalUnsupported
	// KindFatal failures indicate a bug or contract violation.
	KindFatal
)

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Classify maps an error for the given dataset onto a Kind. The 400 case is
// a fixed allowlist: only bike datasets treat 400 as structurally missing
// data; for every other dataset a 400 stays fatal.
func Classify(err error, dataset Dataset) Kind {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusNotFound:
			return KindTerminalUnsupported
		case se.Status == http.StatusBadRequest && dataset.unsupportedOn400():
			return KindTerminalUnsupported
		case retryableStatus(se.Status):
			return KindTransient
		default:
			return KindFatal
		}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return KindTransient
	}
	return KindFatal
}

// IsQuotaExceeded reports whether the error looks like upstream quota
// exhaustion. Status inspection is preferred; the string checks keep the
// detection working for wrapped or re-rendered errors.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "status 429") || strings.Contains(msg, "too many requests")
}

// isHTTPError reports whether err came from the HTTP layer (status or
// transport), which is the class of failures eligible for stale fallbacks.
func isHTTPError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
