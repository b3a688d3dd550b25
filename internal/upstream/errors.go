package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for upstream calls. Callers match with errors.Is.
var (
	// ErrAuth means the vendor rejected our credential. Fatal for the
	// adapter until an operator intervenes; never retried automatically.
	ErrAuth = errors.New("upstream: authentication failed")

	// ErrRateLimited means the vendor throttled us. Transient, counted
	// by the circuit breaker, retried on the next scheduler cycle.
	ErrRateLimited = errors.New("upstream: rate limited")

	// ErrUpstreamUnavailable covers 5xx responses, timeouts, and
	// transport failures. Transient, counted by the circuit breaker.
	ErrUpstreamUnavailable = errors.New("upstream: unavailable")

	// ErrNotFound means the symbol does not exist upstream. Cached as a
	// negative result so repeated lookups stop hitting the vendor.
	ErrNotFound = errors.New("upstream: not found")

	// ErrCircuitOpen is returned without any network call while the
	// adapter's breaker is open.
	ErrCircuitOpen = errors.New("upstream: circuit open")

	// ErrUnknown is the fallback classification.
	ErrUnknown = errors.New("upstream: unknown error")
)

// classifyStatus maps an HTTP response status onto the taxonomy.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return ErrUpstreamUnavailable
	default:
		return ErrUnknown
	}
}

// classifyTransport maps a transport-level error onto the taxonomy.
// Timeouts and refused connections become ErrUpstreamUnavailable.
// A canceled context means the caller gave up, not that the vendor is
// unhealthy, so it passes through unclassified.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// Transient reports whether the error should count as a circuit breaker
// failure. Auth failures and missing symbols are definitive answers from
// the vendor, not signs of an unhealthy upstream.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable)
}

// Outcome renders an error as a short label for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	default:
		return "unknown"
	}
}
