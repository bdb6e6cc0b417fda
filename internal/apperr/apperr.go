// Package apperr defines the typed sentinel errors used across the monitor
// and trading engine so callers can classify failures with errors.Is/As
// instead of matching on error strings.
package apperr

import "errors"

// Sentinel errors used to classify failures across the monitor and trading
// engine. Wrap with fmt.Errorf("...: %w", Err...) at the call site.
var (
	// ErrNetwork marks a transient transport failure (timeout, connection
	// reset). Never surfaced as fatal; the next tick or signal retries.
	ErrNetwork = errors.New("network error")

	// ErrThrottled marks a rate-limit response from an upstream provider.
	// Treated identically to ErrNetwork by callers.
	ErrThrottled = errors.New("rate limited")

	// ErrBrokerRejected marks an order or close rejected by the broker.
	// Callers persist a risk_event and treat the signal as a no-op.
	ErrBrokerRejected = errors.New("broker rejected")

	// ErrBadRequest marks a malformed inbound signal or payload.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized marks a failed HMAC signature check.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound marks a reference to an unknown instance or entity.
	ErrNotFound = errors.New("not found")

	// ErrRiskBreach marks a stop-loss breach. Non-recoverable at instance
	// scope; the engine transitions to HALTED and requires operator reset.
	ErrRiskBreach = errors.New("risk breach")

	// ErrUnavailable marks a CandleFetcher first-page failure.
	ErrUnavailable = errors.New("unavailable")
)

// IsTransient reports whether err should be treated as retried-by-next-tick
// rather than a hard failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
