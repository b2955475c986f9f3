package billing

import "errors"

// Error taxonomy for the reconciliation core. Callers match with errors.Is;
// everything crossing the gateway boundary is wrapped into one of these so
// retry policy stays at the call site.
var (
	// ErrProviderUnavailable marks network or timeout failures talking to the
	// billing provider. Safe to retry with backoff; never to be treated as
	// "no subscription".
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrNotFound marks a provider-side lookup miss for a specific object.
	ErrNotFound = errors.New("billing object not found")

	// ErrDataIntegrity marks mismatched customer/subscription linkage. Events
	// carrying it are logged and dropped, never auto-corrected.
	ErrDataIntegrity = errors.New("billing data integrity conflict")

	// ErrAlreadyEntitled rejects checkout for a user who already has access.
	ErrAlreadyEntitled = errors.New("subscription already active")

	// ErrCheckoutPending rejects checkout while a prior flow awaits provider
	// confirmation.
	ErrCheckoutPending = errors.New("checkout pending completion")
)
