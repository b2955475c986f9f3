package billing

import (
	"strings"

	"github.com/storygate/storygate/internal/store"
)

// MapProviderStatus converts a provider subscription status string to the
// local status enum. Unknown statuses fail closed (past_due), which keeps
// access revoked until a recognizable status arrives.
func MapProviderStatus(status string) store.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return store.StatusActive
	case "trialing":
		return store.StatusTrialing
	case "incomplete":
		return store.StatusIncomplete
	case "canceled", "incomplete_expired":
		return store.StatusCanceled
	case "past_due", "unpaid", "paused":
		return store.StatusPastDue
	default:
		return store.StatusPastDue
	}
}

// IsSafeProviderID validates that a provider ID (cus_..., sub_...) is safe
// for use as a lookup key.
func IsSafeProviderID(id string) bool {
	if len(id) < 5 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
