package billing

import (
	"fmt"
	"time"

	"github.com/storygate/storygate/internal/store"
)

// StatusView is the user-facing view of a subscription, served by the status
// endpoint. Period end is included so clients can show when access lapses.
type StatusView struct {
	Entitled  bool       `json:"entitled"`
	Status    string     `json:"status,omitempty"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}

// Entitlements answers access questions from local state only. The local
// store is the single source of truth here; no provider call is ever made on
// the serving path.
type Entitlements struct {
	store *store.Store
	now   func() time.Time
}

// NewEntitlements creates an Entitlements reader.
func NewEntitlements(st *store.Store) *Entitlements {
	return &Entitlements{store: st, now: time.Now}
}

// IsEntitled reports whether the user currently has access. Unknown users
// and users without a subscription row are not entitled.
func (e *Entitlements) IsEntitled(userID string) (bool, error) {
	sub, err := e.store.GetSubscription(userID)
	if err != nil {
		return false, fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		return false, nil
	}
	return sub.Entitled(e.now()), nil
}

// Status returns the user's subscription view. A user with no subscription
// row gets a zero view with Entitled false.
func (e *Entitlements) Status(userID string) (*StatusView, error) {
	sub, err := e.store.GetSubscription(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		return &StatusView{}, nil
	}
	view := &StatusView{
		Entitled:  sub.Entitled(e.now()),
		Status:    string(sub.Status),
		PeriodEnd: sub.PeriodEnd,
	}
	return view, nil
}
