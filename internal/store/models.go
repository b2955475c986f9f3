package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// User is the identity anchor. A user owns at most one subscription row.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubscriptionStatus is the reconciled lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled
}

// Subscription is the locally reconciled billing record for one user.
// CustomerID is assigned once and never reassigned; SubscriptionID stays
// empty until the provider confirms a subscription object exists.
type Subscription struct {
	UserID          string             `json:"user_id"`
	CustomerID      string             `json:"customer_id"`
	SubscriptionID  string             `json:"subscription_id"`
	Status          SubscriptionStatus `json:"status"`
	PeriodStart     *time.Time         `json:"period_start,omitempty"`
	PeriodEnd       *time.Time         `json:"period_end,omitempty"`
	ProviderVersion int64              `json:"provider_version"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Entitled reports whether the subscription grants access at the given time.
// It is recomputed from status and period end on every call; an active status
// whose paid period has lapsed does not grant access.
func (s *Subscription) Entitled(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.Status == StatusActive && s.PeriodEnd != nil && s.PeriodEnd.After(now)
}

// Story is a catalog entry in the gated feed.
type Story struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	VideoURL     string    `json:"video_url"`
	VideoID      string    `json:"video_id"`
	ThumbnailURL string    `json:"thumbnail_url"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func generateID(prefix string) (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateUserID returns a user ID of the form "u_" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateUserID() (string, error) {
	return generateID("u_")
}

// GenerateStoryID returns a story ID of the form "st_" followed by 10 random
// Crockford base32 characters.
func GenerateStoryID() (string, error) {
	return generateID("st_")
}
