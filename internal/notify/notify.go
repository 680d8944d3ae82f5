// Package notify delivers best-effort ledger notifications to account owners.
//
// This package defines a Notifier interface with implementations for:
// - Telegram (Bot API through telebot)
// - Structured logging (development and tests)
// - Async, a bounded queue that decouples ledger operations from delivery
package notify

import (
	"context"
	"time"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Notifier sends a single event to its recipient.
//
// Delivery is best-effort: callers log failures and never roll back ledger
// changes because a notification could not be sent.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// =============================================================================
// Event Types
// =============================================================================

// Kind identifies the reason for a notification.
type Kind string

const (
	KindPremiumExpired Kind = "premium_expired"
	KindPremiumGranted Kind = "premium_granted"
	KindCreditsAdded   Kind = "credits_added"
	KindReferralJoined Kind = "referral_joined"
)

// Event is one notification addressed to an account.
type Event struct {
	Kind      Kind
	AccountID string // recipient; the chat user id for Telegram

	PremiumExpiry    *time.Time // KindPremiumGranted
	CreditsAdded     int64      // KindCreditsAdded
	CreditsTotal     int64      // KindCreditsAdded
	PendingReferrals int        // KindReferralJoined
	ReferralsNeeded  int        // KindReferralJoined
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })
