package subscriptions

import (
	"errors"
	"time"

	"github.com/CoinTrailHQ/CoinTrail/app/models"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/entitlements"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

// ErrOwnershipConflict means the purchase is already bound to a different
// user. Purchases never migrate between accounts through verification.
var ErrOwnershipConflict = errors.New("subscriptions: purchase belongs to another user")

// ErrNotTracked means a webhook referenced a purchase no user has ever
// verified. There is no owner to attach state to, so the event is dropped.
var ErrNotTracked = errors.New("subscriptions: purchase is not tracked")

// Merge folds a verified snapshot into the stored subscription row and
// returns the updated row. existing nil means the purchase is new.
//
// Lifecycle fields only move forward: expiry takes the maximum, purchase
// date the minimum, revocation is sticky and keeps its earliest date, grace
// keeps its furthest end. Ephemeral flags (auto-renew, acknowledgement,
// cancel reason) always take the newest observation.
func Merge(existing *models.Subscription, facts Facts, now time.Time) (*models.Subscription, error) {
	snap := facts.Snapshot

	if existing == nil {
		if facts.UserID == 0 {
			return nil, ErrNotTracked
		}

		sub := &models.Subscription{
			UserID:               facts.UserID,
			Provider:             snap.Provider,
			ProductID:            snap.ProductID,
			TransactionID:        snap.TransactionID,
			PurchaseToken:        stableToken(snap),
			PurchaseDate:         snap.PurchaseDate,
			ExpiryDate:           snap.ExpiryDate,
			GraceUntil:           snap.GraceUntil,
			Revoked:              snap.Revoked,
			RevocationDate:       snap.RevocationDate,
			AutoRenewing:         snap.AutoRenewing,
			InBillingRetry:       snap.InBillingRetry,
			AcknowledgementState: snap.AcknowledgementState,
			CancelReason:         snap.CancelReason,
			Environment:          snap.Environment,
		}
		if snap.OriginalTransactionID != "" {
			id := snap.OriginalTransactionID
			sub.OriginalTransactionID = &id
		}
		if sub.Environment == "" {
			sub.Environment = store.EnvironmentProduction
		}

		finalize(sub, now)

		return sub, nil
	}

	if facts.UserID != 0 && existing.UserID != facts.UserID {
		return nil, ErrOwnershipConflict
	}

	sub := *existing

	if snap.ProductID != "" {
		sub.ProductID = snap.ProductID
	}
	if snap.TransactionID != "" {
		sub.TransactionID = snap.TransactionID
	}
	if token := stableToken(snap); token != "" {
		sub.PurchaseToken = token
	}
	if snap.OriginalTransactionID != "" {
		id := snap.OriginalTransactionID
		sub.OriginalTransactionID = &id
	}

	sub.PurchaseDate = earliest(sub.PurchaseDate, snap.PurchaseDate)
	sub.ExpiryDate = latest(sub.ExpiryDate, snap.ExpiryDate)
	sub.GraceUntil = latest(sub.GraceUntil, snap.GraceUntil)

	if snap.Revoked {
		sub.Revoked = true
	}
	if sub.Revoked {
		sub.RevocationDate = earliest(sub.RevocationDate, snap.RevocationDate)
	}

	sub.AutoRenewing = snap.AutoRenewing
	sub.InBillingRetry = snap.InBillingRetry
	if snap.AcknowledgementState > sub.AcknowledgementState {
		sub.AcknowledgementState = snap.AcknowledgementState
	}
	if snap.CancelReason != nil {
		sub.CancelReason = snap.CancelReason
	}
	if snap.Environment != "" {
		sub.Environment = snap.Environment
	}
	if sub.Environment == "" {
		sub.Environment = store.EnvironmentProduction
	}

	finalize(&sub, now)

	return &sub, nil
}

// stableToken picks the value stored in the purchase_token column. Apple
// snapshots carry no token, but the column sits under a unique key with an
// empty-string default, so the stable transaction id stands in for it. The
// repository's lookup ladder tries those ids against the column for the same
// reason.
func stableToken(snap store.Snapshot) string {
	if snap.PurchaseToken != "" {
		return snap.PurchaseToken
	}
	if snap.OriginalTransactionID != "" {
		return snap.OriginalTransactionID
	}

	return snap.TransactionID
}

func finalize(sub *models.Subscription, now time.Time) {
	status := entitlements.Resolve(sub.Revoked, sub.ExpiryDate, sub.GraceUntil, now)
	sub.Status = string(status)
	sub.Active = entitlements.IsActive(status)
	verifiedAt := now
	sub.LastVerifiedAt = &verifiedAt
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
