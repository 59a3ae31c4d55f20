// Package store defines the provider-neutral shape of a verified purchase and
// the sentinel errors both store clients report. The App Store and Play
// clients each translate their wire formats into a Snapshot; everything
// downstream works on that.
package store

import (
	"errors"
	"time"
)

const (
	ProviderApple  = "apple"
	ProviderGoogle = "google"

	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"
)

// ErrRejected means the store authoritatively refused the credential: a
// malformed or forged receipt, a wrong bundle id, a permanently invalid
// token. Retrying will not help.
var ErrRejected = errors.New("store: credential rejected")

// ErrUnavailable means the store could not give an authoritative answer
// right now. The caller may retry later with the same credential.
var ErrUnavailable = errors.New("store: temporarily unavailable")

// Snapshot is the canonical result of one successful store verification.
type Snapshot struct {
	Provider              string
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchaseToken         string
	PurchaseDate          *time.Time
	ExpiryDate            *time.Time
	GraceUntil            *time.Time
	RevocationDate        *time.Time
	Revoked               bool
	AutoRenewing          bool
	InBillingRetry        bool
	AcknowledgementState  int
	CancelReason          *int
	Environment           string
	Raw                   string
}

// MillisToTime converts a store millisecond epoch into *time.Time, mapping the
// zero value to nil so absent fields stay absent.
func MillisToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()

	return &t
}
