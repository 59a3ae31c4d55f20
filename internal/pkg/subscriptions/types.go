// Package subscriptions owns the canonical per-purchase entitlement state:
// verified store snapshots are merged into subscription rows, webhook events
// are deduplicated, and client verifications are made idempotent.
package subscriptions

import (
	"time"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

// Facts is one verified observation of a purchase, ready to be merged into
// storage. UserID zero means the observation came from a webhook: the stored
// owner is kept and the purchase must already be tracked.
type Facts struct {
	UserID   uint
	Snapshot store.Snapshot
}

// VerifyRequest is the client-side verification payload. Exactly one
// credential is used per provider: ReceiptData or TransactionID for Apple,
// PurchaseToken plus ProductID for Google.
type VerifyRequest struct {
	Provider       string `json:"provider" validate:"required,oneof=apple google"`
	ProductID      string `json:"product_id" validate:"max=200"`
	ReceiptData    string `json:"receipt_data"`
	TransactionID  string `json:"transaction_id" validate:"max=200"`
	PurchaseToken  string `json:"purchase_token" validate:"max=500"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=100"`
}

// VerifyResponse reports the entitlement derived from one verification. The
// same value is replayed verbatim for idempotent retries.
type VerifyResponse struct {
	Provider   string     `json:"provider"`
	ProductID  string     `json:"product_id"`
	Status     string     `json:"status"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	GraceUntil *time.Time `json:"grace_until,omitempty"`
}

// EntitlementResponse is the answer to "what does this user get right now".
type EntitlementResponse struct {
	Status     string     `json:"status"`
	Active     bool       `json:"active"`
	ProductID  string     `json:"product_id,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	GraceUntil *time.Time `json:"grace_until,omitempty"`
}
