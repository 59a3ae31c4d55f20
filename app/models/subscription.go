package models

import "time"

// Store providers and environments used across subscription models.
const (
	ProviderApple  = "apple"
	ProviderGoogle = "google"

	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"
)

// Subscription is the canonical per-purchase entitlement record. There is
// exactly one row per (provider, purchase_token), and for Apple additionally
// one row per (provider, original_transaction_id). Rows are never hard-deleted
// so entitlement history stays auditable.
type Subscription struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	UserID        uint   `gorm:"not null;index" json:"user_id"`
	Provider      string `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_token,unique,priority:1;index:ux_subscriptions_provider_origtxn,unique,priority:1" json:"provider"`
	ProductID     string `gorm:"type:varchar(191);not null;index" json:"product_id"`
	PurchaseToken string `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_token,unique,priority:2" json:"purchase_token"`

	// Apple identifiers. TransactionID is the latest per-renewal transaction;
	// OriginalTransactionID is the stable lineage key and is nil for Google.
	TransactionID         string  `gorm:"type:varchar(191);not null;default:'';index" json:"transaction_id"`
	OriginalTransactionID *string `gorm:"type:varchar(191);default:null;index:ux_subscriptions_provider_origtxn,unique,priority:2" json:"original_transaction_id,omitempty"`

	PurchaseDate   *time.Time `gorm:"type:timestamp;default:null" json:"purchase_date,omitempty"`
	ExpiryDate     *time.Time `gorm:"type:timestamp;default:null;index" json:"expiry_date,omitempty"`
	GraceUntil     *time.Time `gorm:"type:timestamp;default:null" json:"grace_until,omitempty"`
	AutoRenewing   bool       `gorm:"default:false" json:"auto_renewing"`
	InBillingRetry bool       `gorm:"default:false" json:"in_billing_retry"`
	Revoked        bool       `gorm:"default:false" json:"revoked"`
	RevocationDate *time.Time `gorm:"type:timestamp;default:null" json:"revocation_date,omitempty"`

	// Google-specific bookkeeping.
	AcknowledgementState int  `gorm:"default:0" json:"acknowledgement_state"`
	CancelReason         *int `gorm:"default:null" json:"cancel_reason,omitempty"`

	Environment string `gorm:"type:varchar(16);not null;default:'production'" json:"environment"`

	// Derived fields, recomputed on every write.
	Status string `gorm:"type:varchar(16);not null;default:'none';index" json:"status"`
	Active bool   `gorm:"default:false;index" json:"active"`

	LastVerifiedAt *time.Time `gorm:"type:timestamp;default:null" json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
