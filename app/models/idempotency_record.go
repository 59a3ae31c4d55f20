package models

import "time"

// IdempotencyRecord caches the serialized response of a client-initiated
// verification keyed by (user, provider, client key), so repeated requests
// with the same key return the same result without re-contacting the store.
// Rows are purged after a retention window by the retention sweeper.
type IdempotencyRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index:ux_idempotency_user_provider_key,unique,priority:1" json:"user_id"`
	Provider     string    `gorm:"type:varchar(20);not null;index:ux_idempotency_user_provider_key,unique,priority:2" json:"provider"`
	IdemKey      string    `gorm:"type:varchar(128);not null;index:ux_idempotency_user_provider_key,unique,priority:3" json:"-"`
	ResponseJSON string    `gorm:"type:longtext;not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
