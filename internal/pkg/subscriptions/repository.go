package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/CoinTrailHQ/CoinTrail/app/models"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/entitlements"
)

// Repository is the storage boundary of the subscription domain.
type Repository interface {
	// PersistSubscription looks the purchase up, merges the new facts in and
	// saves the result, retrying once when a concurrent insert wins the race
	// on the uniqueness constraints.
	PersistSubscription(ctx context.Context, facts Facts, now time.Time) (*models.Subscription, error)

	// FindBestForUser returns the user's highest-ranking subscription, or nil
	// when the user owns none.
	FindBestForUser(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error)

	// AcquireWebhookEvent records the event id and reports whether this
	// delivery is the first. Blank event ids are never deduplicated.
	AcquireWebhookEvent(ctx context.Context, provider, eventID, eventType, payload string) (bool, error)
	// MarkWebhookProcessed stamps the event with the processing outcome.
	MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingErr error) error
	// ReleaseWebhookEvent forgets the event so a redelivery is processed
	// again, used after transient failures.
	ReleaseWebhookEvent(ctx context.Context, provider, eventID string) error

	GetIdempotencyRecord(ctx context.Context, userID uint, provider, key string) (*VerifyResponse, bool)
	SaveIdempotencyRecord(ctx context.Context, userID uint, provider, key string, resp *VerifyResponse) error

	PurgeWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeIdempotencyRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) PersistSubscription(ctx context.Context, facts Facts, now time.Time) (*models.Subscription, error) {
	sub, err := r.persistOnce(ctx, facts, now)
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent request inserted the same purchase between our lookup
		// and save; the row exists now, merge into it
		return r.persistOnce(ctx, facts, now)
	}

	return sub, err
}

func (r *gormRepository) persistOnce(ctx context.Context, facts Facts, now time.Time) (*models.Subscription, error) {
	existing, err := r.findByIdentifiers(ctx, facts.Snapshot.Provider,
		facts.Snapshot.OriginalTransactionID, facts.Snapshot.TransactionID, facts.Snapshot.PurchaseToken)
	if err != nil {
		return nil, err
	}

	merged, err := Merge(existing, facts, now)
	if err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Save(merged).Error; err != nil {
		return nil, err
	}

	return merged, nil
}

// findByIdentifiers resolves the stored row for a purchase, trying the
// original transaction id first, then the transaction id, then the purchase
// token. The first identifier with a hit wins. Older rows may carry an Apple
// transaction id in the purchase_token column, so when no token is supplied
// the transaction ids are also tried there.
func (r *gormRepository) findByIdentifiers(ctx context.Context, provider, originalTxnID, txnID, purchaseToken string) (*models.Subscription, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"original_transaction_id", originalTxnID},
		{"transaction_id", txnID},
		{"purchase_token", purchaseToken},
	}
	if purchaseToken == "" {
		lookups = append(lookups,
			struct{ column, value string }{"purchase_token", originalTxnID},
			struct{ column, value string }{"purchase_token", txnID},
		)
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}

		var sub models.Subscription
		err := r.db.WithContext(ctx).
			Where("provider = ? AND "+l.column+" = ?", provider, l.value).
			First(&sub).Error
		if err == nil {
			return &sub, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lookup subscription by %s: %w", l.column, err)
		}
	}

	return nil, nil
}

func (r *gormRepository) FindBestForUser(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("load subscriptions for user %d: %w", userID, err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	// stored status can be stale, rank on the live resolution
	best := &subs[0]
	bestStatus := entitlements.Resolve(best.Revoked, best.ExpiryDate, best.GraceUntil, now)
	for i := range subs[1:] {
		sub := &subs[i+1]
		status := entitlements.Resolve(sub.Revoked, sub.ExpiryDate, sub.GraceUntil, now)
		if entitlements.Rank(status) > entitlements.Rank(bestStatus) ||
			(entitlements.Rank(status) == entitlements.Rank(bestStatus) &&
				effectiveTime(sub).After(effectiveTime(best))) {
			best = sub
			bestStatus = status
		}
	}

	best.Status = string(bestStatus)
	best.Active = entitlements.IsActive(bestStatus)

	return best, nil
}

// effectiveTime orders equally ranked subscriptions by the latest of their
// grace end, expiry and purchase dates.
func effectiveTime(sub *models.Subscription) time.Time {
	var t time.Time
	for _, candidate := range []*time.Time{sub.GraceUntil, sub.ExpiryDate, sub.PurchaseDate} {
		if candidate != nil && candidate.After(t) {
			t = *candidate
		}
	}

	return t
}

func (r *gormRepository) AcquireWebhookEvent(ctx context.Context, provider, eventID, eventType, payload string) (bool, error) {
	if eventID == "" {
		return true, nil
	}

	event := models.WebhookEvent{
		Provider:    provider,
		EventID:     eventID,
		EventType:   eventType,
		PayloadJSON: payload,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&event)
	if result.Error != nil {
		return false, fmt.Errorf("record webhook event: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingErr error) error {
	if eventID == "" {
		return nil
	}

	updates := map[string]interface{}{
		"processed_at": time.Now(),
	}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	}

	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(updates).Error
}

func (r *gormRepository) ReleaseWebhookEvent(ctx context.Context, provider, eventID string) error {
	if eventID == "" {
		return nil
	}

	return r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Delete(&models.WebhookEvent{}).Error
}

func (r *gormRepository) GetIdempotencyRecord(ctx context.Context, userID uint, provider, key string) (*VerifyResponse, bool) {
	var record models.IdempotencyRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND idem_key = ?", userID, provider, key).
		First(&record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[Subscriptions] idempotency lookup failed: %v", err)
		}
		return nil, false
	}

	var resp VerifyResponse
	if err := json.Unmarshal([]byte(record.ResponseJSON), &resp); err != nil {
		// an unreadable record is a miss, the verification runs again
		log.Printf("[Subscriptions] idempotency record %d is corrupt: %v", record.ID, err)
		return nil, false
	}

	return &resp, true
}

func (r *gormRepository) SaveIdempotencyRecord(ctx context.Context, userID uint, provider, key string, resp *VerifyResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotency response: %w", err)
	}

	record := models.IdempotencyRecord{
		UserID:       userID,
		Provider:     provider,
		IdemKey:      key,
		ResponseJSON: string(body),
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("save idempotency record: %w", err)
	}

	return nil
}

func (r *gormRepository) PurgeWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.WebhookEvent{})

	return result.RowsAffected, result.Error
}

func (r *gormRepository) PurgeIdempotencyRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.IdempotencyRecord{})

	return result.RowsAffected, result.Error
}
