package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoinTrailHQ/CoinTrail/app/models"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/appstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/playstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/products"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

// fakeRepo is an in-memory Repository serving the service tests.
type fakeRepo struct {
	subs        map[string]*models.Subscription
	events      map[string]*models.WebhookEvent
	idempotency map[string]*VerifyResponse

	persistCalls int
	persistErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		subs:        map[string]*models.Subscription{},
		events:      map[string]*models.WebhookEvent{},
		idempotency: map[string]*VerifyResponse{},
	}
}

func (f *fakeRepo) subKey(snap store.Snapshot) string {
	if snap.OriginalTransactionID != "" {
		return snap.Provider + "/" + snap.OriginalTransactionID
	}
	if snap.TransactionID != "" {
		return snap.Provider + "/" + snap.TransactionID
	}
	return snap.Provider + "/" + snap.PurchaseToken
}

func (f *fakeRepo) PersistSubscription(ctx context.Context, facts Facts, now time.Time) (*models.Subscription, error) {
	f.persistCalls++
	if f.persistErr != nil {
		return nil, f.persistErr
	}

	key := f.subKey(facts.Snapshot)
	merged, err := Merge(f.subs[key], facts, now)
	if err != nil {
		return nil, err
	}
	f.subs[key] = merged

	return merged, nil
}

func (f *fakeRepo) FindBestForUser(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error) {
	var best *models.Subscription
	for _, sub := range f.subs {
		if sub.UserID != userID {
			continue
		}
		if best == nil {
			best = sub
		}
	}
	return best, nil
}

func (f *fakeRepo) AcquireWebhookEvent(ctx context.Context, provider, eventID, eventType, payload string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	key := provider + "/" + eventID
	if _, ok := f.events[key]; ok {
		return false, nil
	}
	f.events[key] = &models.WebhookEvent{Provider: provider, EventID: eventID, EventType: eventType, PayloadJSON: payload}
	return true, nil
}

func (f *fakeRepo) MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingErr error) error {
	key := provider + "/" + eventID
	if event, ok := f.events[key]; ok {
		now := time.Now()
		event.ProcessedAt = &now
		if processingErr != nil {
			event.ProcessingError = processingErr.Error()
		}
	}
	return nil
}

func (f *fakeRepo) ReleaseWebhookEvent(ctx context.Context, provider, eventID string) error {
	delete(f.events, provider+"/"+eventID)
	return nil
}

func (f *fakeRepo) GetIdempotencyRecord(ctx context.Context, userID uint, provider, key string) (*VerifyResponse, bool) {
	resp, ok := f.idempotency[fmt.Sprintf("%d/%s/%s", userID, provider, key)]
	return resp, ok
}

func (f *fakeRepo) SaveIdempotencyRecord(ctx context.Context, userID uint, provider, key string, resp *VerifyResponse) error {
	f.idempotency[fmt.Sprintf("%d/%s/%s", userID, provider, key)] = resp
	return nil
}

func (f *fakeRepo) PurgeWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) PurgeIdempotencyRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeApple struct {
	snap         *store.Snapshot
	err          error
	notification *appstore.Notification
	decodeErr    error
	verifyCalls  int
}

func (f *fakeApple) VerifyReceipt(ctx context.Context, receiptData, productID string) (*store.Snapshot, error) {
	f.verifyCalls++
	return f.snap, f.err
}

func (f *fakeApple) GetTransaction(ctx context.Context, transactionID, productID string) (*store.Snapshot, error) {
	f.verifyCalls++
	return f.snap, f.err
}

func (f *fakeApple) DecodeNotification(body []byte) (*appstore.Notification, error) {
	return f.notification, f.decodeErr
}

type fakeGoogle struct {
	snap         *store.Snapshot
	err          error
	notification *playstore.DeveloperNotification
	messageID    string
	decodeErr    error
	verifyCalls  int
}

func (f *fakeGoogle) VerifySubscription(ctx context.Context, subscriptionID, purchaseToken string) (*store.Snapshot, error) {
	f.verifyCalls++
	return f.snap, f.err
}

func (f *fakeGoogle) DecodePush(body []byte) (*playstore.DeveloperNotification, string, error) {
	return f.notification, f.messageID, f.decodeErr
}

func appleSnap() *store.Snapshot {
	purchase := time.UnixMilli(1000).UTC()
	expiry := time.Now().Add(24 * time.Hour).UTC()
	return &store.Snapshot{
		Provider:              store.ProviderApple,
		ProductID:             "pro.monthly",
		TransactionID:         "t-1",
		OriginalTransactionID: "o-1",
		PurchaseDate:          &purchase,
		ExpiryDate:            &expiry,
		AutoRenewing:          true,
		Environment:           store.EnvironmentProduction,
	}
}

func newTestService(repo *fakeRepo, apple *fakeApple, google *fakeGoogle) *Service {
	return NewService(repo, apple, google, products.NewPolicy("pro.monthly", "pro.yearly"))
}

func TestVerifyAndSaveApple(t *testing.T) {
	repo := newFakeRepo()
	apple := &fakeApple{snap: appleSnap()}
	svc := newTestService(repo, apple, &fakeGoogle{})

	resp, err := svc.VerifyAndSave(context.Background(), 7, VerifyRequest{
		Provider:    store.ProviderApple,
		ReceiptData: "receipt",
	})
	require.NoError(t, err)

	assert.Equal(t, "entitled", resp.Status)
	assert.True(t, resp.Active)
	assert.Equal(t, "pro.monthly", resp.ProductID)
	assert.Equal(t, 1, repo.persistCalls)
	assert.Equal(t, 1, apple.verifyCalls)
}

func TestVerifyAndSaveIdempotentReplay(t *testing.T) {
	repo := newFakeRepo()
	apple := &fakeApple{snap: appleSnap()}
	svc := newTestService(repo, apple, &fakeGoogle{})

	req := VerifyRequest{
		Provider:       store.ProviderApple,
		ReceiptData:    "receipt",
		IdempotencyKey: "key-1",
	}

	first, err := svc.VerifyAndSave(context.Background(), 7, req)
	require.NoError(t, err)

	second, err := svc.VerifyAndSave(context.Background(), 7, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.persistCalls)
	assert.Equal(t, 1, apple.verifyCalls)
}

func TestVerifyAndSaveUnknownProduct(t *testing.T) {
	repo := newFakeRepo()
	snap := appleSnap()
	snap.ProductID = "pro.lifetime"
	svc := newTestService(repo, &fakeApple{snap: snap}, &fakeGoogle{})

	_, err := svc.VerifyAndSave(context.Background(), 7, VerifyRequest{
		Provider:    store.ProviderApple,
		ReceiptData: "receipt",
	})
	require.Error(t, err)
	assert.True(t, products.IsUnknownProduct(err))
	assert.Equal(t, 0, repo.persistCalls)
}

func TestVerifyAndSaveOwnershipConflict(t *testing.T) {
	repo := newFakeRepo()
	apple := &fakeApple{snap: appleSnap()}
	svc := newTestService(repo, apple, &fakeGoogle{})

	_, err := svc.VerifyAndSave(context.Background(), 7, VerifyRequest{
		Provider:    store.ProviderApple,
		ReceiptData: "receipt",
	})
	require.NoError(t, err)

	_, err = svc.VerifyAndSave(context.Background(), 8, VerifyRequest{
		Provider:    store.ProviderApple,
		ReceiptData: "receipt",
	})
	assert.ErrorIs(t, err, ErrOwnershipConflict)
}

func TestVerifyAndSaveBadRequests(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeApple{}, &fakeGoogle{})

	tests := []VerifyRequest{
		{Provider: store.ProviderApple},
		{Provider: store.ProviderGoogle, PurchaseToken: "token"},
		{Provider: store.ProviderGoogle, ProductID: "pro.monthly"},
		{Provider: "amazon", ReceiptData: "receipt"},
	}

	for _, req := range tests {
		_, err := svc.VerifyAndSave(context.Background(), 7, req)
		assert.ErrorIs(t, err, ErrBadRequest, "request %+v", req)
	}
}

func TestMyEntitlementWithoutSubscriptions(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeApple{}, &fakeGoogle{})

	resp, err := svc.MyEntitlement(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "none", resp.Status)
	assert.False(t, resp.Active)
}

func TestHandleAppStoreNotificationDeduplicates(t *testing.T) {
	repo := newFakeRepo()
	apple := &fakeApple{snap: appleSnap()}
	svc := newTestService(repo, apple, &fakeGoogle{})

	// the purchase must be tracked before webhooks can act on it
	_, err := svc.VerifyAndSave(context.Background(), 7, VerifyRequest{
		Provider:    store.ProviderApple,
		ReceiptData: "receipt",
	})
	require.NoError(t, err)

	apple.notification = &appstore.Notification{
		Type:     "DID_RENEW",
		UUID:     "uuid-1",
		Snapshot: appleSnap(),
	}

	require.NoError(t, svc.HandleAppStoreNotification(context.Background(), []byte(`{}`)))
	assert.Equal(t, 2, repo.persistCalls)

	// the second delivery is swallowed without another persist
	require.NoError(t, svc.HandleAppStoreNotification(context.Background(), []byte(`{}`)))
	assert.Equal(t, 2, repo.persistCalls)
}

func TestHandleAppStoreNotificationUntrackedPurchase(t *testing.T) {
	repo := newFakeRepo()
	apple := &fakeApple{
		notification: &appstore.Notification{
			Type:     "DID_RENEW",
			UUID:     "uuid-2",
			Snapshot: appleSnap(),
		},
	}
	svc := newTestService(repo, apple, &fakeGoogle{})

	// no user ever verified this purchase; the event is acknowledged and
	// the error lands on the stored event
	require.NoError(t, svc.HandleAppStoreNotification(context.Background(), []byte(`{}`)))

	event := repo.events["apple/uuid-2"]
	require.NotNil(t, event)
	require.NotNil(t, event.ProcessedAt)
	assert.Contains(t, event.ProcessingError, "not tracked")
}

func TestHandleAppStoreNotificationTransientFailureReleasesEvent(t *testing.T) {
	repo := newFakeRepo()
	apple := &fakeApple{
		notification: &appstore.Notification{
			Type:     "DID_RENEW",
			UUID:     "uuid-3",
			Snapshot: appleSnap(),
		},
	}
	svc := newTestService(repo, apple, &fakeGoogle{})
	repo.persistErr = errors.New("connection refused")

	err := svc.HandleAppStoreNotification(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)

	// the event is gone, a redelivery will be processed
	_, stillThere := repo.events["apple/uuid-3"]
	assert.False(t, stillThere)
}

func TestHandlePlayNotificationReVerifies(t *testing.T) {
	repo := newFakeRepo()
	apple := &fakeApple{}
	expiry := time.Now().Add(24 * time.Hour).UTC()
	google := &fakeGoogle{
		snap: &store.Snapshot{
			Provider:      store.ProviderGoogle,
			ProductID:     "pro.yearly",
			PurchaseToken: "token-1",
			ExpiryDate:    &expiry,
			Environment:   store.EnvironmentProduction,
		},
		messageID: "msg-1",
		notification: &playstore.DeveloperNotification{
			PackageName: "com.cointrail.app",
			SubscriptionNotification: &playstore.SubscriptionNotification{
				NotificationType: playstore.NotificationRenewed,
				PurchaseToken:    "token-1",
				SubscriptionID:   "pro.yearly",
			},
		},
	}
	svc := newTestService(repo, apple, google)

	// track the purchase first
	_, err := svc.VerifyAndSave(context.Background(), 7, VerifyRequest{
		Provider:      store.ProviderGoogle,
		ProductID:     "pro.yearly",
		PurchaseToken: "token-1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, google.verifyCalls)

	require.NoError(t, svc.HandlePlayNotification(context.Background(), []byte(`{}`)))
	assert.Equal(t, 2, google.verifyCalls)
	assert.Equal(t, 2, repo.persistCalls)

	// duplicate delivery does not re-verify
	require.NoError(t, svc.HandlePlayNotification(context.Background(), []byte(`{}`)))
	assert.Equal(t, 2, google.verifyCalls)
}

func TestHandlePlayNotificationRevocation(t *testing.T) {
	repo := newFakeRepo()
	expiry := time.Now().Add(24 * time.Hour).UTC()
	google := &fakeGoogle{
		snap: &store.Snapshot{
			Provider:      store.ProviderGoogle,
			ProductID:     "pro.yearly",
			PurchaseToken: "token-2",
			ExpiryDate:    &expiry,
		},
		messageID: "msg-2",
		notification: &playstore.DeveloperNotification{
			SubscriptionNotification: &playstore.SubscriptionNotification{
				NotificationType: playstore.NotificationRevoked,
				PurchaseToken:    "token-2",
				SubscriptionID:   "pro.yearly",
			},
		},
	}
	svc := newTestService(repo, &fakeApple{}, google)

	_, err := svc.VerifyAndSave(context.Background(), 7, VerifyRequest{
		Provider:      store.ProviderGoogle,
		ProductID:     "pro.yearly",
		PurchaseToken: "token-2",
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandlePlayNotification(context.Background(), []byte(`{}`)))

	sub := repo.subs["google/token-2"]
	require.NotNil(t, sub)
	assert.True(t, sub.Revoked)
	assert.Equal(t, "revoked", sub.Status)
	assert.False(t, sub.Active)
}

func TestHandlePlayNotificationTestPing(t *testing.T) {
	repo := newFakeRepo()
	google := &fakeGoogle{
		messageID: "msg-3",
		notification: &playstore.DeveloperNotification{
			TestNotification: &struct {
				Version string `json:"version"`
			}{Version: "1.0"},
		},
	}
	svc := newTestService(repo, &fakeApple{}, google)

	require.NoError(t, svc.HandlePlayNotification(context.Background(), []byte(`{}`)))
	assert.Equal(t, 0, google.verifyCalls)
	assert.Equal(t, 0, repo.persistCalls)

	event := repo.events["google/msg-3"]
	require.NotNil(t, event)
	assert.NotNil(t, event.ProcessedAt)
}
