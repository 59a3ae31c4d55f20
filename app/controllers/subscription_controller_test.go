package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoinTrailHQ/CoinTrail/app/models"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/appstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/playstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/products"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/usercontext"
)

type memoryRepo struct {
	subs        map[string]*models.Subscription
	idempotency map[string]*subscriptions.VerifyResponse
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		subs:        map[string]*models.Subscription{},
		idempotency: map[string]*subscriptions.VerifyResponse{},
	}
}

func (r *memoryRepo) PersistSubscription(ctx context.Context, facts subscriptions.Facts, now time.Time) (*models.Subscription, error) {
	key := facts.Snapshot.Provider + "/" + facts.Snapshot.OriginalTransactionID
	merged, err := subscriptions.Merge(r.subs[key], facts, now)
	if err != nil {
		return nil, err
	}
	r.subs[key] = merged

	return merged, nil
}

func (r *memoryRepo) FindBestForUser(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error) {
	return nil, nil
}

func (r *memoryRepo) AcquireWebhookEvent(ctx context.Context, provider, eventID, eventType, payload string) (bool, error) {
	return true, nil
}

func (r *memoryRepo) MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingErr error) error {
	return nil
}

func (r *memoryRepo) ReleaseWebhookEvent(ctx context.Context, provider, eventID string) error {
	return nil
}

func (r *memoryRepo) GetIdempotencyRecord(ctx context.Context, userID uint, provider, key string) (*subscriptions.VerifyResponse, bool) {
	resp, ok := r.idempotency[fmt.Sprintf("%d/%s/%s", userID, provider, key)]
	return resp, ok
}

func (r *memoryRepo) SaveIdempotencyRecord(ctx context.Context, userID uint, provider, key string, resp *subscriptions.VerifyResponse) error {
	r.idempotency[fmt.Sprintf("%d/%s/%s", userID, provider, key)] = resp
	return nil
}

func (r *memoryRepo) PurgeWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *memoryRepo) PurgeIdempotencyRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type countingApple struct{ verifyCalls int32 }

func (a *countingApple) VerifyReceipt(ctx context.Context, receiptData, productID string) (*store.Snapshot, error) {
	atomic.AddInt32(&a.verifyCalls, 1)
	expiry := time.Now().Add(time.Hour).UTC()

	return &store.Snapshot{
		Provider:              store.ProviderApple,
		ProductID:             "pro.monthly",
		TransactionID:         "t-1",
		OriginalTransactionID: "o-1",
		ExpiryDate:            &expiry,
		Environment:           store.EnvironmentProduction,
	}, nil
}

func (a *countingApple) GetTransaction(ctx context.Context, transactionID, productID string) (*store.Snapshot, error) {
	return a.VerifyReceipt(ctx, "", productID)
}

func (a *countingApple) DecodeNotification(body []byte) (*appstore.Notification, error) {
	return nil, fmt.Errorf("not expected in this test")
}

type noopGoogle struct{}

func (noopGoogle) VerifySubscription(ctx context.Context, subscriptionID, purchaseToken string) (*store.Snapshot, error) {
	return nil, fmt.Errorf("not expected in this test")
}

func (noopGoogle) DecodePush(body []byte) (*playstore.DeveloperNotification, string, error) {
	return nil, "", fmt.Errorf("not expected in this test")
}

func newVerifyApp(apple *countingApple) *fiber.App {
	service := subscriptions.NewService(newMemoryRepo(), apple, noopGoogle{}, products.NewPolicy("pro.monthly"))
	controller := NewSubscriptionController(service)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		usercontext.SetUserContext(c, usercontext.UserContext{UserID: 7, IsLoggedIn: true})
		return c.Next()
	})
	app.Post("/verify", controller.HandleVerify)

	return app
}

func TestHandleVerifyIdempotencyKeyHeader(t *testing.T) {
	apple := &countingApple{}
	app := newVerifyApp(apple)

	body := []byte(`{"provider":"apple","product_id":"pro.monthly","receipt_data":"blob"}`)
	do := func() *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "idem-1")

		resp, err := app.Test(req)
		require.NoError(t, err)

		return resp
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := do()
	assert.Equal(t, http.StatusOK, second.StatusCode)

	// the header key replayed the cached response without a second store call
	assert.Equal(t, int32(1), atomic.LoadInt32(&apple.verifyCalls))

	var decoded subscriptions.VerifyResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&decoded))
	assert.Equal(t, "entitled", decoded.Status)
	assert.True(t, decoded.Active)
}
