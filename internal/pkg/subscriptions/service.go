package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/appstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/entitlements"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/playstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/products"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

// ErrBadRequest marks verification requests the client assembled wrong, a
// missing credential or an unsupported provider.
var ErrBadRequest = errors.New("subscriptions: invalid verification request")

// AppleVerifier is the slice of the App Store client the service needs.
type AppleVerifier interface {
	VerifyReceipt(ctx context.Context, receiptData, productID string) (*store.Snapshot, error)
	GetTransaction(ctx context.Context, transactionID, productID string) (*store.Snapshot, error)
	DecodeNotification(body []byte) (*appstore.Notification, error)
}

// GoogleVerifier is the slice of the Play client the service needs.
type GoogleVerifier interface {
	VerifySubscription(ctx context.Context, subscriptionID, purchaseToken string) (*store.Snapshot, error)
	DecodePush(body []byte) (*playstore.DeveloperNotification, string, error)
}

// Service orchestrates verification, webhook processing and entitlement
// queries over the repository and the two store clients.
type Service struct {
	repo   Repository
	apple  AppleVerifier
	google GoogleVerifier
	policy *products.Policy
	now    func() time.Time
}

func NewService(repo Repository, apple AppleVerifier, google GoogleVerifier, policy *products.Policy) *Service {
	return &Service{
		repo:   repo,
		apple:  apple,
		google: google,
		policy: policy,
		now:    time.Now,
	}
}

// VerifyAndSave validates a client-submitted purchase credential with the
// store and folds the result into storage. Requests carrying an idempotency
// key replay their previous response without touching the store again.
func (s *Service) VerifyAndSave(ctx context.Context, userID uint, req VerifyRequest) (*VerifyResponse, error) {
	if req.IdempotencyKey != "" {
		if cached, ok := s.repo.GetIdempotencyRecord(ctx, userID, req.Provider, req.IdempotencyKey); ok {
			return cached, nil
		}
	}

	snap, err := s.verifyWithStore(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.policy.RequireAllowed(snap.ProductID); err != nil {
		return nil, err
	}

	now := s.now()
	sub, err := s.repo.PersistSubscription(ctx, Facts{UserID: userID, Snapshot: *snap}, now)
	if err != nil {
		return nil, err
	}

	resp := &VerifyResponse{
		Provider:   sub.Provider,
		ProductID:  sub.ProductID,
		Status:     sub.Status,
		Active:     sub.Active,
		ExpiresAt:  sub.ExpiryDate,
		GraceUntil: sub.GraceUntil,
	}

	if req.IdempotencyKey != "" {
		if err := s.repo.SaveIdempotencyRecord(ctx, userID, req.Provider, req.IdempotencyKey, resp); err != nil {
			// losing the record only costs a redundant re-verification later
			log.Printf("[Subscriptions] save idempotency record failed: %v", err)
		}
	}

	return resp, nil
}

func (s *Service) verifyWithStore(ctx context.Context, req VerifyRequest) (*store.Snapshot, error) {
	switch req.Provider {
	case store.ProviderApple:
		if req.ReceiptData != "" {
			return s.apple.VerifyReceipt(ctx, req.ReceiptData, req.ProductID)
		}
		if req.TransactionID != "" {
			return s.apple.GetTransaction(ctx, req.TransactionID, req.ProductID)
		}
		return nil, fmt.Errorf("%w: apple verification needs receipt_data or transaction_id", ErrBadRequest)
	case store.ProviderGoogle:
		if req.PurchaseToken == "" || req.ProductID == "" {
			return nil, fmt.Errorf("%w: google verification needs purchase_token and product_id", ErrBadRequest)
		}
		// the product id is known up front, reject it before spending a
		// store round trip
		if err := s.policy.RequireAllowed(req.ProductID); err != nil {
			return nil, err
		}
		return s.google.VerifySubscription(ctx, req.ProductID, req.PurchaseToken)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrBadRequest, req.Provider)
	}
}

// MyEntitlement resolves the user's current entitlement from the best row
// they own.
func (s *Service) MyEntitlement(ctx context.Context, userID uint) (*EntitlementResponse, error) {
	sub, err := s.repo.FindBestForUser(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &EntitlementResponse{Status: string(entitlements.StatusNone)}, nil
	}

	return &EntitlementResponse{
		Status:     sub.Status,
		Active:     sub.Active,
		ProductID:  sub.ProductID,
		Provider:   sub.Provider,
		ExpiresAt:  sub.ExpiryDate,
		GraceUntil: sub.GraceUntil,
	}, nil
}

// HandleAppStoreNotification processes one App Store Server Notification V2
// body. Duplicate deliveries and events for untracked or unlisted purchases
// are acknowledged without effect; only transient failures return an error
// so Apple retries the delivery.
func (s *Service) HandleAppStoreNotification(ctx context.Context, body []byte) error {
	n, err := s.apple.DecodeNotification(body)
	if err != nil {
		return err
	}

	fresh, err := s.repo.AcquireWebhookEvent(ctx, store.ProviderApple, n.UUID, n.Type, string(body))
	if err != nil {
		return err
	}
	if !fresh {
		log.Printf("[Subscriptions] apple notification %s already processed", n.UUID)
		return nil
	}

	procErr := s.applyNotificationSnapshot(ctx, n.Snapshot)
	if procErr != nil && errors.Is(procErr, store.ErrUnavailable) {
		// forget the event so Apple's redelivery is processed
		if relErr := s.repo.ReleaseWebhookEvent(ctx, store.ProviderApple, n.UUID); relErr != nil {
			log.Printf("[Subscriptions] release apple event %s failed: %v", n.UUID, relErr)
		}
		return procErr
	}

	if err := s.repo.MarkWebhookProcessed(ctx, store.ProviderApple, n.UUID, procErr); err != nil {
		log.Printf("[Subscriptions] mark apple event %s failed: %v", n.UUID, err)
	}

	return nil
}

// HandlePlayNotification processes one Pub/Sub push delivery of a Real-Time
// Developer Notification. The purchase is always re-verified against the
// Play API; the notification itself only says that something changed.
func (s *Service) HandlePlayNotification(ctx context.Context, body []byte) error {
	n, messageID, err := s.google.DecodePush(body)
	if err != nil {
		return err
	}

	eventType := "subscription"
	if n.TestNotification != nil {
		eventType = "test"
	} else if n.SubscriptionNotification != nil {
		eventType = fmt.Sprintf("subscription:%d", n.SubscriptionNotification.NotificationType)
	}

	fresh, err := s.repo.AcquireWebhookEvent(ctx, store.ProviderGoogle, messageID, eventType, string(body))
	if err != nil {
		return err
	}
	if !fresh {
		log.Printf("[Subscriptions] play notification %s already processed", messageID)
		return nil
	}

	sn := n.SubscriptionNotification
	if sn == nil {
		// test notifications and non-subscription events are acknowledged as-is
		if err := s.repo.MarkWebhookProcessed(ctx, store.ProviderGoogle, messageID, nil); err != nil {
			log.Printf("[Subscriptions] mark play event %s failed: %v", messageID, err)
		}
		return nil
	}

	snap, verifyErr := s.google.VerifySubscription(ctx, sn.SubscriptionID, sn.PurchaseToken)
	if verifyErr != nil {
		if errors.Is(verifyErr, store.ErrUnavailable) {
			if relErr := s.repo.ReleaseWebhookEvent(ctx, store.ProviderGoogle, messageID); relErr != nil {
				log.Printf("[Subscriptions] release play event %s failed: %v", messageID, relErr)
			}
			return verifyErr
		}
		// the store rejected the token, the event cannot be acted on
		if err := s.repo.MarkWebhookProcessed(ctx, store.ProviderGoogle, messageID, verifyErr); err != nil {
			log.Printf("[Subscriptions] mark play event %s failed: %v", messageID, err)
		}
		return nil
	}

	if playstore.IsRevocation(sn.NotificationType) {
		snap.Revoked = true
		if snap.RevocationDate == nil {
			snap.RevocationDate = store.MillisToTime(n.EventTimeMillis.Int64())
		}
	}

	procErr := s.applyNotificationSnapshot(ctx, snap)
	if procErr != nil && errors.Is(procErr, store.ErrUnavailable) {
		if relErr := s.repo.ReleaseWebhookEvent(ctx, store.ProviderGoogle, messageID); relErr != nil {
			log.Printf("[Subscriptions] release play event %s failed: %v", messageID, relErr)
		}
		return procErr
	}

	if err := s.repo.MarkWebhookProcessed(ctx, store.ProviderGoogle, messageID, procErr); err != nil {
		log.Printf("[Subscriptions] mark play event %s failed: %v", messageID, err)
	}

	return nil
}

// applyNotificationSnapshot persists a webhook-sourced snapshot. Unknown
// products and untracked purchases come back as the processing note stored
// on the event, never as a delivery failure.
func (s *Service) applyNotificationSnapshot(ctx context.Context, snap *store.Snapshot) error {
	if snap == nil {
		return nil
	}

	if err := s.policy.RequireAllowed(snap.ProductID); err != nil {
		log.Printf("[Subscriptions] notification for unlisted product %q dropped", snap.ProductID)
		return err
	}

	_, err := s.repo.PersistSubscription(ctx, Facts{Snapshot: *snap}, s.now())
	if err != nil {
		if errors.Is(err, ErrNotTracked) {
			log.Printf("[Subscriptions] notification for untracked purchase dropped (txn=%s)", snap.TransactionID)
			return err
		}
		return fmt.Errorf("%w: persist notification snapshot: %v", store.ErrUnavailable, err)
	}

	return nil
}
