package playstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

// Real-Time Developer Notification types for subscriptions.
const (
	NotificationRecovered     = 1
	NotificationRenewed       = 2
	NotificationCanceled      = 3
	NotificationPurchased     = 4
	NotificationOnHold        = 5
	NotificationInGracePeriod = 6
	NotificationRestarted     = 7
	NotificationDeferred      = 9
	NotificationPaused        = 10
	NotificationRevoked       = 12
	NotificationExpired       = 13
)

// pushEnvelope is the Pub/Sub push delivery wrapper around an RTDN.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is the decoded RTDN payload.
type DeveloperNotification struct {
	Version                  string                     `json:"version"`
	PackageName              string                     `json:"packageName"`
	EventTimeMillis          googleMillis               `json:"eventTimeMillis"`
	SubscriptionNotification *SubscriptionNotification  `json:"subscriptionNotification"`
	TestNotification         *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

// DecodePush unwraps a Pub/Sub push body into the developer notification it
// carries. The Pub/Sub message id comes back for webhook deduplication.
func (c *Client) DecodePush(body []byte) (*DeveloperNotification, string, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("%w: decode pub/sub envelope: %v", store.ErrRejected, err)
	}
	if envelope.Message.Data == "" {
		return nil, "", fmt.Errorf("%w: pub/sub message has no data", store.ErrRejected)
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode pub/sub data: %v", store.ErrRejected, err)
	}

	var notification DeveloperNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return nil, "", fmt.Errorf("%w: decode developer notification: %v", store.ErrRejected, err)
	}

	if notification.PackageName != "" && notification.PackageName != c.cfg.PackageName {
		return nil, "", fmt.Errorf("%w: notification package %q does not match %q",
			store.ErrRejected, notification.PackageName, c.cfg.PackageName)
	}

	return &notification, envelope.Message.MessageID, nil
}

// IsRevocation reports whether the notification type withdraws access
// immediately rather than letting the term lapse.
func IsRevocation(notificationType int) bool {
	return notificationType == NotificationRevoked
}
