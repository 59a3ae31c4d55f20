package playstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

func pushBody(t *testing.T, messageID string, notification interface{}) []byte {
	t.Helper()

	raw, err := json.Marshal(notification)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(raw),
			"messageId": messageID,
		},
		"subscription": "projects/cointrail/subscriptions/rtdn",
	})
	require.NoError(t, err)

	return body
}

func TestDecodePush(t *testing.T) {
	srv := newPlayServer(t)
	c := newPlayClient(t, srv)

	body := pushBody(t, "msg-42", map[string]interface{}{
		"version":         "1.0",
		"packageName":     "com.cointrail.app",
		"eventTimeMillis": "1700000000000",
		"subscriptionNotification": map[string]interface{}{
			"version":          "1.0",
			"notificationType": NotificationRenewed,
			"purchaseToken":    "token-abc",
			"subscriptionId":   "pro.monthly",
		},
	})

	n, messageID, err := c.DecodePush(body)
	require.NoError(t, err)

	assert.Equal(t, "msg-42", messageID)
	assert.Equal(t, "com.cointrail.app", n.PackageName)
	assert.Equal(t, int64(1700000000000), n.EventTimeMillis.Int64())
	require.NotNil(t, n.SubscriptionNotification)
	assert.Equal(t, NotificationRenewed, n.SubscriptionNotification.NotificationType)
	assert.Equal(t, "token-abc", n.SubscriptionNotification.PurchaseToken)
	assert.Equal(t, "pro.monthly", n.SubscriptionNotification.SubscriptionID)
}

func TestDecodePushTestNotification(t *testing.T) {
	srv := newPlayServer(t)
	c := newPlayClient(t, srv)

	body := pushBody(t, "msg-43", map[string]interface{}{
		"version":          "1.0",
		"packageName":      "com.cointrail.app",
		"testNotification": map[string]string{"version": "1.0"},
	})

	n, _, err := c.DecodePush(body)
	require.NoError(t, err)
	assert.Nil(t, n.SubscriptionNotification)
	assert.NotNil(t, n.TestNotification)
}

func TestDecodePushWrongPackage(t *testing.T) {
	srv := newPlayServer(t)
	c := newPlayClient(t, srv)

	body := pushBody(t, "msg-44", map[string]interface{}{
		"packageName": "com.other.app",
	})

	_, _, err := c.DecodePush(body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrRejected))
}

func TestDecodePushGarbage(t *testing.T) {
	srv := newPlayServer(t)
	c := newPlayClient(t, srv)

	_, _, err := c.DecodePush([]byte(`{"message":{"data":"%%%"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrRejected))
}

func TestIsRevocation(t *testing.T) {
	assert.True(t, IsRevocation(NotificationRevoked))
	assert.False(t, IsRevocation(NotificationExpired))
	assert.False(t, IsRevocation(NotificationCanceled))
}
