package appstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// verifyReceipt status codes, per Apple's receipt validation docs.
const (
	statusOK                  = 0
	statusMalformedJSON       = 21000
	statusMalformedReceipt    = 21002
	statusUnauthenticated     = 21003
	statusSharedSecretInvalid = 21004
	statusServerUnavailable   = 21005
	statusExpiredButValid     = 21006
	statusSandboxReceipt      = 21007
	statusProductionReceipt   = 21008
	statusUnauthorized        = 21010
)

type verifyReceiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyReceiptResponse struct {
	Status             int              `json:"status"`
	Environment        string           `json:"environment"`
	Receipt            receiptInfo      `json:"receipt"`
	LatestReceiptInfo  []inAppReceipt   `json:"latest_receipt_info"`
	PendingRenewalInfo []pendingRenewal `json:"pending_renewal_info"`
}

type receiptInfo struct {
	BundleID string         `json:"bundle_id"`
	InApp    []inAppReceipt `json:"in_app"`
}

type inAppReceipt struct {
	ProductID             string    `json:"product_id"`
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id"`
	PurchaseDateMS        flexInt64 `json:"purchase_date_ms"`
	ExpiresDateMS         flexInt64 `json:"expires_date_ms"`
	CancellationDateMS    flexInt64 `json:"cancellation_date_ms"`
	CancellationReason    flexInt64 `json:"cancellation_reason"`
	IsTrialPeriod         flexBool  `json:"is_trial_period"`
}

type pendingRenewal struct {
	ProductID              string    `json:"product_id"`
	OriginalTransactionID  string    `json:"original_transaction_id"`
	AutoRenewStatus        flexBool  `json:"auto_renew_status"`
	IsInBillingRetryPeriod flexBool  `json:"is_in_billing_retry_period"`
	GracePeriodExpiresMS   flexInt64 `json:"grace_period_expires_date_ms"`
	ExpirationIntent       flexInt64 `json:"expiration_intent"`
}

// App Store Server API transaction payload (StoreKit 2). Timestamps are
// milliseconds since epoch.
type transactionPayload struct {
	TransactionID         string    `json:"transactionId"`
	OriginalTransactionID string    `json:"originalTransactionId"`
	ProductID             string    `json:"productId"`
	BundleID              string    `json:"bundleId"`
	PurchaseDate          flexInt64 `json:"purchaseDate"`
	ExpiresDate           flexInt64 `json:"expiresDate"`
	RevocationDate        flexInt64 `json:"revocationDate"`
	RevocationReason      *int      `json:"revocationReason"`
	Environment           string    `json:"environment"`
	Type                  string    `json:"type"`
}

type renewalPayload struct {
	OriginalTransactionID  string    `json:"originalTransactionId"`
	AutoRenewProductID     string    `json:"autoRenewProductId"`
	AutoRenewStatus        flexBool  `json:"autoRenewStatus"`
	GracePeriodExpiresDate flexInt64 `json:"gracePeriodExpiresDate"`
	IsInBillingRetryPeriod flexBool  `json:"isInBillingRetryPeriod"`
	ExpirationIntent       flexInt64 `json:"expirationIntent"`
	Environment            string    `json:"environment"`
}

// Notification V2 envelope and decoded payload.
type notificationV2 struct {
	SignedPayload string `json:"signedPayload"`
}

type notificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Data             notificationData `json:"data"`
}

type notificationData struct {
	BundleID          string `json:"bundleId"`
	Environment       string `json:"environment"`
	SignedTransaction string `json:"signedTransactionInfo"`
	SignedRenewalInfo string `json:"signedRenewalInfo"`
}

// flexInt64 decodes the field whether Apple sent it as a JSON number or a
// numeric string. Both forms appear in the wild, sometimes in the same
// response.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// tolerate float encodings like 1.7e12
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("parse numeric field %q: %w", s, err)
		}
		n = int64(fl)
	}
	*f = flexInt64(n)

	return nil
}

func (f flexInt64) Int64() int64 { return int64(f) }

// flexBool accepts true/false, 0/1, and their string forms. Apple encodes
// auto_renew_status as "1"/"0" in verifyReceipt but as a number in the
// Server API, and third-party relays have been seen forwarding real booleans.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var asBool bool
	if err := json.Unmarshal(b, &asBool); err == nil {
		*f = flexBool(asBool)
		return nil
	}
	var asNum json.Number
	if err := json.Unmarshal(b, &asNum); err == nil {
		n, nerr := asNum.Int64()
		if nerr == nil {
			*f = flexBool(n != 0)
			return nil
		}
	}
	var asStr string
	if err := json.Unmarshal(b, &asStr); err == nil {
		switch strings.ToLower(strings.TrimSpace(asStr)) {
		case "1", "true", "yes":
			*f = true
		default:
			*f = false
		}
		return nil
	}

	return fmt.Errorf("unsupported boolean encoding: %s", string(b))
}

func (f flexBool) Bool() bool { return bool(f) }
