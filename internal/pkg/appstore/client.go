// Package appstore talks to Apple: the legacy verifyReceipt endpoint, the
// App Store Server API and the signed payloads carried by App Store Server
// Notifications V2. All results are normalized into store.Snapshot.
package appstore

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

const (
	productionVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"
	sandboxVerifyURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	productionAPIURL = "https://api.storekit.itunes.apple.com"
	sandboxAPIURL    = "https://api.storekit-sandbox.itunes.apple.com"

	defaultMaxRetries      = 3
	defaultBaseDelay       = 500 * time.Millisecond
	defaultMaxReceiptBytes = 1 << 20
)

// Config carries the Apple credentials and endpoint overrides.
type Config struct {
	BundleID     string
	SharedSecret string

	// App Store Server API credentials. Optional; transaction lookup and
	// signed payload handling still work for notification processing when
	// only the bundle id is set.
	IssuerID      string
	KeyID         string
	PrivateKeyPEM []byte

	// Endpoint overrides, used by tests.
	VerifyURL        string
	SandboxVerifyURL string
	APIURL           string
	SandboxAPIURL    string

	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration

	// PreferredEnvironment is the store the receipt ladder tries first.
	// Production unless set to store.EnvironmentSandbox, which saves the
	// extra round trip for builds that only ever see sandbox receipts.
	PreferredEnvironment string

	// MaxReceiptBytes caps the accepted base64 receipt size.
	MaxReceiptBytes int

	// Roots pins the certificate authorities trusted for JWS chains. When
	// empty the chain's own root anchors verification.
	Roots *x509.CertPool
}

// Client verifies Apple purchases.
type Client struct {
	cfg   Config
	http  *http.Client
	token *serverAPIToken
	now   func() time.Time
	sleep func(time.Duration)
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BundleID == "" {
		return nil, fmt.Errorf("appstore: bundle id is required")
	}
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = productionVerifyURL
	}
	if cfg.SandboxVerifyURL == "" {
		cfg.SandboxVerifyURL = sandboxVerifyURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = productionAPIURL
	}
	if cfg.SandboxAPIURL == "" {
		cfg.SandboxAPIURL = sandboxAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxReceiptBytes <= 0 {
		cfg.MaxReceiptBytes = defaultMaxReceiptBytes
	}
	if cfg.PreferredEnvironment == "" {
		cfg.PreferredEnvironment = store.EnvironmentProduction
	}

	c := &Client{
		cfg:   cfg,
		http:  cfg.HTTPClient,
		now:   time.Now,
		sleep: time.Sleep,
	}

	if len(cfg.PrivateKeyPEM) > 0 {
		tok, err := newServerAPIToken(cfg.KeyID, cfg.IssuerID, cfg.BundleID, cfg.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		c.token = tok
	}

	return c, nil
}

// VerifyReceipt validates a base64 receipt and returns the snapshot of the
// best subscription transaction inside it, filtered to productID when one is
// given. The ladder starts in the configured preferred environment, then
// follows Apple's status codes: a sandbox receipt sent to production (21007)
// is retried once against sandbox, and the reverse (21008) once against
// production.
func (c *Client) VerifyReceipt(ctx context.Context, receiptData, productID string) (*store.Snapshot, error) {
	if len(receiptData) > c.cfg.MaxReceiptBytes {
		return nil, fmt.Errorf("%w: receipt exceeds %d bytes", store.ErrRejected, c.cfg.MaxReceiptBytes)
	}

	firstURL, firstEnv := c.cfg.VerifyURL, store.EnvironmentProduction
	if c.cfg.PreferredEnvironment == store.EnvironmentSandbox {
		firstURL, firstEnv = c.cfg.SandboxVerifyURL, store.EnvironmentSandbox
	}

	resp, env, err := c.verifyAgainst(ctx, firstURL, firstEnv, receiptData)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case statusSandboxReceipt:
		resp, env, err = c.verifyAgainst(ctx, c.cfg.SandboxVerifyURL, store.EnvironmentSandbox, receiptData)
	case statusProductionReceipt:
		resp, env, err = c.verifyAgainst(ctx, c.cfg.VerifyURL, store.EnvironmentProduction, receiptData)
	}
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case statusOK, statusExpiredButValid:
		// fall through to snapshot extraction
	case statusMalformedJSON, statusMalformedReceipt, statusUnauthenticated,
		statusSharedSecretInvalid, statusUnauthorized:
		return nil, fmt.Errorf("%w: verifyReceipt status %d", store.ErrRejected, resp.Status)
	default:
		return nil, fmt.Errorf("%w: verifyReceipt status %d", store.ErrUnavailable, resp.Status)
	}

	if resp.Receipt.BundleID != "" && resp.Receipt.BundleID != c.cfg.BundleID {
		return nil, fmt.Errorf("%w: receipt bundle %q does not match %q",
			store.ErrRejected, resp.Receipt.BundleID, c.cfg.BundleID)
	}

	if e := normalizeEnvironment(resp.Environment); e != "" {
		env = e
	}

	return c.snapshotFromReceipt(resp, env, productID)
}

// verifyAgainst posts the receipt to one environment, retrying with backoff
// while Apple reports its validation service unavailable (21005).
func (c *Client) verifyAgainst(ctx context.Context, url, env, receiptData string) (*verifyReceiptResponse, string, error) {
	body, err := json.Marshal(verifyReceiptRequest{
		ReceiptData:            receiptData,
		Password:               c.cfg.SharedSecret,
		ExcludeOldTransactions: false,
	})
	if err != nil {
		return nil, env, fmt.Errorf("encode verifyReceipt request: %w", err)
	}

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, env, fmt.Errorf("%w: %v", store.ErrUnavailable, ctx.Err())
			default:
			}
			c.sleep(delay)
		}

		resp, err := c.postJSON(ctx, url, body)
		if err != nil {
			log.Printf("[AppStore] verifyReceipt %s attempt %d failed: %v", env, attempt+1, err)
			continue
		}

		if resp.Status != statusServerUnavailable {
			return resp, env, nil
		}
		log.Printf("[AppStore] verifyReceipt %s attempt %d: status 21005, retrying", env, attempt+1)
	}

	return nil, env, fmt.Errorf("%w: verifyReceipt %s exhausted retries", store.ErrUnavailable, env)
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte) (*verifyReceiptResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifyReceipt http status %d", httpResp.StatusCode)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp verifyReceiptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode verifyReceipt response: %w", err)
	}

	return &resp, nil
}

// snapshotFromReceipt picks the transaction with the greatest expiry
// (purchase date breaking ties) across latest_receipt_info, falling back to
// the receipt's in_app list for very old receipts.
func (c *Client) snapshotFromReceipt(resp *verifyReceiptResponse, env, productID string) (*store.Snapshot, error) {
	candidates := resp.LatestReceiptInfo
	if len(candidates) == 0 {
		candidates = resp.Receipt.InApp
	}
	if productID != "" {
		matching := candidates[:0:0]
		for _, txn := range candidates {
			if txn.ProductID == productID {
				matching = append(matching, txn)
			}
		}
		candidates = matching
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: receipt contains no matching transactions", store.ErrRejected)
	}

	best := candidates[0]
	for _, txn := range candidates[1:] {
		if txn.ExpiresDateMS.Int64() > best.ExpiresDateMS.Int64() ||
			(txn.ExpiresDateMS.Int64() == best.ExpiresDateMS.Int64() &&
				txn.PurchaseDateMS.Int64() > best.PurchaseDateMS.Int64()) {
			best = txn
		}
	}

	snap := &store.Snapshot{
		Provider:              store.ProviderApple,
		ProductID:             best.ProductID,
		TransactionID:         best.TransactionID,
		OriginalTransactionID: best.OriginalTransactionID,
		PurchaseDate:          store.MillisToTime(best.PurchaseDateMS.Int64()),
		ExpiryDate:            store.MillisToTime(best.ExpiresDateMS.Int64()),
		RevocationDate:        store.MillisToTime(best.CancellationDateMS.Int64()),
		Revoked:               best.CancellationDateMS.Int64() > 0,
		Environment:           env,
	}
	if snap.Revoked {
		reason := int(best.CancellationReason.Int64())
		snap.CancelReason = &reason
	}

	c.applyRenewalInfo(snap, resp.PendingRenewalInfo)

	return snap, nil
}

// applyRenewalInfo merges the pending_renewal_info entry for the snapshot's
// purchase into it: auto-renew flag and, for lapsed subscriptions in billing
// retry, the grace period end.
func (c *Client) applyRenewalInfo(snap *store.Snapshot, renewals []pendingRenewal) {
	for _, r := range renewals {
		if r.OriginalTransactionID != "" && r.OriginalTransactionID != snap.OriginalTransactionID {
			continue
		}
		if r.OriginalTransactionID == "" && r.ProductID != snap.ProductID {
			continue
		}
		snap.AutoRenewing = r.AutoRenewStatus.Bool()
		snap.InBillingRetry = r.IsInBillingRetryPeriod.Bool()
		if until := store.MillisToTime(r.GracePeriodExpiresMS.Int64()); until != nil {
			snap.GraceUntil = until
		}

		return
	}
}

// GetTransaction fetches a single transaction through the App Store Server
// API. A production 404 falls back to the sandbox host once, which covers
// TestFlight and review builds. The renewal facts (auto-renew, grace) come
// from the subscription statuses endpoint of whichever host answered.
func (c *Client) GetTransaction(ctx context.Context, transactionID, productID string) (*store.Snapshot, error) {
	if c.token == nil {
		return nil, fmt.Errorf("appstore: server api credentials not configured")
	}

	base := c.cfg.APIURL
	signed, status, err := c.fetchSignedTransaction(ctx, base, transactionID)
	if status == http.StatusNotFound {
		base = c.cfg.SandboxAPIURL
		signed, status, err = c.fetchSignedTransaction(ctx, base, transactionID)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound || status == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: transaction lookup status %d", store.ErrRejected, status)
	default:
		return nil, fmt.Errorf("%w: transaction lookup status %d", store.ErrUnavailable, status)
	}

	snap, err := c.snapshotFromSignedTransaction(signed)
	if err != nil {
		return nil, err
	}
	if productID != "" && snap.ProductID != productID {
		return nil, fmt.Errorf("%w: transaction product %q does not match %q",
			store.ErrRejected, snap.ProductID, productID)
	}

	c.applySubscriptionStatuses(ctx, base, transactionID, snap)

	return snap, nil
}

// applySubscriptionStatuses scans the subscription statuses for the
// transaction and copies auto-renew and grace facts onto the snapshot. Best
// effort: the transaction already carries the authoritative dates.
func (c *Client) applySubscriptionStatuses(ctx context.Context, base, transactionID string, snap *store.Snapshot) {
	bearer, err := c.token.bearer(c.now())
	if err != nil {
		log.Printf("[AppStore] subscription statuses for %s skipped: %v", transactionID, err)
		return
	}

	url := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", base, transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	httpResp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[AppStore] subscription statuses for %s failed: %v", transactionID, err)
		return
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, httpResp.Body)
		return
	}

	var body struct {
		Data []struct {
			LastTransactions []struct {
				SignedTransactionInfo string `json:"signedTransactionInfo"`
				SignedRenewalInfo     string `json:"signedRenewalInfo"`
			} `json:"lastTransactions"`
		} `json:"data"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		log.Printf("[AppStore] decode subscription statuses for %s failed: %v", transactionID, err)
		return
	}

	var bestExpiry int64
	var bestRenewal string
	for _, group := range body.Data {
		for _, last := range group.LastTransactions {
			var txn transactionPayload
			if err := c.decodeSigned(last.SignedTransactionInfo, &txn); err != nil {
				continue
			}
			if txn.ProductID != snap.ProductID {
				continue
			}
			if txn.ExpiresDate.Int64() >= bestExpiry {
				bestExpiry = txn.ExpiresDate.Int64()
				bestRenewal = last.SignedRenewalInfo
			}
		}
	}
	if bestRenewal == "" {
		return
	}

	var renewal renewalPayload
	if err := c.decodeSigned(bestRenewal, &renewal); err != nil {
		log.Printf("[AppStore] renewal info for %s rejected: %v", transactionID, err)
		return
	}

	snap.AutoRenewing = renewal.AutoRenewStatus.Bool()
	snap.InBillingRetry = renewal.IsInBillingRetryPeriod.Bool()
	if until := store.MillisToTime(renewal.GracePeriodExpiresDate.Int64()); until != nil {
		snap.GraceUntil = until
	}
}

func (c *Client) fetchSignedTransaction(ctx context.Context, base, transactionID string) (string, int, error) {
	bearer, err := c.token.bearer(c.now())
	if err != nil {
		return "", 0, err
	}

	url := fmt.Sprintf("%s/inApps/v1/transactions/%s", base, transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, httpResp.Body)
		return "", httpResp.StatusCode, nil
	}

	var body struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return "", httpResp.StatusCode, fmt.Errorf("decode transaction response: %w", err)
	}

	return body.SignedTransactionInfo, httpResp.StatusCode, nil
}

func (c *Client) snapshotFromSignedTransaction(signed string) (*store.Snapshot, error) {
	var txn transactionPayload
	if err := c.decodeSigned(signed, &txn); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrRejected, err)
	}

	if txn.BundleID != "" && txn.BundleID != c.cfg.BundleID {
		return nil, fmt.Errorf("%w: transaction bundle %q does not match %q",
			store.ErrRejected, txn.BundleID, c.cfg.BundleID)
	}

	snap := &store.Snapshot{
		Provider:              store.ProviderApple,
		ProductID:             txn.ProductID,
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		PurchaseDate:          store.MillisToTime(txn.PurchaseDate.Int64()),
		ExpiryDate:            store.MillisToTime(txn.ExpiresDate.Int64()),
		RevocationDate:        store.MillisToTime(txn.RevocationDate.Int64()),
		Revoked:               txn.RevocationDate.Int64() > 0,
		CancelReason:          txn.RevocationReason,
		Environment:           normalizeEnvironment(txn.Environment),
	}

	return snap, nil
}

// Notification is a decoded App Store Server Notification V2.
type Notification struct {
	Type     string
	Subtype  string
	UUID     string
	Snapshot *store.Snapshot
}

// DecodeNotification verifies and unpacks a V2 notification body. Sandbox
// and production payloads are both accepted; the environment ends up on the
// snapshot so storage can keep them apart.
func (c *Client) DecodeNotification(body []byte) (*Notification, error) {
	var envelope notificationV2
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode notification envelope: %v", store.ErrRejected, err)
	}
	if envelope.SignedPayload == "" {
		return nil, fmt.Errorf("%w: notification has no signedPayload", store.ErrRejected)
	}

	var payload notificationPayload
	if err := c.decodeSigned(envelope.SignedPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrRejected, err)
	}

	if payload.Data.BundleID != "" && payload.Data.BundleID != c.cfg.BundleID {
		return nil, fmt.Errorf("%w: notification bundle %q does not match %q",
			store.ErrRejected, payload.Data.BundleID, c.cfg.BundleID)
	}

	n := &Notification{
		Type:    payload.NotificationType,
		Subtype: payload.Subtype,
		UUID:    payload.NotificationUUID,
	}

	if payload.Data.SignedTransaction != "" {
		snap, err := c.snapshotFromSignedTransaction(payload.Data.SignedTransaction)
		if err != nil {
			return nil, err
		}
		if env := normalizeEnvironment(payload.Data.Environment); env != "" && snap.Environment == "" {
			snap.Environment = env
		}
		n.Snapshot = snap
	}

	if n.Snapshot != nil && payload.Data.SignedRenewalInfo != "" {
		var renewal renewalPayload
		if err := c.decodeSigned(payload.Data.SignedRenewalInfo, &renewal); err != nil {
			// renewal info is supplementary; the transaction already carries
			// the authoritative dates
			log.Printf("[AppStore] notification %s: renewal info rejected: %v", n.UUID, err)
		} else {
			n.Snapshot.AutoRenewing = renewal.AutoRenewStatus.Bool()
			n.Snapshot.InBillingRetry = renewal.IsInBillingRetryPeriod.Bool()
			if until := store.MillisToTime(renewal.GracePeriodExpiresDate.Int64()); until != nil {
				n.Snapshot.GraceUntil = until
			}
		}
	}

	return n, nil
}

func normalizeEnvironment(env string) string {
	switch strings.ToLower(env) {
	case "sandbox", "xcode":
		return store.EnvironmentSandbox
	case "production", "prod":
		return store.EnvironmentProduction
	}

	return ""
}
