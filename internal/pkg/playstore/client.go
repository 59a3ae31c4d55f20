// Package playstore talks to the Google Play Developer API for subscription
// purchases and decodes Real-Time Developer Notifications. Results are
// normalized into store.Snapshot.
package playstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
)

const (
	defaultBaseURL    = "https://androidpublisher.googleapis.com"
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond

	// Play console default for the billing grace window.
	defaultGracePeriod = 16 * 24 * time.Hour
)

// Config carries the Play credentials and endpoint overrides.
type Config struct {
	PackageName     string
	CredentialsJSON []byte

	// BaseURL override, used by tests.
	BaseURL string

	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration

	// GracePeriod is how long past expiry a pending payment keeps the user
	// entitled, matching the grace window configured in the Play console.
	GracePeriod time.Duration

	// TokenCache shares access tokens across instances. nil keeps tokens
	// process-local.
	TokenCache TokenCache
}

// Client verifies Google Play subscription purchases.
type Client struct {
	cfg   Config
	http  *http.Client
	token *tokenSource
	sleep func(time.Duration)
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.PackageName == "" {
		return nil, fmt.Errorf("playstore: package name is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
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
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}

	token, err := newTokenSource(cfg.CredentialsJSON, cfg.HTTPClient, cfg.TokenCache)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:   cfg,
		http:  cfg.HTTPClient,
		token: token,
		sleep: time.Sleep,
	}, nil
}

// subscriptionPurchase mirrors the purchases.subscriptions resource. Google
// encodes the millisecond timestamps as strings.
type subscriptionPurchase struct {
	StartTimeMillis            googleMillis `json:"startTimeMillis"`
	ExpiryTimeMillis           googleMillis `json:"expiryTimeMillis"`
	UserCancellationTimeMillis googleMillis `json:"userCancellationTimeMillis"`
	AutoResumeTimeMillis       googleMillis `json:"autoResumeTimeMillis"`
	AutoRenewing               bool         `json:"autoRenewing"`
	PaymentState               *int         `json:"paymentState"`
	CancelReason               *int         `json:"cancelReason"`
	AcknowledgementState       int          `json:"acknowledgementState"`
	PurchaseType               *int         `json:"purchaseType"`
	OrderID                    string       `json:"orderId"`
	LinkedPurchaseToken        string       `json:"linkedPurchaseToken"`
}

// VerifySubscription resolves a purchase token through
// purchases.subscriptions.get, acknowledges it when Google still expects an
// acknowledgement, and returns the snapshot. A purchase without a positive
// expiry is rejected, it is not a subscription we can grant anything for.
func (c *Client) VerifySubscription(ctx context.Context, subscriptionID, purchaseToken string) (*store.Snapshot, error) {
	endpoint := fmt.Sprintf(
		"%s/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.PackageName),
		url.PathEscape(subscriptionID),
		url.PathEscape(purchaseToken),
	)

	body, err := c.doAuthorized(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}

	var purchase subscriptionPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, fmt.Errorf("decode subscription purchase: %w", err)
	}

	if purchase.ExpiryTimeMillis.Int64() <= 0 {
		return nil, fmt.Errorf("%w: purchase has no expiry time", store.ErrRejected)
	}

	env := store.EnvironmentProduction
	if purchase.PurchaseType != nil {
		// purchaseType is only present for test and promo purchases
		env = store.EnvironmentSandbox
	}

	snap := &store.Snapshot{
		Provider:             store.ProviderGoogle,
		ProductID:            subscriptionID,
		PurchaseToken:        purchaseToken,
		TransactionID:        purchase.OrderID,
		PurchaseDate:         store.MillisToTime(purchase.StartTimeMillis.Int64()),
		ExpiryDate:           store.MillisToTime(purchase.ExpiryTimeMillis.Int64()),
		AutoRenewing:         purchase.AutoRenewing,
		AcknowledgementState: purchase.AcknowledgementState,
		CancelReason:         purchase.CancelReason,
		Environment:          env,
		Raw:                  string(body),
	}

	if until := store.MillisToTime(purchase.AutoResumeTimeMillis.Int64()); until != nil {
		snap.GraceUntil = until
	} else if purchase.AutoRenewing && purchase.PaymentState != nil && *purchase.PaymentState == 0 {
		// payment pending on a still-renewing subscription: Google keeps
		// the user entitled through the billing grace window
		snap.InBillingRetry = true
		until := snap.ExpiryDate.Add(c.cfg.GracePeriod)
		snap.GraceUntil = &until
	}

	if purchase.AcknowledgementState == 0 && purchase.PaymentState != nil && *purchase.PaymentState == 1 {
		if err := c.Acknowledge(ctx, subscriptionID, purchaseToken); err != nil {
			// acknowledgement is best effort, Google re-sends RTDNs and the
			// next verification retries it
			log.Printf("[PlayStore] acknowledge %s failed: %v", subscriptionID, err)
		} else {
			snap.AcknowledgementState = 1
		}
	}

	return snap, nil
}

// Acknowledge confirms receipt of a subscription purchase. Google refunds
// unacknowledged purchases after three days.
func (c *Client) Acknowledge(ctx context.Context, subscriptionID, purchaseToken string) error {
	endpoint := fmt.Sprintf(
		"%s/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s:acknowledge",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.PackageName),
		url.PathEscape(subscriptionID),
		url.PathEscape(purchaseToken),
	)

	_, err := c.doAuthorized(ctx, http.MethodPost, endpoint)

	return err
}

// doAuthorized performs an authenticated request. 401/403 invalidates the
// cached token and retries once with a fresh one; 429 and 5xx back off and
// retry within the attempt budget.
func (c *Client) doAuthorized(ctx context.Context, method, endpoint string) ([]byte, error) {
	refreshed := false

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, ctx.Err())
			default:
			}
			c.sleep(delay)
		}

		bearer, err := c.token.accessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}

		var reqBody io.Reader
		if method == http.MethodPost {
			reqBody = strings.NewReader("{}")
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		if method == http.MethodPost {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			log.Printf("[PlayStore] %s attempt %d failed: %v", method, attempt+1, err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			log.Printf("[PlayStore] %s attempt %d read failed: %v", method, attempt+1, readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if refreshed {
				return nil, fmt.Errorf("%w: play api status %d", store.ErrRejected, resp.StatusCode)
			}
			refreshed = true
			c.token.invalidate()
			attempt-- // the fresh-token retry does not consume the budget
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			log.Printf("[PlayStore] %s attempt %d: status %d, retrying", method, attempt+1, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: play api status %d", store.ErrRejected, resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("%w: play api exhausted retries", store.ErrUnavailable)
}

// googleMillis decodes millisecond timestamps that arrive as JSON strings.
type googleMillis int64

func (g *googleMillis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*g = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse millis %q: %w", s, err)
	}
	*g = googleMillis(n)

	return nil
}

func (g googleMillis) Int64() int64 { return int64(g) }
