package playstore

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/cache"
)

const (
	androidPublisherScope = "https://www.googleapis.com/auth/androidpublisher"
	jwtBearerGrantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	redisTokenKey = "playstore:access_token"
)

// TokenCache shares minted access tokens across instances. Implementations
// must tolerate misses; the source falls back to minting.
type TokenCache interface {
	Get(key string) (string, bool)
	Put(key, value string, ttl time.Duration)
	Delete(key string)
}

// RedisTokenCache stores tokens in the shared Redis cache.
type RedisTokenCache struct{}

func (RedisTokenCache) Get(key string) (string, bool) {
	val, err := cache.Get(key)
	if err != nil || val == "" {
		return "", false
	}
	return val, true
}

func (RedisTokenCache) Put(key, value string, ttl time.Duration) {
	_ = cache.Set(key, value, ttl)
}

func (RedisTokenCache) Delete(key string) {
	_ = cache.Delete(key)
}

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// tokenSource mints OAuth access tokens from a Google service account key
// via the JWT bearer grant and caches them until shortly before expiry.
type tokenSource struct {
	account serviceAccount
	key     *rsa.PrivateKey
	http    *http.Client
	shared  TokenCache
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(credentialsJSON []byte, httpClient *http.Client, shared TokenCache) (*tokenSource, error) {
	var account serviceAccount
	if err := json.Unmarshal(credentialsJSON, &account); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if account.ClientEmail == "" || account.PrivateKey == "" {
		return nil, fmt.Errorf("service account key is missing client_email or private_key")
	}
	if account.TokenURI == "" {
		account.TokenURI = "https://oauth2.googleapis.com/token"
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}

	return &tokenSource{
		account: account,
		key:     key,
		http:    httpClient,
		shared:  shared,
		now:     time.Now,
	}, nil
}

func (t *tokenSource) accessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.token != "" && now.Before(t.expires.Add(-time.Minute)) {
		return t.token, nil
	}

	if t.shared != nil {
		if cached, ok := t.shared.Get(redisTokenKey); ok {
			t.token = cached
			// shared entries expire server-side; keep a short local window
			t.expires = now.Add(2 * time.Minute)
			return cached, nil
		}
	}

	token, ttl, err := t.mint(ctx, now)
	if err != nil {
		return "", err
	}

	t.token = token
	t.expires = now.Add(ttl)
	if t.shared != nil {
		t.shared.Put(redisTokenKey, token, ttl-time.Minute)
	}

	return token, nil
}

// invalidate drops the cached token after the API answered 401/403, forcing
// the next call to mint a fresh one.
func (t *tokenSource) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.token = ""
	t.expires = time.Time{}
	if t.shared != nil {
		t.shared.Delete(redisTokenKey)
	}
}

func (t *tokenSource) mint(ctx context.Context, now time.Time) (string, time.Duration, error) {
	claims := jwt.MapClaims{
		"iss":   t.account.ClientEmail,
		"scope": androidPublisherScope,
		"aud":   t.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return "", 0, fmt.Errorf("sign oauth assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.account.TokenURI,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token exchange status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("token response carries no access_token")
	}

	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return body.AccessToken, ttl, nil
}
