package appstore

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// serverAPIToken mints and caches the ES256 bearer token the App Store
// Server API requires. Tokens are valid for up to an hour; we renew a little
// early so an in-flight request never carries an expired one.
type serverAPIToken struct {
	keyID    string
	issuerID string
	bundleID string
	key      *ecdsa.PrivateKey

	mu      sync.Mutex
	current string
	expires time.Time
}

func newServerAPIToken(keyID, issuerID, bundleID string, pemKey []byte) (*serverAPIToken, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse app store api key: %w", err)
	}

	return &serverAPIToken{
		keyID:    keyID,
		issuerID: issuerID,
		bundleID: bundleID,
		key:      key,
	}, nil
}

func (t *serverAPIToken) bearer(now time.Time) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != "" && now.Before(t.expires.Add(-2*time.Minute)) {
		return t.current, nil
	}

	expires := now.Add(55 * time.Minute)
	claims := jwt.MapClaims{
		"iss": t.issuerID,
		"iat": now.Unix(),
		"exp": expires.Unix(),
		"aud": "appstoreconnect-v1",
		"bid": t.bundleID,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = t.keyID

	signed, err := tok.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign app store api token: %w", err)
	}

	t.current = signed
	t.expires = expires

	return signed, nil
}
