// Package products holds the allow-list of subscription products the app
// sells. Receipts and notifications that name a product outside this list are
// never persisted.
package products

import (
	"fmt"
	"sort"
	"strings"
)

// Policy is the immutable set of product identifiers accepted by the
// verification and webhook paths. Build one at startup from configuration.
type Policy struct {
	allowed map[string]struct{}
}

// NewPolicy builds a policy from explicit product identifiers. Blank entries
// are dropped, surrounding whitespace is trimmed.
func NewPolicy(productIDs ...string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(productIDs))}
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		p.allowed[id] = struct{}{}
	}

	return p
}

// NewPolicyFromCSV parses a comma separated allow-list, the form the value
// takes in the environment (PRODUCT_IDS=pro.monthly,pro.yearly).
func NewPolicyFromCSV(csv string) *Policy {
	return NewPolicy(strings.Split(csv, ",")...)
}

// IsAllowed reports whether the product identifier is sold by the app.
func (p *Policy) IsAllowed(productID string) bool {
	_, ok := p.allowed[productID]

	return ok
}

// RequireAllowed returns ErrUnknownProduct when the identifier is not in the
// allow-list.
func (p *Policy) RequireAllowed(productID string) error {
	if !p.IsAllowed(productID) {
		return &UnknownProductError{ProductID: productID}
	}

	return nil
}

// IDs returns the allow-list sorted, for logging and health output.
func (p *Policy) IDs() []string {
	ids := make([]string, 0, len(p.allowed))
	for id := range p.allowed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// UnknownProductError marks a product identifier outside the allow-list.
type UnknownProductError struct {
	ProductID string
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("unknown product: %s", e.ProductID)
}

// IsUnknownProduct reports whether err is an UnknownProductError.
func IsUnknownProduct(err error) bool {
	_, ok := err.(*UnknownProductError)

	return ok
}
