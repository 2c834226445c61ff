package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"slices"
)

// Scopes granted to API keys.
const (
	ScopeOrders      = "orders"
	ScopeFulfillment = "fulfillment"
	ScopePharmacist  = "pharmacist"
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID         string
	KeyHash    string
	Name       string
	CustomerID string
	Scopes     []string
}

// HasScope reports whether the key was granted scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex HMAC-SHA256 of key under pepper. Only hashes are
// stored.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

type principalKey struct{}

// WithPrincipal stores the authenticated key in ctx.
func WithPrincipal(ctx context.Context, info *APIKeyInfo) context.Context {
	return context.WithValue(ctx, principalKey{}, info)
}

// PrincipalFrom returns the authenticated key, if any.
func PrincipalFrom(ctx context.Context) (*APIKeyInfo, bool) {
	info, ok := ctx.Value(principalKey{}).(*APIKeyInfo)
	return info, ok && info != nil
}
