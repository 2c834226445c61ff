package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-core/internal/domain/auth"
	"github.com/xenking/marketplace-core/pkg/httpmiddleware"
)

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

var errUnauthorized = errors.New("unauthorized")

// SecurityHandler authenticates requests via HMAC-SHA256 hashed API keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate resolves a raw API key. Every failure is reported as
// unauthorized so that callers cannot tell unknown keys from bad rows.
func (s *SecurityHandler) Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hexHash := auth.HashKey(s.pepper, key)

	info, err := s.apikeys.FindByHash(ctx, hexHash)
	if err != nil || info == nil {
		return nil, errUnauthorized
	}

	// The stored hash must match what we computed even though the lookup
	// used it.
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, errUnauthorized
	}
	computed, _ := hex.DecodeString(hexHash)
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}

// Require authenticates the request and admits it when the key holds any of
// scopes. The key is available downstream through auth.PrincipalFrom.
func (s *SecurityHandler) Require(scopes ...string) httpmiddleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, err := s.Authenticate(ctx, r.Header.Get(HeaderAPIKey))
			if err != nil {
				httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !hasAnyScope(info, scopes) {
				zctx.From(ctx).Warn("API key lacks scope",
					zap.String("api_key_id", info.ID),
					zap.Strings("required", scopes),
				)
				httpmiddleware.WriteError(w, http.StatusForbidden, "insufficient scope")
				return
			}

			ctx = auth.WithPrincipal(ctx, info)
			ctx = zctx.Base(ctx, zctx.From(ctx).With(zap.String("api_key_id", info.ID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasAnyScope(info *auth.APIKeyInfo, scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if info.HasScope(s) {
			return true
		}
	}
	return false
}
