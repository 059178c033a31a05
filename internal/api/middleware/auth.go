package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/bcnelson/waf-blocklist-manager/internal/auth"
	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/charmbracelet/log"
)

type contextKey string

const APIKeyContextKey contextKey = "api_key"

// TokenVerifier validates bearer ID tokens. *auth.OIDCVerifier implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*auth.OIDCClaims, error)
}

// Auth creates authentication middleware. Bearer credentials are tried as the
// bootstrap key (only while no API keys exist), then as a stored API key, then
// as an OIDC ID token when verifier is non-nil.
func Auth(store storage.Storage, bootstrapKey string, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract the API key from the Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, "invalid authorization header format")
				return
			}

			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			if apiKey == "" {
				unauthorized(w, "empty API key")
				return
			}

			ctx := r.Context()

			// Check if we have any API keys in the database
			keyCount, err := store.CountAPIKeys(ctx)
			if err != nil {
				log.Error("Counting API keys failed", "error", err)
				internalError(w)
				return
			}

			// If no keys exist and bootstrap key is set, allow bootstrap key
			if keyCount == 0 && bootstrapKey != "" {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(bootstrapKey)) == 1 {
					ctx = context.WithValue(ctx, APIKeyContextKey, &domain.APIKey{
						ID:   "bootstrap",
						Name: "Bootstrap Key",
					})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			// Hash the provided key and look it up
			storedKey, err := store.GetAPIKeyByHash(ctx, hashAPIKey(apiKey))
			switch {
			case err == nil:
				// Update last used timestamp (fire and forget)
				go func() {
					_ = store.UpdateAPIKeyLastUsed(context.Background(), storedKey.ID)
				}()
				ctx = context.WithValue(ctx, APIKeyContextKey, storedKey)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			case !errors.Is(err, domain.ErrNotFound):
				log.Error("Looking up API key failed", "error", err)
				internalError(w)
				return
			}

			if verifier != nil {
				claims, err := verifier.Verify(ctx, apiKey)
				if err == nil {
					ctx = context.WithValue(ctx, APIKeyContextKey, &domain.APIKey{
						ID:   "oidc:" + claims.Subject,
						Name: claims.Email,
					})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				log.Debug("Bearer token rejected", "error", err)
			}

			unauthorized(w, "invalid API key")
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	http.Error(w, `{"error":{"code":"`+domain.ErrCodeUnauthorized+`","message":"`+message+`"}}`, http.StatusUnauthorized)
}

func internalError(w http.ResponseWriter) {
	http.Error(w, `{"error":{"code":"`+domain.ErrCodeInternalError+`","message":"internal server error"}}`, http.StatusInternalServerError)
}

// hashAPIKey creates a SHA-256 hash of the API key.
// We use SHA-256 for fast lookups since API keys are already high-entropy random strings.
func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GetAPIKeyFromContext retrieves the API key from the request context.
func GetAPIKeyFromContext(ctx context.Context) *domain.APIKey {
	key, _ := ctx.Value(APIKeyContextKey).(*domain.APIKey)
	return key
}
