// Package auth verifies OIDC ID tokens presented as bearer credentials.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier checks ID tokens issued for this service.
type OIDCVerifier struct {
	verifier       *oidc.IDTokenVerifier
	allowedDomains []string
}

// OIDCClaims represents the claims from an ID token.
type OIDCClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// NewOIDCVerifier creates a verifier using the issuer's discovery document.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string, allowedDomains []string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return newVerifier(provider.Verifier(&oidc.Config{ClientID: clientID}), allowedDomains), nil
}

// NewStaticOIDCVerifier creates a verifier from a fixed key set, for issuers
// without discovery and for tests.
func NewStaticOIDCVerifier(issuerURL, clientID string, keySet oidc.KeySet, allowedDomains []string) *OIDCVerifier {
	return newVerifier(oidc.NewVerifier(issuerURL, keySet, &oidc.Config{ClientID: clientID}), allowedDomains)
}

func newVerifier(v *oidc.IDTokenVerifier, allowedDomains []string) *OIDCVerifier {
	return &OIDCVerifier{verifier: v, allowedDomains: allowedDomains}
}

// Verify checks the token signature, issuer, audience and expiry, then the
// domain restriction.
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (*OIDCClaims, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if err := v.ValidateClaims(&claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// ValidateClaims checks if the claims meet requirements (e.g., domain restriction).
func (v *OIDCVerifier) ValidateClaims(claims *OIDCClaims) error {
	if claims.Email == "" {
		return fmt.Errorf("email claim is required")
	}

	// Check domain restriction if configured
	if len(v.allowedDomains) > 0 {
		emailParts := strings.Split(claims.Email, "@")
		if len(emailParts) != 2 {
			return fmt.Errorf("invalid email format")
		}
		domain := strings.ToLower(emailParts[1])

		allowed := false
		for _, d := range v.allowedDomains {
			if strings.ToLower(d) == domain {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("email domain %s is not allowed", domain)
		}
	}

	return nil
}
