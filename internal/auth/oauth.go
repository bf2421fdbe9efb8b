// Package auth provides OIDC bearer-token authentication for the appflow API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrInvalidToken is returned when a token fails both ID-token and userinfo
// verification.
var ErrInvalidToken = errors.New("invalid token")

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	ClientID     string
	ClientSecret string

	// SkipIssuerCheck disables issuer validation (use only for testing)
	SkipIssuerCheck bool
}

// Provider verifies bearer tokens against an OIDC issuer.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewProvider fetches the issuer's discovery document and builds a verifier.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
	})
	return &Provider{provider: provider, verifier: verifier}, nil
}

// Verify accepts a JWT ID token, falling back to the userinfo endpoint for
// opaque access tokens.
func (p *Provider) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	claims, err := p.verifyIDToken(ctx, rawToken)
	if err == nil {
		return claims, nil
	}
	claims, uerr := p.verifyAccessToken(ctx, rawToken)
	if uerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (p *Provider) verifyIDToken(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims := &Claims{}
	if err := idToken.Claims(claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	var extra map[string]interface{}
	if err := idToken.Claims(&extra); err == nil {
		claims.Extra = extra
	}
	claims.Issuer = idToken.Issuer
	claims.Expiry = idToken.Expiry
	return claims, nil
}

func (p *Provider) verifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	claims := &Claims{
		Subject:       userInfo.Subject,
		Email:         userInfo.Email,
		EmailVerified: userInfo.EmailVerified,
	}
	var extra map[string]interface{}
	if err := userInfo.Claims(&extra); err == nil {
		claims.Extra = extra
		claims.Name, _ = extra["name"].(string)
		claims.Groups = stringList(extra["groups"])
		claims.Roles = stringList(extra["roles"])
	}
	return claims, nil
}

// Claims is the authenticated caller.
type Claims struct {
	Subject       string   `json:"sub"`
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	Roles         []string `json:"roles,omitempty"`

	Issuer string    `json:"-"`
	Expiry time.Time `json:"-"`

	// Extra holds every claim the token carried, including custom ones.
	Extra map[string]interface{} `json:"-"`
}

// HasRole checks if the user has a specific role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsExpired checks if the token has expired.
func (c *Claims) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}

// profileClaims are custom claims copied into the execution user profile
// under their camelCase names.
var profileClaims = map[string]string{
	"data_consent":   "dataConsent",
	"dataConsent":    "dataConsent",
	"data_residency": "dataResidency",
	"dataResidency":  "dataResidency",
	"locale":         "locale",
}

// Profile returns the user profile made available to guardrails and
// `user.` references.
func (c *Claims) Profile() map[string]interface{} {
	profile := map[string]interface{}{
		"id": c.Subject,
	}
	if c.Name != "" {
		profile["name"] = c.Name
	}
	if c.Email != "" {
		profile["email"] = c.Email
	}
	if len(c.Groups) > 0 {
		profile["groups"] = c.Groups
	}
	if len(c.Roles) > 0 {
		profile["roles"] = c.Roles
	}
	for claim, key := range profileClaims {
		if v, ok := c.Extra[claim]; ok {
			profile[key] = v
		}
	}
	return profile
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
