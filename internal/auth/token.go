package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig configures shared-secret service tokens.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// TokenVerifier validates HS256 service tokens signed with a shared secret.
// Agents and other internal callers use these instead of OIDC tokens.
type TokenVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewTokenVerifier creates a verifier for cfg.
func NewTokenVerifier(cfg *TokenConfig) (*TokenVerifier, error) {
	if cfg == nil || cfg.Secret == "" {
		return nil, errors.New("service token secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &TokenVerifier{secret: []byte(cfg.Secret), opts: opts}, nil
}

// Verify parses and validates rawToken.
func (v *TokenVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	mc := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, mc, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{Extra: map[string]interface{}(mc)}
	claims.Subject, _ = mc.GetSubject()
	claims.Issuer, _ = mc.GetIssuer()
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		claims.Expiry = exp.Time
	}
	claims.Name, _ = mc["name"].(string)
	claims.Email, _ = mc["email"].(string)
	claims.Groups = stringList(mc["groups"])
	claims.Roles = stringList(mc["roles"])
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// SignToken issues an HS256 token for subject. Used by tooling and tests.
func SignToken(cfg *TokenConfig, subject string, claims map[string]interface{}) (string, error) {
	mc := jwt.MapClaims{"sub": subject}
	if cfg.Issuer != "" {
		mc["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		mc["aud"] = cfg.Audience
	}
	for k, val := range claims {
		mc[k] = val
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(cfg.Secret))
}

// Verifiers tries each verifier in order and returns the first success.
type Verifiers []Verifier

// Verify implements Verifier.
func (vs Verifiers) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	var errs []error
	for _, v := range vs {
		claims, err := v.Verify(ctx, rawToken)
		if err == nil {
			return claims, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrInvalidToken
	}
	return nil, errors.Join(errs...)
}
