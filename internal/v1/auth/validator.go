// Package auth validates the optional JWT a client presents when connecting.
// The hub runs fine without it: connections with no token stay anonymous and
// simply never match a room's creator id.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// CustomClaims are the claims the hub reads from a validated token: the
// subject becomes the authenticated user id (creator matching), name and
// email feed display-name fallbacks.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies JWTs against a JWKS endpoint with issuer and audience
// checks.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator builds a Validator for the given tenant domain. It registers
// the domain's JWKS URL in a refreshing cache (1 h interval) and fetches the
// keys once so a bad domain fails at startup, not on the first connection.
// Extra jwk.RegisterOptions are appended for tests.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch once to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		// Reject anything but RSA before touching the key material, closing
		// the HS256/RS256 confusion hole.
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and validates a JWT string, returning its claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	return claims, nil
}

// InsecureValidator is the development validator: it decodes the payload of
// whatever token it is handed without verifying the signature, so local
// frontends keep stable user ids. Never wire it up in production.
type InsecureValidator struct{}

func (m *InsecureValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	var subject, name, email string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}

	claims := &CustomClaims{
		Name:  name,
		Email: email,
	}
	claims.Subject = subject
	return claims, nil
}
