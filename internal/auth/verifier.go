package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/model"
)

// Config configures DefaultVerifier. A non-empty Secret enables HS256; a
// non-empty JWKSURL enables RS256-via-JWKS. Both may be set to accept
// either, mirroring deployments
// that rotate from a shared secret to an identity provider.
type Config struct {
	Secret       []byte
	JWKSURL      string
	HTTPClient   *http.Client
	JWKSCacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.JWKSCacheTTL == 0 {
		c.JWKSCacheTTL = time.Hour
	}
}

// DefaultVerifier implements Verifier using golang-jwt/v5, accepting
// HS256 tokens signed with a shared secret and/or RS256 tokens verified
// against a JWKS endpoint.
type DefaultVerifier struct {
	cfg  Config
	jwks *jwksCache
}

func NewVerifier(cfg Config) *DefaultVerifier {
	cfg.applyDefaults()
	v := &DefaultVerifier{cfg: cfg}
	if cfg.JWKSURL != "" {
		v.jwks = newJWKSCache(cfg.JWKSURL, cfg.HTTPClient, cfg.JWKSCacheTTL)
	}
	return v
}

// InvalidateJWKS discards the verifier's cached key set so the next
// RS256 verification refetches from the JWKS endpoint regardless of the
// TTL. A no-op when the verifier has no JWKS endpoint configured
// (HS256-only deployments).
func (v *DefaultVerifier) InvalidateJWKS() {
	if v.jwks != nil {
		v.jwks.Invalidate()
	}
}

func (v *DefaultVerifier) Verify(ctx context.Context, rawToken string) (*model.JWTClaims, error) {
	claims := gatewayClaims{}
	token, err := gojwt.ParseWithClaims(rawToken, &claims, v.keyFunc(ctx), gojwt.WithValidMethods(v.validMethods()))
	if err != nil {
		return nil, apperr.Unauthorized(fmt.Sprintf("invalid token: %v", err))
	}
	if !token.Valid {
		return nil, apperr.Unauthorized("invalid token")
	}
	return toClaims(claims)
}

func (v *DefaultVerifier) validMethods() []string {
	var methods []string
	if len(v.cfg.Secret) > 0 {
		methods = append(methods, "HS256")
	}
	if v.jwks != nil {
		methods = append(methods, "RS256")
	}
	return methods
}

func (v *DefaultVerifier) keyFunc(ctx context.Context) gojwt.Keyfunc {
	return func(token *gojwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(v.cfg.Secret) == 0 {
				return nil, fmt.Errorf("auth: HS256 presented but no shared secret configured")
			}
			return v.cfg.Secret, nil
		case "RS256":
			if v.jwks == nil {
				return nil, fmt.Errorf("auth: RS256 presented but no jwks endpoint configured")
			}
			kid, ok := token.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("auth: RS256 token missing kid header")
			}
			return v.jwks.publicKey(ctx, kid)
		default:
			return nil, fmt.Errorf("auth: unsupported signing method %q", token.Method.Alg())
		}
	}
}
