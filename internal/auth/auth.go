// Package auth extracts JWTClaims from an Authorization header. It
// defines the Verifier contract the request envelope depends on — the
// signature-validation *primitive* itself is out of this spec's scope,
// but a working default implementation is provided so the gateway runs
// end to end.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/model"
)

// Verifier validates a bearer token string and extracts JWTClaims.
// Required claims are exp and iat; nbf is optional; the subject comes
// from either a user_id or sub claim; is_admin defaults to false and
// coerces the string "true" to true.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*model.JWTClaims, error)
}

// JWKSInvalidator is implemented by verifiers that cache a remote key
// set and can be told to drop it early, e.g. from an admin endpoint
// called right after an operator rotates signing keys. DefaultVerifier
// implements it; httpapi type-asserts rather than widening Verifier
// itself, since a test double has no cache to invalidate.
type JWKSInvalidator interface {
	InvalidateJWKS()
}

// gatewayClaims is the wire shape this gateway's tokens carry, parsed
// generically (map[string]any) rather than into a fixed struct so both
// user_id and sub are accepted and is_admin's loose typing (bool or the
// literal string "true") doesn't fail strict unmarshaling.
type gatewayClaims map[string]any

func (c gatewayClaims) GetExpirationTime() (*gojwt.NumericDate, error) { return c.numericDate("exp") }
func (c gatewayClaims) GetIssuedAt() (*gojwt.NumericDate, error)       { return c.numericDate("iat") }
func (c gatewayClaims) GetNotBefore() (*gojwt.NumericDate, error)      { return c.numericDate("nbf") }
func (c gatewayClaims) GetIssuer() (string, error)                     { return "", nil }
func (c gatewayClaims) GetSubject() (string, error) {
	if s, ok := c["sub"].(string); ok {
		return s, nil
	}
	return "", nil
}
func (c gatewayClaims) GetAudience() (gojwt.ClaimStrings, error) { return nil, nil }

func (c gatewayClaims) numericDate(key string) (*gojwt.NumericDate, error) {
	v, ok := c[key]
	if !ok {
		return nil, nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return nil, fmt.Errorf("auth: claim %q is not numeric", key)
	}
	return gojwt.NewNumericDate(time.Unix(int64(f), 0)), nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toClaims converts the raw parsed claim map into model.JWTClaims,
// applying the extraction rules from §6: user_id or sub for the
// subject, is_admin defaulting to false with string-"true" coercion.
func toClaims(raw gatewayClaims) (*model.JWTClaims, error) {
	userID, err := extractUserID(raw)
	if err != nil {
		return nil, err
	}

	claims := &model.JWTClaims{
		UserID:  userID,
		IsAdmin: extractIsAdmin(raw),
	}

	if exp, ok := raw["exp"]; ok {
		f, ok := toFloat64(exp)
		if !ok {
			return nil, apperr.Unauthorized("invalid exp claim")
		}
		claims.Expiry = time.Unix(int64(f), 0)
	} else {
		return nil, apperr.Unauthorized("missing exp claim")
	}

	if iat, ok := raw["iat"]; ok {
		f, ok := toFloat64(iat)
		if !ok {
			return nil, apperr.Unauthorized("invalid iat claim")
		}
		claims.IssuedAt = time.Unix(int64(f), 0)
	} else {
		return nil, apperr.Unauthorized("missing iat claim")
	}

	if nbf, ok := raw["nbf"]; ok {
		f, ok := toFloat64(nbf)
		if ok {
			t := time.Unix(int64(f), 0)
			claims.NotBefore = &t
		}
	}

	return claims, nil
}

func extractUserID(raw gatewayClaims) (int64, error) {
	if v, ok := raw["user_id"]; ok {
		if f, ok := toFloat64(v); ok {
			return int64(f), nil
		}
		if s, ok := v.(string); ok {
			id, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				return id, nil
			}
		}
	}
	if v, ok := raw["sub"]; ok {
		if s, ok := v.(string); ok {
			id, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				return id, nil
			}
		}
		if f, ok := toFloat64(v); ok {
			return int64(f), nil
		}
	}
	return 0, apperr.Unauthorized("token carries neither user_id nor sub")
}

func extractIsAdmin(raw gatewayClaims) bool {
	v, ok := raw["is_admin"]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	default:
		return false
	}
}
