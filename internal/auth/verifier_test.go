package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret []byte, claims gojwt.MapClaims) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestVerify_HS256_Succeeds(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret})

	now := time.Now()
	raw := signHS256(t, secret, gojwt.MapClaims{
		"user_id": 42,
		"is_admin": false,
		"exp":      now.Add(time.Hour).Unix(),
		"iat":      now.Unix(),
	})

	claims, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.False(t, claims.IsAdmin)
}

func TestVerify_HS256_RejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret})

	now := time.Now()
	raw := signHS256(t, secret, gojwt.MapClaims{
		"user_id": 1,
		"exp":     now.Add(-time.Hour).Unix(),
		"iat":     now.Add(-2 * time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), raw)
	require.Error(t, err)
}

func TestVerify_HS256_RejectsWrongSecret(t *testing.T) {
	v := NewVerifier(Config{Secret: []byte("right-secret")})

	now := time.Now()
	raw := signHS256(t, []byte("wrong-secret"), gojwt.MapClaims{
		"user_id": 1,
		"exp":     now.Add(time.Hour).Unix(),
		"iat":     now.Unix(),
	})

	_, err := v.Verify(context.Background(), raw)
	require.Error(t, err)
}

func TestVerify_IsAdminCoercesStringTrue(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret})

	now := time.Now()
	raw := signHS256(t, secret, gojwt.MapClaims{
		"sub":      "7",
		"is_admin": "true",
		"exp":      now.Add(time.Hour).Unix(),
		"iat":      now.Unix(),
	})

	claims, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.True(t, claims.IsAdmin)
}

func TestVerify_MissingSubjectIsRejected(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret})

	now := time.Now()
	raw := signHS256(t, secret, gojwt.MapClaims{
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})

	_, err := v.Verify(context.Background(), raw)
	require.Error(t, err)
}

func TestVerify_RS256_FetchesFromJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := jwksDoc{Keys: []jwk{{
			Kty: "RSA",
			Kid: "kid-1",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(bigIntToBytes(key.PublicKey.E)),
		}}}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	v := NewVerifier(Config{JWKSURL: srv.URL, HTTPClient: srv.Client()})

	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodRS256, gojwt.MapClaims{
		"user_id": 99,
		"exp":     now.Add(time.Hour).Unix(),
		"iat":     now.Unix(),
	})
	token.Header["kid"] = "kid-1"
	raw, err := token.SignedString(key)
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int64(99), claims.UserID)
}

func bigIntToBytes(e int) []byte {
	b := make([]byte, 0, 4)
	for e > 0 {
		b = append([]byte{byte(e & 0xff)}, b...)
		e >>= 8
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return b
}
