package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedConfig(srvURL string) Config {
	return Config{
		Name:            "enterprise",
		Kind:            KindSigned,
		BaseURL:         srvURL,
		AccessKeyID:     "AKID",
		SecretAccessKey: "sekrit",
	}
}

func TestSplitKeyPair(t *testing.T) {
	id, secret, err := splitKeyPair("AKID:sekrit")
	require.NoError(t, err)
	assert.Equal(t, "AKID", id)
	assert.Equal(t, "sekrit", secret)

	for _, malformed := range []string{"", "no-separator", ":missing-id", "missing-secret:"} {
		_, _, err := splitKeyPair(malformed)
		assert.Error(t, err, malformed)
	}
}

func TestSignRequestToken_Claims(t *testing.T) {
	now := time.Now()
	token, err := signRequestToken("AKID", "sekrit", now)
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, jwt.SigningMethodHS256, tok.Method)
		return []byte("sekrit"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "AKID", claims.Issuer)
	assert.WithinDuration(t, now.Add(signedTokenTTL), claims.ExpiresAt.Time, time.Second)
	assert.True(t, claims.NotBefore.Time.Before(now))
}

func TestSignRequestToken_RejectsWrongSecret(t *testing.T) {
	token, err := signRequestToken("AKID", "sekrit", time.Now())
	require.NoError(t, err)

	_, err = jwt.Parse(token, func(*jwt.Token) (any, error) {
		return []byte("other"), nil
	})
	assert.Error(t, err)
}

func TestSigned_LoginVerifiesKeyPair(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/user/info", func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		_, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
			claims := tok.Claims.(jwt.MapClaims)
			assert.Equal(t, "AKID", claims["iss"])
			return []byte("sekrit"), nil
		})
		require.NoError(t, err)
		fmt.Fprint(w, `{"user_id":"u1","username":"svc-account"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewSignedBackend(signedConfig(srv.URL), testLogger())
	a, err := b.Login(context.Background(), LoginParam{})
	require.NoError(t, err)

	assert.Equal(t, "AKID:sekrit", a.Secret)
	assert.Equal(t, "svc-account", a.Account.Username)
	// Static credential: no expiry, no refresh token.
	assert.True(t, a.ExpiresAt.IsZero())
	assert.False(t, a.Refreshable())
}

func TestSigned_LoginPrefersParamOverConfig(t *testing.T) {
	var gotIssuer string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/user/info", func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
			gotIssuer = tok.Claims.(jwt.MapClaims)["iss"].(string)
			return []byte("override-secret"), nil
		})
		fmt.Fprint(w, `{"user_id":"u2","username":"override"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewSignedBackend(signedConfig(srv.URL), testLogger())
	a, err := b.Login(context.Background(), LoginParam{AccessKeyID: "OTHER", SecretAccessKey: "override-secret"})
	require.NoError(t, err)

	assert.Equal(t, "OTHER", gotIssuer)
	assert.Equal(t, "OTHER:override-secret", a.Secret)
}

func TestSigned_ChatSignsEachRequest(t *testing.T) {
	var tokens []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewSignedBackend(signedConfig(srv.URL), testLogger())
	a := AuthInfo{Secret: "AKID:sekrit"}

	for i := 0; i < 2; i++ {
		err := b.Chat(context.Background(), a, CallOptions{
			Messages: []Message{{Role: RoleUser, Content: "hello"}},
			Handler:  func(ResponseEvent) {},
		}, nil)
		require.NoError(t, err)
	}

	require.Len(t, tokens, 2)
	for _, raw := range tokens {
		_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
			return []byte("sekrit"), nil
		})
		assert.NoError(t, err)
	}
}

func TestSigned_MalformedCredential(t *testing.T) {
	b := NewSignedBackend(signedConfig("https://api.example.com"), testLogger())

	err := b.Chat(context.Background(), AuthInfo{Secret: "no-separator"}, CallOptions{
		Handler: func(ResponseEvent) { t.Fatal("no events expected") },
	}, nil)
	assert.Error(t, err)
}
