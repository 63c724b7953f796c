package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bearerConfig(srvURL string) Config {
	return Config{
		Name:        "hub",
		Kind:        KindBearer,
		BaseURL:     srvURL,
		AuthBaseURL: srvURL,
		ClientID:    "plugin-client",
		Capacities: map[string]CapacityOptions{
			"assistant": {Model: "large"},
		},
	}
}

func TestBearer_LoginURL(t *testing.T) {
	b := NewBearerBackend(bearerConfig("https://api.example.com"), testLogger())

	raw, err := b.LoginURL("verif-123")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authorize", u.Path)
	assert.Equal(t, "plugin-client", u.Query().Get("client_id"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "verif-123", u.Query().Get("code_challenge"))
}

func TestBearer_LoginExchangesCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "authorization_code", req["grant_type"])
		assert.Equal(t, "the-code", req["code"])
		assert.Equal(t, "the-verifier", req["code_verifier"])
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`)
	})
	mux.HandleFunc("GET /v1/user/info", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"user_id":"u1","username":"ada","pro":true,"organizations":[{"code":"acme","name":"Acme"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBearerBackend(bearerConfig(srv.URL), testLogger())
	a, err := b.Login(context.Background(), LoginParam{Code: "the-code", Verifier: "the-verifier"})
	require.NoError(t, err)

	assert.Equal(t, "at-1", a.Secret)
	assert.Equal(t, "rt-1", a.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), a.ExpiresAt, 5*time.Second)
	assert.Equal(t, "ada", a.Account.Username)
	assert.True(t, a.Account.Pro)
	require.Len(t, a.Account.Organizations, 1)
	assert.Equal(t, "acme", a.Account.Organizations[0].Code)
}

func TestBearer_RefreshBeforeExpiredChat(t *testing.T) {
	var chatAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req["grant_type"])
		assert.Equal(t, "rt-old", req["refresh_token"])
		fmt.Fprint(w, `{"access_token":"at-new","refresh_token":"rt-new","expires_in":3600}`)
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		chatAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"content":"hi"},"finish_reason":"stop"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBearerBackend(bearerConfig(srv.URL), testLogger())

	var rotated AuthInfo
	b.OnCredentialChange(func(name string, a AuthInfo) {
		assert.Equal(t, "hub", name)
		rotated = a
	})

	stale := AuthInfo{
		Account:      AccountInfo{Username: "ada"},
		Secret:       "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	}

	var events []ResponseEvent
	err := b.Chat(context.Background(), stale, CallOptions{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
		Handler:  func(ev ResponseEvent) { events = append(events, ev) },
	}, nil)
	require.NoError(t, err)

	// The call went out with the rotated token and the hook saw it.
	assert.Equal(t, "Bearer at-new", chatAuth)
	assert.Equal(t, "at-new", rotated.Secret)
	assert.Equal(t, "rt-new", rotated.RefreshToken)
	assert.Equal(t, "ada", rotated.Account.Username)

	require.NotEmpty(t, events)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

func TestBearer_FailedRefreshFailsBeforeDispatch(t *testing.T) {
	dispatched := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"refresh token revoked"}}`)
	})
	mux.HandleFunc("POST /v1/chat/completions", func(http.ResponseWriter, *http.Request) {
		dispatched = true
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBearerBackend(bearerConfig(srv.URL), testLogger())

	var cleared *AuthInfo
	b.OnCredentialChange(func(_ string, a AuthInfo) { cleared = &a })

	stale := AuthInfo{
		Secret:       "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	}

	err := b.Chat(context.Background(), stale, CallOptions{
		Handler: func(ResponseEvent) { t.Fatal("no events expected before dispatch") },
	}, nil)

	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.False(t, dispatched)
	// The revoked credential is reported upward as empty.
	require.NotNil(t, cleared)
	assert.True(t, cleared.IsZero())
}

func TestBearer_OrganizationScopedCall(t *testing.T) {
	var gotPath, gotOrg string
	mux := http.NewServeMux()
	mux.HandleFunc("/org/acme/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOrg = r.Header.Get("x-org-code")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"content":"hi"},"finish_reason":"stop"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBearerBackend(bearerConfig(srv.URL), testLogger())

	var events []ResponseEvent
	err := b.Chat(context.Background(), AuthInfo{Secret: "at-1"}, CallOptions{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
		Handler:  func(ev ResponseEvent) { events = append(events, ev) },
	}, &Organization{Code: "acme", Name: "Acme"})
	require.NoError(t, err)

	assert.Equal(t, "/org/acme/v1/chat/completions", gotPath)
	assert.Equal(t, "acme", gotOrg)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

func TestBearer_UnauthenticatedCall(t *testing.T) {
	b := NewBearerBackend(bearerConfig("https://api.example.com"), testLogger())

	err := b.Chat(context.Background(), AuthInfo{}, CallOptions{
		Handler: func(ResponseEvent) { t.Fatal("no events expected") },
	}, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestBearer_LogoutRevokesBestEffort(t *testing.T) {
	revokeCalled := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		revokeCalled = true
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBearerBackend(bearerConfig(srv.URL), testLogger())

	// A server-side failure does not block the local logout.
	err := b.Logout(context.Background(), AuthInfo{Secret: "at-1"})
	assert.NoError(t, err)
	assert.True(t, revokeCalled)
}

func TestBearer_ListKnowledgeBases(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/knowledge-bases", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":[{"code":"kb-1","name":"Docs"},{"code":"kb-2","name":"Wiki"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBearerBackend(bearerConfig(srv.URL), testLogger())
	kbs, err := b.ListKnowledgeBases(context.Background(), AuthInfo{Secret: "at-1"}, nil)
	require.NoError(t, err)
	require.Len(t, kbs, 2)
	assert.Equal(t, "kb-1", kbs[0].Code)
	assert.Equal(t, "Wiki", kbs[1].Name)
}

func TestBearer_SendTelemetry(t *testing.T) {
	var got UsageEvent
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/telemetry/usage", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBearerBackend(bearerConfig(srv.URL), testLogger())
	event := UsageEvent{ID: "e1", Action: "completion", Language: "go", Count: 3, CreatedAt: time.Now()}
	require.NoError(t, b.SendTelemetry(context.Background(), AuthInfo{Secret: "at-1"}, event))

	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, "completion", got.Action)
	assert.Equal(t, 3, got.Count)
}
