package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/backend"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/secrets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func twoBackendConfig(baseURL string) *config.Config {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:1"
	}
	return &config.Config{
		Backends: []backend.Config{
			{
				Name:    "compat",
				Kind:    backend.KindOpenAI,
				BaseURL: baseURL,
				APIKey:  "sk-test",
				Capacities: map[string]backend.CapacityOptions{
					"assistant": {Model: "gpt-4o", MaxNewTokens: 2048},
				},
			},
			{
				Name:    "local",
				Kind:    backend.KindSelfHosted,
				BaseURL: baseURL,
			},
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *secrets.Store) {
	t.Helper()
	tmp := t.TempDir()

	mgr := config.NewManager(tmp)
	require.NoError(t, mgr.Save(cfg))

	store, err := secrets.NewStore(filepath.Join(tmp, "secrets"), testLogger())
	require.NoError(t, err)

	o, err := New(mgr, store, testLogger())
	require.NoError(t, err)
	return o, store
}

// collectEvents subscribes and returns the recorded events slice.
func collectEvents(o *Orchestrator) *[]StatusChangeEvent {
	var events []StatusChangeEvent
	o.OnStatusChange(func(ev StatusChangeEvent) {
		events = append(events, ev)
	})
	return &events
}

func TestNew_ActiveDefaultsToFirst(t *testing.T) {
	o, _ := newTestOrchestrator(t, twoBackendConfig(""))

	assert.Equal(t, "compat", o.ActiveBackend())
	assert.Equal(t, []string{"compat", "local"}, o.ListBackendNames())
}

func TestNew_RespectsConfiguredActive(t *testing.T) {
	cfg := twoBackendConfig("")
	cfg.Active = "local"
	o, _ := newTestOrchestrator(t, cfg)

	assert.Equal(t, "local", o.ActiveBackend())
}

func TestSetActive(t *testing.T) {
	o, _ := newTestOrchestrator(t, twoBackendConfig(""))
	events := collectEvents(o)

	require.NoError(t, o.SetActive("local"))
	assert.Equal(t, "local", o.ActiveBackend())

	require.Len(t, *events, 1)
	assert.True(t, (*events)[0].Has(ScopeActive))

	assert.Error(t, o.SetActive("ghost"))

	// Re-selecting the active backend is a no-op.
	require.NoError(t, o.SetActive("local"))
	assert.Len(t, *events, 1)
}

func TestLogin_PersistsCredential(t *testing.T) {
	o, store := newTestOrchestrator(t, twoBackendConfig(""))
	events := collectEvents(o)

	assert.False(t, o.IsLoggedIn())
	require.NoError(t, o.Login(context.Background(), backend.LoginParam{}))
	assert.True(t, o.IsLoggedIn())

	require.Len(t, *events, 1)
	assert.True(t, (*events)[0].Has(ScopeAuthorization))

	raw, err := store.Get("credentials")
	require.NoError(t, err)
	var persisted map[string]backend.AuthInfo
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, "sk-test", persisted["compat"].Secret)
}

func TestLogout_DropsPersistedCredential(t *testing.T) {
	o, store := newTestOrchestrator(t, twoBackendConfig(""))
	require.NoError(t, o.Login(context.Background(), backend.LoginParam{}))
	require.NoError(t, o.Logout(context.Background()))

	assert.False(t, o.IsLoggedIn())

	raw, err := store.Get("credentials")
	require.NoError(t, err)
	var persisted map[string]backend.AuthInfo
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.NotContains(t, persisted, "compat")
}

func TestReconcileCredentials(t *testing.T) {
	o, store := newTestOrchestrator(t, twoBackendConfig(""))

	persisted := map[string]backend.AuthInfo{
		"compat": {Account: backend.AccountInfo{Username: "restored"}, Secret: "sk-restored"},
	}
	raw, err := json.Marshal(persisted)
	require.NoError(t, err)
	require.NoError(t, store.Set("credentials", raw))

	o.reconcileCredentials()

	assert.True(t, o.IsLoggedIn())
	account, ok := o.Account()
	require.True(t, ok)
	assert.Equal(t, "restored", account.Username)
}

func TestCredentialChanged(t *testing.T) {
	o, store := newTestOrchestrator(t, twoBackendConfig(""))
	events := collectEvents(o)

	// A silent rotation is quiet.
	o.credentialChanged("compat", backend.AuthInfo{Secret: "sk-rotated"})
	require.Len(t, *events, 1)
	assert.True(t, (*events)[0].Has(ScopeAuthorization))
	assert.True(t, (*events)[0].Quiet)

	raw, err := store.Get("credentials")
	require.NoError(t, err)
	var persisted map[string]backend.AuthInfo
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, "sk-rotated", persisted["compat"].Secret)

	// A revocation interrupts the user.
	o.credentialChanged("compat", backend.AuthInfo{})
	require.Len(t, *events, 2)
	assert.False(t, (*events)[1].Quiet)

	// Clearing an already-clear credential is a no-op: the adapter
	// hook and the dispatch-side 401 handler may both fire.
	o.credentialChanged("compat", backend.AuthInfo{})
	assert.Len(t, *events, 2)

	// Unknown backends are ignored.
	o.credentialChanged("ghost", backend.AuthInfo{Secret: "x"})
	assert.Len(t, *events, 2)
}

func TestPersistCredentials_MergesForeignEntries(t *testing.T) {
	o, store := newTestOrchestrator(t, twoBackendConfig(""))

	// Another process persisted a backend this one does not know.
	foreign := map[string]backend.AuthInfo{"elsewhere": {Secret: "keep-me"}}
	raw, err := json.Marshal(foreign)
	require.NoError(t, err)
	require.NoError(t, store.Set("credentials", raw))

	o.credentialChanged("compat", backend.AuthInfo{Secret: "sk-mine"})

	raw, err = store.Get("credentials")
	require.NoError(t, err)
	var persisted map[string]backend.AuthInfo
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, "keep-me", persisted["elsewhere"].Secret)
	assert.Equal(t, "sk-mine", persisted["compat"].Secret)
}

func TestStorageChanged_IgnoresOwnEnvelope(t *testing.T) {
	o, store := newTestOrchestrator(t, twoBackendConfig(""))
	events := collectEvents(o)

	env := envelope{
		Origin:    o.processID,
		Timestamp: time.Now(),
		Event:     StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, store.Set("changes", raw))

	o.storageChanged("changes")
	assert.Empty(t, *events)
}

func TestStorageChanged_AppliesForeignEnvelope(t *testing.T) {
	o, store := newTestOrchestrator(t, twoBackendConfig(""))
	events := collectEvents(o)

	// The foreign process logged in and published the change.
	persisted := map[string]backend.AuthInfo{"compat": {Secret: "sk-foreign"}}
	raw, err := json.Marshal(persisted)
	require.NoError(t, err)
	require.NoError(t, store.Set("credentials", raw))

	env := envelope{
		Origin:    "some-other-process",
		Timestamp: time.Now(),
		Event:     StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}},
	}
	raw, err = json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, store.Set("changes", raw))

	o.storageChanged("changes")

	// The event re-broadcasts locally and the credential set is
	// reconciled from disk.
	require.Len(t, *events, 1)
	assert.True(t, (*events)[0].Has(ScopeAuthorization))
	assert.True(t, o.IsLoggedIn())
}

func TestStorageChanged_IgnoresOtherKeys(t *testing.T) {
	o, _ := newTestOrchestrator(t, twoBackendConfig(""))
	events := collectEvents(o)

	o.storageChanged("credentials")
	assert.Empty(t, *events)
}

func TestSetOrganization(t *testing.T) {
	o, _ := newTestOrchestrator(t, twoBackendConfig(""))
	events := collectEvents(o)

	o.credentialChanged("compat", backend.AuthInfo{
		Account: backend.AccountInfo{
			Username:      "ada",
			Organizations: []backend.Organization{{Code: "acme", Name: "Acme"}},
		},
		Secret: "sk-test",
	})

	require.NoError(t, o.SetOrganization("acme"))
	org := o.ActiveOrganization()
	require.NotNil(t, org)
	assert.Equal(t, "Acme", org.Name)

	assert.Error(t, o.SetOrganization("ghost"))

	require.NoError(t, o.SetOrganization(""))
	assert.Nil(t, o.ActiveOrganization())

	var orgEvents int
	for _, ev := range *events {
		if ev.Has(ScopeOrganization) {
			orgEvents++
		}
	}
	assert.Equal(t, 2, orgEvents)
}

func TestSetActive_ClearsOrganization(t *testing.T) {
	o, _ := newTestOrchestrator(t, twoBackendConfig(""))

	o.credentialChanged("compat", backend.AuthInfo{
		Account: backend.AccountInfo{Organizations: []backend.Organization{{Code: "acme"}}},
		Secret:  "sk-test",
	})
	require.NoError(t, o.SetOrganization("acme"))
	require.NotNil(t, o.ActiveOrganization())

	require.NoError(t, o.SetActive("local"))
	assert.Nil(t, o.ActiveOrganization())
}

func TestInit_StaticLogins(t *testing.T) {
	o, _ := newTestOrchestrator(t, twoBackendConfig(""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Init(ctx))

	// Both configured backends authenticate without interaction: the
	// API-key one from its key, the self-hosted one with a placeholder.
	assert.True(t, o.IsLoggedIn())
	require.NoError(t, o.SetActive("local"))
	assert.True(t, o.IsLoggedIn())
}

func TestInit_RejectedStaticLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error","message":"access key revoked"}}`)
	}))
	defer srv.Close()

	cfg := &config.Config{
		Backends: []backend.Config{
			{
				Name:            "enterprise",
				Kind:            backend.KindSigned,
				BaseURL:         srv.URL,
				AccessKeyID:     "AKIDSTALE",
				SecretAccessKey: "no-longer-valid",
			},
		},
	}
	o, _ := newTestOrchestrator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The 401 fires the credential-change hook from inside the login
	// call; initialization must still complete.
	done := make(chan error, 1)
	go func() { done <- o.Init(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Init did not return after a rejected static login")
	}
	assert.False(t, o.IsLoggedIn())
}

func TestSetActive_PersistsAcrossInstances(t *testing.T) {
	tmp := t.TempDir()
	mgr := config.NewManager(tmp)
	require.NoError(t, mgr.Save(twoBackendConfig("")))
	store, err := secrets.NewStore(filepath.Join(tmp, "secrets"), testLogger())
	require.NoError(t, err)

	first, err := New(mgr, store, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.SetActive("local"))

	// A later invocation reads the same directory from scratch.
	store2, err := secrets.NewStore(filepath.Join(tmp, "secrets"), testLogger())
	require.NoError(t, err)
	second, err := New(config.NewManager(tmp), store2, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "local", second.ActiveBackend())
}

func TestSetOrganization_PersistsAcrossInstances(t *testing.T) {
	tmp := t.TempDir()
	mgr := config.NewManager(tmp)
	require.NoError(t, mgr.Save(twoBackendConfig("")))
	store, err := secrets.NewStore(filepath.Join(tmp, "secrets"), testLogger())
	require.NoError(t, err)

	first, err := New(mgr, store, testLogger())
	require.NoError(t, err)
	first.credentialChanged("compat", backend.AuthInfo{
		Account: backend.AccountInfo{Organizations: []backend.Organization{{Code: "acme", Name: "Acme"}}},
		Secret:  "sk-test",
	})
	require.NoError(t, first.SetOrganization("acme"))

	store2, err := secrets.NewStore(filepath.Join(tmp, "secrets"), testLogger())
	require.NoError(t, err)
	second, err := New(config.NewManager(tmp), store2, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, second.Init(ctx))

	org := second.ActiveOrganization()
	require.NotNil(t, org)
	assert.Equal(t, "acme", org.Code)
}

func TestStatusChangeEvent_Has(t *testing.T) {
	ev := StatusChangeEvent{Scopes: []Scope{ScopeActive, ScopeConfig}}
	assert.True(t, ev.Has(ScopeActive))
	assert.True(t, ev.Has(ScopeConfig))
	assert.False(t, ev.Has(ScopeAuthorization))
}
