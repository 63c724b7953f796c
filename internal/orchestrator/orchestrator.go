// Package orchestrator owns the set of configured backends: which one
// is active, where their credentials live, and how several concurrently
// running host instances stay consistent about both.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/quillhq/quill/internal/backend"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/secrets"
)

// ErrNoActiveBackend means no backend is configured or selected.
var ErrNoActiveBackend = errors.New("no active backend")

// CapabilityKnowledgeBases marks a backend whose knowledge-base probe
// succeeded.
const CapabilityKnowledgeBases = "knowledge-bases"

type backendState struct {
	adapter backend.Backend
	cfg     backend.Config
	auth    backend.AuthInfo
	caps    []string
}

// Orchestrator is the single entry point the rest of the product calls
// for chat and completion. It is explicitly constructed and passed to
// whatever owns the process lifetime; there is no package-level
// instance.
type Orchestrator struct {
	logger    *slog.Logger
	cfgMgr    *config.Manager
	store     *secrets.Store
	processID string
	encoder   *tiktoken.Tiktoken

	mu       sync.RWMutex
	backends map[string]*backendState
	order    []string
	active   string
	org      *backend.Organization

	subMu sync.RWMutex
	subs  []func(StatusChangeEvent)
}

// New builds the orchestrator from the loaded config: one adapter per
// configured backend, with the credential-change hook attached. Call
// Init afterwards to restore persisted state and start the watcher.
func New(cfgMgr *config.Manager, store *secrets.Store, logger *slog.Logger) (*Orchestrator, error) {
	cfg := cfgMgr.Get()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	o := &Orchestrator{
		logger:    logger,
		cfgMgr:    cfgMgr,
		store:     store,
		processID: uuid.NewString(),
		backends:  make(map[string]*backendState),
	}

	// Token-budget estimation is shared by every dispatch; the encoding
	// load is too costly to repeat per call.
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		o.encoder = enc
	} else {
		logger.Warn("Token encoding unavailable, budget defaults disabled", "error", err)
	}

	for _, bc := range cfg.Backends {
		adapter, err := backend.New(bc, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		adapter.OnCredentialChange(o.credentialChanged)
		o.backends[bc.Name] = &backendState{adapter: adapter, cfg: bc}
		o.order = append(o.order, bc.Name)
	}

	// One backend is active at a time, defaulting to the first
	// configured when none is chosen explicitly.
	o.active = cfg.Active
	if o.active == "" && len(o.order) > 0 {
		o.active = o.order[0]
	}

	return o, nil
}

// Init restores persisted credentials, attempts non-interactive logins
// for static-credential backends, probes capabilities and starts the
// cross-process watcher. Capability probing is best-effort and never
// blocks initialization.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.reconcileCredentials()
	o.restoreState()
	o.staticLogins(ctx)

	go o.probeCapabilities(ctx)

	if err := o.store.Watch(ctx, o.storageChanged); err != nil {
		return fmt.Errorf("start storage watcher: %w", err)
	}
	return nil
}

// staticLogins logs in every backend that can authenticate without user
// interaction and has no restored credential yet. The lock is released
// before any adapter call: a rejected credential fires the
// credential-change hook, which takes the same lock.
func (o *Orchestrator) staticLogins(ctx context.Context) {
	var candidates []*backendState
	o.mu.RLock()
	for _, name := range o.order {
		st := o.backends[name]
		if !st.auth.IsZero() {
			continue
		}
		if st.cfg.APIKey == "" && st.cfg.AccessKeyID == "" && st.cfg.Kind != backend.KindSelfHosted {
			continue
		}
		candidates = append(candidates, st)
	}
	o.mu.RUnlock()

	changed := false
	for _, st := range candidates {
		a, err := st.adapter.Login(ctx, backend.LoginParam{})
		if err != nil {
			o.logger.Warn("Non-interactive login failed", "backend", st.cfg.Name, "error", err)
			continue
		}

		o.mu.Lock()
		if st.auth.IsZero() {
			st.auth = a
			changed = true
		}
		o.mu.Unlock()
	}

	if changed {
		o.persistCredentials()
		o.emit(StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}, Quiet: true})
	}
}

func (o *Orchestrator) probeCapabilities(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	changed := false
	for _, name := range o.ListBackendNames() {
		o.mu.RLock()
		st := o.backends[name]
		adapter, a := st.adapter, st.auth
		o.mu.RUnlock()

		if a.IsZero() {
			continue
		}
		if _, err := adapter.ListKnowledgeBases(probeCtx, a, nil); err != nil {
			continue
		}

		o.mu.Lock()
		st.caps = append(st.caps, CapabilityKnowledgeBases)
		o.mu.Unlock()
		changed = true
	}

	if changed {
		o.emit(StatusChangeEvent{Scopes: []Scope{ScopeEngines}, Quiet: true})
	}
}

// credentialChanged is the hook every adapter calls when it rotates or
// revokes its credential. An empty credential is a revocation and
// raises a non-quiet authorization event so the UI can prompt re-login.
func (o *Orchestrator) credentialChanged(name string, a backend.AuthInfo) {
	o.mu.Lock()
	st, ok := o.backends[name]
	if !ok {
		o.mu.Unlock()
		return
	}
	if st.auth.IsZero() && a.IsZero() {
		// Already cleared; the adapter hook and the dispatch-side 401
		// handler are both allowed to fire.
		o.mu.Unlock()
		return
	}
	st.auth = a
	o.mu.Unlock()

	o.persistCredentials()
	o.emit(StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}, Quiet: !a.IsZero()})
}

// persistCredentials writes the whole credential set as one record. It
// always re-reads and merges first so concurrent writers in other
// processes are not clobbered.
func (o *Orchestrator) persistCredentials() {
	merged := make(map[string]backend.AuthInfo)
	if raw, err := o.store.Get(credentialsKey); err == nil {
		if err := json.Unmarshal(raw, &merged); err != nil {
			o.logger.Warn("Discarding unreadable credential record", "error", err)
			merged = make(map[string]backend.AuthInfo)
		}
	} else if !errors.Is(err, secrets.ErrNotFound) {
		o.logger.Warn("Read credential record", "error", err)
	}

	o.mu.RLock()
	for name, st := range o.backends {
		if st.auth.IsZero() {
			delete(merged, name)
		} else {
			merged[name] = st.auth
		}
	}
	o.mu.RUnlock()

	raw, err := json.Marshal(merged)
	if err != nil {
		o.logger.Error("Encode credential record", "error", err)
		return
	}
	if err := o.store.Set(credentialsKey, raw); err != nil {
		o.logger.Error("Persist credentials", "error", err)
	}
}

// persistedState is the engine state that must survive the process:
// the organization context lives next to the credential record, the
// active backend in the config file (SetActive writes it there).
type persistedState struct {
	Organization string `json:"organization,omitempty"`
}

func (o *Orchestrator) persistState() {
	var st persistedState
	o.mu.RLock()
	if o.org != nil {
		st.Organization = o.org.Code
	}
	o.mu.RUnlock()

	raw, err := json.Marshal(st)
	if err != nil {
		o.logger.Error("Encode state record", "error", err)
		return
	}
	if err := o.store.Set(stateKey, raw); err != nil {
		o.logger.Error("Persist state", "error", err)
	}
}

// restoreState re-resolves the persisted organization code against the
// active account. A code the account no longer carries resolves to the
// individual state.
func (o *Orchestrator) restoreState() {
	var st persistedState
	if raw, err := o.store.Get(stateKey); err == nil {
		if err := json.Unmarshal(raw, &st); err != nil {
			o.logger.Warn("Decode state record", "error", err)
			return
		}
	} else if !errors.Is(err, secrets.ErrNotFound) {
		o.logger.Warn("Read state record", "error", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.org = nil
	bst, ok := o.backends[o.active]
	if !ok || st.Organization == "" {
		return
	}
	for _, org := range bst.auth.Account.Organizations {
		if org.Code == st.Organization {
			chosen := org
			o.org = &chosen
			return
		}
	}
}

// reconcileCredentials replaces in-memory credentials with the merged
// on-disk set.
func (o *Orchestrator) reconcileCredentials() {
	raw, err := o.store.Get(credentialsKey)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			o.logger.Warn("Read credential record", "error", err)
		}
		return
	}

	var persisted map[string]backend.AuthInfo
	if err := json.Unmarshal(raw, &persisted); err != nil {
		o.logger.Warn("Decode credential record", "error", err)
		return
	}

	o.mu.Lock()
	for name, st := range o.backends {
		st.auth = persisted[name]
	}
	o.mu.Unlock()
}

// --- read-only queries ---

func (o *Orchestrator) ListBackendNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, len(o.order))
	copy(names, o.order)
	return names
}

func (o *Orchestrator) ActiveBackend() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

func (o *Orchestrator) IsLoggedIn() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.backends[o.active]
	return ok && !st.auth.IsZero()
}

// Account returns the active backend's authenticated account.
func (o *Orchestrator) Account() (backend.AccountInfo, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.backends[o.active]
	if !ok || st.auth.IsZero() {
		return backend.AccountInfo{}, false
	}
	return st.auth.Account, true
}

// ActiveOrganization returns the organization context, nil meaning
// "individual".
func (o *Orchestrator) ActiveOrganization() *backend.Organization {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.org == nil {
		return nil
	}
	org := *o.org
	return &org
}

// Capabilities returns the probed capability list of the active
// backend.
func (o *Orchestrator) Capabilities() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.backends[o.active]
	if !ok {
		return nil
	}
	caps := make([]string, len(st.caps))
	copy(caps, st.caps)
	return caps
}

// --- mutations ---

// SetActive switches the active backend and records the choice in the
// config file so the next process starts on it.
func (o *Orchestrator) SetActive(name string) error {
	o.mu.Lock()
	if _, ok := o.backends[name]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("backend %q is not configured", name)
	}
	if o.active == name {
		o.mu.Unlock()
		return nil
	}
	o.active = name
	o.org = nil
	o.mu.Unlock()

	if cfg := o.cfgMgr.Get(); cfg != nil && cfg.Active != name {
		updated := *cfg
		updated.Active = name
		if err := o.cfgMgr.Save(&updated); err != nil {
			o.logger.Warn("Persist active backend", "backend", name, "error", err)
		}
	}
	o.persistState()

	o.emit(StatusChangeEvent{Scopes: []Scope{ScopeActive}})
	return nil
}

// SetOrganization selects the organization context by code; the empty
// code returns to the individual state.
func (o *Orchestrator) SetOrganization(code string) error {
	o.mu.Lock()
	st, ok := o.backends[o.active]
	if !ok {
		o.mu.Unlock()
		return ErrNoActiveBackend
	}

	if code == "" {
		o.org = nil
		o.mu.Unlock()
		o.persistState()
		o.emit(StatusChangeEvent{Scopes: []Scope{ScopeOrganization}})
		return nil
	}

	for _, org := range st.auth.Account.Organizations {
		if org.Code == code {
			chosen := org
			o.org = &chosen
			o.mu.Unlock()
			o.persistState()
			o.emit(StatusChangeEvent{Scopes: []Scope{ScopeOrganization}})
			return nil
		}
	}
	o.mu.Unlock()
	return fmt.Errorf("account does not belong to organization %q", code)
}

// LoginURL returns the browser URL of the active backend's login flow.
func (o *Orchestrator) LoginURL(verifier string) (string, error) {
	st, err := o.activeState()
	if err != nil {
		return "", err
	}
	return st.adapter.LoginURL(verifier)
}

// Login authenticates the active backend and persists the credential.
func (o *Orchestrator) Login(ctx context.Context, param backend.LoginParam) error {
	st, err := o.activeState()
	if err != nil {
		return err
	}

	a, err := st.adapter.Login(ctx, param)
	if err != nil {
		return err
	}

	o.mu.Lock()
	st.auth = a
	o.mu.Unlock()

	o.persistCredentials()
	o.emit(StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}})
	return nil
}

// Logout drops the active backend's credential, revoking it server-side
// when the protocol supports that.
func (o *Orchestrator) Logout(ctx context.Context) error {
	st, err := o.activeState()
	if err != nil {
		return err
	}

	o.mu.RLock()
	a := st.auth
	o.mu.RUnlock()

	if err := st.adapter.Logout(ctx, a); err != nil {
		o.logger.Warn("Logout failed", "backend", st.cfg.Name, "error", err)
	}

	o.mu.Lock()
	st.auth = backend.AuthInfo{}
	o.org = nil
	o.mu.Unlock()

	o.persistCredentials()
	o.persistState()
	o.emit(StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}})
	return nil
}

// SyncUserInfo refreshes the active account's identity (organizations
// included) from the backend.
func (o *Orchestrator) SyncUserInfo(ctx context.Context) error {
	st, err := o.activeState()
	if err != nil {
		return err
	}

	o.mu.RLock()
	a := st.auth
	o.mu.RUnlock()
	if a.IsZero() {
		return backend.ErrUnauthenticated
	}

	account, err := st.adapter.SyncUserInfo(ctx, a)
	if err != nil {
		return err
	}

	o.mu.Lock()
	st.auth.Account = account
	o.mu.Unlock()

	o.persistCredentials()
	o.emit(StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}, Quiet: true})
	return nil
}

func (o *Orchestrator) activeState() (*backendState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.backends[o.active]
	if !ok {
		return nil, ErrNoActiveBackend
	}
	return st, nil
}
