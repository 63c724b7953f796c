package orchestrator

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/quillhq/quill/internal/secrets"
)

// Scope tags which piece of orchestrator-owned state changed.
type Scope string

const (
	ScopeAuthorization Scope = "authorization"
	ScopeActive        Scope = "active"
	ScopeEngines       Scope = "engines"
	ScopeOrganization  Scope = "organization"
	ScopeConfig        Scope = "config"
)

// StatusChangeEvent notifies subscribers that orchestrator state
// changed, possibly in another process. Quiet changes should not
// interrupt the user.
type StatusChangeEvent struct {
	Scopes []Scope `json:"scopes"`
	Quiet  bool    `json:"quiet"`
}

// Has reports whether the event covers the given scope.
func (e StatusChangeEvent) Has(scope Scope) bool {
	for _, s := range e.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Secure-storage record keys. One credentials record covers every
// backend so a single read/write handles the whole set; the change
// channel is a distinct key so watchers can tell events from data.
const (
	credentialsKey = "credentials"
	changeKey      = "changes"
	stateKey       = "state"
)

// envelope wraps an event on the cross-process change channel. Origin
// lets a process ignore envelopes it authored itself.
type envelope struct {
	Origin    string            `json:"origin"`
	Timestamp time.Time         `json:"timestamp"`
	Event     StatusChangeEvent `json:"event"`
}

// OnStatusChange subscribes to state-change notifications, including
// re-broadcast changes that originated in other processes.
func (o *Orchestrator) OnStatusChange(fn func(StatusChangeEvent)) {
	o.subMu.Lock()
	o.subs = append(o.subs, fn)
	o.subMu.Unlock()
}

// emit delivers the event to local subscribers and publishes it on the
// change channel for every other process sharing the store.
func (o *Orchestrator) emit(event StatusChangeEvent) {
	o.notify(event)

	env := envelope{Origin: o.processID, Timestamp: time.Now(), Event: event}
	raw, err := json.Marshal(env)
	if err != nil {
		o.logger.Error("Encode change envelope", "error", err)
		return
	}
	if err := o.store.Set(changeKey, raw); err != nil {
		o.logger.Warn("Publish change envelope", "error", err)
	}
}

func (o *Orchestrator) notify(event StatusChangeEvent) {
	o.subMu.RLock()
	subs := make([]func(StatusChangeEvent), len(o.subs))
	copy(subs, o.subs)
	o.subMu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// storageChanged runs on every secure-storage write, own writes
// included. Self-authored envelopes are dropped; foreign ones trigger a
// reconciliation of in-memory state against the merged on-disk
// credential set and are re-broadcast to local subscribers. This is how
// several concurrently open windows stay authenticated consistently
// without a central server.
func (o *Orchestrator) storageChanged(key string) {
	if key != changeKey {
		return
	}

	raw, err := o.store.Get(changeKey)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			o.logger.Warn("Read change envelope", "error", err)
		}
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		o.logger.Warn("Decode change envelope", "error", err)
		return
	}
	if env.Origin == o.processID {
		return
	}

	o.logger.Debug("Applying foreign state change", "origin", env.Origin, "scopes", env.Event.Scopes)
	o.reconcileCredentials()
	o.restoreState()
	o.notify(env.Event)
}
