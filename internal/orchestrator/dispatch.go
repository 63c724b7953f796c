package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/backend"
)

// minNewTokens is the floor for a computed token cap; below it the
// budget arithmetic would produce useless responses.
const minNewTokens = 16

// Chat forwards a conversation to the active backend. All results
// arrive through handler; the returned error covers only failures
// before dispatch (no backend, not authenticated, expired credential).
func (o *Orchestrator) Chat(ctx context.Context, messages []backend.Message, param backend.RequestParam, handler backend.Handler, headers map[string]string) error {
	return o.dispatch(ctx, backend.CapacityAssistant, messages, param, handler, headers)
}

// Completion forwards a completion request to the active backend.
func (o *Orchestrator) Completion(ctx context.Context, messages []backend.Message, param backend.RequestParam, handler backend.Handler, headers map[string]string) error {
	return o.dispatch(ctx, backend.CapacityCompletion, messages, param, handler, headers)
}

func (o *Orchestrator) dispatch(ctx context.Context, capacity backend.Capacity, messages []backend.Message, param backend.RequestParam, handler backend.Handler, headers map[string]string) error {
	o.mu.RLock()
	st, ok := o.backends[o.active]
	if !ok {
		o.mu.RUnlock()
		return ErrNoActiveBackend
	}
	name := o.active
	adapter, a := st.adapter, st.auth
	capOpts := st.cfg.Capacities[string(capacity)]
	var org *backend.Organization
	if o.org != nil {
		chosen := *o.org
		org = &chosen
	}
	o.mu.RUnlock()

	opts := backend.CallOptions{
		Messages: messages,
		Param:    o.mergeParam(capOpts, messages, param),
		Handler:  o.watchAuth(name, handler),
		Headers:  headers,
	}

	err := call(ctx, adapter, capacity, a, opts, org)
	if err != nil && errors.Is(err, backend.ErrAuthExpired) {
		o.clearCredential(name)
	}
	return err
}

func call(ctx context.Context, adapter backend.Backend, capacity backend.Capacity, a backend.AuthInfo, opts backend.CallOptions, org *backend.Organization) error {
	if capacity == backend.CapacityCompletion {
		return adapter.Completion(ctx, a, opts, org)
	}
	return adapter.Chat(ctx, a, opts, org)
}

// watchAuth intercepts the event stream to clear the cached credential
// when a 401 surfaces mid-call. The adapter's own revocation hook does
// the same; both paths are idempotent.
func (o *Orchestrator) watchAuth(name string, handler backend.Handler) backend.Handler {
	return func(ev backend.ResponseEvent) {
		if ev.Kind == backend.EventError && ev.Err != nil && errors.Is(ev.Err, backend.ErrAuthExpired) {
			o.clearCredential(name)
		}
		handler(ev)
	}
}

// clearCredential is the dispatch-side half of 401 handling, idempotent
// with the adapter hook.
func (o *Orchestrator) clearCredential(name string) {
	o.mu.Lock()
	st, ok := o.backends[name]
	if !ok || st.auth.IsZero() {
		o.mu.Unlock()
		return
	}
	st.auth = backend.AuthInfo{}
	o.mu.Unlock()

	o.persistCredentials()
	o.emit(StatusChangeEvent{Scopes: []Scope{ScopeAuthorization}})
}

// mergeParam layers the request configuration in increasing precedence:
// capacity template defaults, orchestrator-computed defaults (token cap
// derived from the remaining context budget), caller overrides.
func (o *Orchestrator) mergeParam(capOpts backend.CapacityOptions, messages []backend.Message, param backend.RequestParam) backend.RequestParam {
	out := param

	if out.Temperature == nil {
		out.Temperature = capOpts.Temperature
	}
	if out.TopP == nil {
		out.TopP = capOpts.TopP
	}
	if out.N == 0 && capOpts.N > 0 {
		out.N = capOpts.N
	}
	if len(out.Stop) == 0 {
		out.Stop = capOpts.Stop
	}

	if out.MaxNewTokens == 0 {
		out.MaxNewTokens = capOpts.MaxNewTokens
		if remaining := o.remainingBudget(capOpts, messages); remaining > 0 && (out.MaxNewTokens == 0 || remaining < out.MaxNewTokens) {
			out.MaxNewTokens = remaining
		}
	}

	return out
}

// remainingBudget derives a token cap from the capacity's context
// window minus the prompt's estimated size. Zero means "no opinion".
func (o *Orchestrator) remainingBudget(capOpts backend.CapacityOptions, messages []backend.Message) int {
	if capOpts.ContextTokens == 0 || o.encoder == nil {
		return 0
	}

	used := 0
	for _, m := range messages {
		used += len(o.encoder.Encode(m.Content, nil, nil))
	}

	remaining := capOpts.ContextTokens - used
	if remaining < minNewTokens {
		return minNewTokens
	}
	return remaining
}

// SendTelemetry forwards a usage record to the active backend.
// Telemetry failures are logged, never surfaced to callers.
func (o *Orchestrator) SendTelemetry(ctx context.Context, action, language string, count int) {
	o.mu.RLock()
	st, ok := o.backends[o.active]
	if !ok {
		o.mu.RUnlock()
		return
	}
	adapter, a := st.adapter, st.auth
	name := o.active
	o.mu.RUnlock()

	if a.IsZero() {
		return
	}

	event := backend.UsageEvent{
		ID:        uuid.NewString(),
		Action:    action,
		Language:  language,
		Count:     count,
		CreatedAt: time.Now(),
	}
	if err := adapter.SendTelemetry(ctx, a, event); err != nil {
		o.logger.Debug("Telemetry send failed", "backend", name, "error", err)
	}
}
