package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quillhq/quill/internal/auth"
)

// restBackend carries everything the REST-style adapters (bearer,
// signed, openai) share: the streaming engine, the refresh guard, the
// credential-change hook and the common call path. The concrete
// adapters contribute only field naming, signing and the login
// handshake.
type restBackend struct {
	cfg    Config
	eng    *engine
	guard  *auth.Guard[AuthInfo]
	logger *slog.Logger
	naming wireNaming

	// authorize produces the per-request authentication headers.
	authorize func(auth AuthInfo) (map[string]string, error)

	mu   sync.RWMutex
	hook CredentialChangeHook
}

func (b *restBackend) Name() string { return b.cfg.Name }

func (b *restBackend) OnCredentialChange(hook CredentialChangeHook) {
	b.mu.Lock()
	b.hook = hook
	b.mu.Unlock()
}

func (b *restBackend) notifyCredential(a AuthInfo) {
	b.mu.RLock()
	hook := b.hook
	b.mu.RUnlock()
	if hook != nil {
		hook(b.cfg.Name, a)
	}
}

// revokeCredential is the 401 reaction shared by every call path: mark
// the guard revoked and report the empty credential upward.
func (b *restBackend) revokeCredential() {
	b.guard.Revoke()
	b.notifyCredential(AuthInfo{})
}

// capacityPath maps a capacity to its endpoint path.
func capacityPath(capacity Capacity) string {
	if capacity == CapacityCompletion {
		return "/v1/completions"
	}
	return "/v1/chat/completions"
}

// url builds the request URL, selecting the organization path variant
// when an organization context is active.
func (b *restBackend) url(path string, org *Organization) string {
	if org != nil {
		return b.cfg.BaseURL + "/org/" + org.Code + path
	}
	return b.cfg.BaseURL + path
}

// doCall is the common chat/completion path: refresh the credential if
// it is about to expire, build the wire body, and hand the exchange to
// the engine. Failures before dispatch are returned synchronously;
// everything after arrives through the handler.
func (b *restBackend) doCall(ctx context.Context, a AuthInfo, opts CallOptions, org *Organization, capacity Capacity) error {
	fresh, err := b.guard.Fresh(ctx, a, b.notifyCredential)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			b.notifyCredential(AuthInfo{})
		}
		return err
	}

	headers, err := b.authorize(fresh)
	if err != nil {
		return fmt.Errorf("authorize request: %w", err)
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if org != nil {
		headers["x-org-code"] = org.Code
	}

	model := b.cfg.Capacities[string(capacity)].Model
	body, err := json.Marshal(chatBody(model, opts.Messages, opts.Param, b.cfg.FilterSystem, b.naming))
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	b.eng.do(ctx, callSpec{
		URL:      b.url(capacityPath(capacity), org),
		Headers:  headers,
		Body:     body,
		Stream:   opts.Param.Stream,
		Frame:    chatFrame,
		Response: chatResponse,
		Revoke:   b.revokeCredential,
	}, opts.Handler)

	return nil
}

// httpJSON performs one non-streaming JSON exchange for the auxiliary
// operations (login, user info, knowledge bases, telemetry). A 401
// answer revokes the credential before the error is returned.
func (b *restBackend) httpJSON(ctx context.Context, method, url string, headers map[string]string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.eng.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			b.revokeCredential()
		}
		msg := errorMessage(raw)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ProtocolError{Raw: string(raw), Err: err}
		}
	}
	return nil
}

// bearerHeader is the authorize function of plain token backends.
func bearerHeader(secret string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + secret}
}

// wireKnowledgeBases is the list shape of the knowledge-base probe.
type wireKnowledgeBases struct {
	Data []KnowledgeBase `json:"data"`
}
