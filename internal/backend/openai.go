package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quillhq/quill/internal/auth"
)

// OpenAIBackend talks to any OpenAI-compatible service. It is the
// bearer service minus the login handshake: a static API key, system
// messages always stripped, and delta.content/finish_reason mapped
// under OpenAI's naming.
type OpenAIBackend struct {
	restBackend
}

func NewOpenAIBackend(cfg Config, logger *slog.Logger) *OpenAIBackend {
	cfg.FilterSystem = true
	b := &OpenAIBackend{
		restBackend: restBackend{
			cfg:    cfg,
			eng:    newEngine(logger),
			logger: logger,
			naming: openAINaming,
		},
	}
	b.guard = auth.NewGuard[AuthInfo](nil)
	b.authorize = func(a AuthInfo) (map[string]string, error) {
		return bearerHeader(a.Secret), nil
	}
	return b
}

func (b *OpenAIBackend) AuthMethods() []AuthMethod {
	return []AuthMethod{AuthMethodAPIKey}
}

func (b *OpenAIBackend) LoginURL(string) (string, error) {
	return "", fmt.Errorf("api-key login needs no browser flow: %w", ErrUnsupported)
}

// Login accepts an API key, preferring the param over the configured
// one. The key is taken at face value: OpenAI-compatible servers have
// no universal identity endpoint to verify against.
func (b *OpenAIBackend) Login(_ context.Context, param LoginParam) (AuthInfo, error) {
	key := param.APIKey
	if key == "" {
		key = b.cfg.APIKey
	}
	if key == "" {
		return AuthInfo{}, fmt.Errorf("backend %s: no api key configured", b.cfg.Name)
	}

	b.guard.SetAuthenticated()
	return AuthInfo{
		Account: AccountInfo{Username: b.cfg.Name},
		Secret:  key,
	}, nil
}

func (b *OpenAIBackend) Logout(context.Context, AuthInfo) error {
	b.guard.Reset()
	return nil
}

func (b *OpenAIBackend) SyncUserInfo(_ context.Context, a AuthInfo) (AccountInfo, error) {
	if a.IsZero() {
		return AccountInfo{}, ErrUnauthenticated
	}
	return a.Account, nil
}

func (b *OpenAIBackend) Chat(ctx context.Context, a AuthInfo, opts CallOptions, org *Organization) error {
	return b.doCall(ctx, a, opts, org, CapacityAssistant)
}

func (b *OpenAIBackend) Completion(ctx context.Context, a AuthInfo, opts CallOptions, org *Organization) error {
	return b.doCall(ctx, a, opts, org, CapacityCompletion)
}

func (b *OpenAIBackend) ListKnowledgeBases(context.Context, AuthInfo, *Organization) ([]KnowledgeBase, error) {
	return nil, ErrUnsupported
}

func (b *OpenAIBackend) SendTelemetry(context.Context, AuthInfo, UsageEvent) error {
	// OpenAI-compatible servers expose no telemetry path; drop quietly.
	return nil
}
