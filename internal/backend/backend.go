package backend

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend is the contract every remote service adapter implements.
//
// Chat and Completion never return the aggregated answer synchronously;
// success, partial content and errors all arrive through the handler in
// CallOptions. Cancelling the context aborts the underlying transport
// and still delivers exactly one terminal cancel event.
type Backend interface {
	Name() string
	AuthMethods() []AuthMethod

	// LoginURL returns the browser URL of the authorization-code flow
	// bound to the given PKCE verifier.
	LoginURL(verifier string) (string, error)
	Login(ctx context.Context, param LoginParam) (AuthInfo, error)
	Logout(ctx context.Context, auth AuthInfo) error
	SyncUserInfo(ctx context.Context, auth AuthInfo) (AccountInfo, error)

	Chat(ctx context.Context, auth AuthInfo, opts CallOptions, org *Organization) error
	Completion(ctx context.Context, auth AuthInfo, opts CallOptions, org *Organization) error

	ListKnowledgeBases(ctx context.Context, auth AuthInfo, org *Organization) ([]KnowledgeBase, error)
	SendTelemetry(ctx context.Context, auth AuthInfo, event UsageEvent) error

	// OnCredentialChange registers the hook called whenever the adapter
	// rotates or revokes its credential outside an explicit login.
	OnCredentialChange(hook CredentialChangeHook)
}

// Config is the static description of one configured remote service.
// Immutable after load; one Config produces exactly one adapter.
type Config struct {
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind" yaml:"kind"`
	BaseURL     string `json:"base_url" yaml:"base_url"`
	AuthBaseURL string `json:"auth_base_url,omitempty" yaml:"auth_base_url,omitempty"`
	ClientID    string `json:"client_id,omitempty" yaml:"client_id,omitempty"`

	// Static credentials for backends that never refresh.
	APIKey          string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	// FilterSystem drops system messages for wire variants that do not
	// accept them.
	FilterSystem bool `json:"filter_system,omitempty" yaml:"filter_system,omitempty"`

	// RequestTemplate renders the request body of template-driven
	// self-hosted services (text/template source).
	RequestTemplate string `json:"request_template,omitempty" yaml:"request_template,omitempty"`

	// Capacities holds per-capacity request defaults keyed by capacity
	// name ("assistant", "completion").
	Capacities map[string]CapacityOptions `json:"capacities,omitempty" yaml:"capacities,omitempty"`
}

// CapacityOptions are the request-template defaults of one capacity.
type CapacityOptions struct {
	ContextTokens int      `json:"context_tokens,omitempty" yaml:"context_tokens,omitempty"`
	MaxNewTokens  int      `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	N             int      `json:"n,omitempty" yaml:"n,omitempty"`
	Stop          []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	Model         string   `json:"model,omitempty" yaml:"model,omitempty"`
}

// Backend kind names accepted in Config.Kind.
const (
	KindBearer     = "bearer"
	KindSigned     = "signed"
	KindSelfHosted = "selfhosted"
	KindOpenAI     = "openai"
)

// New instantiates the adapter for one backend config.
func New(cfg Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Kind {
	case KindBearer:
		return NewBearerBackend(cfg, logger), nil
	case KindSigned:
		return NewSignedBackend(cfg, logger), nil
	case KindSelfHosted:
		return NewSelfHostedBackend(cfg, logger)
	case KindOpenAI:
		return NewOpenAIBackend(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// Registry holds the set of instantiated adapters in configured order.
type Registry struct {
	backends map[string]Backend
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds an adapter. The first registered backend is the default
// active one.
func (r *Registry) Register(b Backend) {
	if _, exists := r.backends[b.Name()]; !exists {
		r.order = append(r.order, b.Name())
	}
	r.backends[b.Name()] = b
}

// Get retrieves an adapter by name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// List returns registered backend names in registration order.
func (r *Registry) List() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
