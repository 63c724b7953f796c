package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/quillhq/quill/internal/auth"
)

// defaultPromptTemplate flattens the conversation when the config
// supplies no template of its own.
const defaultPromptTemplate = `{{range .Messages}}{{.Role}}: {{.Content}}
{{end}}{{.Prompt}}`

// SelfHostedBackend talks to a template-driven self-hosted inference
// server. The prompt is rendered from a configured text template
// against the message list (or a raw prompt string); the response is a
// single generated_text field, or a token-by-token stream where a
// special-tagged end marker stands in for the finish reason.
type SelfHostedBackend struct {
	restBackend
	prompt *template.Template
}

func NewSelfHostedBackend(cfg Config, logger *slog.Logger) (*SelfHostedBackend, error) {
	src := cfg.RequestTemplate
	if src == "" {
		src = defaultPromptTemplate
	}
	tmpl, err := template.New(cfg.Name).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse request template: %w", err)
	}

	b := &SelfHostedBackend{
		restBackend: restBackend{
			cfg:    cfg,
			eng:    newEngine(logger),
			logger: logger,
		},
		prompt: tmpl,
	}
	b.guard = auth.NewGuard[AuthInfo](nil)
	b.authorize = func(a AuthInfo) (map[string]string, error) {
		if a.Secret == "local" {
			return map[string]string{}, nil
		}
		return bearerHeader(a.Secret), nil
	}
	return b, nil
}

func (b *SelfHostedBackend) AuthMethods() []AuthMethod {
	return []AuthMethod{AuthMethodAPIKey}
}

func (b *SelfHostedBackend) LoginURL(string) (string, error) {
	return "", fmt.Errorf("self-hosted login needs no browser flow: %w", ErrUnsupported)
}

// Login is non-interactive. A self-hosted server usually needs no
// credential at all; the "local" placeholder keeps the session in the
// authenticated state.
func (b *SelfHostedBackend) Login(_ context.Context, param LoginParam) (AuthInfo, error) {
	key := param.APIKey
	if key == "" {
		key = b.cfg.APIKey
	}
	if key == "" {
		key = "local"
	}

	b.guard.SetAuthenticated()
	return AuthInfo{
		Account: AccountInfo{Username: b.cfg.Name},
		Secret:  key,
	}, nil
}

func (b *SelfHostedBackend) Logout(context.Context, AuthInfo) error {
	b.guard.Reset()
	return nil
}

func (b *SelfHostedBackend) SyncUserInfo(_ context.Context, a AuthInfo) (AccountInfo, error) {
	if a.IsZero() {
		return AccountInfo{}, ErrUnauthenticated
	}
	return a.Account, nil
}

// promptData is what the request template renders against: role-keyed
// message objects, or a raw prompt for completion-style calls.
type promptData struct {
	Messages []Message
	Prompt   string
}

func (b *SelfHostedBackend) renderPrompt(msgs []Message) (string, error) {
	data := promptData{}
	for _, m := range msgs {
		if m.Role == RoleCompletion {
			data.Prompt += m.Content
			continue
		}
		data.Messages = append(data.Messages, m)
	}

	var sb strings.Builder
	if err := b.prompt.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render request template: %w", err)
	}
	return sb.String(), nil
}

// generateBody is the inference request shape of the self-hosted
// server.
type generateBody struct {
	Inputs     string             `json:"inputs"`
	Parameters generateParameters `json:"parameters"`
	Stream     bool               `json:"stream"`
}

type generateParameters struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	MaxNewTokens      int      `json:"max_new_tokens,omitempty"`
}

// generateFrame is one streamed token. A special-tagged token is the
// end marker; generated_text arrives on the final frame of some server
// versions instead.
type generateFrame struct {
	Token *struct {
		ID      int    `json:"id"`
		Text    string `json:"text"`
		Special bool   `json:"special"`
	} `json:"token"`
	GeneratedText *string `json:"generated_text"`
	Details       *struct {
		FinishReason string `json:"finish_reason"`
	} `json:"details"`
	Error string `json:"error,omitempty"`
}

func (b *SelfHostedBackend) doGenerate(ctx context.Context, a AuthInfo, opts CallOptions) error {
	fresh, err := b.guard.Fresh(ctx, a, b.notifyCredential)
	if err != nil {
		return err
	}

	headers, err := b.authorize(fresh)
	if err != nil {
		return err
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	prompt, err := b.renderPrompt(opts.Messages)
	if err != nil {
		return err
	}

	p := opts.Param
	body, err := json.Marshal(generateBody{
		Inputs: prompt,
		Parameters: generateParameters{
			Temperature:       p.Temperature,
			TopP:              p.TopP,
			RepetitionPenalty: p.RepetitionPenalty,
			Stop:              p.Stop,
			MaxNewTokens:      p.MaxNewTokens,
		},
		Stream: p.Stream,
	})
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	b.eng.do(ctx, callSpec{
		URL:      b.cfg.BaseURL + "/generate",
		Headers:  headers,
		Body:     body,
		Stream:   p.Stream,
		Frame:    generateFrameEvents,
		Response: generateResponse,
		Revoke:   b.revokeCredential,
	}, opts.Handler)

	return nil
}

// generateFrameEvents maps one token frame to events: the end marker
// becomes the finish, every other token a data fragment.
func generateFrameEvents(payload []byte, emit Handler) error {
	var frame generateFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}

	if frame.Error != "" {
		return fmt.Errorf("inference server error: %s", frame.Error)
	}

	if frame.Token != nil && frame.Token.Special {
		reason := FinishStop
		if frame.Details != nil {
			reason = mapFinishReason(frame.Details.FinishReason)
		}
		emit(ResponseEvent{Kind: EventFinish, Choice: &Choice{
			Index:        0,
			FinishReason: reason,
		}})
		return nil
	}

	if frame.Token != nil && frame.Token.Text != "" {
		emit(ResponseEvent{Kind: EventData, Choice: &Choice{
			Index:   0,
			Message: &Message{Role: RoleAssistant, Content: frame.Token.Text},
		}})
	}
	return nil
}

// generateResponse parses the non-streaming answer; some server
// versions wrap the object in a single-element array.
func generateResponse(body []byte) ([]Choice, error) {
	trimmed := strings.TrimSpace(string(body))

	var frame generateFrame
	if strings.HasPrefix(trimmed, "[") {
		var frames []generateFrame
		if err := json.Unmarshal(body, &frames); err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, fmt.Errorf("response has no generations")
		}
		frame = frames[0]
	} else if err := json.Unmarshal(body, &frame); err != nil {
		return nil, err
	}

	if frame.Error != "" {
		return nil, fmt.Errorf("inference server error: %s", frame.Error)
	}
	if frame.GeneratedText == nil {
		return nil, fmt.Errorf("response has no generated_text")
	}

	reason := FinishStop
	if frame.Details != nil {
		reason = mapFinishReason(frame.Details.FinishReason)
	}
	return []Choice{{
		Index:        0,
		Message:      &Message{Role: RoleAssistant, Content: *frame.GeneratedText},
		FinishReason: reason,
	}}, nil
}

func (b *SelfHostedBackend) Chat(ctx context.Context, a AuthInfo, opts CallOptions, _ *Organization) error {
	return b.doGenerate(ctx, a, opts)
}

func (b *SelfHostedBackend) Completion(ctx context.Context, a AuthInfo, opts CallOptions, _ *Organization) error {
	return b.doGenerate(ctx, a, opts)
}

func (b *SelfHostedBackend) ListKnowledgeBases(context.Context, AuthInfo, *Organization) ([]KnowledgeBase, error) {
	return nil, ErrUnsupported
}

func (b *SelfHostedBackend) SendTelemetry(context.Context, AuthInfo, UsageEvent) error {
	return nil
}
