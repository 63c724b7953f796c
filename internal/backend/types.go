package backend

import "time"

// Role identifies who authored a message in a conversation.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleCompletion Role = "completion"
	RoleFunction   Role = "function"
)

// Message is one entry of a conversation. Ordering is meaningful: the
// full sequence is replayed verbatim to the remote service.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolFunction describes one callable function exposed to the model.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolDefinition wraps a function definition in the wire shape shared by
// all chat-style backends.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// RequestParam is the per-call generation configuration. Nil pointer
// fields mean "not set" so defaults from lower-precedence layers can
// fill them in (config template defaults, then orchestrator-computed
// defaults, then caller overrides).
type RequestParam struct {
	Temperature       *float64         `json:"temperature,omitempty"`
	TopP              *float64         `json:"top_p,omitempty"`
	RepetitionPenalty *float64         `json:"repetition_penalty,omitempty"`
	N                 int              `json:"n,omitempty"`
	Stop              []string         `json:"stop,omitempty"`
	Stream            bool             `json:"stream"`
	MaxNewTokens      int              `json:"max_new_tokens,omitempty"`
	Tools             []ToolDefinition `json:"tools,omitempty"`
	ToolChoice        string           `json:"tool_choice,omitempty"`
	KnowledgeBases    []string         `json:"knowledge_bases,omitempty"`
}

// FinishReason explains why one candidate's stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishSensitive FinishReason = "sensitive"
	FinishContext   FinishReason = "context"
	FinishToolCalls FinishReason = "tool_calls"
)

// Choice is one emitted unit of a response: a candidate slot index, an
// optional message fragment and an optional terminal reason.
type Choice struct {
	Index        int          `json:"index"`
	Message      *Message     `json:"message,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// EventKind tags a ResponseEvent.
type EventKind string

const (
	// EventData carries partial content for one candidate.
	EventData EventKind = "data"
	// EventFinish marks the end of one candidate's stream.
	EventFinish EventKind = "finish"
	// EventError carries a failure; terminal for the whole call.
	EventError EventKind = "error"
	// EventCancel reports caller-initiated cancellation; terminal.
	EventCancel EventKind = "cancel"
	// EventDone marks the end of the entire exchange; terminal.
	EventDone EventKind = "done"
)

// Terminal reports whether the kind ends the whole call. A caller
// receives exactly one terminal event per chat/completion invocation.
func (k EventKind) Terminal() bool {
	return k == EventError || k == EventCancel || k == EventDone
}

// ResponseEvent is one unit delivered to the caller's handler. A full
// response is the concatenation, per candidate index, of all data
// fragments up to that candidate's finish.
type ResponseEvent struct {
	Kind   EventKind
	Choice *Choice
	Err    error
}

// Handler receives every event of one chat/completion call, in order.
type Handler func(ResponseEvent)

// Organization is a tenant the authenticated account can act as. The
// "individual" state is a nil *Organization, never an empty value.
type Organization struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Status   string `json:"status,omitempty"`
}

// AccountInfo identifies the authenticated account.
type AccountInfo struct {
	UserID        string         `json:"user_id"`
	Username      string         `json:"username"`
	Avatar        string         `json:"avatar,omitempty"`
	Pro           bool           `json:"pro,omitempty"`
	Organizations []Organization `json:"organizations,omitempty"`
}

// AuthInfo is the live credential for one backend. The orchestrator
// owns the canonical copy; adapters receive it by value per call and
// report updates through the credential-change hook.
//
// If ExpiresAt is set, RefreshToken must be set as well, or the
// credential cannot self-renew and expires into a hard-unauthenticated
// state.
type AuthInfo struct {
	Account      AccountInfo `json:"account"`
	Secret       string      `json:"secret,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at,omitzero"`
	RefreshToken string      `json:"refresh_token,omitempty"`
}

// IsZero reports whether the credential is absent (unauthenticated or
// revoked).
func (a AuthInfo) IsZero() bool {
	return a.Secret == "" && a.RefreshToken == ""
}

// ExpiresWithin reports whether the credential expires inside the given
// window. A credential without an expiration never expires.
func (a AuthInfo) ExpiresWithin(window time.Duration) bool {
	if a.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(window).After(a.ExpiresAt)
}

// Refreshable reports whether the credential can self-renew.
func (a AuthInfo) Refreshable() bool {
	return a.RefreshToken != ""
}

// Capacity is a named usage mode with its own token budget and prompt
// template.
type Capacity string

const (
	CapacityAssistant  Capacity = "assistant"
	CapacityCompletion Capacity = "completion"
)

// KnowledgeBase is one retrieval scope the backend can ground a chat
// call in.
type KnowledgeBase struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// AuthMethod names a supported login flow.
type AuthMethod string

const (
	AuthMethodBrowser   AuthMethod = "browser"
	AuthMethodAPIKey    AuthMethod = "apikey"
	AuthMethodAccessKey AuthMethod = "accesskey"
)

// LoginParam carries the inputs of a login handshake. Which fields are
// used depends on the backend's auth methods.
type LoginParam struct {
	Code            string
	Verifier        string
	APIKey          string
	AccessKeyID     string
	SecretAccessKey string
}

// UsageEvent is one telemetry record forwarded to the backend.
type UsageEvent struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Language  string    `json:"language,omitempty"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialChangeHook is called by an adapter whenever it silently
// rotates or revokes its credential. An empty AuthInfo means revoked.
type CredentialChangeHook func(name string, auth AuthInfo)

// CallOptions carries the inputs of one chat or completion call.
// Results arrive exclusively through Handler.
type CallOptions struct {
	Messages []Message
	Param    RequestParam
	Handler  Handler
	Headers  map[string]string
}
