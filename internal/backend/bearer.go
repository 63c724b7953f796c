package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/quillhq/quill/internal/auth"
)

// BearerBackend talks to the token-bearer REST+SSE service: an
// authorization-code login handshake, bearer-token requests with a
// background refresh endpoint, and organization-scoped URL variants.
type BearerBackend struct {
	restBackend
}

func NewBearerBackend(cfg Config, logger *slog.Logger) *BearerBackend {
	b := &BearerBackend{
		restBackend: restBackend{
			cfg:    cfg,
			eng:    newEngine(logger),
			logger: logger,
			naming: bearerNaming,
		},
	}
	b.guard = auth.NewGuard(b.refresh)
	b.authorize = func(a AuthInfo) (map[string]string, error) {
		return bearerHeader(a.Secret), nil
	}
	return b
}

func (b *BearerBackend) AuthMethods() []AuthMethod {
	return []AuthMethod{AuthMethodBrowser}
}

func (b *BearerBackend) LoginURL(verifier string) (string, error) {
	if b.cfg.AuthBaseURL == "" {
		return "", fmt.Errorf("backend %s has no auth base URL", b.cfg.Name)
	}
	q := url.Values{}
	q.Set("client_id", b.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("code_challenge", verifier)
	return b.cfg.AuthBaseURL + "/oauth/authorize?" + q.Encode(), nil
}

// tokenResponse is the /oauth/token answer for both the initial
// exchange and refreshes.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r tokenResponse) authInfo(account AccountInfo) AuthInfo {
	a := AuthInfo{
		Account:      account,
		Secret:       r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		a.ExpiresAt = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return a
}

// Login exchanges the authorization code obtained through LoginURL for
// a credential and resolves the account behind it.
func (b *BearerBackend) Login(ctx context.Context, param LoginParam) (AuthInfo, error) {
	var tok tokenResponse
	err := b.httpJSON(ctx, http.MethodPost, b.cfg.AuthBaseURL+"/oauth/token", nil, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     b.cfg.ClientID,
		"code":          param.Code,
		"code_verifier": param.Verifier,
	}, &tok)
	if err != nil {
		return AuthInfo{}, fmt.Errorf("token exchange: %w", err)
	}

	account, err := b.fetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		return AuthInfo{}, err
	}

	b.guard.SetAuthenticated()
	return tok.authInfo(account), nil
}

// refresh exchanges the refresh token for a replacement credential. The
// account identity is carried over; only tokens rotate.
func (b *BearerBackend) refresh(ctx context.Context, a AuthInfo) (AuthInfo, error) {
	var tok tokenResponse
	err := b.httpJSON(ctx, http.MethodPost, b.cfg.AuthBaseURL+"/oauth/token", nil, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     b.cfg.ClientID,
		"refresh_token": a.RefreshToken,
	}, &tok)
	if err != nil {
		return AuthInfo{}, err
	}
	return tok.authInfo(a.Account), nil
}

func (b *BearerBackend) Logout(ctx context.Context, a AuthInfo) error {
	defer b.guard.Reset()
	if a.IsZero() {
		return nil
	}
	// Revocation is best-effort; the credential is dropped locally
	// regardless.
	err := b.httpJSON(ctx, http.MethodPost, b.cfg.AuthBaseURL+"/oauth/revoke", bearerHeader(a.Secret), map[string]string{
		"token": a.Secret,
	}, nil)
	if err != nil {
		b.logger.Warn("Token revocation failed", "backend", b.cfg.Name, "error", err)
	}
	return nil
}

// wireUserInfo is the /v1/user/info answer.
type wireUserInfo struct {
	UserID        string         `json:"user_id"`
	Username      string         `json:"username"`
	Avatar        string         `json:"avatar"`
	Pro           bool           `json:"pro"`
	Organizations []Organization `json:"organizations"`
}

func (b *BearerBackend) fetchUserInfo(ctx context.Context, secret string) (AccountInfo, error) {
	var info wireUserInfo
	if err := b.httpJSON(ctx, http.MethodGet, b.cfg.BaseURL+"/v1/user/info", bearerHeader(secret), nil, &info); err != nil {
		return AccountInfo{}, fmt.Errorf("fetch user info: %w", err)
	}
	return AccountInfo{
		UserID:        info.UserID,
		Username:      info.Username,
		Avatar:        info.Avatar,
		Pro:           info.Pro,
		Organizations: info.Organizations,
	}, nil
}

func (b *BearerBackend) SyncUserInfo(ctx context.Context, a AuthInfo) (AccountInfo, error) {
	if a.IsZero() {
		return AccountInfo{}, ErrUnauthenticated
	}
	return b.fetchUserInfo(ctx, a.Secret)
}

func (b *BearerBackend) Chat(ctx context.Context, a AuthInfo, opts CallOptions, org *Organization) error {
	return b.doCall(ctx, a, opts, org, CapacityAssistant)
}

func (b *BearerBackend) Completion(ctx context.Context, a AuthInfo, opts CallOptions, org *Organization) error {
	return b.doCall(ctx, a, opts, org, CapacityCompletion)
}

func (b *BearerBackend) ListKnowledgeBases(ctx context.Context, a AuthInfo, org *Organization) ([]KnowledgeBase, error) {
	if a.IsZero() {
		return nil, ErrUnauthenticated
	}
	headers := bearerHeader(a.Secret)
	if org != nil {
		headers["x-org-code"] = org.Code
	}
	var list wireKnowledgeBases
	if err := b.httpJSON(ctx, http.MethodGet, b.url("/v1/knowledge-bases", org), headers, nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (b *BearerBackend) SendTelemetry(ctx context.Context, a AuthInfo, event UsageEvent) error {
	if a.IsZero() {
		return ErrUnauthenticated
	}
	return b.httpJSON(ctx, http.MethodPost, b.cfg.BaseURL+"/v1/telemetry/usage", bearerHeader(a.Secret), event, nil)
}
