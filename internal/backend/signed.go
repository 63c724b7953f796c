package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/quillhq/quill/internal/auth"
)

// signedTokenTTL bounds the validity of each request's signed token.
const signedTokenTTL = 30 * time.Minute

// SignedBackend talks to the access-key-signed service. The body shape
// matches the bearer service; the authorization header is a short-lived
// HS256 token with issuer/expiry/not-before claims minted per request
// from an access-key id/secret pair. The credential is static: it never
// refreshes and stays authenticated until an explicit logout.
//
// The key pair is packed into AuthInfo.Secret as "id:secret" so the
// common credential plumbing applies unchanged.
type SignedBackend struct {
	restBackend
}

func NewSignedBackend(cfg Config, logger *slog.Logger) *SignedBackend {
	b := &SignedBackend{
		restBackend: restBackend{
			cfg:    cfg,
			eng:    newEngine(logger),
			logger: logger,
			naming: bearerNaming,
		},
	}
	b.guard = auth.NewGuard[AuthInfo](nil)
	b.authorize = func(a AuthInfo) (map[string]string, error) {
		id, secret, err := splitKeyPair(a.Secret)
		if err != nil {
			return nil, err
		}
		token, err := signRequestToken(id, secret, time.Now())
		if err != nil {
			return nil, err
		}
		return bearerHeader(token), nil
	}
	return b
}

func splitKeyPair(packed string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(packed, ":")
	if !ok || id == "" || secret == "" {
		return "", "", fmt.Errorf("malformed access-key credential")
	}
	return id, secret, nil
}

// signRequestToken mints the per-request authorization token: the
// access-key id as issuer, a short expiry, and a not-before slightly in
// the past to tolerate clock drift.
func signRequestToken(id, secret string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    id,
		ExpiresAt: jwt.NewNumericDate(now.Add(signedTokenTTL)),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (b *SignedBackend) AuthMethods() []AuthMethod {
	return []AuthMethod{AuthMethodAccessKey}
}

func (b *SignedBackend) LoginURL(string) (string, error) {
	return "", fmt.Errorf("access-key login needs no browser flow: %w", ErrUnsupported)
}

// Login accepts an access-key pair, preferring the one supplied in the
// param over the statically configured one, and verifies it with a user
// info round trip.
func (b *SignedBackend) Login(ctx context.Context, param LoginParam) (AuthInfo, error) {
	id, secret := param.AccessKeyID, param.SecretAccessKey
	if id == "" {
		id, secret = b.cfg.AccessKeyID, b.cfg.SecretAccessKey
	}
	if id == "" || secret == "" {
		return AuthInfo{}, fmt.Errorf("backend %s: no access key configured", b.cfg.Name)
	}

	a := AuthInfo{Secret: id + ":" + secret}
	account, err := b.SyncUserInfo(ctx, a)
	if err != nil {
		return AuthInfo{}, err
	}
	a.Account = account

	b.guard.SetAuthenticated()
	return a, nil
}

func (b *SignedBackend) Logout(context.Context, AuthInfo) error {
	// Nothing to revoke server-side; dropping the key pair suffices.
	b.guard.Reset()
	return nil
}

func (b *SignedBackend) SyncUserInfo(ctx context.Context, a AuthInfo) (AccountInfo, error) {
	if a.IsZero() {
		return AccountInfo{}, ErrUnauthenticated
	}
	headers, err := b.authorize(a)
	if err != nil {
		return AccountInfo{}, err
	}
	var info wireUserInfo
	if err := b.httpJSON(ctx, http.MethodGet, b.cfg.BaseURL+"/v1/user/info", headers, nil, &info); err != nil {
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

func (b *SignedBackend) Chat(ctx context.Context, a AuthInfo, opts CallOptions, org *Organization) error {
	return b.doCall(ctx, a, opts, org, CapacityAssistant)
}

func (b *SignedBackend) Completion(ctx context.Context, a AuthInfo, opts CallOptions, org *Organization) error {
	return b.doCall(ctx, a, opts, org, CapacityCompletion)
}

func (b *SignedBackend) ListKnowledgeBases(ctx context.Context, a AuthInfo, org *Organization) ([]KnowledgeBase, error) {
	if a.IsZero() {
		return nil, ErrUnauthenticated
	}
	headers, err := b.authorize(a)
	if err != nil {
		return nil, err
	}
	if org != nil {
		headers["x-org-code"] = org.Code
	}
	var list wireKnowledgeBases
	if err := b.httpJSON(ctx, http.MethodGet, b.url("/v1/knowledge-bases", org), headers, nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (b *SignedBackend) SendTelemetry(ctx context.Context, a AuthInfo, event UsageEvent) error {
	if a.IsZero() {
		return ErrUnauthenticated
	}
	headers, err := b.authorize(a)
	if err != nil {
		return err
	}
	return b.httpJSON(ctx, http.MethodPost, b.cfg.BaseURL+"/v1/telemetry/usage", headers, event, nil)
}
