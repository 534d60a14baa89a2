// Package session stores web sessions in the shared cache and binds
// federated logins to them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/cache"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/idtoken"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
)

// Session is one authenticated browser session.
type Session struct {
	AccountID  string `json:"account_id"`
	ProviderID string `json:"provider_id"`
	Subject    string `json:"subject"`
	// IDToken is kept for the logout id_token_hint.
	IDToken   string    `json:"id_token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Config tunes the manager.
type Config struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Manager stores sessions and issues their cookies. It implements
// flow.SessionBinder.
type Manager struct {
	store cache.Client
	cfg   Config
}

// NewManager builds a session manager over the cache.
func NewManager(store cache.Client, cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = "session"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 12 * time.Hour
	}
	return &Manager{store: store, cfg: cfg}
}

func key(token string) string { return "session:" + token }

// Bind creates a session for a resolved account and returns its token.
func (m *Manager) Bind(ctx context.Context, account *repository.Account, providerID string, claims *idtoken.Claims, created bool) (string, error) {
	s := Session{
		AccountID:  account.ID,
		ProviderID: providerID,
		CreatedAt:  time.Now(),
	}
	if claims != nil {
		s.Subject = claims.Sub
		s.IDToken = claims.RawToken
	}
	blob, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := m.store.Set(ctx, key(token), string(blob), m.cfg.TTL); err != nil {
		return "", fmt.Errorf("session: store: %w", err)
	}
	logger.From(ctx).Info("session bound",
		logger.Component("session"),
		logger.AccountID(account.ID),
		logger.Provider(providerID),
		logger.Bool("created", created),
	)
	return token, nil
}

// Get loads a session by token. cache.ErrNotFound when absent or expired.
func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	raw, err := m.store.Get(ctx, key(token))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Destroy deletes a session.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	return m.store.Delete(ctx, key(token))
}

// FromRequest loads the session referenced by the request cookie.
func (m *Manager) FromRequest(r *http.Request) (*Session, string, error) {
	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return nil, "", cache.ErrNotFound
	}
	s, err := m.Get(r.Context(), c.Value)
	if err != nil {
		return nil, "", err
	}
	return s, c.Value, nil
}

// Cookie builds the session cookie for a token.
func (m *Manager) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.cfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie builds the deletion cookie.
func (m *Manager) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
