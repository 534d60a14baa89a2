// Package federation exposes the login endpoints: begin, callback,
// account selection, provider-initiated login and logout.
package federation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/cache"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/flow"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/http/helpers"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/http/session"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
)

// Config carries the controller's HTTP-facing settings.
type Config struct {
	// CookiePrefix names the state cookie "<prefix>-state".
	CookiePrefix string
	// CallbackPath is the path the state cookie is scoped to.
	CallbackPath string
	Secure       bool
}

// Controller wires the flow to the router.
type Controller struct {
	flow     *flow.Flow
	registry *provider.Registry
	sessions *session.Manager
	cfg      Config
}

// New builds the controller.
func New(f *flow.Flow, registry *provider.Registry, sessions *session.Manager, cfg Config) *Controller {
	if cfg.CookiePrefix == "" {
		cfg.CookiePrefix = "fedlogin"
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/accounts/oidc/callback"
	}
	return &Controller{flow: f, registry: registry, sessions: sessions, cfg: cfg}
}

// Register mounts the routes.
func (c *Controller) Register(r chi.Router) {
	r.Get("/accounts/oidc/login", c.LoginInitiate)
	r.Get("/accounts/oidc/login/{provider}", c.Begin)
	r.Get(c.cfg.CallbackPath, c.Callback)
	r.Post("/accounts/oidc/select-account", c.SelectAccount)
	r.Get("/accounts/oidc/logout", c.Logout)
}

func (c *Controller) stateCookieName() string    { return c.cfg.CookiePrefix + "-state" }
func (c *Controller) providerCookieName() string { return c.cfg.CookiePrefix + "-provider" }

func (c *Controller) setCallbackCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.cfg.CallbackPath,
		MaxAge:   3600,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *Controller) deleteCallbackCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     c.cfg.CallbackPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// nextURL keeps redirects on-site: only rooted paths pass through.
func nextURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	return raw
}

// Begin handles GET /accounts/oidc/login/{provider}.
func (c *Controller) Begin(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	c.begin(w, r, providerID)
}

// LoginInitiate handles GET /accounts/oidc/login?iss=...: third-party
// initiated login, the provider is looked up by its issuer hint.
func (c *Controller) LoginInitiate(w http.ResponseWriter, r *http.Request) {
	iss := r.URL.Query().Get("iss")
	if iss == "" {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "missing iss parameter")
		return
	}
	cfg, err := c.registry.ByIssuer(r.Context(), iss)
	if err != nil {
		helpers.WriteError(w, http.StatusNotFound, "unknown_issuer", "no provider for this issuer")
		return
	}
	c.begin(w, r, cfg.ID)
}

func (c *Controller) begin(w http.ResponseWriter, r *http.Request, providerID string) {
	ctx := r.Context()
	next := nextURL(r.URL.Query().Get("next"))

	redirect, err := c.flow.Begin(ctx, providerID, next, flow.BeginOptions{
		Prompt:    r.URL.Query().Get("prompt"),
		ACRValues: r.URL.Query().Get("acr_values"),
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			helpers.WriteError(w, http.StatusNotFound, "unknown_provider", "no such provider")
			return
		}
		logger.From(ctx).Error("begin failed", logger.Provider(providerID), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "server_error", "could not start the login")
		return
	}

	c.setCallbackCookie(w, c.stateCookieName(), redirect.CookieSeed)
	c.setCallbackCookie(w, c.providerCookieName(), providerID)
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// Callback handles the provider redirect. The state cookie is deleted
// on every callback, whatever the outcome: state is single-use.
func (c *Controller) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var cookieSeed string
	if ck, err := r.Cookie(c.stateCookieName()); err == nil {
		cookieSeed = ck.Value
	}
	providerID := c.resolveProvider(r)

	c.deleteCallbackCookie(w, c.stateCookieName())
	c.deleteCallbackCookie(w, c.providerCookieName())

	if providerID == "" {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "cannot identify the provider for this callback")
		return
	}

	outcome, err := c.flow.Complete(ctx, providerID, flow.CallbackInput{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		CookieSeed:       cookieSeed,
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		logger.From(ctx).Error("callback failed", logger.Provider(providerID), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "server_error", "login could not be completed")
		return
	}
	c.respond(w, r, outcome)
}

// resolveProvider prefers the OIDC iss response parameter and falls
// back to the provider cookie set at begin.
func (c *Controller) resolveProvider(r *http.Request) string {
	if iss := r.URL.Query().Get("iss"); iss != "" {
		if cfg, err := c.registry.ByIssuer(r.Context(), iss); err == nil {
			return cfg.ID
		}
	}
	if ck, err := r.Cookie(c.providerCookieName()); err == nil {
		return ck.Value
	}
	return ""
}

// SelectAccount handles POST /accounts/oidc/select-account with form
// fields handle and link.
func (c *Controller) SelectAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	handle := r.PostFormValue("handle")
	linkID := r.PostFormValue("link")
	if handle == "" || linkID == "" {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "handle and link are required")
		return
	}
	outcome, err := c.flow.ResumeSelection(ctx, handle, linkID)
	if err != nil {
		logger.From(ctx).Error("account selection failed", logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "server_error", "login could not be completed")
		return
	}
	c.respond(w, r, outcome)
}

// Logout handles GET /accounts/oidc/logout: destroys the session and,
// when the provider has an end-session endpoint, chains the redirect.
func (c *Controller) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	postLogout := nextURL(r.URL.Query().Get("next"))

	s, token, err := c.sessions.FromRequest(r)
	if err != nil {
		if !cache.IsNotFound(err) {
			logger.From(ctx).Warn("session load failed", logger.Err(err))
		}
		http.Redirect(w, r, postLogout, http.StatusFound)
		return
	}
	_ = c.sessions.Destroy(ctx, token)
	http.SetCookie(w, c.sessions.ClearCookie())

	target, err := c.flow.Logout(ctx, s.ProviderID, s.IDToken, postLogout)
	if err != nil {
		// No end-session endpoint, or the provider vanished from the
		// configuration: the local session is gone either way.
		http.Redirect(w, r, postLogout, http.StatusFound)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

type selectionResponse struct {
	Status     string      `json:"status"`
	Handle     string      `json:"selection_handle"`
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Link     string `json:"link"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (c *Controller) respond(w http.ResponseWriter, r *http.Request, outcome *flow.Outcome) {
	switch outcome.Status {
	case flow.StatusLoggedIn:
		http.SetCookie(w, c.sessions.Cookie(outcome.SessionToken))
		http.Redirect(w, r, nextURL(outcome.NextURL), http.StatusFound)
	case flow.StatusSelectionRequired:
		resp := selectionResponse{
			Status: string(outcome.Status),
			Handle: outcome.SelectionHandle,
		}
		for _, cand := range outcome.Candidates {
			resp.Candidates = append(resp.Candidates, candidate{
				Link:     cand.LinkID,
				Username: cand.Username,
				Email:    cand.Email,
			})
		}
		helpers.WriteJSON(w, http.StatusOK, resp)
	case flow.StatusDenied, flow.StatusRejected:
		helpers.WriteError(w, http.StatusForbidden, string(outcome.Status), outcome.Message)
	case flow.StatusProviderDown, flow.StatusProviderError:
		helpers.WriteError(w, http.StatusServiceUnavailable, string(outcome.Status), outcome.Message)
	case flow.StatusMisconfigured:
		helpers.WriteError(w, http.StatusInternalServerError, string(outcome.Status), outcome.Message)
	default:
		helpers.WriteError(w, http.StatusUnauthorized, string(outcome.Status), outcome.Message)
	}
}
