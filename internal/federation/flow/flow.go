// Package flow orchestrates the two HTTP-facing login operations:
// begin (build the redirect to the provider) and complete (handle the
// provider callback). It owns no HTTP handler state itself; the
// controllers translate between requests and the typed inputs here.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/audit"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/cache"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/claimmap"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/health"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/idtoken"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/resolver"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/state"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/metrics"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
)

// SessionBinder attaches a resolved account to a session and returns
// the session token the HTTP layer puts in the cookie. The web session
// store implements it; tests use a recorder.
type SessionBinder interface {
	Bind(ctx context.Context, account *repository.Account, providerID string, claims *idtoken.Claims, created bool) (string, error)
}

// Deps wires the flow's collaborators.
type Deps struct {
	Registry *provider.Registry
	States   *state.Codec
	Tokens   *idtoken.Validator
	Claims   *claimmap.Resolver
	Accounts *resolver.Resolver
	Repo     repository.AccountRepository
	Health   *health.Cache
	Sessions SessionBinder
	Journal  audit.Journal
	Store    cache.Client

	// CallbackURL is the absolute redirect_uri registered at every
	// provider; one endpoint serves all of them.
	CallbackURL string

	// Client is the outbound HTTP client. Left nil, a client with
	// requestTimeout is used. Token exchange is never retried: the
	// authorization code is single-use.
	Client *http.Client
}

// requestTimeout bounds every outbound provider call.
const requestTimeout = 5 * time.Second

// selectionTTL bounds how long an account-choice handle stays valid.
const selectionTTL = 5 * time.Minute

// Flow implements the login orchestration.
type Flow struct {
	d Deps
}

// New builds a Flow. Registry, States, Tokens, Claims, Accounts, Repo,
// Health, Sessions, Store and CallbackURL are required.
func New(d Deps) *Flow {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: requestTimeout}
	}
	if d.Journal == nil {
		d.Journal = audit.Nop()
	}
	return &Flow{d: d}
}

// Redirect tells the controller where to send the browser and which
// state seed cookie to set.
type Redirect struct {
	URL        string
	CookieSeed string
}

// BeginOptions carries optional authorization request parameters.
type BeginOptions struct {
	// Prompt forwards the OIDC prompt parameter (e.g. "login").
	Prompt string
	// ACRValues forwards requested authentication context classes.
	ACRValues string
}

// Begin builds the authorization redirect for a provider.
func (f *Flow) Begin(ctx context.Context, providerID, nextURL string, opts BeginOptions) (*Redirect, error) {
	cfg, err := f.d.Registry.ByID(ctx, providerID)
	if err != nil {
		return nil, err
	}

	issued, err := f.d.States.Issue(nextURL)
	if err != nil {
		return nil, fmt.Errorf("flow: issue state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("scope", strings.Join(scopes(cfg), " "))
	q.Set("redirect_uri", f.d.CallbackURL)
	q.Set("response_type", "code")
	q.Set("state", issued.State)
	q.Set("nonce", issued.Nonce)
	if cfg.MaxAuthAge > 0 {
		q.Set("max_age", strconv.Itoa(int(cfg.MaxAuthAge.Seconds())))
	}
	if opts.Prompt != "" {
		q.Set("prompt", opts.Prompt)
	}
	if opts.ACRValues != "" {
		q.Set("acr_values", opts.ACRValues)
	}
	if cfg.ClaimsParameterSupported {
		if claims := cfg.AuthorizationClaims(); len(claims) > 0 {
			blob, err := json.Marshal(claims)
			if err == nil {
				q.Set("claims", string(blob))
			}
		}
	}

	sep := "?"
	if strings.Contains(cfg.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return &Redirect{
		URL:        cfg.AuthorizationEndpoint + sep + q.Encode(),
		CookieSeed: issued.CookieSeed,
	}, nil
}

// CallbackInput is the provider callback, already pulled out of the
// request by the controller. CookieSeed is the state cookie value, or
// empty when the browser presented none.
type CallbackInput struct {
	Code             string
	State            string
	CookieSeed       string
	Error            string
	ErrorDescription string
}

// Complete handles the provider callback end to end. The returned
// Outcome is never nil on a nil error; a non-nil error means a fatal
// repository or infrastructure failure.
func (f *Flow) Complete(ctx context.Context, providerID string, in CallbackInput) (*Outcome, error) {
	cfg, err := f.d.Registry.ByID(ctx, providerID)
	if err != nil {
		return nil, err
	}
	log := logger.From(ctx).With(
		logger.Component("federation.flow"),
		logger.Provider(cfg.ID),
	)

	// State first. Nothing from the callback is trusted before the
	// seed proves the browser started this login here.
	verified, err := f.d.States.Verify(in.State, in.CookieSeed)
	if err != nil {
		log.Warn("state verification failed", logger.Err(err))
		return f.finish(ctx, cfg, &Outcome{Status: StatusTryAgain, Message: msgTryAgain}), nil
	}

	if in.Error != "" {
		log.Warn("provider returned an authorization error",
			zap.String("error", in.Error),
			zap.String("error_description", in.ErrorDescription),
		)
		f.d.Journal.Record(ctx, audit.EventLoginFailure, map[string]any{
			"provider": cfg.ID,
			"error":    in.Error,
		})
		if in.Error == "access_denied" {
			return f.finish(ctx, cfg, &Outcome{Status: StatusDenied, Message: msgDenied, NextURL: verified.NextURL}), nil
		}
		return f.finish(ctx, cfg, &Outcome{Status: StatusProviderError, Message: msgProviderDown, NextURL: verified.NextURL}), nil
	}

	tokens, err := f.exchangeCode(ctx, cfg, in.Code)
	if err != nil {
		log.Warn("token exchange failed", logger.Err(err))
		f.markDown(ctx, cfg)
		return f.finish(ctx, cfg, &Outcome{Status: StatusProviderDown, Message: msgProviderDown, NextURL: verified.NextURL}), nil
	}

	claims, err := f.d.Tokens.Validate(tokens.IDToken, cfg, verified.Nonce)
	if err != nil {
		log.Warn("id_token validation failed", logger.Err(err))
		if errors.Is(err, idtoken.ErrMissingKeys) {
			return f.finish(ctx, cfg, &Outcome{Status: StatusMisconfigured, Message: msgMisconfigured, NextURL: verified.NextURL}), nil
		}
		return f.finish(ctx, cfg, &Outcome{Status: StatusTryAgain, Message: msgTryAgain, NextURL: verified.NextURL}), nil
	}

	var userInfo map[string]any
	if cfg.NeedsUserInfo() {
		userInfo, err = f.fetchUserInfo(ctx, cfg, tokens.AccessToken)
		if err != nil {
			log.Warn("userinfo fetch failed", logger.Err(err))
			f.markDown(ctx, cfg)
			return f.finish(ctx, cfg, &Outcome{Status: StatusProviderDown, Message: msgProviderDown, NextURL: verified.NextURL}), nil
		}
		if uiSub, _ := userInfo["sub"].(string); uiSub != "" && uiSub != claims.Sub {
			log.Warn("userinfo sub differs from id_token sub", logger.Subject(claims.Sub))
			return f.finish(ctx, cfg, &Outcome{Status: StatusTryAgain, Message: msgTryAgain, NextURL: verified.NextURL}), nil
		}
	}

	values, err := f.d.Claims.Resolve(ctx, cfg.ClaimMappings, claims.Raw, userInfo)
	if err != nil {
		if errors.Is(err, claimmap.ErrMisconfiguredAccount) {
			return f.finish(ctx, cfg, &Outcome{Status: StatusMisconfigured, Message: msgMisconfigured, NextURL: verified.NextURL}), nil
		}
		return nil, err
	}

	res, err := f.d.Accounts.Resolve(ctx, cfg, claims.Sub, values)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case resolver.OutcomeLinked, resolver.OutcomeCreated:
		token, err := f.bind(ctx, cfg, res, claims, values)
		if err != nil {
			return nil, err
		}
		f.d.Health.Clear(ctx, cfg.ID)
		return f.finish(ctx, cfg, &Outcome{
			Status:       StatusLoggedIn,
			NextURL:      verified.NextURL,
			Account:      res.Account,
			Created:      res.Outcome == resolver.OutcomeCreated,
			SessionToken: token,
		}), nil
	case resolver.OutcomeAmbiguous:
		handle, err := f.saveSelection(ctx, cfg, claims.Sub, verified.NextURL, values)
		if err != nil {
			return nil, err
		}
		return f.finish(ctx, cfg, &Outcome{
			Status:          StatusSelectionRequired,
			NextURL:         verified.NextURL,
			Candidates:      res.Candidates,
			SelectionHandle: handle,
		}), nil
	default:
		f.d.Journal.Record(ctx, audit.EventLoginFailure, map[string]any{
			"provider": cfg.ID,
			"reason":   string(res.Reason),
		})
		return f.finish(ctx, cfg, &Outcome{
			Status:  StatusRejected,
			Message: rejectMessage(res.Reason),
			NextURL: verified.NextURL,
			Reason:  res.Reason,
		}), nil
	}
}

// ResumeSelection finishes an ambiguous login with the link the user
// chose. The handle is single-use; a second submit restarts the login.
func (f *Flow) ResumeSelection(ctx context.Context, handle, linkID string) (*Outcome, error) {
	raw, err := f.d.Store.Get(ctx, selectionKey(handle))
	if err != nil {
		if cache.IsNotFound(err) {
			return &Outcome{Status: StatusTryAgain, Message: msgTryAgain}, nil
		}
		return nil, fmt.Errorf("flow: load selection: %w", err)
	}
	_ = f.d.Store.Delete(ctx, selectionKey(handle))

	var sel selectionContext
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return &Outcome{Status: StatusTryAgain, Message: msgTryAgain}, nil
	}
	cfg, err := f.d.Registry.ByID(ctx, sel.Provider)
	if err != nil {
		return nil, err
	}

	res, err := f.d.Accounts.ResumeSelection(ctx, cfg, sel.Subject, linkID)
	if err != nil {
		return nil, err
	}
	if res.Outcome != resolver.OutcomeLinked {
		f.d.Journal.Record(ctx, audit.EventLoginFailure, map[string]any{
			"provider": cfg.ID,
			"reason":   string(res.Reason),
		})
		return f.finish(ctx, cfg, &Outcome{
			Status:  StatusRejected,
			Message: rejectMessage(res.Reason),
			NextURL: sel.NextURL,
			Reason:  res.Reason,
		}), nil
	}
	token, err := f.bind(ctx, cfg, res, &idtoken.Claims{Sub: sel.Subject, Iss: cfg.Issuer}, sel.Values)
	if err != nil {
		return nil, err
	}
	f.d.Health.Clear(ctx, cfg.ID)
	return f.finish(ctx, cfg, &Outcome{
		Status:       StatusLoggedIn,
		NextURL:      sel.NextURL,
		Account:      res.Account,
		SessionToken: token,
	}), nil
}

// Logout builds the provider end-session redirect. Providers without an
// end-session endpoint return ErrNoEndSession; the caller just clears
// the local session.
var ErrNoEndSession = errors.New("flow: provider has no end-session endpoint")

func (f *Flow) Logout(ctx context.Context, providerID, idTokenHint, postLogoutURL string) (string, error) {
	cfg, err := f.d.Registry.ByID(ctx, providerID)
	if err != nil {
		return "", err
	}
	if cfg.EndSessionEndpoint == "" {
		return "", ErrNoEndSession
	}
	q := url.Values{}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutURL != "" {
		q.Set("post_logout_redirect_uri", postLogoutURL)
	}
	q.Set("state", uuid.NewString())
	sep := "?"
	if strings.Contains(cfg.EndSessionEndpoint, "?") {
		sep = "&"
	}
	return cfg.EndSessionEndpoint + sep + q.Encode(), nil
}

// scopes returns the request scope set, always containing openid.
// When the provider published a scopes_supported table, configured
// scopes outside it are dropped.
func scopes(cfg *provider.Config) []string {
	supported := func(string) bool { return true }
	if len(cfg.SupportedScopes) > 0 {
		set := make(map[string]bool, len(cfg.SupportedScopes))
		for _, s := range cfg.SupportedScopes {
			set[s] = true
		}
		supported = func(s string) bool { return set[s] }
	}
	out := []string{"openid"}
	for _, s := range cfg.Scopes {
		if s != "openid" && supported(s) {
			out = append(out, s)
		}
	}
	return out
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
}

// exchangeCode trades the authorization code for tokens. Exactly one
// attempt: a retried exchange would replay a single-use code.
func (f *Flow) exchangeCode(ctx context.Context, cfg *provider.Config, code string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.d.CallbackURL)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	started := time.Now()
	resp, err := f.d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	metrics.TokenExchangeLatency.WithLabelValues(cfg.ID).Observe(float64(time.Since(started).Milliseconds()))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("token endpoint: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint: status %d", resp.StatusCode)
	}
	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("token endpoint: invalid JSON: %w", err)
	}
	if tokens.IDToken == "" {
		return nil, errors.New("token endpoint: no id_token in response")
	}
	return &tokens, nil
}

// fetchUserInfo retrieves extra claims. The endpoint may answer with
// plain JSON or a signed JWT; both are accepted.
func (f *Flow) fetchUserInfo(ctx context.Context, cfg *provider.Config, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("userinfo endpoint: read body: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/jwt" {
		return f.d.Tokens.DecodeUserInfo(strings.TrimSpace(string(body)), cfg)
	}
	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("userinfo endpoint: invalid JSON: %w", err)
	}
	return claims, nil
}

// bind persists the mapped attributes and attaches the session.
func (f *Flow) bind(ctx context.Context, cfg *provider.Config, res *resolver.Resolution, claims *idtoken.Claims, values []claimmap.Value) (string, error) {
	if err := f.applyAttributes(ctx, res.Account, values); err != nil {
		return "", err
	}
	token, err := f.d.Sessions.Bind(ctx, res.Account, cfg.ID, claims, res.Outcome == resolver.OutcomeCreated)
	if err != nil {
		return "", fmt.Errorf("flow: bind session: %w", err)
	}
	f.d.Journal.Record(ctx, audit.EventLogin, map[string]any{
		"provider": cfg.ID,
		"account":  res.Account.ID,
		"how":      "oidc",
	})
	return token, nil
}

// applyAttributes writes mapped values onto the account: the legacy
// reserved attributes go to the account record, everything else to the
// attribute bags. values arrive legacy-first from the claim mapper.
func (f *Flow) applyAttributes(ctx context.Context, account *repository.Account, values []claimmap.Value) error {
	var update repository.UpdateAccountInput
	dirty := false
	for _, v := range values {
		if !claimmap.IsLegacyAttribute(v.Attribute) {
			if err := f.d.Repo.SetAttribute(ctx, account.ID, v.Attribute, v.Value, v.Verified); err != nil {
				return fmt.Errorf("flow: set attribute %s: %w", v.Attribute, err)
			}
			continue
		}
		val := v.Value
		switch v.Attribute {
		case "username":
			if account.Username != val {
				update.Username, dirty = &val, true
				account.Username = val
			}
		case "email":
			if account.Email != val || account.EmailVerified != v.Verified {
				verified := v.Verified
				update.Email, update.EmailVerified, dirty = &val, &verified, true
				account.Email, account.EmailVerified = val, verified
			}
		case "first_name":
			if account.FirstName != val {
				update.FirstName, dirty = &val, true
				account.FirstName = val
			}
		case "last_name":
			if account.LastName != val {
				update.LastName, dirty = &val, true
				account.LastName = val
			}
		}
	}
	if dirty {
		if err := f.d.Repo.Update(ctx, account.ID, update); err != nil {
			return fmt.Errorf("flow: update account: %w", err)
		}
	}
	return nil
}

type selectionContext struct {
	Provider string           `json:"provider"`
	Subject  string           `json:"subject"`
	NextURL  string           `json:"next_url"`
	Values   []claimmap.Value `json:"values"`
}

func selectionKey(handle string) string {
	return "fedlogin:choice:" + handle
}

// saveSelection parks the decision context server-side and returns an
// opaque handle; the browser never carries the subject or the claims.
func (f *Flow) saveSelection(ctx context.Context, cfg *provider.Config, sub, nextURL string, values []claimmap.Value) (string, error) {
	blob, err := json.Marshal(selectionContext{
		Provider: cfg.ID,
		Subject:  sub,
		NextURL:  nextURL,
		Values:   values,
	})
	if err != nil {
		return "", err
	}
	handle := uuid.NewString()
	if err := f.d.Store.Set(ctx, selectionKey(handle), string(blob), selectionTTL); err != nil {
		return "", fmt.Errorf("flow: save selection: %w", err)
	}
	return handle, nil
}

func (f *Flow) markDown(ctx context.Context, cfg *provider.Config) {
	f.d.Health.ReportUnreachable(ctx, cfg.ID)
	metrics.ProviderDownMarks.WithLabelValues(cfg.ID).Inc()
}

func (f *Flow) finish(_ context.Context, cfg *provider.Config, out *Outcome) *Outcome {
	metrics.LoginOutcomes.WithLabelValues(cfg.ID, string(out.Status)).Inc()
	return out
}
