package federation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/cache"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/claimmap"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/flow"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/health"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/idtoken"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/resolver"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/state"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/http/session"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/store/memory"
)

const (
	clientSecret = "hmac-shared-secret"
	issuerURL    = "https://idp.example.com"
	callbackPath = "/accounts/oidc/callback"
)

// nonceBox lets the fake token endpoint sign with the nonce of the
// current login attempt.
type nonceBox struct{ nonce string }

func newTestRouter(t *testing.T) (*chi.Mux, *nonceBox) {
	t.Helper()
	box := &nonceBox{}

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := jwtv5.MapClaims{
			"iss":   issuerURL,
			"aud":   "rp-client",
			"sub":   "sub-1",
			"nonce": box.nonce,
			"exp":   time.Now().Add(5 * time.Minute).Unix(),
			"iat":   time.Now().Unix(),
			"email": "ada@example.com",
		}
		raw, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString([]byte(clientSecret))
		if err != nil {
			t.Errorf("sign: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "at", "token_type": "Bearer", "id_token": raw,
		})
	}))
	t.Cleanup(idp.Close)

	cfg := provider.Config{
		ID:                    "idp",
		Issuer:                issuerURL,
		AuthorizationEndpoint: issuerURL + "/authorize",
		TokenEndpoint:         idp.URL + "/token",
		EndSessionEndpoint:    issuerURL + "/logout",
		ClientID:              "rp-client",
		ClientSecret:          clientSecret,
		IDTokenAlgo:           provider.AlgoHMAC,
		Strategy:              provider.StrategyCreate,
		ClaimMappings: []provider.ClaimMapping{
			{Claim: "email", Attribute: "email"},
		},
	}
	source, err := provider.NewStaticSource([]provider.Config{cfg})
	if err != nil {
		t.Fatal(err)
	}
	registry := provider.NewRegistry(source)

	store := memory.New()
	sessions := session.NewManager(cache.NewMemory(""), session.Config{CookieName: "sid"})
	f := flow.New(flow.Deps{
		Registry:    registry,
		States:      state.New([]byte("0123456789abcdef0123456789abcdef")),
		Tokens:      idtoken.New(),
		Claims:      claimmap.New(nil),
		Accounts:    resolver.New(store, nil),
		Repo:        store,
		Health:      health.New(cache.NewMemory(""), nil),
		Sessions:    sessions,
		Store:       cache.NewMemory(""),
		CallbackURL: "http://rp.example.com" + callbackPath,
		Client:      idp.Client(),
	})

	ctrl := New(f, registry, sessions, Config{CallbackPath: callbackPath})
	r := chi.NewRouter()
	ctrl.Register(r)
	return r, box
}

func cookieByName(res *http.Response, name string) *http.Cookie {
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// beginLogin runs the begin endpoint and returns the authorization
// redirect plus the cookies the callback will need.
func beginLogin(t *testing.T, r *chi.Mux, path string) (*url.URL, []*http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	res := rec.Result()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("begin status %d", res.StatusCode)
	}
	loc, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	return loc, res.Cookies()
}

func TestBegin_RedirectsWithCookies(t *testing.T) {
	r, _ := newTestRouter(t)
	loc, cookies := beginLogin(t, r, "/accounts/oidc/login/idp?next=/dashboard")

	if !strings.HasPrefix(loc.String(), issuerURL+"/authorize?") {
		t.Fatalf("location: %s", loc)
	}
	q := loc.Query()
	if q.Get("client_id") != "rp-client" || q.Get("response_type") != "code" {
		t.Fatalf("authorization query: %v", q)
	}

	var stateCookie, providerCookie *http.Cookie
	for _, c := range cookies {
		switch c.Name {
		case "fedlogin-state":
			stateCookie = c
		case "fedlogin-provider":
			providerCookie = c
		}
	}
	if stateCookie == nil || stateCookie.Value == "" {
		t.Fatal("state cookie not set")
	}
	if stateCookie.Path != callbackPath || !stateCookie.HttpOnly {
		t.Fatalf("state cookie scope: %+v", stateCookie)
	}
	if providerCookie == nil || providerCookie.Value != "idp" {
		t.Fatalf("provider cookie: %+v", providerCookie)
	}
}

func TestBegin_UnknownProvider(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/oidc/login/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestLoginInitiate_ByIssuer(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/oidc/login?iss="+url.QueryEscape(issuerURL), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/oidc/login", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing iss must 400, got %d", rec.Code)
	}
}

func TestCallback_FullLogin(t *testing.T) {
	r, box := newTestRouter(t)
	loc, cookies := beginLogin(t, r, "/accounts/oidc/login/idp?next=/dashboard")
	box.nonce = loc.Query().Get("nonce")

	cb := callbackPath + "?code=authcode&state=" + url.QueryEscape(loc.Query().Get("state"))
	req := httptest.NewRequest(http.MethodGet, cb, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	res := rec.Result()

	if res.StatusCode != http.StatusFound {
		t.Fatalf("callback status %d: %s", res.StatusCode, rec.Body.String())
	}
	if got := res.Header.Get("Location"); got != "/dashboard" {
		t.Fatalf("redirect target: %q", got)
	}
	if sid := cookieByName(res, "sid"); sid == nil || sid.Value == "" {
		t.Fatal("session cookie not set")
	}
	// single-use cookies are deleted on the callback
	if sc := cookieByName(res, "fedlogin-state"); sc == nil || sc.MaxAge != -1 {
		t.Fatalf("state cookie not deleted: %+v", sc)
	}
	if pc := cookieByName(res, "fedlogin-provider"); pc == nil || pc.MaxAge != -1 {
		t.Fatalf("provider cookie not deleted: %+v", pc)
	}
}

func TestCallback_NoProviderIdentification(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, callbackPath+"?code=x&state=y", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCallback_ReplayWithoutCookieFails(t *testing.T) {
	r, box := newTestRouter(t)
	loc, cookies := beginLogin(t, r, "/accounts/oidc/login/idp")
	box.nonce = loc.Query().Get("nonce")

	// only the provider cookie survives; the state cookie is gone
	cb := callbackPath + "?code=authcode&state=" + url.QueryEscape(loc.Query().Get("state"))
	req := httptest.NewRequest(http.MethodGet, cb, nil)
	for _, c := range cookies {
		if c.Name == "fedlogin-provider" {
			req.AddCookie(c)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCallback_AccessDenied(t *testing.T) {
	r, _ := newTestRouter(t)
	loc, cookies := beginLogin(t, r, "/accounts/oidc/login/idp")

	cb := callbackPath + "?error=access_denied&state=" + url.QueryEscape(loc.Query().Get("state"))
	req := httptest.NewRequest(http.MethodGet, cb, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNextURL_OpenRedirectGuard(t *testing.T) {
	for raw, want := range map[string]string{
		"":                  "/",
		"/dashboard":        "/dashboard",
		"//evil.example":    "/",
		"https://evil.com/": "/",
		"relative/path":     "/",
	} {
		if got := nextURL(raw); got != want {
			t.Fatalf("nextURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestLogout_WithoutSession(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/oidc/logout?next=/bye", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/bye" {
		t.Fatalf("redirect: %q", got)
	}
}

func TestLogout_ChainsProviderEndSession(t *testing.T) {
	r, box := newTestRouter(t)
	loc, cookies := beginLogin(t, r, "/accounts/oidc/login/idp")
	box.nonce = loc.Query().Get("nonce")

	cb := callbackPath + "?code=authcode&state=" + url.QueryEscape(loc.Query().Get("state"))
	req := httptest.NewRequest(http.MethodGet, cb, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	sid := cookieByName(rec.Result(), "sid")
	if sid == nil || sid.Value == "" {
		t.Fatal("login did not set the session cookie")
	}

	req = httptest.NewRequest(http.MethodGet, "/accounts/oidc/logout?next=/bye", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: sid.Value})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status %d", rec.Code)
	}
	target, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(target.String(), issuerURL+"/logout?") {
		t.Fatalf("expected the provider end-session redirect, got %s", target)
	}
	hint := target.Query().Get("id_token_hint")
	if hint == "" || len(strings.Split(hint, ".")) != 3 {
		t.Fatalf("id_token_hint must carry the session's id_token, got %q", hint)
	}
	if target.Query().Get("post_logout_redirect_uri") != "/bye" {
		t.Fatalf("post_logout_redirect_uri: %q", target.Query().Get("post_logout_redirect_uri"))
	}
}

func TestSelectAccount_MissingFields(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/accounts/oidc/select-account", strings.NewReader("handle=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}
