// Package config loads the service configuration from YAML with
// environment overrides. Secrets (state secret, client secrets, DSN)
// normally come from the environment; the YAML holds the shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env     string `yaml:"app_env"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
		// BaseURL is the externally visible origin, used to build the
		// provider redirect_uri.
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`

	Storage struct {
		// memory | postgres
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
		Migrate bool `yaml:"migrate"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Federation struct {
		// StateSecret signs the state parameter and derives the nonce.
		StateSecret string `yaml:"state_secret"`
		// CallbackPath is appended to server.base_url as redirect_uri.
		CallbackPath string `yaml:"callback_path"`
		// CookiePrefix names the state cookie "<prefix>-state".
		CookiePrefix string `yaml:"cookie_prefix"`
		// JWKSRefreshInterval drives the background key refresh,
		// a Go duration string ("1h").
		JWKSRefreshInterval string `yaml:"jwks_refresh_interval"`
	} `yaml:"federation"`

	Session struct {
		CookieName string `yaml:"cookie_name"`
		TTL        string `yaml:"ttl"`
		Secure     bool   `yaml:"secure"`
	} `yaml:"session"`

	Providers []Provider `yaml:"providers"`
}

// Provider is the YAML shape of one identity provider entry.
type Provider struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Issuer string `yaml:"issuer"`

	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	UserInfoEndpoint      string `yaml:"userinfo_endpoint"`
	EndSessionEndpoint    string `yaml:"end_session_endpoint"`

	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	// ScopesSupported mirrors the provider's discovery table; requested
	// scopes outside it are not sent. Empty means no filtering.
	ScopesSupported []string `yaml:"scopes_supported"`

	JWKSURI string `yaml:"jwks_uri"`
	// Algo is the ID token signature family: RSA | EC | HMAC.
	Algo string `yaml:"algo"`

	Strategy             string `yaml:"strategy"`
	SupportsMultiAccount bool   `yaml:"supports_multiaccount"`
	LinkByEmail          bool   `yaml:"link_by_email"`
	EmailIsUnique        bool   `yaml:"email_is_unique"`
	OrgUnit              string `yaml:"org_unit"`
	// MaxAuthAge is a Go duration string ("10m"); empty disables the check.
	MaxAuthAge      string `yaml:"max_auth_age"`
	ClaimsParameter bool   `yaml:"claims_parameter"`

	ClaimMappings []ClaimMapping `yaml:"claim_mappings"`
}

// ClaimMapping is the YAML shape of one claim mapping rule.
type ClaimMapping struct {
	Claim     string `yaml:"claim"`
	Attribute string `yaml:"attribute"`
	// Verified: never | if-source-flag | always
	Verified string `yaml:"verified"`
	Required bool   `yaml:"required"`
	// Source: id_token | userinfo
	Source string `yaml:"source"`
}

// Load reads and parses the YAML file, applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Federation.CallbackPath == "" {
		c.Federation.CallbackPath = "/accounts/oidc/callback"
	}
	if c.Federation.CookiePrefix == "" {
		c.Federation.CookiePrefix = "fedlogin"
	}
	if c.Federation.JWKSRefreshInterval == "" {
		c.Federation.JWKSRefreshInterval = "1h"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "session"
	}
	if c.Session.TTL == "" {
		c.Session.TTL = "12h"
	}

	c.applyEnvOverrides()
	return &c, nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("SERVER_BASE_URL"); ok {
		c.Server.BaseURL = v
	}
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvBool("STORAGE_MIGRATE"); ok {
		c.Storage.Migrate = v
	}
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("CACHE_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("CACHE_REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvInt("CACHE_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("FEDERATION_STATE_SECRET"); ok {
		c.Federation.StateSecret = v
	}
	if v, ok := getEnvBool("SESSION_SECURE"); ok {
		c.Session.Secure = v
	}
	// per-provider secrets: PROVIDER_<ID>_CLIENT_SECRET
	for i := range c.Providers {
		key := "PROVIDER_" + strings.ToUpper(strings.ReplaceAll(c.Providers[i].ID, "-", "_")) + "_CLIENT_SECRET"
		if v, ok := getEnvStr(key); ok {
			c.Providers[i].ClientSecret = v
		}
	}
}

// JWKSRefresh returns the parsed key-refresh interval.
func (c *Config) JWKSRefresh() time.Duration {
	return parseDuration(c.Federation.JWKSRefreshInterval, time.Hour)
}

// SessionTTL returns the parsed session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, 12*time.Hour)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate checks the invariants the service cannot start without.
func (c *Config) Validate() error {
	if c.Federation.StateSecret == "" {
		return fmt.Errorf("config: federation.state_secret is required")
	}
	if _, err := time.ParseDuration(c.Federation.JWKSRefreshInterval); err != nil {
		return fmt.Errorf("config: federation.jwks_refresh_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Session.TTL); err != nil {
		return fmt.Errorf("config: session.ttl: %w", err)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn is required for the postgres driver")
	}
	seen := map[string]bool{}
	for i := range c.Providers {
		if c.Providers[i].ID == "" {
			return fmt.Errorf("config: providers[%d] has no id", i)
		}
		if seen[c.Providers[i].ID] {
			return fmt.Errorf("config: duplicate provider id %q", c.Providers[i].ID)
		}
		seen[c.Providers[i].ID] = true
	}
	return nil
}

// CallbackURL is the absolute redirect_uri registered at every provider.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + c.Federation.CallbackPath
}

// ProviderConfigs converts the YAML entries into runtime provider
// configurations. Key sets are not fetched here; the refresher fills
// them in at startup and on its interval.
func (c *Config) ProviderConfigs() ([]provider.Config, error) {
	out := make([]provider.Config, 0, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]

		algo, err := provider.ParseAlgo(p.Algo)
		if err != nil {
			return nil, fmt.Errorf("config: provider %s: %w", p.ID, err)
		}
		strategy, err := provider.ParseStrategy(p.Strategy)
		if err != nil {
			return nil, fmt.Errorf("config: provider %s: %w", p.ID, err)
		}
		var maxAuthAge time.Duration
		if p.MaxAuthAge != "" {
			maxAuthAge, err = time.ParseDuration(p.MaxAuthAge)
			if err != nil {
				return nil, fmt.Errorf("config: provider %s: max_auth_age: %w", p.ID, err)
			}
		}

		mappings := make([]provider.ClaimMapping, 0, len(p.ClaimMappings))
		for _, m := range p.ClaimMappings {
			verified, err := provider.ParseVerifiedPolicy(m.Verified)
			if err != nil {
				return nil, fmt.Errorf("config: provider %s: %w", p.ID, err)
			}
			source, err := provider.ParseClaimSource(m.Source)
			if err != nil {
				return nil, fmt.Errorf("config: provider %s: %w", p.ID, err)
			}
			mappings = append(mappings, provider.ClaimMapping{
				Claim:     m.Claim,
				Attribute: m.Attribute,
				Verified:  verified,
				Required:  m.Required,
				Source:    source,
			})
		}

		out = append(out, provider.Config{
			ID:                       p.ID,
			Name:                     p.Name,
			Issuer:                   p.Issuer,
			AuthorizationEndpoint:    p.AuthorizationEndpoint,
			TokenEndpoint:            p.TokenEndpoint,
			UserInfoEndpoint:         p.UserInfoEndpoint,
			EndSessionEndpoint:       p.EndSessionEndpoint,
			ClientID:                 p.ClientID,
			ClientSecret:             p.ClientSecret,
			Scopes:                   p.Scopes,
			SupportedScopes:          p.ScopesSupported,
			JWKSetURL:                p.JWKSURI,
			IDTokenAlgo:              algo,
			Strategy:                 strategy,
			SupportsMultiAccount:     p.SupportsMultiAccount,
			LinkByEmail:              p.LinkByEmail,
			EmailIsUnique:            p.EmailIsUnique,
			OrgUnit:                  p.OrgUnit,
			MaxAuthAge:               maxAuthAge,
			ClaimsParameterSupported: p.ClaimsParameter,
			ClaimMappings:            mappings,
		})
	}
	return out, nil
}
