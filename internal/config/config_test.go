package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
)

const sampleYAML = `
app:
  app_env: dev
server:
  base_url: https://accounts.example.com
federation:
  state_secret: yaml-secret
providers:
  - id: dev-idp
    name: Development IdP
    issuer: https://idp.example.com
    authorization_endpoint: https://idp.example.com/authorize
    token_endpoint: https://idp.example.com/token
    client_id: rp-client
    client_secret: yaml-client-secret
    scopes: [profile, email]
    algo: hmac
    strategy: create
    link_by_email: true
    email_is_unique: true
    max_auth_age: 10m
    claim_mappings:
      - claim: email
        attribute: email
        verified: if-source-flag
        required: true
      - claim: birthdate
        attribute: birthdate
        source: userinfo
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsAndParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, "memory", cfg.Cache.Kind)
	require.Equal(t, "/accounts/oidc/callback", cfg.Federation.CallbackPath)
	require.Equal(t, time.Hour, cfg.JWKSRefresh())
	require.Equal(t, 12*time.Hour, cfg.SessionTTL())
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://accounts.example.com/accounts/oidc/callback", cfg.CallbackURL())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("FEDERATION_STATE_SECRET", "env-secret")
	t.Setenv("PROVIDER_DEV_IDP_CLIENT_SECRET", "env-client-secret")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "env-secret", cfg.Federation.StateSecret)
	require.Equal(t, "env-client-secret", cfg.Providers[0].ClientSecret)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cfg.Federation.StateSecret = ""
	require.Error(t, cfg.Validate(), "missing state secret")
	cfg.Federation.StateSecret = "x"

	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = ""
	require.Error(t, cfg.Validate(), "postgres without DSN")
	cfg.Storage.Driver = "memory"

	cfg.Session.TTL = "not-a-duration"
	require.Error(t, cfg.Validate(), "bad session ttl")
	cfg.Session.TTL = "12h"

	cfg.Providers = append(cfg.Providers, cfg.Providers[0])
	require.Error(t, cfg.Validate(), "duplicate provider ids")
}

func TestProviderConfigs(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	configs, err := cfg.ProviderConfigs()
	require.NoError(t, err)
	require.Len(t, configs, 1)

	p := configs[0]
	require.Equal(t, provider.AlgoHMAC, p.IDTokenAlgo)
	require.Equal(t, provider.StrategyCreate, p.Strategy)
	require.Equal(t, 10*time.Minute, p.MaxAuthAge)
	require.Len(t, p.ClaimMappings, 2)
	require.Equal(t, provider.VerifiedIfSourceFlag, p.ClaimMappings[0].Verified)
	require.True(t, p.ClaimMappings[0].Required)
	require.Equal(t, provider.SourceUserInfo, p.ClaimMappings[1].Source)
	require.NoError(t, p.Validate())

	cfg.Providers[0].Algo = "dsa"
	_, err = cfg.ProviderConfigs()
	require.Error(t, err, "unknown algo")
}
