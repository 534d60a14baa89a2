package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Discovery is the subset of the openid-configuration document used to
// register a provider.
type Discovery struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsParameterSupported         bool     `json:"claims_parameter_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
}

// DiscoveryURL derives the well-known configuration URL of an issuer.
// The issuer must be an https URL without query or fragment.
func DiscoveryURL(issuer string) (string, error) {
	parsed, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("invalid issuer URL: %w", err)
	}
	if parsed.Scheme != "https" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("invalid issuer URL %q: must use https and have no query or fragment", issuer)
	}
	return strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration", nil
}

// FetchDiscovery downloads and validates an issuer's openid-configuration.
func FetchDiscovery(ctx context.Context, client *http.Client, issuer string) (*Discovery, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	u, err := DiscoveryURL(issuer)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to reach the OpenID Connect configuration for %s: %w", issuer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("openid-configuration for %s returned HTTP %d", issuer, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var d Discovery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("invalid OpenID Connect configuration for %s: %w", issuer, err)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("invalid OpenID Connect configuration for %s: %w", issuer, err)
	}
	return &d, nil
}

func (d *Discovery) validate() error {
	required := map[string]string{
		"issuer":                 d.Issuer,
		"authorization_endpoint": d.AuthorizationEndpoint,
		"token_endpoint":         d.TokenEndpoint,
		"jwks_uri":               d.JWKSURI,
		"userinfo_endpoint":      d.UserInfoEndpoint,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("missing key %s", key)
		}
		if u, err := url.Parse(value); err != nil || u.Scheme != "https" {
			return fmt.Errorf("%s is not an https:// URL: %s", key, value)
		}
	}
	codeSupported := false
	for _, rt := range d.ResponseTypesSupported {
		if rt == "code" {
			codeSupported = true
		}
	}
	if !codeSupported {
		return fmt.Errorf("authorization code flow is unsupported: code response type is unsupported")
	}
	return nil
}

// algoFromSupported selects the strongest common algorithm family.
func algoFromSupported(supported []string) (Algo, error) {
	has := func(prefix string) bool {
		for _, alg := range supported {
			if strings.HasPrefix(alg, prefix) {
				return true
			}
		}
		return false
	}
	switch {
	case has("RS"):
		return AlgoRSA, nil
	case has("HS"):
		return AlgoHMAC, nil
	case has("ES"):
		return AlgoEC, nil
	default:
		return AlgoNone, fmt.Errorf("no common algorithm found for signing idtokens: %v", supported)
	}
}

// RegisterIssuer builds a provider configuration from an issuer's
// discovery document, fetching its key set. The result still has to be
// persisted by the caller (configuration file or admin store).
func RegisterIssuer(ctx context.Context, client *http.Client, id, name, clientID, clientSecret, issuer string) (*Config, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	d, err := FetchDiscovery(ctx, client, issuer)
	if err != nil {
		return nil, err
	}
	algo, err := algoFromSupported(d.IDTokenSigningAlgValuesSupported)
	if err != nil {
		return nil, err
	}

	var set *JWKSet
	if algo == AlgoRSA || algo == AlgoEC {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.JWKSURI, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("unable to reach the OpenID Connect JWKSet for %s: %s: %w", issuer, d.JWKSURI, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("JWKSet for %s returned HTTP %d", issuer, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		set, err = ParseJWKSet(body)
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ID:                       id,
		Name:                     name,
		Issuer:                   d.Issuer,
		AuthorizationEndpoint:    d.AuthorizationEndpoint,
		TokenEndpoint:            d.TokenEndpoint,
		UserInfoEndpoint:         d.UserInfoEndpoint,
		EndSessionEndpoint:       d.EndSessionEndpoint,
		JWKSetURL:                d.JWKSURI,
		JWKSet:                   set,
		ClientID:                 clientID,
		ClientSecret:             clientSecret,
		IDTokenAlgo:              algo,
		Strategy:                 StrategyCreate,
		ClaimsParameterSupported: d.ClaimsParameterSupported,
		SupportedScopes:          d.ScopesSupported,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
