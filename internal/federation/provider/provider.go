// Package provider holds identity-provider configuration for the
// federated login broker: endpoints, signing material, scopes, the
// account-matching strategy and the claim-mapping rules.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Algo is the ID-token signature algorithm family configured for a
// provider. Tokens signed with an algorithm outside the configured
// family are rejected, whatever key material they reference.
type Algo int

const (
	AlgoNone Algo = iota
	AlgoRSA
	AlgoHMAC
	AlgoEC
)

// SigningMethods returns the JWT algorithm names accepted for the family.
func (a Algo) SigningMethods() []string {
	switch a {
	case AlgoRSA:
		return []string{"RS256", "RS384", "RS512"}
	case AlgoHMAC:
		return []string{"HS256", "HS384", "HS512"}
	case AlgoEC:
		return []string{"ES256", "ES384", "ES512"}
	default:
		return nil
	}
}

func (a Algo) String() string {
	switch a {
	case AlgoRSA:
		return "RSA"
	case AlgoHMAC:
		return "HMAC"
	case AlgoEC:
		return "EC"
	default:
		return "none"
	}
}

// ParseAlgo converts a configuration string into an Algo.
func ParseAlgo(s string) (Algo, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RSA":
		return AlgoRSA, nil
	case "HMAC":
		return AlgoHMAC, nil
	case "EC":
		return AlgoEC, nil
	case "NONE", "":
		return AlgoNone, nil
	default:
		return AlgoNone, fmt.Errorf("unknown signing algorithm %q", s)
	}
}

// Strategy decides how a verified federated identity is matched to a
// local account.
type Strategy string

const (
	// StrategyCreate links by email when possible, else creates a new
	// account.
	StrategyCreate Strategy = "create"
	// StrategyFindBySubject looks the subject up in the federated link
	// table only.
	StrategyFindBySubject Strategy = "find-by-subject"
	// StrategyFindByUsername uses sub as a username lookup.
	StrategyFindByUsername Strategy = "find-by-username"
	// StrategyFindByEmail uses the email claim (or sub when absent) as
	// an email lookup.
	StrategyFindByEmail Strategy = "find-by-email"
	// StrategyNone never matches; logins always fail with no account.
	StrategyNone Strategy = "none"
)

// ParseStrategy validates a configuration string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyCreate, StrategyFindBySubject, StrategyFindByUsername, StrategyFindByEmail, StrategyNone:
		return Strategy(strings.ToLower(strings.TrimSpace(s))), nil
	case "":
		return StrategyNone, nil
	default:
		return StrategyNone, fmt.Errorf("unknown strategy %q", s)
	}
}

// VerifiedPolicy decides the verified flag of a mapped attribute.
type VerifiedPolicy int

const (
	// VerifiedNever leaves mapped values unverified.
	VerifiedNever VerifiedPolicy = iota
	// VerifiedIfSourceFlag trusts the provider's "<claim>_verified"
	// companion claim.
	VerifiedIfSourceFlag
	// VerifiedAlways marks mapped values verified.
	VerifiedAlways
)

// ParseVerifiedPolicy validates a configuration string.
func ParseVerifiedPolicy(s string) (VerifiedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never":
		return VerifiedNever, nil
	case "if-source-flag", "if_source_flag":
		return VerifiedIfSourceFlag, nil
	case "always":
		return VerifiedAlways, nil
	default:
		return VerifiedNever, fmt.Errorf("unknown verified policy %q", s)
	}
}

// ClaimSource selects where a mapped claim is read from.
type ClaimSource int

const (
	SourceIDToken ClaimSource = iota
	SourceUserInfo
)

// ParseClaimSource validates a configuration string.
func ParseClaimSource(s string) (ClaimSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "id_token", "id-token":
		return SourceIDToken, nil
	case "userinfo", "user_info":
		return SourceUserInfo, nil
	default:
		return SourceIDToken, fmt.Errorf("unknown claim source %q", s)
	}
}

// ClaimMapping is one configurable rule translating a provider claim
// into a local account attribute. Claim may be a template expression
// (contains "{{"), evaluated against the merged claim context.
type ClaimMapping struct {
	Claim     string
	Attribute string
	Verified  VerifiedPolicy
	Required  bool
	Source    ClaimSource
}

// Config is the static configuration of one identity provider.
// Immutable during a request; the registry hands out copies.
type Config struct {
	ID     string
	Name   string
	Issuer string

	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	EndSessionEndpoint    string

	ClientID     string
	ClientSecret string

	Scopes []string
	// SupportedScopes is the provider's scopes_supported table from
	// discovery; requested scopes outside it are dropped. Empty means
	// unknown, requested scopes pass as-is.
	SupportedScopes []string

	// JWKSetURL is polled by the refresher; JWKSet is the current key
	// material for RSA/EC providers.
	JWKSetURL string
	JWKSet    *JWKSet

	IDTokenAlgo Algo

	Strategy             Strategy
	SupportsMultiAccount bool
	LinkByEmail          bool
	// EmailIsUnique scopes the email soft-match globally when true,
	// per organizational unit otherwise.
	EmailIsUnique bool
	OrgUnit       string

	// MaxAuthAge bounds now-iat on the ID token; zero disables the check.
	MaxAuthAge time.Duration

	ClaimsParameterSupported bool
	ClaimMappings            []ClaimMapping
}

// Validate checks the invariants an admin-saved provider must satisfy.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("provider: missing id")
	}
	if c.ClientID == "" {
		return errors.New("provider: missing client_id")
	}
	if c.AuthorizationEndpoint == "" || c.TokenEndpoint == "" {
		return errors.New("provider: missing authorization or token endpoint")
	}
	switch c.IDTokenAlgo {
	case AlgoNone:
		return errors.New("provider: a signature method must be declared, e.g. HMAC which uses the client secret as key")
	case AlgoHMAC:
		if c.ClientSecret == "" {
			return errors.New("provider: HMAC signature configured but no client_secret")
		}
	case AlgoRSA, AlgoEC:
		if c.JWKSet == nil || len(c.JWKSet.Keys) == 0 {
			if c.JWKSetURL == "" {
				return fmt.Errorf("provider: %s signature configured but no JWKSet and no jwks_uri", c.IDTokenAlgo)
			}
			// keys arrive through the refresher
			return nil
		}
		want := "RSA"
		if c.IDTokenAlgo == AlgoEC {
			want = "EC"
		}
		found := false
		for _, k := range c.JWKSet.Keys {
			if strings.EqualFold(k.Kty, want) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("provider: JWKSet contains no %s key", want)
		}
	}
	return nil
}

// NeedsUserInfo reports whether at least one claim mapping reads from
// the userinfo endpoint.
func (c *Config) NeedsUserInfo() bool {
	for _, m := range c.ClaimMappings {
		if m.Source == SourceUserInfo {
			return true
		}
	}
	return false
}

// AuthorizationClaims builds the OIDC "claims" authorization parameter
// from the claim mappings, marking required mappings essential.
func (c *Config) AuthorizationClaims() map[string]any {
	idToken := map[string]any{}
	userinfo := map[string]any{}
	for _, m := range c.ClaimMappings {
		if strings.Contains(m.Claim, "{{") {
			continue
		}
		dst := userinfo
		if m.Source == SourceIDToken {
			dst = idToken
		}
		var v map[string]any
		if prev, ok := dst[m.Claim].(map[string]any); ok {
			v = prev
		}
		if m.Required {
			if v == nil {
				v = map[string]any{}
			}
			v["essential"] = true
		}
		if v == nil {
			dst[m.Claim] = nil
		} else {
			dst[m.Claim] = v
		}
	}
	return map[string]any{
		"id_token": idToken,
		"userinfo": userinfo,
	}
}
