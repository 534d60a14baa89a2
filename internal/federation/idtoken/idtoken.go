// Package idtoken validates OIDC ID tokens against a provider
// configuration. Every check has its own tagged error so callers and
// tests can tell the failure modes apart; none of them may be recovered
// into an authenticated login.
package idtoken

import (
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
)

var (
	// ErrMalformedToken: not a compact-serialization JWT.
	ErrMalformedToken = errors.New("idtoken: malformed token")
	// ErrMissingKeys: RSA/EC configured but the provider has no key set.
	ErrMissingKeys = errors.New("idtoken: no signing keys for configured algorithm")
	// ErrBadSignature: signature invalid, or algorithm outside the
	// configured family (algorithm confusion is never downgraded).
	ErrBadSignature = errors.New("idtoken: signature validation failed")
	// ErrIssuerMismatch: iss differs from the configured issuer.
	ErrIssuerMismatch = errors.New("idtoken: issuer mismatch")
	// ErrAudienceMismatch: aud does not contain the client id, or a
	// multi-valued aud without matching azp.
	ErrAudienceMismatch = errors.New("idtoken: audience mismatch")
	// ErrExpiredToken: exp is in the past.
	ErrExpiredToken = errors.New("idtoken: token expired")
	// ErrStaleAuthentication: iat is older than the provider's
	// max_auth_age, or absent while max_auth_age is configured.
	ErrStaleAuthentication = errors.New("idtoken: authentication too old")
	// ErrNonceMismatch: nonce claim differs from the expected nonce.
	ErrNonceMismatch = errors.New("idtoken: nonce mismatch")
	// ErrMissingSubject: sub claim absent or empty.
	ErrMissingSubject = errors.New("idtoken: missing subject")
)

// Claims is the decoded, verified content of an ID token.
type Claims struct {
	Raw      map[string]any
	Sub      string
	Iss      string
	Nonce    string
	IssuedAt time.Time
	// RawToken is the verified compact serialization, kept so the
	// session can replay it as the logout id_token_hint.
	RawToken string
}

// Validator validates raw ID tokens.
type Validator struct {
	now func() time.Time
}

// New builds a validator.
func New() *Validator {
	return &Validator{now: time.Now}
}

// NewWithClock builds a validator with a fixed clock, for tests.
func NewWithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// expiryLeeway absorbs small clock skew between RP and provider.
const expiryLeeway = 30 * time.Second

// Validate runs every check in order and returns the decoded claims.
// expectedNonce is the value re-derived by the state codec.
func (v *Validator) Validate(raw string, cfg *provider.Config, expectedNonce string) (*Claims, error) {
	// structure first, so key resolution errors do not mask garbage input
	parser := jwtv5.NewParser()
	tok, _, err := parser.ParseUnverified(raw, jwtv5.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	alg, _ := tok.Header["alg"].(string)
	methods := cfg.IDTokenAlgo.SigningMethods()
	if !contains(methods, alg) {
		return nil, fmt.Errorf("%w: token alg %q outside configured %s family", ErrBadSignature, alg, cfg.IDTokenAlgo)
	}

	keyfunc, err := v.keyfunc(cfg)
	if err != nil {
		return nil, err
	}

	verified, err := jwtv5.NewParser(
		jwtv5.WithValidMethods(methods),
		jwtv5.WithoutClaimsValidation(),
	).Parse(raw, keyfunc)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	mapClaims, ok := verified.Claims.(jwtv5.MapClaims)
	if !ok || !verified.Valid {
		return nil, ErrBadSignature
	}

	claims := map[string]any(mapClaims)
	now := v.now()

	iss, _ := claims["iss"].(string)
	if cfg.Issuer != "" && iss != cfg.Issuer {
		return nil, fmt.Errorf("%w: %q != %q", ErrIssuerMismatch, iss, cfg.Issuer)
	}

	if err := checkAudience(claims, cfg.ClientID); err != nil {
		return nil, err
	}

	exp, ok := numericDate(claims["exp"])
	if !ok {
		return nil, fmt.Errorf("%w: exp claim absent", ErrExpiredToken)
	}
	if exp.Add(expiryLeeway).Before(now) {
		return nil, ErrExpiredToken
	}

	iat, hasIat := numericDate(claims["iat"])
	if cfg.MaxAuthAge > 0 {
		if !hasIat {
			return nil, fmt.Errorf("%w: iat missing while max_auth_age is configured", ErrStaleAuthentication)
		}
		if age := now.Sub(iat); age > cfg.MaxAuthAge {
			return nil, fmt.Errorf("%w: %s old", ErrStaleAuthentication, age)
		}
	}

	nonce, _ := claims["nonce"].(string)
	if expectedNonce != "" && nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrMissingSubject
	}

	return &Claims{
		Raw:      claims,
		Sub:      sub,
		Iss:      iss,
		Nonce:    nonce,
		IssuedAt: iat,
		RawToken: raw,
	}, nil
}

// DecodeUserInfo verifies a signed userinfo response (content type
// application/jwt) with the same key material as the ID token and
// returns its claims. Only structure and signature are checked; the
// caller compares sub against the ID token.
func (v *Validator) DecodeUserInfo(raw string, cfg *provider.Config) (map[string]any, error) {
	keyfunc, err := v.keyfunc(cfg)
	if err != nil {
		return nil, err
	}
	tok, err := jwtv5.NewParser(
		jwtv5.WithValidMethods(cfg.IDTokenAlgo.SigningMethods()),
		jwtv5.WithoutClaimsValidation(),
	).Parse(raw, keyfunc)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	mapClaims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok || !tok.Valid {
		return nil, ErrBadSignature
	}
	return map[string]any(mapClaims), nil
}

// keyfunc resolves the verification key for the configured family.
func (v *Validator) keyfunc(cfg *provider.Config) (jwtv5.Keyfunc, error) {
	switch cfg.IDTokenAlgo {
	case provider.AlgoHMAC:
		if cfg.ClientSecret == "" {
			return nil, ErrMissingKeys
		}
		secret := []byte(cfg.ClientSecret)
		return func(*jwtv5.Token) (any, error) { return secret, nil }, nil
	case provider.AlgoRSA, provider.AlgoEC:
		if cfg.JWKSet == nil || len(cfg.JWKSet.Keys) == 0 {
			return nil, ErrMissingKeys
		}
		kty := "RSA"
		if cfg.IDTokenAlgo == provider.AlgoEC {
			kty = "EC"
		}
		keys, err := cfg.JWKSet.PublicKeys(kty)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingKeys, err)
		}
		return func(t *jwtv5.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if k, ok := keys[kid]; ok {
				return k, nil
			}
			if len(keys) == 1 {
				for _, k := range keys {
					return k, nil
				}
			}
			return nil, fmt.Errorf("no key for kid %q", kid)
		}, nil
	default:
		return nil, ErrMissingKeys
	}
}

func checkAudience(claims map[string]any, clientID string) error {
	switch aud := claims["aud"].(type) {
	case string:
		if aud != clientID {
			return fmt.Errorf("%w: aud %q != client_id %q", ErrAudienceMismatch, aud, clientID)
		}
	case []any:
		found := false
		for _, a := range aud {
			if s, _ := a.(string); s == clientID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: aud %v does not contain client_id %q", ErrAudienceMismatch, aud, clientID)
		}
		if len(aud) > 1 {
			azp, _ := claims["azp"].(string)
			if azp == "" {
				return fmt.Errorf("%w: multiple audiences and azp not set", ErrAudienceMismatch)
			}
			if azp != clientID {
				return fmt.Errorf("%w: azp %q does not match client_id %q", ErrAudienceMismatch, azp, clientID)
			}
		}
	default:
		return fmt.Errorf("%w: aud claim absent", ErrAudienceMismatch)
	}
	return nil
}

func numericDate(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
