// Package claimmap turns raw provider claims into local account
// attribute values, following the configured claim-mapping rules.
package claimmap

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/audit"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
)

// ErrMisconfiguredAccount is raised when a required mapping cannot be
// satisfied. The login must fail with a user-visible message, never be
// silently dropped.
var ErrMisconfiguredAccount = errors.New("claimmap: account misconfigured")

// Value is one resolved (attribute, value, verified) triple.
type Value struct {
	Attribute string
	Value     string
	Verified  bool
}

// Legacy reserved attributes, applied to the account record itself and
// before any custom attribute.
var legacyAttributes = map[string]bool{
	"username":   true,
	"email":      true,
	"first_name": true,
	"last_name":  true,
}

// IsLegacyAttribute reports whether the attribute maps to an account
// field rather than the attribute bag.
func IsLegacyAttribute(name string) bool {
	return legacyAttributes[name]
}

// Resolver evaluates claim mappings.
type Resolver struct {
	journal      audit.Journal
	translations map[string]map[string]string
}

// New builds a resolver. journal may be nil.
func New(journal audit.Journal) *Resolver {
	if journal == nil {
		journal = audit.Nop()
	}
	return &Resolver{
		journal:      journal,
		translations: builtinTranslations(),
	}
}

// RegisterTranslation installs or replaces a translation table used by
// translate: expressions.
func (r *Resolver) RegisterTranslation(name string, table map[string]string) {
	r.translations[name] = table
}

// Resolve evaluates every mapping against the ID-token and userinfo
// claims. The result keeps legacy reserved attributes first, then
// custom attributes, each group in configuration order.
//
// A required mapping that is absent or invalid raises
// ErrMisconfiguredAccount; optional invalid values are skipped with a
// warning.
func (r *Resolver) Resolve(ctx context.Context, mappings []provider.ClaimMapping, idTokenClaims, userInfoClaims map[string]any) ([]Value, error) {
	log := logger.From(ctx).With(logger.Component("claimmap"))

	// merged context for template expressions
	context := make(map[string]any, len(idTokenClaims)+len(userInfoClaims))
	for k, v := range idTokenClaims {
		context[k] = v
	}
	for k, v := range userInfoClaims {
		context[k] = v
	}

	var legacy, custom []Value
	for _, m := range mappings {
		source := idTokenClaims
		sourceName := "id_token"
		if m.Source == provider.SourceUserInfo {
			source = userInfoClaims
			sourceName = "user_info"
		}

		expr := parseExpr(m.Claim)

		raw, found := expr.evaluate(source, context, r.translations)
		if !found {
			if m.Required {
				r.journal.Record(ctx, audit.EventClaimError, map[string]any{
					"missing": true,
					"claim":   m.Claim,
					"source":  sourceName,
				})
				return nil, fmt.Errorf("%w: missing required claim %s", ErrMisconfiguredAccount, m.Claim)
			}
			continue
		}

		value := stringify(raw)

		if err := validateAttribute(m.Attribute, value); err != nil {
			if m.Required {
				r.journal.Record(ctx, audit.EventClaimError, map[string]any{
					"missing": false,
					"claim":   m.Claim,
					"source":  sourceName,
				})
				return nil, fmt.Errorf("%w: invalid value for required claim %s", ErrMisconfiguredAccount, m.Claim)
			}
			log.Warn("invalid claim value ignored",
				logger.String("claim", m.Claim),
				logger.String("attribute", m.Attribute),
				logger.Err(err),
			)
			continue
		}

		verified := false
		switch m.Verified {
		case provider.VerifiedIfSourceFlag:
			// expr.Claim, not m.Claim: a translate: expression carries
			// the real claim key after the table name.
			if expr.Kind == TransformReference || expr.Kind == TransformTranslate {
				flag, _ := source[expr.Claim+"_verified"].(bool)
				verified = flag
			}
		case provider.VerifiedAlways:
			verified = true
		}

		v := Value{Attribute: m.Attribute, Value: value, Verified: verified}
		if IsLegacyAttribute(m.Attribute) {
			legacy = append(legacy, v)
		} else {
			custom = append(custom, v)
		}
	}
	return append(legacy, custom...), nil
}

// validateAttribute applies attribute-level validation for attributes
// with a known value shape.
func validateAttribute(attribute, value string) error {
	if attribute == "email" && value != "" {
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("malformed email %q", value)
		}
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers; keep integers readable
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
